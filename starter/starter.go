// Copyright 2025 The revtun Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package starter implements the outbound-only peer of the tunnel: it
// dials the redirector, authenticates, and for every DATA frame either
// lazily opens a backend connection or forwards to the one it already
// opened, proxying backend bytes back the same way.
package starter

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/revtun/revtun/confengine"
	"github.com/revtun/revtun/frame"
	"github.com/revtun/revtun/internal/idlecache"
	"github.com/revtun/revtun/internal/pubsub"
	"github.com/revtun/revtun/internal/rescue"
	"github.com/revtun/revtun/logger"
	"github.com/revtun/revtun/server"
	"github.com/revtun/revtun/tunnel"
	"github.com/revtun/revtun/tunnel/session"
)

// SessionEvent is published on Events for every backend session opened or
// closed, feeding the admin /-/sessions endpoint.
type SessionEvent struct {
	ID     string `json:"id"`
	Port   uint16 `json:"port"`
	Opened bool   `json:"opened"`
}

// backendSession tracks one dialed backend connection. downCh decouples the
// single control-read fiber from this socket's write side: deliverToBackend
// only enqueues onto downCh, so a slow or stalled backend blocks its own
// serveDownstreamWriter fiber, not frame delivery to every other session.
type backendSession struct {
	conn   net.Conn
	port   uint16
	downCh chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newBackendSession(conn net.Conn, port uint16) *backendSession {
	return &backendSession{
		conn:   conn,
		port:   port,
		downCh: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// signalClosed unblocks serveDownstreamWriter once, however the session came
// to an end (peer close, write error, or control-session teardown).
func (bs *backendSession) signalClosed() {
	bs.closeOnce.Do(func() { close(bs.closed) })
}

// Starter is the outbound-only peer.
type Starter struct {
	cfg atomic.Pointer[Config]
	svr *server.Server

	sessions *session.Table[*backendSession]
	idle     *idlecache.Cache
	Events   *pubsub.PubSub
}

// New constructs a Starter from the "starter" section of conf.
func New(conf *confengine.Config) (*Starter, error) {
	if err := setupLogger(conf); err != nil {
		return nil, err
	}

	var cfg Config
	if err := conf.UnpackChild("starter", &cfg); err != nil {
		return nil, err
	}
	if cfg.Auth == "" {
		return nil, errors.New("starter: auth must not be empty")
	}
	if strings.ContainsAny(cfg.Separator, " 0123456789") {
		return nil, errors.Errorf("starter: separator %q may collide with header tokens", cfg.Separator)
	}

	svr, err := server.New(conf)
	if err != nil {
		return nil, err
	}

	s := &Starter{
		svr:      svr,
		sessions: session.NewTable[*backendSession](),
		Events:   pubsub.New(),
	}
	s.idle = idlecache.New(cfg.idleTimeout(), s.onIdleExpire)
	s.cfg.Store(&cfg)
	if svr != nil {
		s.setupAdminRoutes()
	}
	return s, nil
}

// onIdleExpire is idle's eviction callback: closing the backend socket
// makes serveBackendConn's next Read fail, which runs the exact same
// teardown path (session removal, CLOSE upstream) as a peer-initiated
// close (§5).
func (s *Starter) onIdleExpire(id string) {
	if bs, ok := s.sessions.Get(id); ok {
		bs.conn.Close()
	}
}

// config returns the currently active configuration. Reads are lock-free;
// Reload swaps the pointer atomically so in-flight fibers never observe a
// half-updated struct.
func (s *Starter) config() Config {
	return *s.cfg.Load()
}

// Reload replaces the backend target list, the SHRED size cap, and the
// reconnect delay from a freshly loaded config, plus the logger options.
// Auth, Separator and RedirectTo are fixed at construction time: changing
// them would mean a different control session, not a reload.
func (s *Starter) Reload(conf *confengine.Config) error {
	var opts logger.Options
	if err := conf.UnpackChild("logger", &opts); err != nil {
		return err
	}

	var next Config
	if err := conf.UnpackChild("starter", &next); err != nil {
		return err
	}

	cur := s.config()
	cur.Targets = next.Targets
	cur.MaxPacketSize = next.MaxPacketSize
	cur.ReconnectDelay = next.ReconnectDelay
	s.cfg.Store(&cur)

	logger.SetOptions(opts)
	return nil
}

func setupLogger(conf *confengine.Config) error {
	var opts logger.Options
	if err := conf.UnpackChild("logger", &opts); err != nil {
		return err
	}
	if opts.Filename == "" && !opts.Stdout {
		opts.Filename = "revtun-starter.log"
	}
	logger.SetOptions(opts)
	return nil
}

// Start dials, authenticates, and serves the control session, reconnecting
// after cfg.reconnectDelay() whenever the connection drops, until ctx is
// canceled.
func (s *Starter) Start(ctx context.Context) error {
	if s.svr != nil {
		go func() {
			if err := s.svr.ListenAndServe(); err != nil {
				logger.Errorf("starter: admin server stopped: %v", err)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.runOnce(ctx); err != nil {
			logger.Errorf("starter: control session ended: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.config().reconnectDelay()):
			reconnectsTotal.Inc()
		}
	}
}

// runOnce dials, authenticates, and serves one control session end to end.
// Every call starts a fresh session-id namespace.
func (s *Starter) runOnce(parent context.Context) error {
	cfg := s.config()

	conn, err := net.Dial("tcp", cfg.redirectToAddress())
	if err != nil {
		return errors.Wrap(err, "starter: dial redirector")
	}
	defer conn.Close()

	writer := frame.NewWriter(conn, cfg.sepBytes(), false)
	if err := writer.WriteFrame(&frame.Frame{
		Type: frame.Auth, Secret: cfg.Auth, Ports: cfg.advertisedPorts(),
	}); err != nil {
		return errors.Wrap(err, "starter: send AUTH")
	}

	logger.Infof("starter: control session established to %s", cfg.redirectToAddress())

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.sessions = session.NewTable[*backendSession]() // fresh id namespace

	// sessWG tracks every serveBackendConn fiber of this control session.
	// It must reach zero before writeCh is closed: those fibers still hold
	// send cases on writeCh, and closing a channel out from under a
	// pending send panics.
	var sessWG sync.WaitGroup

	writeCh := make(chan *frame.Frame, 256)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer rescue.HandleCrash()
		s.writeLoop(ctx, conn, writeCh)
	}()

	fragments := session.NewTable[*session.FragmentBuffer]()
	s.controlReadLoop(ctx, conn, writeCh, fragments, &sessWG)

	cancel()
	s.sessions.Range(func(_ string, bs *backendSession) {
		bs.conn.Close()
	})
	sessWG.Wait()

	close(writeCh)
	wg.Wait()

	s.sessions.Clear()
	activeSessions.Set(0)

	return nil
}

func (s *Starter) writeLoop(ctx context.Context, conn net.Conn, writeCh chan *frame.Frame) {
	w := frame.NewWriter(conn, s.config().sepBytes(), false)
	for {
		select {
		case f, ok := <-writeCh:
			if !ok {
				return
			}
			framesTotal.WithLabelValues(string(f.Type)).Inc()
			if err := w.WriteFrame(f); err != nil {
				logger.Errorf("starter: write frame: %v", err)
				conn.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Starter) controlReadLoop(ctx context.Context, conn net.Conn, writeCh chan *frame.Frame, fragments *session.Table[*session.FragmentBuffer], sessWG *sync.WaitGroup) {
	defer rescue.HandleCrash()

	reader := frame.NewReader(conn, s.config().sepBytes(), true)

	for {
		f, err := reader.ReadFrame()
		if err != nil {
			if isProtocolViolation(err) {
				protocolViolationsTotal.Inc()
				logger.Warnf("starter: discarding frame: %v", err)
				continue
			}
			return
		}

		framesTotal.WithLabelValues(string(f.Type)).Inc()
		switch f.Type {
		case frame.Data:
			s.deliverToBackend(ctx, f.ID, f.Port, f.Body, writeCh, sessWG)

		case frame.Shred:
			s.handleShred(ctx, f, writeCh, fragments, sessWG)

		case frame.Close:
			s.closeBackend(f.ID)
			fragments.Delete(f.ID)

		default:
			logger.Warnf("starter: unexpected %s frame on established session", f.Type)
		}
	}
}

func isProtocolViolation(err error) bool {
	return errors.Is(err, frame.ErrMalformedHeader) ||
		errors.Is(err, frame.ErrUnknownType) ||
		errors.Is(err, frame.ErrDigestMismatch)
}

// deliverToBackend opens a backend connection on first sight of id, then
// enqueues body onto the session's downCh rather than writing the backend
// socket directly, so a backend that reads slowly never stalls this
// control-read fiber nor any other session behind it.
func (s *Starter) deliverToBackend(ctx context.Context, id string, port uint16, body []byte, writeCh chan *frame.Frame, sessWG *sync.WaitGroup) {
	bs, ok := s.sessions.Get(id)
	if !ok {
		conn, err := net.Dial("tcp", s.config().backendAddress(port))
		if err != nil {
			logger.Errorf("starter: dial backend for session %s port %d: %v", id, port, err)
			backendDialFailuresTotal.Inc()
			select {
			case writeCh <- &frame.Frame{Type: frame.Close, ID: id}:
			default:
			}
			return
		}

		bs = newBackendSession(conn, port)
		s.sessions.Set(id, bs)
		activeSessions.Set(float64(s.sessions.Len()))
		s.Events.Publish(SessionEvent{ID: id, Port: port, Opened: true})

		sessWG.Add(2)
		go s.serveDownstreamWriter(ctx, id, bs, sessWG)
		go s.serveBackendConn(ctx, id, port, conn, writeCh, sessWG)
	}

	s.idle.Touch(id)
	select {
	case bs.downCh <- body:
	case <-bs.closed:
	case <-ctx.Done():
	}
}

// serveDownstreamWriter drains one backend session's downCh and writes it to
// the socket, so a slow backend only ever blocks its own fiber and the
// bounded downCh behind it, never the shared control-read fiber.
func (s *Starter) serveDownstreamWriter(ctx context.Context, id string, bs *backendSession, sessWG *sync.WaitGroup) {
	defer rescue.HandleCrash()
	defer sessWG.Done()

	for {
		select {
		case body, ok := <-bs.downCh:
			if !ok {
				return
			}
			if _, err := bs.conn.Write(body); err != nil {
				s.closeBackend(id)
				return
			}
		case <-bs.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// serveBackendConn reads bytes off a backend socket and frames them back
// toward the redirector; a full writeCh blocks this fiber.
func (s *Starter) serveBackendConn(ctx context.Context, id string, port uint16, conn net.Conn, writeCh chan *frame.Frame, sessWG *sync.WaitGroup) {
	defer rescue.HandleCrash()
	defer sessWG.Done()
	defer func() {
		conn.Close()
		if bs, ok := s.sessions.Get(id); ok {
			bs.signalClosed()
		}
		s.sessions.Delete(id)
		s.idle.Delete(id)
		activeSessions.Set(float64(s.sessions.Len()))
		s.Events.Publish(SessionEvent{ID: id, Port: port, Opened: false})

		select {
		case writeCh <- &frame.Frame{Type: frame.Close, ID: id}:
		case <-ctx.Done():
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.idle.Touch(id)
			for _, f := range tunnel.Frames(id, 0, false, append([]byte(nil), buf[:n]...), s.config().maxPacketSize()) {
				select {
				case writeCh <- f:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Starter) handleShred(ctx context.Context, f *frame.Frame, writeCh chan *frame.Frame, fragments *session.Table[*session.FragmentBuffer], sessWG *sync.WaitGroup) {
	fb, ok := fragments.Get(f.ID)
	if !ok {
		fb = session.NewFragmentBuffer()
		fragments.Set(f.ID, fb)
	}

	joined, complete, err := fb.Add(f.Index, f.Total, f.Body)
	if err != nil {
		logger.Warnf("starter: fragment total mismatch for %s, closing session", f.ID)
		fragments.Delete(f.ID)
		s.closeBackend(f.ID)
		select {
		case writeCh <- &frame.Frame{Type: frame.Close, ID: f.ID}:
		default:
		}
		return
	}
	if complete {
		fragments.Delete(f.ID)
		s.deliverToBackend(ctx, f.ID, f.Port, joined, writeCh, sessWG)
	}
}

func (s *Starter) closeBackend(id string) {
	bs, ok := s.sessions.Get(id)
	if !ok {
		return
	}
	bs.conn.Close()
	bs.signalClosed()
	s.sessions.Delete(id)
	s.idle.Delete(id)
	activeSessions.Set(float64(s.sessions.Len()))
	s.Events.Publish(SessionEvent{ID: id, Port: bs.port, Opened: false})
}
