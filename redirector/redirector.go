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

// Package redirector implements the public-facing peer of the tunnel: it
// accepts one control connection at a time, authenticates it, opens a
// public listener per advertised port, and relays bytes between public
// clients and the starter over the single control channel.
package redirector

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
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

// State is the control session's lifecycle.
type State int

const (
	Listening State = iota
	Authenticating
	Established
	TearingDown
)

func (s State) String() string {
	switch s {
	case Listening:
		return "Listening"
	case Authenticating:
		return "Authenticating"
	case Established:
		return "Established"
	case TearingDown:
		return "TearingDown"
	default:
		return "Unknown"
	}
}

// SessionEvent is published on Events for every session opened or closed,
// feeding the admin /-/sessions endpoint.
type SessionEvent struct {
	ID     string `json:"id"`
	Port   uint16 `json:"port"`
	Opened bool   `json:"opened"`
}

// publicSession tracks one accepted public connection. downCh decouples the
// single control-read fiber from this socket's write side: deliverToPublic
// only enqueues onto downCh, so a slow or stalled public client blocks its
// own serveDownstreamWriter fiber, not frame delivery to every other session.
type publicSession struct {
	conn   net.Conn
	port   uint16
	downCh chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newPublicSession(conn net.Conn, port uint16) *publicSession {
	return &publicSession{
		conn:   conn,
		port:   port,
		downCh: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// signalClosed unblocks serveDownstreamWriter once, however the session came
// to an end (peer close, write error, or control-session teardown).
func (ps *publicSession) signalClosed() {
	ps.closeOnce.Do(func() { close(ps.closed) })
}

// Redirector is the public-facing peer.
type Redirector struct {
	cfg atomic.Pointer[Config]
	svr *server.Server

	mut   sync.RWMutex
	state State

	sessions *session.Table[*publicSession]
	idle     *idlecache.Cache
	Events   *pubsub.PubSub
}

// New constructs a Redirector from the "redirector" section of conf.
func New(conf *confengine.Config) (*Redirector, error) {
	if err := setupLogger(conf); err != nil {
		return nil, err
	}

	var cfg Config
	if err := conf.UnpackChild("redirector", &cfg); err != nil {
		return nil, err
	}
	if cfg.Auth == "" {
		return nil, errors.New("redirector: auth must not be empty")
	}
	if strings.ContainsAny(cfg.Separator, " 0123456789") {
		return nil, errors.Errorf("redirector: separator %q may collide with header tokens", cfg.Separator)
	}

	svr, err := server.New(conf)
	if err != nil {
		return nil, err
	}

	r := &Redirector{
		svr:      svr,
		state:    Listening,
		sessions: session.NewTable[*publicSession](),
		Events:   pubsub.New(),
	}
	r.idle = idlecache.New(cfg.idleTimeout(), r.onIdleExpire)
	r.cfg.Store(&cfg)
	if svr != nil {
		r.setupAdminRoutes()
	}
	return r, nil
}

// onIdleExpire is idle's eviction callback: closing the public socket makes
// servePublicConn's next Read fail, which runs the exact same teardown path
// (session removal, CLOSE upstream) as a peer-initiated close (§5).
func (r *Redirector) onIdleExpire(id string) {
	if ps, ok := r.sessions.Get(id); ok {
		ps.conn.Close()
	}
}

// config returns the currently active configuration; see Reload.
func (r *Redirector) config() Config {
	return *r.cfg.Load()
}

// Reload replaces the SHRED size cap and the AUTH read timeout from a
// freshly loaded config, plus the logger options. Auth, Separator and
// Listen are fixed at construction time: the listening control socket and
// the admission secret do not change without restarting the process.
func (r *Redirector) Reload(conf *confengine.Config) error {
	var opts logger.Options
	if err := conf.UnpackChild("logger", &opts); err != nil {
		return err
	}

	var next Config
	if err := conf.UnpackChild("redirector", &next); err != nil {
		return err
	}

	cur := r.config()
	cur.MaxPacketSize = next.MaxPacketSize
	cur.ReadTimeout = next.ReadTimeout
	r.cfg.Store(&cur)

	logger.SetOptions(opts)
	return nil
}

func setupLogger(conf *confengine.Config) error {
	var opts logger.Options
	if err := conf.UnpackChild("logger", &opts); err != nil {
		return err
	}
	if opts.Filename == "" && !opts.Stdout {
		opts.Filename = "revtun-redirector.log"
	}
	logger.SetOptions(opts)
	return nil
}

func (r *Redirector) State() State {
	r.mut.RLock()
	defer r.mut.RUnlock()
	return r.state
}

func (r *Redirector) setState(s State) {
	r.mut.Lock()
	r.state = s
	r.mut.Unlock()
}

// Start accepts control connections forever, handling at most one at a
// time, until ctx is canceled.
func (r *Redirector) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", r.config().Listen))
	if err != nil {
		return errors.Wrap(err, "redirector: listen control port")
	}

	if r.svr != nil {
		go func() {
			if err := r.svr.ListenAndServe(); err != nil {
				logger.Errorf("redirector: admin server stopped: %v", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		r.setState(Listening)
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "redirector: accept control connection")
			}
		}

		controlSessionsTotal.Inc()
		r.handleControlSession(ctx, conn)
	}
}

// handleControlSession runs Authenticating through TearingDown for one
// control connection, blocking until it ends, then returns to Listening.
func (r *Redirector) handleControlSession(parent context.Context, conn net.Conn) {
	r.setState(Authenticating)

	cfg := r.config()
	reader := frame.NewReader(conn, cfg.sepBytes(), false)

	conn.SetReadDeadline(time.Now().Add(cfg.authTimeout()))
	authFrame, err := reader.ReadFrame()
	conn.SetReadDeadline(time.Time{})
	if err != nil || authFrame.Type != frame.Auth {
		logger.Warnf("redirector: AUTH failed: %v", err)
		authFailuresTotal.Inc()
		conn.Close()
		return
	}
	if authFrame.Secret != cfg.Auth || len(authFrame.Ports) == 0 {
		logger.Warnf("redirector: AUTH rejected (bad secret or empty port list)")
		authFailuresTotal.Inc()
		conn.Close()
		return
	}

	r.setState(Established)
	logger.Infof("redirector: control session established, ports=%v", authFrame.Ports)

	ctx, cancel := context.WithCancel(parent)
	writeCh := make(chan *frame.Frame, 256)
	fragments := session.NewTable[*session.FragmentBuffer]()

	// sessWG tracks every servePublicConn fiber of this control session.
	// It must reach zero before writeCh is closed: those fibers still hold
	// send cases on writeCh, and closing a channel out from under a
	// pending send panics.
	var sessWG sync.WaitGroup
	listeners := r.bringUpListeners(ctx, authFrame.Ports, writeCh, &sessWG)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer rescue.HandleCrash()
		r.writeLoop(ctx, conn, writeCh)
	}()

	r.controlReadLoop(ctx, conn, writeCh, fragments)

	r.setState(TearingDown)
	cancel()
	conn.Close()
	for _, ln := range listeners {
		ln.Close()
	}
	r.sessions.Range(func(_ string, ps *publicSession) {
		ps.conn.Close()
	})
	sessWG.Wait()

	close(writeCh)
	wg.Wait()

	r.sessions.Clear()
	activeSessions.Set(0)

	logger.Infof("redirector: control session torn down")
}

// bringUpListeners opens one public listener per advertised port. A bind
// failure on one port is logged and that port never comes up; the others
// are unaffected.
func (r *Redirector) bringUpListeners(ctx context.Context, ports []uint16, writeCh chan *frame.Frame, sessWG *sync.WaitGroup) []net.Listener {
	var listeners []net.Listener
	var merr *multierror.Error

	for _, port := range ports {
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(int(port)))
		if err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "listen on port %d", port))
			listenerBindFailuresTotal.Inc()
			continue
		}
		listeners = append(listeners, ln)
		go r.acceptPublic(ctx, port, ln, writeCh, sessWG)
	}

	if merr != nil {
		logger.Errorf("redirector: some public listeners failed to bind: %v", merr)
	}
	return listeners
}

func (r *Redirector) acceptPublic(ctx context.Context, port uint16, ln net.Listener, writeCh chan *frame.Frame, sessWG *sync.WaitGroup) {
	defer rescue.HandleCrash()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Errorf("redirector: accept on port %d: %v", port, err)
				return
			}
		}

		id := r.sessions.NewID()
		ps := newPublicSession(conn, port)
		r.sessions.Set(id, ps)
		r.idle.Touch(id)
		activeSessions.Set(float64(r.sessions.Len()))
		r.Events.Publish(SessionEvent{ID: id, Port: port, Opened: true})

		sessWG.Add(2)
		go r.serveDownstreamWriter(ctx, id, ps, sessWG)
		go r.servePublicConn(ctx, id, port, conn, writeCh, sessWG)
	}
}

// servePublicConn reads bytes from a public socket and frames them onto
// writeCh; a full channel blocks this fiber, which is the pause half of the
// backpressure this design relies on. sessWG.Done is deferred so teardown
// can wait out every such fiber before writeCh is closed.
func (r *Redirector) servePublicConn(ctx context.Context, id string, port uint16, conn net.Conn, writeCh chan *frame.Frame, sessWG *sync.WaitGroup) {
	defer rescue.HandleCrash()
	defer sessWG.Done()
	defer func() {
		conn.Close()
		if ps, ok := r.sessions.Get(id); ok {
			ps.signalClosed()
		}
		r.sessions.Delete(id)
		r.idle.Delete(id)
		activeSessions.Set(float64(r.sessions.Len()))
		r.Events.Publish(SessionEvent{ID: id, Port: port, Opened: false})

		select {
		case writeCh <- &frame.Frame{Type: frame.Close, ID: id}:
		case <-ctx.Done():
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			r.idle.Touch(id)
			for _, f := range tunnel.Frames(id, port, true, append([]byte(nil), buf[:n]...), r.config().maxPacketSize()) {
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

// serveDownstreamWriter drains one public session's downCh and writes it to
// the socket, so a slow public client only ever blocks its own fiber and the
// bounded downCh behind it, never the shared control-read fiber.
func (r *Redirector) serveDownstreamWriter(ctx context.Context, id string, ps *publicSession, sessWG *sync.WaitGroup) {
	defer rescue.HandleCrash()
	defer sessWG.Done()

	for {
		select {
		case body, ok := <-ps.downCh:
			if !ok {
				return
			}
			if _, err := ps.conn.Write(body); err != nil {
				r.closePublic(id)
				return
			}
		case <-ps.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop is the single serialized writer fiber for the control channel;
// every frame emitted toward the starter passes through here.
func (r *Redirector) writeLoop(ctx context.Context, conn net.Conn, writeCh chan *frame.Frame) {
	w := frame.NewWriter(conn, r.config().sepBytes(), true)
	for {
		select {
		case f, ok := <-writeCh:
			if !ok {
				return
			}
			framesTotal.WithLabelValues(string(f.Type)).Inc()
			if err := w.WriteFrame(f); err != nil {
				logger.Errorf("redirector: write frame: %v", err)
				conn.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// controlReadLoop dispatches inbound frames from the starter until the
// control connection errors or closes, then returns (triggering teardown).
func (r *Redirector) controlReadLoop(ctx context.Context, conn net.Conn, writeCh chan *frame.Frame, fragments *session.Table[*session.FragmentBuffer]) {
	defer rescue.HandleCrash()

	reader := frame.NewReader(conn, r.config().sepBytes(), false)

	for {
		f, err := reader.ReadFrame()
		if err != nil {
			if isProtocolViolation(err) {
				protocolViolationsTotal.Inc()
				logger.Warnf("redirector: discarding frame: %v", err)
				continue
			}
			return
		}

		framesTotal.WithLabelValues(string(f.Type)).Inc()
		switch f.Type {
		case frame.Data:
			r.deliverToPublic(ctx, f.ID, f.Body, writeCh)

		case frame.Shred:
			r.handleShred(ctx, f, writeCh, fragments)

		case frame.Close:
			r.closePublic(f.ID)
			fragments.Delete(f.ID)

		default:
			logger.Warnf("redirector: unexpected %s frame on established session", f.Type)
		}
	}
}

func isProtocolViolation(err error) bool {
	return errors.Is(err, frame.ErrMalformedHeader) ||
		errors.Is(err, frame.ErrUnknownType) ||
		errors.Is(err, frame.ErrDigestMismatch)
}

// deliverToPublic enqueues body onto the session's downCh rather than
// writing the public socket directly, so a public client that reads slowly
// never stalls this control-read fiber nor any other session behind it.
func (r *Redirector) deliverToPublic(ctx context.Context, id string, body []byte, writeCh chan *frame.Frame) {
	ps, ok := r.sessions.Get(id)
	if !ok {
		select {
		case writeCh <- &frame.Frame{Type: frame.Close, ID: id}:
		default:
		}
		return
	}
	r.idle.Touch(id)
	select {
	case ps.downCh <- body:
	case <-ps.closed:
	case <-ctx.Done():
	}
}

func (r *Redirector) handleShred(ctx context.Context, f *frame.Frame, writeCh chan *frame.Frame, fragments *session.Table[*session.FragmentBuffer]) {
	fb, ok := fragments.Get(f.ID)
	if !ok {
		fb = session.NewFragmentBuffer()
		fragments.Set(f.ID, fb)
	}

	joined, complete, err := fb.Add(f.Index, f.Total, f.Body)
	if err != nil {
		logger.Warnf("redirector: fragment total mismatch for %s, closing session", f.ID)
		fragments.Delete(f.ID)
		r.closePublic(f.ID)
		select {
		case writeCh <- &frame.Frame{Type: frame.Close, ID: f.ID}:
		default:
		}
		return
	}
	if complete {
		fragments.Delete(f.ID)
		r.deliverToPublic(ctx, f.ID, joined, writeCh)
	}
}

func (r *Redirector) closePublic(id string) {
	ps, ok := r.sessions.Get(id)
	if !ok {
		return
	}
	ps.conn.Close()
	ps.signalClosed()
	r.sessions.Delete(id)
	r.idle.Delete(id)
	activeSessions.Set(float64(r.sessions.Len()))
	r.Events.Publish(SessionEvent{ID: id, Port: ps.port, Opened: false})
}
