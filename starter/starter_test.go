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

package starter

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revtun/revtun/frame"
	"github.com/revtun/revtun/internal/idlecache"
	"github.com/revtun/revtun/internal/pubsub"
	"github.com/revtun/revtun/tunnel/session"
)

func newTestStarter(t *testing.T, redirectPort, backendPort int) *Starter {
	t.Helper()
	s := &Starter{
		sessions: session.NewTable[*backendSession](),
		Events:   pubsub.New(),
	}
	s.idle = idlecache.New(time.Minute, s.onIdleExpire)
	s.cfg.Store(&Config{
		Auth:           "hunter2",
		Separator:      "\r\n",
		RedirectTo:     Endpoint{Address: "127.0.0.1", Port: uint16(redirectPort)},
		Targets:        []Endpoint{{Address: "127.0.0.1", Port: uint16(backendPort)}},
		ReconnectDelay: 20 * time.Millisecond,
	})
	return s
}

// fakeRedirector accepts a single control connection and drives it the way
// the real redirector would, for exercising the starter side in isolation.
type fakeRedirector struct {
	ln     net.Listener
	conn   net.Conn
	reader *frame.Reader
	writer *frame.Writer
}

func newFakeRedirector(t *testing.T, addr string, sep []byte) *fakeRedirector {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	return &fakeRedirector{ln: ln}
}

func (fr *fakeRedirector) accept(t *testing.T, sep []byte) {
	t.Helper()
	conn, err := fr.ln.Accept()
	require.NoError(t, err)
	fr.conn = conn
	fr.reader = frame.NewReader(conn, sep, false)
	fr.writer = frame.NewWriter(conn, sep, true)
}

func TestStarterSendsAuthOnConnect(t *testing.T) {
	fr := newFakeRedirector(t, "127.0.0.1:19080", nil)
	defer fr.ln.Close()

	s := newTestStarter(t, 19080, 19081)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	fr.accept(t, []byte("\r\n"))
	defer fr.conn.Close()

	f, err := fr.reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, frame.Auth, f.Type)
	assert.Equal(t, "hunter2", f.Secret)
	assert.Equal(t, []uint16{19081}, f.Ports)
}

func TestStarterLazyDialsBackendOnFirstData(t *testing.T) {
	fr := newFakeRedirector(t, "127.0.0.1:19082", nil)
	defer fr.ln.Close()

	backendLn, err := net.Listen("tcp", "127.0.0.1:19083")
	require.NoError(t, err)
	defer backendLn.Close()

	s := newTestStarter(t, 19082, 19083)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	fr.accept(t, []byte("\r\n"))
	defer fr.conn.Close()

	_, err = fr.reader.ReadFrame() // AUTH
	require.NoError(t, err)

	require.NoError(t, fr.writer.WriteFrame(&frame.Frame{
		Type: frame.Data, ID: "11111111-1111-1111-1111-111111111111",
		Port: 19083, Body: []byte("hello backend"),
	}))

	backendConn, err := backendLn.Accept()
	require.NoError(t, err)
	defer backendConn.Close()

	buf := make([]byte, 64)
	backendConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := backendConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello backend", string(buf[:n]))

	_, err = backendConn.Write([]byte("hi starter"))
	require.NoError(t, err)

	got, err := fr.reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, frame.Data, got.Type)
	assert.Equal(t, "hi starter", string(got.Body))

	backendConn.Close()
	closeFrame, err := fr.reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, frame.Close, closeFrame.Type)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", closeFrame.ID)
}

func TestStarterClosePropagatesToBackend(t *testing.T) {
	fr := newFakeRedirector(t, "127.0.0.1:19084", nil)
	defer fr.ln.Close()

	backendLn, err := net.Listen("tcp", "127.0.0.1:19085")
	require.NoError(t, err)
	defer backendLn.Close()

	s := newTestStarter(t, 19084, 19085)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	fr.accept(t, []byte("\r\n"))
	defer fr.conn.Close()

	_, err = fr.reader.ReadFrame() // AUTH
	require.NoError(t, err)

	require.NoError(t, fr.writer.WriteFrame(&frame.Frame{
		Type: frame.Data, ID: "22222222-2222-2222-2222-222222222222",
		Port: 19085, Body: []byte("x"),
	}))

	backendConn, err := backendLn.Accept()
	require.NoError(t, err)
	defer backendConn.Close()

	require.NoError(t, fr.writer.WriteFrame(&frame.Frame{
		Type: frame.Close, ID: "22222222-2222-2222-2222-222222222222",
	}))

	buf := make([]byte, 1)
	backendConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = backendConn.Read(buf)
	assert.Error(t, err) // backend socket should be closed by the starter
}

// TestStarterReconnectsWithFreshIDNamespace drops the control connection
// and checks the starter both re-authenticates and holds no session from
// the dropped connection, i.e. the session table really was reset rather
// than merely re-dialed.
func TestStarterReconnectsWithFreshIDNamespace(t *testing.T) {
	fr := newFakeRedirector(t, "127.0.0.1:19086", nil)
	defer fr.ln.Close()

	backendLn, err := net.Listen("tcp", "127.0.0.1:19087")
	require.NoError(t, err)
	defer backendLn.Close()

	s := newTestStarter(t, 19086, 19087)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	fr.accept(t, []byte("\r\n"))
	_, err = fr.reader.ReadFrame() // AUTH
	require.NoError(t, err)

	const id = "33333333-3333-3333-3333-333333333333"
	require.NoError(t, fr.writer.WriteFrame(&frame.Frame{
		Type: frame.Data, ID: id, Port: 19087, Body: []byte("first"),
	}))

	backendConn, err := backendLn.Accept()
	require.NoError(t, err)
	buf := make([]byte, 64)
	backendConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := backendConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "first", string(buf[:n]))

	fr.conn.Close() // drop the control connection
	backendConn.Close()

	fr.accept(t, []byte("\r\n")) // starter reconnects after the delay
	_, err = fr.reader.ReadFrame()
	require.NoError(t, err) // fresh AUTH on reconnect

	require.True(t, s.sessions.Len() == 0, "session table should have been reset on reconnect")
}
