package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/tunnelctl/common"
)

// daemonStub is the server end of the socket.
type daemonStub struct {
	t     *testing.T
	ln    net.Listener
	conns chan net.Conn
}

func newDaemonStub(t *testing.T) (*daemonStub, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "tunnelctl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "d.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	s := &daemonStub{t: t, ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.conns <- c
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s, path
}

func (s *daemonStub) accept() *peer {
	s.t.Helper()
	select {
	case c := <-s.conns:
		s.t.Cleanup(func() { c.Close() })
		return &peer{t: s.t, conn: c, r: bufio.NewReader(c)}
	case <-time.After(3 * time.Second):
		s.t.Fatal("client did not connect")
		return nil
	}
}

type peer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (p *peer) read() map[string]any {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := p.r.ReadBytes('\n')
	require.NoError(p.t, err)
	var msg map[string]any
	require.NoError(p.t, json.Unmarshal(line, &msg))
	return msg
}

func (p *peer) send(line string) {
	p.t.Helper()
	_, err := p.conn.Write([]byte(line + "\n"))
	require.NoError(p.t, err)
}

func nextEvent(t *testing.T, b Backend) Event {
	t.Helper()
	select {
	case ev := <-b.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func startSocket(t *testing.T, path string) *LocalSocket {
	t.Helper()
	ls := NewLocalSocket(LocalSocketOptions{
		Path:            path,
		FallbackPath:    path,
		ResponseTimeout: 200 * time.Millisecond,
		MinBackoff:      10 * time.Millisecond,
		MaxBackoff:      40 * time.Millisecond,
		Multihop:        true,
	})
	require.NoError(t, ls.Initialize(context.Background()))
	t.Cleanup(func() { ls.Close() })
	return ls
}

func handshake(t *testing.T, stub *daemonStub, ls *LocalSocket) *peer {
	t.Helper()
	p := stub.accept()
	assert.Equal(t, "status", p.read()["type"])
	p.send(`{"type":"status","connected":false}`)
	assert.Equal(t, Initialized{OK: true}, nextEvent(t, ls))
	assert.Equal(t, StateReady, ls.State())
	return p
}

func TestLocalSocket_Session(t *testing.T) {
	stub, path := newDaemonStub(t)
	ls := startSocket(t, path)
	p := handshake(t, stub, ls)
	ctx := context.Background()

	require.NoError(t, ls.Activate(ctx, HopConfig{Type: SingleHop, ServerPublicKey: "abc", ServerPort: 53}, ReasonNone))
	msg := p.read()
	assert.Equal(t, "activate", msg["type"])
	assert.Equal(t, "SingleHop", msg["hopType"])
	assert.Equal(t, float64(53), msg["serverPort"])

	p.send(`{"type":"connected","pubkey":"abc"}`)
	assert.Equal(t, Connected{PublicKey: "abc", HopIndex: -1}, nextEvent(t, ls))

	p.send(`this is not json`)
	p.send(`{"type":"disconnected"}`)
	assert.Equal(t, Disconnected{}, nextEvent(t, ls))

	hops := []HopConfig{{Type: MultiHopEntry, HopIndex: 1}, {Type: MultiHopExit, HopIndex: 0}}
	require.NoError(t, ls.Deactivate(ctx, hops, ReasonNone))
	assert.Equal(t, map[string]any{"type": "deactivate", "hopindex": float64(0)}, p.read())
	assert.Equal(t, map[string]any{"type": "deactivate", "hopindex": float64(1)}, p.read())

	require.NoError(t, ls.Deactivate(ctx, hops, ReasonSwitching))
	assert.Equal(t, Disconnected{}, nextEvent(t, ls))

	require.NoError(t, ls.CheckStatus(ctx))
	assert.Equal(t, "status", p.read()["type"])
	p.send(`{"type":"status","serverIpv4Gateway":"10.64.0.1","deviceIpv4Address":"10.64.0.2","txBytes":5,"rxBytes":7}`)
	assert.Equal(t, StatusUpdated{Status: Status{
		ServerIPv4Gateway: "10.64.0.1",
		DeviceIPv4Address: "10.64.0.2",
		TxBytes:           5,
		RxBytes:           7,
	}}, nextEvent(t, ls))

	logs := make(chan string, 1)
	go func() {
		out, err := ls.BackendLogs(ctx)
		assert.NoError(t, err)
		logs <- out
	}()
	assert.Equal(t, "logs", p.read()["type"])
	p.send(`{"type":"logs","logs":"a|b"}`)
	select {
	case out := <-logs:
		assert.Equal(t, "a\nb", out)
	case <-time.After(3 * time.Second):
		t.Fatal("logs not delivered")
	}
}

func TestLocalSocket_NotReady(t *testing.T) {
	ls := NewLocalSocket(LocalSocketOptions{Path: "/nonexistent/a.sock", FallbackPath: "/nonexistent/b.sock"})

	err := ls.Activate(context.Background(), HopConfig{}, ReasonNone)
	assert.ErrorIs(t, err, common.ErrDaemonNotReady)

	require.NoError(t, ls.Deactivate(context.Background(), nil, ReasonNone))
	assert.Equal(t, Disconnected{}, nextEvent(t, ls))

	out, err := ls.BackendLogs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestLocalSocket_InitTimeoutReconnects(t *testing.T) {
	stub, path := newDaemonStub(t)
	ls := startSocket(t, path)

	first := stub.accept()
	assert.Equal(t, "status", first.read()["type"])
	// No reply: the client gives up and dials again.
	handshake(t, stub, ls)
}

func TestLocalSocket_TransportError(t *testing.T) {
	stub, path := newDaemonStub(t)
	ls := startSocket(t, path)
	p := handshake(t, stub, ls)

	p.conn.Close()
	ev := nextEvent(t, ls)
	require.IsType(t, TransportError{}, ev)
	assert.ErrorIs(t, ev.(TransportError).Err, common.ErrTransport)

	handshake(t, stub, ls)
}

func TestLocalSocket_StatusTimeout(t *testing.T) {
	stub, path := newDaemonStub(t)
	ls := startSocket(t, path)
	p := handshake(t, stub, ls)

	require.NoError(t, ls.CheckStatus(context.Background()))
	assert.Equal(t, "status", p.read()["type"])

	ev := nextEvent(t, ls)
	require.IsType(t, TransportError{}, ev)
	assert.ErrorIs(t, ev.(TransportError).Err, common.ErrTimeout)
}

func TestLocalSocket_IncompleteStatus(t *testing.T) {
	stub, path := newDaemonStub(t)
	ls := startSocket(t, path)
	p := handshake(t, stub, ls)

	require.NoError(t, ls.CheckStatus(context.Background()))
	assert.Equal(t, "status", p.read()["type"])
	p.send(`{"type":"status","txBytes":5}`)
	assert.Equal(t, StatusUpdated{}, nextEvent(t, ls))
	assert.Equal(t, StateReady, ls.State())
}

func TestLocalSocket_AttachAfterClose(t *testing.T) {
	ls := NewLocalSocket(LocalSocketOptions{Path: "/nonexistent/a.sock", FallbackPath: "/nonexistent/b.sock"})
	require.NoError(t, ls.Close())

	client, server := net.Pipe()
	defer server.Close()

	assert.False(t, ls.attach(client))
	_, err := client.Write([]byte("status\n"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
