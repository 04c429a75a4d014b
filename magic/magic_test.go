package magic

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	dbus "github.com/tinkersync/xidbus"
	"github.com/tinkersync/xidbus/client"
)

// mockBus mirrors the harness in package client's tests: a one-shot
// EXTERNAL-handshake stand-in driven over a real UNIX socket, letting
// these tests exercise the actual Introspect wire round trips that
// guessPath/iterPaths depend on rather than stubbing them out.
type mockBus struct {
	t    *testing.T
	conn *net.UnixConn
	r    *bufio.Reader
}

func startMockBus(t *testing.T) (sockPath string, accept func() *mockBus) {
	t.Helper()
	dir := t.TempDir()
	sockPath = filepath.Join(dir, "bus.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ch := make(chan *net.UnixConn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		ch <- c.(*net.UnixConn)
	}()

	return sockPath, func() *mockBus {
		select {
		case c := <-ch:
			b := &mockBus{t: t, conn: c}
			b.serverAuth()
			t.Cleanup(func() { c.Close() })
			return b
		case <-time.After(5 * time.Second):
			t.Fatal("mock bus: timed out waiting for client to connect")
			return nil
		}
	}
}

func (b *mockBus) serverAuth() {
	nul := make([]byte, 1)
	_, err := b.conn.Read(nul)
	require.NoError(b.t, err)
	b.r = bufio.NewReader(b.conn)

	require.True(b.t, strings.HasPrefix(b.readLine(), "AUTH EXTERNAL "))
	b.writeLine("OK 1234deadbeef1234deadbeef1234de")
	require.True(b.t, strings.HasPrefix(b.readLine(), "NEGOTIATE_UNIX_FD"))
	b.writeLine("AGREE_UNIX_FD")
	require.True(b.t, strings.HasPrefix(b.readLine(), "BEGIN"))
}

func (b *mockBus) readLine() string {
	line, err := b.r.ReadString('\n')
	require.NoError(b.t, err)
	return strings.TrimRight(line, "\r\n")
}

func (b *mockBus) writeLine(s string) {
	_, err := fmt.Fprintf(b.conn, "%s\r\n", s)
	require.NoError(b.t, err)
}

func (b *mockBus) recvMessage() *dbus.Message {
	var buf []byte
	for {
		msg, _, _, err := dbus.UnmarshalMessage(buf, nil)
		require.NoError(b.t, err)
		if msg != nil {
			return msg
		}
		chunk := make([]byte, 4096)
		n, err := b.r.Read(chunk)
		require.NoError(b.t, err)
		buf = append(buf, chunk[:n]...)
	}
}

func (b *mockBus) send(msg *dbus.Message) {
	data, _, err := dbus.MarshalMessage(msg)
	require.NoError(b.t, err)
	_, err = b.conn.Write(data)
	require.NoError(b.t, err)
}

func openWithHello(t *testing.T, sockPath string, accept func() *mockBus) (*dbus.Connection, *mockBus) {
	t.Helper()
	type result struct {
		conn *dbus.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := dbus.Open(sockPath)
		ch <- result{c, err}
	}()

	bus := accept()
	hello := bus.recvMessage()
	require.Equal(t, "Hello", hello.Member)
	bus.send(&dbus.Message{
		Type: dbus.TypeMethodReturn, Serial: 1, ReplySerial: hello.Serial,
		Sig: "s", Body: []any{":1.1"},
	})

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.conn, bus
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Hello reply")
		return nil, nil
	}
}

const rootIntrospectXML = `<node>
  <node name="dev" />
</node>`

const devIntrospectXML = `<node>
  <interface name="org.example.Iface">
    <method name="Ping">
      <arg direction="out" type="s" />
    </method>
  </interface>
</node>`

// serveIntrospectTree answers every Introspect call it sees with the
// fixture matching the call's path, answering any path it doesn't
// recognize with an empty <node />, until n distinct paths have been introspected once each
// (mirroring the singleflight cache: a path is only ever queried once).
func serveIntrospectTree(bus *mockBus, docs map[dbus.ObjectPath]string, n int) {
	for i := 0; i < n; i++ {
		call := bus.recvMessage()
		doc, ok := docs[call.Path]
		if !ok {
			doc = `<node />`
		}
		bus.send(&dbus.Message{
			Type: dbus.TypeMethodReturn, Serial: uint32(i + 2), ReplySerial: call.Serial,
			Sig: "s", Body: []any{doc},
		})
	}
}

func TestGuessPathFindsUniqueMethodDeepInTree(t *testing.T) {
	sockPath, accept := startMockBus(t)
	conn, bus := openWithHello(t, sockPath, accept)
	defer conn.Close()

	inner := client.New(conn)
	m := New(inner)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	docs := map[dbus.ObjectPath]string{
		"/":    rootIntrospectXML,
		"/dev": devIntrospectXML,
	}

	type callResult struct {
		vals []any
		err  error
	}
	ch := make(chan callResult, 1)
	go func() {
		vals, err := m.Call(ctx, "org.example.Peer", "", "", "Ping", nil, "")
		ch <- callResult{vals, err}
	}()

	serveIntrospectTree(bus, docs, 2) // "/" then "/dev" during the walk

	call := bus.recvMessage() // the resolved Ping call itself
	require.Equal(t, dbus.ObjectPath("/dev"), call.Path)
	require.Equal(t, "org.example.Iface", call.Interface)
	bus.send(&dbus.Message{
		Type: dbus.TypeMethodReturn, Serial: 10, ReplySerial: call.Serial,
		Sig: "s", Body: []any{"pong"},
	})

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		require.Equal(t, "pong", r.vals[0])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for magic Call to resolve and complete")
	}
}

func TestGuessPathReturnsAmbiguousOrMissingErrorWhenNotFound(t *testing.T) {
	sockPath, accept := startMockBus(t)
	conn, bus := openWithHello(t, sockPath, accept)
	defer conn.Close()

	inner := client.New(conn)
	m := New(inner)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	docs := map[dbus.ObjectPath]string{
		"/":    rootIntrospectXML,
		"/dev": devIntrospectXML,
	}

	ch := make(chan error, 1)
	go func() {
		_, err := m.Call(ctx, "org.example.Peer", "", "", "NoSuchMethod", nil, "")
		ch <- err
	}()

	serveIntrospectTree(bus, docs, 2)

	select {
	case err := <-ch:
		require.Error(t, err)
		_, ok := err.(*ambiguousOrMissingError)
		require.True(t, ok, "got %T: %v", err, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for magic Call to fail")
	}
}

func TestGuessPathSkipsWalkWhenPathGiven(t *testing.T) {
	sockPath, accept := startMockBus(t)
	conn, bus := openWithHello(t, sockPath, accept)
	defer conn.Close()

	inner := client.New(conn)
	m := New(inner)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := make(chan error, 1)
	go func() {
		_, err := m.Call(ctx, "org.example.Peer", "/dev", "", "Ping", nil, "")
		ch <- err
	}()

	// Only "/dev" is introspected: the walk never visits "/" when a path
	// is already given.
	introspectCall := bus.recvMessage()
	require.Equal(t, dbus.ObjectPath("/dev"), introspectCall.Path)
	bus.send(&dbus.Message{
		Type: dbus.TypeMethodReturn, Serial: 2, ReplySerial: introspectCall.Serial,
		Sig: "s", Body: []any{devIntrospectXML},
	})

	call := bus.recvMessage()
	require.Equal(t, "org.example.Iface", call.Interface)
	bus.send(&dbus.Message{
		Type: dbus.TypeMethodReturn, Serial: 3, ReplySerial: call.Serial,
		Sig: "s", Body: []any{"pong"},
	})

	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for magic Call with explicit path")
	}
}
