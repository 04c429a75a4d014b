package client

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
)

// mockBus is the same minimal EXTERNAL-handshake stand-in used by the
// core package's connection tests, reimplemented here against the
// public dbus API since package client cannot reach into package
// dbus's unexported test helpers.
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

const peerIntrospectXML = `<node>
  <interface name="org.example.Iface">
    <method name="Double">
      <arg direction="in" type="i" />
      <arg direction="out" type="i" />
    </method>
    <property name="Count" type="i" access="readwrite" />
  </interface>
</node>`

func TestClientCallInfersSignatureAndUnwrapsSingleReturn(t *testing.T) {
	sockPath, accept := startMockBus(t)
	conn, bus := openWithHello(t, sockPath, accept)
	defer conn.Close()
	c := New(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := make(chan struct {
		v   any
		err error
	}, 1)
	go func() {
		v, err := c.CallSingle(ctx, "org.example.Peer", "/o", "org.example.Iface", "Double", []any{int32(21)}, "")
		ch <- struct {
			v   any
			err error
		}{v, err}
	}()

	introspectCall := bus.recvMessage()
	require.Equal(t, "Introspect", introspectCall.Member)
	bus.send(&dbus.Message{
		Type: dbus.TypeMethodReturn, Serial: 2, ReplySerial: introspectCall.Serial,
		Sig: "s", Body: []any{peerIntrospectXML},
	})

	call := bus.recvMessage()
	require.Equal(t, "Double", call.Member)
	require.Equal(t, dbus.Signature("i"), call.Sig)
	require.Equal(t, int32(21), call.Body[0])
	bus.send(&dbus.Message{
		Type: dbus.TypeMethodReturn, Serial: 3, ReplySerial: call.Serial,
		Sig: "i", Body: []any{int32(42)},
	})

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		require.Equal(t, int32(42), r.v)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Call")
	}
}

func TestClientGetProperty(t *testing.T) {
	sockPath, accept := startMockBus(t)
	conn, bus := openWithHello(t, sockPath, accept)
	defer conn.Close()
	c := New(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := make(chan struct {
		v   any
		err error
	}, 1)
	go func() {
		v, err := c.GetProperty(ctx, "org.example.Peer", "/o", "org.example.Iface", "Count")
		ch <- struct {
			v   any
			err error
		}{v, err}
	}()

	get := bus.recvMessage()
	require.Equal(t, "Get", get.Member)
	require.Equal(t, "org.example.Iface", get.Body[0])
	require.Equal(t, "Count", get.Body[1])
	bus.send(&dbus.Message{
		Type: dbus.TypeMethodReturn, Serial: 2, ReplySerial: get.Serial,
		Sig: "v", Body: []any{dbus.MakeVariant(int32(5))},
	})

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		require.Equal(t, int32(5), r.v)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for GetProperty")
	}
}

func TestClientSubscribeSignalResolvesOwnerAndFiltersDelivery(t *testing.T) {
	sockPath, accept := startMockBus(t)
	conn, bus := openWithHello(t, sockPath, accept)
	defer conn.Close()
	c := New(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type subResult struct {
		sub *SignalSubscription
		err error
	}
	ch := make(chan subResult, 1)
	go func() {
		s, err := c.SubscribeSignal(ctx, "org.example.Peer", "/o", "org.example.Iface", "Tick")
		ch <- subResult{s, err}
	}()

	owner := bus.recvMessage()
	require.Equal(t, "GetNameOwner", owner.Member)
	bus.send(&dbus.Message{
		Type: dbus.TypeMethodReturn, Serial: 2, ReplySerial: owner.Serial,
		Sig: "s", Body: []any{":1.50"},
	})

	addMatch := bus.recvMessage()
	require.Equal(t, "AddMatch", addMatch.Member)
	require.Contains(t, addMatch.Body[0].(string), "sender=':1.50'")
	bus.send(&dbus.Message{
		Type: dbus.TypeMethodReturn, Serial: 3, ReplySerial: addMatch.Serial,
	})

	var sub *SignalSubscription
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		sub = r.sub
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SubscribeSignal")
	}
	defer sub.Close()

	// A signal on a different path must not be delivered; only the
	// exact match passes through.
	bus.send(&dbus.Message{
		Type: dbus.TypeSignal, Serial: 4, Sender: ":1.50",
		Path: "/other", Interface: "org.example.Iface", Member: "Tick",
		Sig: "i", Body: []any{int32(1)},
	})
	bus.send(&dbus.Message{
		Type: dbus.TypeSignal, Serial: 5, Sender: ":1.50",
		Path: "/o", Interface: "org.example.Iface", Member: "Tick",
		Sig: "i", Body: []any{int32(9)},
	})

	select {
	case sig := <-sub.Messages():
		require.Equal(t, dbus.ObjectPath("/o"), sig.Path)
		require.Equal(t, int32(9), sig.Body[0])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for filtered signal delivery")
	}
}
