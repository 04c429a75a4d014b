package dbus

import (
	"bufio"
	"context"
	"fmt"
	"sync"

	"github.com/tinkersync/xidbus/internal/logging"
)

const busName = "org.freedesktop.DBus"
const busPath = ObjectPath("/org/freedesktop/DBus")

// signalSubID is an opaque handle identifying one active signal
// subscription queue, returned by Connection.SignalQueue.
type signalSubID uint64

// outboundChunk is one queued write: the encoded bytes of a single
// message plus any file descriptors to attach to its first fragment,
// and a completion slot that resolves once the bytes have been handed
// to the kernel (spec.md §4.3, "completes once the bytes are handed
// off").
type outboundChunk struct {
	data []byte
	fds  []int
	done chan error
}

// Connection owns a single D-Bus socket: the authentication handshake,
// serial assignment, the pending-reply table, signal subscription
// queues, and inbound call queues. All mutable state is touched only
// from the read/write loop goroutines or under the mutexes below; no
// field is safe to read directly from outside this file.
type Connection struct {
	t *unixTransport

	serialMu sync.Mutex
	lastSerial uint32

	uniqueName string
	unixFD     bool

	outCh chan outboundChunk

	repliesMu sync.Mutex
	replies   map[uint32]chan *Message

	signalsMu   sync.Mutex
	signalSeq   signalSubID
	signalSubs  map[signalSubID]chan *Message

	callQueuesMu sync.Mutex
	callQueues   map[string]chan *Message

	closeMu  sync.Mutex
	closed   bool
	closeErr error
	doneCh   chan struct{}
}

// signalQueueCap bounds each signal subscription's buffer; beyond this
// the oldest pending entry is dropped with a logged warning rather than
// blocking the shared read loop (spec.md §5 permits documenting a
// bounded alternative to the reference design's unbounded queues).
const signalQueueCap = 64

// Open connects to the UNIX socket at path, performs the EXTERNAL
// authentication handshake, negotiates unix-fd passing, and issues the
// Hello call, returning a ready-to-use Connection whose UniqueName is
// populated. It corresponds to spec.md §4.3's open() operation.
func Open(path string) (*Connection, error) {
	t, err := dialUnix(path)
	if err != nil {
		return nil, err
	}

	unixFD, err := authenticateExternal(t, bufio.NewReader(t))
	if err != nil {
		t.Close()
		return nil, err
	}

	c := &Connection{
		t:          t,
		unixFD:     unixFD,
		outCh:      make(chan outboundChunk, 64),
		replies:    make(map[uint32]chan *Message),
		signalSubs: make(map[signalSubID]chan *Message),
		callQueues: make(map[string]chan *Message),
		doneCh:     make(chan struct{}),
	}

	go c.writeLoop()
	go c.readLoop()

	result, err := c.Call(context.Background(), busName, busPath, busName, "Hello", nil, "", FlagNone)
	if err != nil {
		c.Close()
		return nil, err
	}
	if len(result) != 1 {
		c.Close()
		return nil, &ProtocolError{Reason: "Hello did not return exactly one value"}
	}
	name, ok := result[0].(string)
	if !ok {
		c.Close()
		return nil, &ProtocolError{Reason: "Hello did not return a string"}
	}
	c.uniqueName = name
	return c, nil
}

// UniqueName returns the peer name the bus assigned this connection on
// Hello.
func (c *Connection) UniqueName() string { return c.uniqueName }

// SupportsUnixFDs reports whether the bus agreed to unix-fd passing
// during authentication.
func (c *Connection) SupportsUnixFDs() bool { return c.unixFD }

// nextSerial assigns the next serial: strictly increasing, never zero,
// never reused within the connection's lifetime (spec.md §3).
func (c *Connection) nextSerial() uint32 {
	c.serialMu.Lock()
	defer c.serialMu.Unlock()
	c.lastSerial++
	return c.lastSerial
}

// enqueue marshals msg and pushes it onto the write queue, returning
// once the chunk is on that queue. It does not wait for the write to
// complete; receive from the returned channel for that.
func (c *Connection) enqueue(msg *Message) (chan error, error) {
	data, fds, err := MarshalMessage(msg)
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	select {
	case c.outCh <- outboundChunk{data: data, fds: fds, done: done}:
		return done, nil
	case <-c.doneCh:
		return nil, &TransportError{Op: "enqueue", Err: fmt.Errorf("connection closed")}
	}
}

// writeLoop owns all writes to the socket: it drains outCh strictly in
// enqueue order, sending each message's bytes contiguously so the wire
// never interleaves fragments of two messages (spec.md §5 ordering
// guarantee (a)).
func (c *Connection) writeLoop() {
	for {
		select {
		case chunk := <-c.outCh:
			_, err := c.t.sendWithFDs(chunk.data, chunk.fds)
			chunk.done <- err
			if err != nil {
				logging.Log.WithError(err).Warn("xidbus: write failed, closing connection")
				c.fail(err)
				return
			}
		case <-c.doneCh:
			return
		}
	}
}

// readLoop owns all reads from the socket: one bounded read-with-fds
// per iteration, feeding the framer in a loop while a complete message
// is present, and demultiplexing each message by kind (spec.md §4.3
// "Read path").
func (c *Connection) readLoop() {
	var buf []byte
	var fds []int
	for {
		chunk, err := c.t.recv()
		if err != nil {
			c.fail(err)
			return
		}
		buf = append(buf, chunk...)
		taken, err := c.t.takeFDs(len(c.t.pendingFDs))
		if err != nil {
			c.fail(err)
			return
		}
		fds = append(fds, taken...)

		for {
			msg, rest, restFDs, err := UnmarshalMessage(buf, fds)
			if err != nil {
				logging.Log.WithError(err).Warn("xidbus: protocol error, closing connection")
				c.fail(&ProtocolError{Reason: err.Error()})
				return
			}
			if msg == nil {
				buf = rest
				fds = restFDs
				break
			}
			buf = rest
			fds = restFDs
			c.dispatch(msg)
		}
	}
}

// dispatch routes one fully decoded inbound message to a reply slot, a
// call queue, or every active signal queue, per spec.md §4.3.
func (c *Connection) dispatch(msg *Message) {
	switch {
	case msg.ReplySerial != 0:
		c.repliesMu.Lock()
		ch, ok := c.replies[msg.ReplySerial]
		if ok {
			delete(c.replies, msg.ReplySerial)
		}
		c.repliesMu.Unlock()
		if ok {
			ch <- msg
		} else {
			logging.Log.WithField("reply_serial", msg.ReplySerial).Warn("xidbus: reply with unmatched serial, dropped")
		}
	case msg.Type == TypeMethodCall:
		c.callQueuesMu.Lock()
		ch, ok := c.callQueues[msg.Destination]
		c.callQueuesMu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
				logging.Log.WithField("destination", msg.Destination).Warn("xidbus: call queue full, dropping incoming call")
			}
		}
		// No queue registered for this destination: the message is
		// dropped silently, per the implementer's-choice note in
		// spec.md §9 open question (a).
	case msg.Type == TypeSignal:
		c.signalsMu.Lock()
		for _, ch := range c.signalSubs {
			select {
			case ch <- msg:
			default:
				logging.Log.WithField("member", msg.Member).Warn("xidbus: signal queue full, dropping oldest")
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- msg:
				default:
				}
			}
		}
		c.signalsMu.Unlock()
	default:
		logging.Log.WithField("type", msg.Type.String()).Warn("xidbus: unexpected message kind")
	}
}

// fail terminates the connection: pending replies are resolved with
// err so their callers unblock, and subsequent operations report the
// same failure (spec.md §7 policy: transport/protocol errors terminate
// the connection).
func (c *Connection) fail(err error) {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	close(c.doneCh)
	c.closeMu.Unlock()

	c.repliesMu.Lock()
	replyErrMsg := &Message{Type: TypeError, ErrorName: "dbus.local.ConnectionClosed", Body: []any{err.Error()}, Sig: "s"}
	for serial, ch := range c.replies {
		replyErrMsg.ReplySerial = serial
		ch <- replyErrMsg
		delete(c.replies, serial)
	}
	c.repliesMu.Unlock()
}

// Close stops the write loop, resolves every pending reply with a
// connection-closed ERROR, and closes the socket, which ends the read
// loop. Signal and call queues stay registered and their channels are
// not closed.
func (c *Connection) Close() error {
	c.fail(&TransportError{Op: "close", Err: fmt.Errorf("connection closed by caller")})
	return c.t.Close()
}

// Err returns the error that terminated the connection, if any.
func (c *Connection) Err() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeErr
}
