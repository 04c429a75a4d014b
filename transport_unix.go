package dbus

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// maxReadSize and maxFDs bound a single recvmsg(2) call, per spec.md
// §4.3's read-path cap (128 MiB of data, 255 file descriptors).
// readChunkSize is how much of that cap is actually allocated per read;
// the reusable buffer grows towards maxReadSize only if a single
// recvmsg(2) call ever reports it filled the buffer completely.
const (
	maxReadSize   = 128 << 20
	maxFDs        = 255
	readChunkSize = 64 << 10
)

// unixTransport is a UNIX-domain socket transport with out-of-band
// unix-fd passing, grounded on the reference unixTransport found
// alongside the rest of the godbus-family examples.
type unixTransport struct {
	conn   *net.UnixConn
	oob    [unix.CmsgSpace(maxFDs * 4)]byte
	reader *bufio.Reader
	pendingFDs []int

	// readBuf is reused across recv calls; maxReadSize is a cap on one
	// read, not a per-call allocation size.
	readBuf []byte
}

func dialUnix(path string) (*unixTransport, error) {
	addr := &net.UnixAddr{Net: "unix", Name: path}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	t := &unixTransport{conn: conn}
	t.reader = bufio.NewReader(t)
	return t, nil
}

// Read satisfies io.Reader for the bufio.Reader used during the
// line-based auth exchange: a plain stream read with no fd handling,
// matching the pre-BEGIN phase of the protocol.
func (t *unixTransport) Read(p []byte) (int, error) {
	n, err := t.conn.Read(p)
	if err != nil {
		return n, &TransportError{Op: "read", Err: err}
	}
	return n, nil
}

func (t *unixTransport) Write(p []byte) (int, error) {
	n, err := t.conn.Write(p)
	if err != nil {
		return n, &TransportError{Op: "write", Err: err}
	}
	return n, nil
}

func (t *unixTransport) Close() error {
	return t.conn.Close()
}

// recv performs one bounded read-with-fds from the socket, appending
// any received descriptors to t.pendingFDs and returning the data
// bytes read. Called from the connection's read loop only. The
// returned slice aliases t.readBuf and is only valid until the next
// call to recv.
func (t *unixTransport) recv() ([]byte, error) {
	if t.readBuf == nil {
		t.readBuf = make([]byte, readChunkSize)
	}
	read := t.readBuf
	n, oobn, flags, _, err := t.conn.ReadMsgUnix(read, t.oob[:])
	if err != nil {
		return nil, &TransportError{Op: "recvmsg", Err: err}
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return nil, &TransportError{Op: "recvmsg", Err: errors.New("control message truncated")}
	}
	if oobn > 0 {
		if err := t.parseFDs(t.oob[:oobn]); err != nil {
			return nil, err
		}
	}
	// A full buffer likely means a larger message is still in flight;
	// grow for the next read instead of looping many small recvmsg(2)
	// calls, up to the protocol's overall cap.
	if n == len(read) && len(read) < maxReadSize {
		grown := len(read) * 2
		if grown > maxReadSize {
			grown = maxReadSize
		}
		t.readBuf = make([]byte, grown)
	}
	return read[:n], nil
}

func (t *unixTransport) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return &TransportError{Op: "parse control message", Err: err}
	}
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return &TransportError{Op: "parse unix rights", Err: err}
		}
		if len(t.pendingFDs)+len(fds) > maxFDs {
			for _, fd := range fds {
				unix.Close(fd)
			}
			return &TransportError{Op: "recvmsg", Err: fmt.Errorf("more than %d file descriptors in one message", maxFDs)}
		}
		t.pendingFDs = append(t.pendingFDs, fds...)
	}
	return nil
}

// takeFDs pops n descriptors received so far, in arrival order.
func (t *unixTransport) takeFDs(n int) ([]int, error) {
	if n > len(t.pendingFDs) {
		return nil, &ProtocolError{Reason: "fewer unix fds received than the header declared"}
	}
	out := t.pendingFDs[:n]
	t.pendingFDs = t.pendingFDs[n:]
	return out, nil
}

// sendWithFDs writes buf to the socket; on the first fragment of a
// message fds (if any) are attached as ancillary SCM_RIGHTS data. Per
// spec.md §4.3's write path, fds must only ever be attached once, to
// the first fragment, since a short write re-prepends only the unsent
// tail of the data.
func (t *unixTransport) sendWithFDs(buf []byte, fds []int) (int, error) {
	total := 0
	first := true
	for len(buf) > 0 {
		if first && len(fds) > 0 {
			rights := unix.UnixRights(fds...)
			n, oobn, err := t.conn.WriteMsgUnix(buf, rights, nil)
			if err != nil {
				return total, &TransportError{Op: "sendmsg", Err: err}
			}
			if oobn != len(rights) {
				return total, &TransportError{Op: "sendmsg", Err: errors.New("short write of ancillary fd data")}
			}
			total += n
			buf = buf[n:]
		} else {
			// fds are attached only to the first fragment of a
			// message; a short write re-prepends only the unsent
			// tail, never the fds, on the next call.
			n, err := t.conn.Write(buf)
			if err != nil {
				return total, &TransportError{Op: "write", Err: err}
			}
			total += n
			buf = buf[n:]
		}
		first = false
	}
	return total, nil
}

// filesToFDs converts *os.File handles to raw descriptor numbers for
// attaching to an outgoing message.
func filesToFDs(files []*os.File) []int {
	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}
	return fds
}

// FilesAsUnixFDs converts open files into UnixFD values, for embedding
// directly in a Call or EmitSignal body whose signature declares them
// with type code 'h'. The files must stay open until the message has
// been handed to the connection's write loop.
func FilesAsUnixFDs(files []*os.File) []UnixFD {
	fds := filesToFDs(files)
	out := make([]UnixFD, len(fds))
	for i, fd := range fds {
		out[i] = UnixFD(fd)
	}
	return out
}
