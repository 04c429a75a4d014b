package dbus

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// authenticateExternal performs the EXTERNAL authentication handshake
// described in spec.md §6: a leading NUL byte, then
// "AUTH EXTERNAL <hex-uid>\r\n", then unix-fd negotiation, then BEGIN.
// w is the raw (pre-framing) socket stream; r must be a *bufio.Reader
// wrapping the same connection so line responses can be read byte by
// byte without over-reading into the binary message stream that
// follows BEGIN.
func authenticateExternal(w io.Writer, r *bufio.Reader) (unixFD bool, err error) {
	if _, err := w.Write([]byte{0}); err != nil {
		return false, &TransportError{Op: "write nul byte", Err: err}
	}

	uid := hex.EncodeToString([]byte(strconv.Itoa(os.Getuid())))
	if _, err := fmt.Fprintf(w, "AUTH EXTERNAL %s\r\n", uid); err != nil {
		return false, &TransportError{Op: "write AUTH EXTERNAL", Err: err}
	}
	line, err := readAuthLine(r)
	if err != nil {
		return false, err
	}
	if !strings.HasPrefix(line, "OK") {
		return false, &AuthError{Reason: fmt.Sprintf("AUTH EXTERNAL rejected: %q", line)}
	}

	if _, err := w.Write([]byte("NEGOTIATE_UNIX_FD\r\n")); err != nil {
		return false, &TransportError{Op: "write NEGOTIATE_UNIX_FD", Err: err}
	}
	line, err = readAuthLine(r)
	if err != nil {
		return false, err
	}
	switch {
	case strings.HasPrefix(line, "AGREE_UNIX_FD"):
		unixFD = true
	case strings.HasPrefix(line, "ERROR"):
		unixFD = false
	default:
		return false, &AuthError{Reason: fmt.Sprintf("unexpected NEGOTIATE_UNIX_FD response: %q", line)}
	}

	if _, err := w.Write([]byte("BEGIN\r\n")); err != nil {
		return false, &TransportError{Op: "write BEGIN", Err: err}
	}
	return unixFD, nil
}

func readAuthLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", &TransportError{Op: "read auth response", Err: err}
	}
	return strings.TrimRight(line, "\r\n"), nil
}
