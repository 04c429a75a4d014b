package dbus

import "fmt"

// InvalidPathError is returned when a caller-supplied object path does
// not match ^/[A-Za-z0-9_/]*$. It is detected and returned before any
// byte touches the socket.
type InvalidPathError struct {
	Path ObjectPath
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("dbus: invalid object path %q", string(e.Path))
}

// TransportError wraps a socket connect/read/write failure, or an EOF
// encountered while a reply was still outstanding.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("dbus: transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// AuthError reports an unexpected response during the pre-BEGIN
// handshake.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "dbus: auth: " + e.Reason }

// ProtocolError reports a malformed frame, an unknown message kind, a
// reply with an unmatched serial, or a body shorter than its declared
// length.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "dbus: protocol: " + e.Reason }

// RemoteError is raised when the peer replies with an ERROR message.
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("dbus: remote error %s: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("dbus: remote error %s", e.Name)
}

// SchemaError is raised when a caller invokes a method or property that
// is not present in a peer's cached introspection.
type SchemaError struct {
	Peer, Path, Interface, Member string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("dbus: %s%s %s has no member %q", e.Peer, e.Path, e.Interface, e.Member)
}

// BusyError is raised by Connection.CallQueue when a second inbound
// call queue is requested for a name that already has one registered.
type BusyError struct {
	Name string
}

func (e *BusyError) Error() string { return fmt.Sprintf("dbus: call queue for %q already registered", e.Name) }
