package dbus

import (
	"os"
	"strconv"
	"strings"
)

// BusKind selects which well-known bus an address helper resolves.
type BusKind int

const (
	SessionBus BusKind = iota
	SystemBus
)

// DefaultAddress resolves the socket address for kind the way spec.md
// §6 describes: DBUS_SESSION_BUS_ADDRESS / DBUS_SYSTEM_BUS_ADDRESS,
// falling back to the well-known per-user / per-system socket paths.
// This is an ambient helper, not part of the connection core proper
// (spec.md §1 explicitly keeps bus-address discovery out of the core's
// scope), but the module needs it to be usable end to end.
func DefaultAddress(kind BusKind) string {
	switch kind {
	case SessionBus:
		if addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); addr != "" {
			return addr
		}
		return "unix:path=/run/user/" + strconv.Itoa(os.Getuid()) + "/bus"
	default:
		if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
			return addr
		}
		return "unix:path=/run/dbus/system_bus_socket"
	}
}

// ParseUnixPath extracts the socket path from a "unix:path=<path>[,...]"
// address string, per spec.md §6: only the path prefix is consumed,
// and any further key=value pairs are ignored.
func ParseUnixPath(address string) (string, bool) {
	rest, ok := strings.CutPrefix(address, "unix:path=")
	if !ok {
		return "", false
	}
	if i := strings.IndexByte(rest, ','); i >= 0 {
		rest = rest[:i]
	}
	return rest, true
}
