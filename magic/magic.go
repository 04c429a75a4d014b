// Package magic implements the introspection-driven path/interface
// guessing decorator described in spec.md §9: a convenience layer, not
// part of the core client, that walks a peer's object tree looking for
// the one (path, interface) pair that declares a given member so
// callers can omit path and interface when they're unambiguous.
package magic

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	dbus "github.com/tinkersync/xidbus"
	"github.com/tinkersync/xidbus/client"
	"github.com/tinkersync/xidbus/introspect"
)

// memberKind selects which of an interface's three member lists
// guessIface searches.
type memberKind int

const (
	kindMethod memberKind = iota
	kindSignal
	kindProperty
)

func hasMember(iface *introspect.Interface, kind memberKind, name string) bool {
	switch kind {
	case kindMethod:
		_, ok := iface.Method(name)
		return ok
	case kindSignal:
		_, ok := iface.Signal(name)
		return ok
	case kindProperty:
		_, ok := iface.Property(name)
		return ok
	}
	return false
}

// Client wraps a client.Client, overriding Call, SubscribeSignal,
// GetProperty, SetProperty and WatchProperty to accept an empty path
// and/or interface and resolve them by walking the peer's object tree
// (spec.md §9's MagicClient). Every walk is tagged with a correlation
// id for diagnosing ambiguous or missing members across retries.
type Client struct {
	inner *client.Client
}

// New wraps c as a magic Client.
func New(c *client.Client) *Client { return &Client{inner: c} }

// ambiguousOrMissingError reports that a completed walk found no
// (path, interface) under name declaring the named member. A walk that
// fails part-way returns its own error instead; a member declared in
// several places resolves to the first one found, so ambiguity is not
// reported.
type ambiguousOrMissingError struct {
	walkID uuid.UUID
	name   string
	kind   memberKind
	member string
}

func (e *ambiguousOrMissingError) Error() string {
	return fmt.Sprintf("dbus: magic walk %s: %s has no %v named %q under any path", e.walkID, e.name, e.kind, e.member)
}

func (k memberKind) String() string {
	switch k {
	case kindMethod:
		return "method"
	case kindSignal:
		return "signal"
	case kindProperty:
		return "property"
	}
	return "member"
}

// iterPaths depth-first walks name's object tree starting at path
// (root if empty), yielding every path whose schema declares at least
// one interface — mirroring _iter_paths's generator walk, realized
// here as a callback since Go has no native generators.
func (c *Client) iterPaths(ctx context.Context, name string, path dbus.ObjectPath, visit func(dbus.ObjectPath) (bool, error)) (bool, error) {
	if path == "" {
		path = "/"
	}
	schema, err := c.inner.Introspect(ctx, name, path)
	if err != nil {
		return false, err
	}
	if len(schema.Interfaces) > 0 {
		done, err := visit(path)
		if done || err != nil {
			return done, err
		}
	}
	for _, child := range schema.Nodes {
		childPath := dbus.ObjectPath(string(path) + "/" + child)
		if path == "/" {
			childPath = dbus.ObjectPath("/" + child)
		}
		done, err := c.iterPaths(ctx, name, childPath, visit)
		if done || err != nil {
			return done, err
		}
	}
	return false, nil
}

func (c *Client) guessIface(ctx context.Context, name string, kind memberKind, member string, path dbus.ObjectPath, iface string) (string, error) {
	if iface != "" {
		return iface, nil
	}
	schema, err := c.inner.Introspect(ctx, name, path)
	if err != nil {
		return "", err
	}
	for i := range schema.Interfaces {
		if hasMember(&schema.Interfaces[i], kind, member) {
			return schema.Interfaces[i].Name, nil
		}
	}
	return "", fmt.Errorf("dbus: %s has no %v named %q at %s", name, kind, member, path)
}

// guessPath resolves path and iface for a member lookup, walking the
// object tree when path is empty (spec.md §9's _guess_path).
func (c *Client) guessPath(ctx context.Context, name string, kind memberKind, member string, path dbus.ObjectPath, iface string) (dbus.ObjectPath, string, error) {
	walkID := uuid.New()
	if path != "" {
		resolvedIface, err := c.guessIface(ctx, name, kind, member, path, iface)
		return path, resolvedIface, err
	}

	var foundPath dbus.ObjectPath
	var foundIface string
	_, err := c.iterPaths(ctx, name, "", func(p dbus.ObjectPath) (bool, error) {
		resolvedIface, err := c.guessIface(ctx, name, kind, member, p, iface)
		if err != nil {
			return false, nil // keep searching other paths
		}
		foundPath, foundIface = p, resolvedIface
		return true, nil
	})
	if err != nil {
		return "", "", err
	}
	if foundPath == "" {
		return "", "", &ambiguousOrMissingError{walkID: walkID, name: name, kind: kind, member: member}
	}
	return foundPath, foundIface, nil
}

// Call resolves path/iface (when either is empty) by walking name's
// object tree for a method named method, then delegates to the wrapped
// client.
func (c *Client) Call(ctx context.Context, name string, path dbus.ObjectPath, iface, method string, params []any, sig dbus.Signature) ([]any, error) {
	path, iface, err := c.guessPath(ctx, name, kindMethod, method, path, iface)
	if err != nil {
		return nil, err
	}
	return c.inner.Call(ctx, name, path, iface, method, params, sig)
}

// SubscribeSignal resolves path/iface for signal, then delegates.
func (c *Client) SubscribeSignal(ctx context.Context, name string, path dbus.ObjectPath, iface, signal string) (*client.SignalSubscription, error) {
	path, iface, err := c.guessPath(ctx, name, kindSignal, signal, path, iface)
	if err != nil {
		return nil, err
	}
	return c.inner.SubscribeSignal(ctx, name, path, iface, signal)
}

// GetProperty resolves path/iface for prop, then delegates.
func (c *Client) GetProperty(ctx context.Context, name string, path dbus.ObjectPath, iface, prop string) (any, error) {
	path, iface, err := c.guessPath(ctx, name, kindProperty, prop, path, iface)
	if err != nil {
		return nil, err
	}
	return c.inner.GetProperty(ctx, name, path, iface, prop)
}

// SetProperty resolves path/iface for prop, then delegates.
func (c *Client) SetProperty(ctx context.Context, name string, path dbus.ObjectPath, iface, prop string, value any, sig dbus.Signature) error {
	path, iface, err := c.guessPath(ctx, name, kindProperty, prop, path, iface)
	if err != nil {
		return err
	}
	return c.inner.SetProperty(ctx, name, path, iface, prop, value, sig)
}

// WatchProperty resolves path/iface for prop, then delegates.
func (c *Client) WatchProperty(ctx context.Context, name string, path dbus.ObjectPath, iface, prop string) (<-chan any, error) {
	path, iface, err := c.guessPath(ctx, name, kindProperty, prop, path, iface)
	if err != nil {
		return nil, err
	}
	return c.inner.WatchProperty(ctx, name, path, iface, prop)
}
