package client

import (
	"context"

	dbus "github.com/tinkersync/xidbus"
)

// Proxy binds a Client to a fixed (name, path, iface), matching the
// original client's convenience wrapper so that repeated calls against
// one peer/object/interface don't have to repeat them (spec.md §4.5).
type Proxy struct {
	client *Client
	name   string
	path   dbus.ObjectPath
	iface  string
}

// NewProxy builds a Proxy bound to name/path/iface.
func NewProxy(c *Client, name string, path dbus.ObjectPath, iface string) *Proxy {
	return &Proxy{client: c, name: name, path: path, iface: iface}
}

// Call invokes method against the proxy's bound peer/path/interface.
func (p *Proxy) Call(ctx context.Context, method string, params []any, sig dbus.Signature) ([]any, error) {
	return p.client.Call(ctx, p.name, p.path, p.iface, method, params, sig)
}

// CallSingle is Call, unwrapping a single declared return value.
func (p *Proxy) CallSingle(ctx context.Context, method string, params []any, sig dbus.Signature) (any, error) {
	return p.client.CallSingle(ctx, p.name, p.path, p.iface, method, params, sig)
}

// SubscribeSignal subscribes to a signal on the proxy's bound
// peer/path/interface.
func (p *Proxy) SubscribeSignal(ctx context.Context, signal string) (*SignalSubscription, error) {
	return p.client.SubscribeSignal(ctx, p.name, p.path, p.iface, signal)
}

// GetProperty reads a property on the proxy's bound peer/path/interface.
func (p *Proxy) GetProperty(ctx context.Context, prop string) (any, error) {
	return p.client.GetProperty(ctx, p.name, p.path, p.iface, prop)
}

// SetProperty writes a property on the proxy's bound peer/path/interface.
func (p *Proxy) SetProperty(ctx context.Context, prop string, value any, sig dbus.Signature) error {
	return p.client.SetProperty(ctx, p.name, p.path, p.iface, prop, value, sig)
}

// WatchProperty watches a property on the proxy's bound
// peer/path/interface.
func (p *Proxy) WatchProperty(ctx context.Context, prop string) (<-chan any, error) {
	return p.client.WatchProperty(ctx, p.name, p.path, p.iface, prop)
}
