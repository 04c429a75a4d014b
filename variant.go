package dbus

import "fmt"

// Variant is a self-describing D-Bus value: a signature naming exactly
// one complete type, paired with a value of that type.
type Variant struct {
	Sig   Signature
	Value any
}

// MakeVariant wraps v in a Variant, inferring its signature with
// SignatureOf. It panics if v's type has no D-Bus representation; use
// this only for values whose type is known to be representable.
func MakeVariant(v any) Variant {
	sig, err := SignatureOf(v)
	if err != nil {
		panic(fmt.Sprintf("dbus: MakeVariant: %v", err))
	}
	return Variant{Sig: sig, Value: v}
}

func (v Variant) String() string {
	return fmt.Sprintf("@%s %v", v.Sig, v.Value)
}

// DictEntry is the KV pair of an a{kv} dictionary, preserved as an
// ordered pair rather than folded into a Go map so that signature
// round-tripping never depends on Go's unordered map iteration.
type DictEntry struct {
	Key   any
	Value any
}
