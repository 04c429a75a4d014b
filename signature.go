package dbus

import "fmt"

// Signature is a string over the D-Bus wire-type alphabet describing the
// shape of a value sequence.
type Signature string

// Wire type codes, as used both in a Signature string and as the single
// byte that precedes a Variant's value.
const (
	TypeByte       byte = 'y'
	TypeBoolean    byte = 'b'
	TypeInt16      byte = 'n'
	TypeUint16     byte = 'q'
	TypeInt32      byte = 'i'
	TypeUint32     byte = 'u'
	TypeInt64      byte = 'x'
	TypeUint64     byte = 't'
	TypeDouble     byte = 'd'
	TypeString     byte = 's'
	TypeObjectPath byte = 'o'
	TypeSignature  byte = 'g'
	TypeVariant    byte = 'v'
	TypeArray      byte = 'a'
	TypeStructOpen byte = '('
	TypeStructEnd  byte = ')'
	TypeDictOpen   byte = '{'
	TypeDictEnd    byte = '}'
	TypeUnixFD     byte = 'h'
)

// alignmentOf returns the natural alignment, in bytes, of the wire type
// whose code is t.
func alignmentOf(t byte) int {
	switch t {
	case TypeByte, TypeSignature, TypeVariant:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeBoolean, TypeInt32, TypeUint32, TypeString, TypeObjectPath,
		TypeArray, TypeUnixFD:
		return 4
	case TypeInt64, TypeUint64, TypeDouble, TypeStructOpen, TypeDictOpen:
		return 8
	default:
		return 1
	}
}

// SplitSig splits sig into its top-level complete types, e.g. "a{sv}s"
// becomes ["a{sv}", "s"].
func SplitSig(sig Signature) ([]Signature, error) {
	var out []Signature
	s := string(sig)
	for len(s) > 0 {
		if s[0] == TypeDictOpen {
			return nil, fmt.Errorf("dbus: dict-entry outside an array in signature %q", sig)
		}
		n, err := completeTypeLen(s)
		if err != nil {
			return nil, err
		}
		out = append(out, Signature(s[:n]))
		s = s[n:]
	}
	return out, nil
}

// completeTypeLen returns the length, in bytes, of the single complete
// type at the start of s.
func completeTypeLen(s string) (int, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("dbus: empty signature fragment")
	}
	switch s[0] {
	case TypeArray:
		n, err := completeTypeLen(s[1:])
		if err != nil {
			return 0, fmt.Errorf("dbus: malformed array signature %q: %w", s, err)
		}
		return n + 1, nil
	case TypeStructOpen:
		i := 1
		depth := 1
		for i < len(s) && depth > 0 {
			switch s[i] {
			case TypeStructOpen:
				depth++
			case TypeStructEnd:
				depth--
			}
			i++
		}
		if depth != 0 {
			return 0, fmt.Errorf("dbus: unbalanced struct signature %q", s)
		}
		return i, nil
	case TypeDictOpen:
		i := 1
		depth := 1
		for i < len(s) && depth > 0 {
			switch s[i] {
			case TypeDictOpen:
				depth++
			case TypeDictEnd:
				depth--
			}
			i++
		}
		if depth != 0 {
			return 0, fmt.Errorf("dbus: unbalanced dict-entry signature %q", s)
		}
		return i, nil
	case TypeByte, TypeBoolean, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeDouble, TypeString, TypeObjectPath,
		TypeSignature, TypeVariant, TypeUnixFD:
		return 1, nil
	default:
		return 0, fmt.Errorf("dbus: unknown type code %q in signature %q", s[0], s)
	}
}

// Validate reports an error if sig is not a well-formed signature.
func (sig Signature) Validate() error {
	_, err := SplitSig(sig)
	return err
}

// String returns sig as a plain string.
func (sig Signature) String() string { return string(sig) }
