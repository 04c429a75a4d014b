package dbus

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// decState walks a byte buffer against a signature, consuming bytes and
// file descriptor indices as it goes. Like encState, alignment is
// computed relative to the start of the buffer passed to Unmarshal.
type decState struct {
	order binary.ByteOrder
	buf   []byte
	pos   int
	fds   []int
}

// MalformedError reports a wire-format violation detected while
// unmarshaling: a length running past the buffer, a missing NUL
// terminator, or invalid UTF-8.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string { return "dbus: malformed message: " + e.Reason }

// Unmarshal decodes a value sequence matching sig out of data, using
// order, resolving any UnixFD indices against fds. It returns the
// decoded values, the unconsumed tail of data, and the unconsumed tail
// of fds.
func Unmarshal(order binary.ByteOrder, sig Signature, data []byte, fds []int) ([]any, []byte, []int, error) {
	sigs, err := SplitSig(sig)
	if err != nil {
		return nil, data, fds, err
	}
	d := &decState{order: order, buf: data, fds: fds}
	values := make([]any, 0, len(sigs))
	for _, s := range sigs {
		v, err := d.decode(s)
		if err != nil {
			return nil, data, fds, err
		}
		values = append(values, v)
	}
	return values, d.buf[d.pos:], d.fds, nil
}

func (d *decState) need(n int) error {
	if d.pos+n > len(d.buf) {
		return &MalformedError{Reason: fmt.Sprintf("need %d bytes at offset %d, have %d", n, d.pos, len(d.buf)-d.pos)}
	}
	return nil
}

func (d *decState) align(n int) error {
	for d.pos%n != 0 {
		if err := d.need(1); err != nil {
			return err
		}
		d.pos++
	}
	return nil
}

func (d *decState) getByte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decState) getUint16() (uint16, error) {
	if err := d.align(2); err != nil {
		return 0, err
	}
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := d.order.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *decState) getUint32() (uint32, error) {
	if err := d.align(4); err != nil {
		return 0, err
	}
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := d.order.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decState) getUint64() (uint64, error) {
	if err := d.align(8); err != nil {
		return 0, err
	}
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := d.order.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *decState) getString() (string, error) {
	n, err := d.getUint32()
	if err != nil {
		return "", err
	}
	if err := d.need(int(n) + 1); err != nil {
		return "", err
	}
	s := d.buf[d.pos : d.pos+int(n)]
	if d.buf[d.pos+int(n)] != 0 {
		return "", &MalformedError{Reason: "string missing NUL terminator"}
	}
	if !utf8.Valid(s) {
		return "", &MalformedError{Reason: "string is not valid UTF-8"}
	}
	d.pos += int(n) + 1
	return string(s), nil
}

func (d *decState) getSignature() (Signature, error) {
	n, err := d.getByte()
	if err != nil {
		return "", err
	}
	if err := d.need(int(n) + 1); err != nil {
		return "", err
	}
	s := d.buf[d.pos : d.pos+int(n)]
	if d.buf[d.pos+int(n)] != 0 {
		return "", &MalformedError{Reason: "signature missing NUL terminator"}
	}
	d.pos += int(n) + 1
	sig := Signature(s)
	if err := sig.Validate(); err != nil {
		return "", &MalformedError{Reason: err.Error()}
	}
	return sig, nil
}

func (d *decState) decode(sig Signature) (any, error) {
	t := sig[0]
	switch t {
	case TypeByte:
		return d.getByte()
	case TypeBoolean:
		n, err := d.getUint32()
		if err != nil {
			return nil, err
		}
		return n != 0, nil
	case TypeInt16:
		n, err := d.getUint16()
		if err != nil {
			return nil, err
		}
		return int16(n), nil
	case TypeUint16:
		return d.getUint16()
	case TypeInt32:
		n, err := d.getUint32()
		if err != nil {
			return nil, err
		}
		return int32(n), nil
	case TypeUint32:
		return d.getUint32()
	case TypeInt64:
		n, err := d.getUint64()
		if err != nil {
			return nil, err
		}
		return int64(n), nil
	case TypeUint64:
		return d.getUint64()
	case TypeDouble:
		n, err := d.getUint64()
		if err != nil {
			return nil, err
		}
		return mathFloat64frombits(n), nil
	case TypeString:
		return d.getString()
	case TypeObjectPath:
		s, err := d.getString()
		if err != nil {
			return nil, err
		}
		p := ObjectPath(s)
		if !p.Valid() {
			return nil, &MalformedError{Reason: fmt.Sprintf("invalid object path %q", s)}
		}
		return p, nil
	case TypeSignature:
		return d.getSignature()
	case TypeUnixFD:
		idx, err := d.getUint32()
		if err != nil {
			return nil, err
		}
		if int(idx) >= len(d.fds) {
			return nil, &MalformedError{Reason: fmt.Sprintf("unix-fd index %d out of range (have %d)", idx, len(d.fds))}
		}
		return UnixFD(d.fds[idx]), nil
	case TypeVariant:
		inner, err := d.getSignature()
		if err != nil {
			return nil, err
		}
		v, err := d.decode(inner)
		if err != nil {
			return nil, err
		}
		return Variant{Sig: inner, Value: v}, nil
	case TypeArray:
		return d.decodeArray(sig)
	case TypeStructOpen:
		return d.decodeStruct(sig)
	default:
		return nil, &MalformedError{Reason: fmt.Sprintf("unsupported type code %q", t)}
	}
}

func (d *decState) decodeArray(sig Signature) (any, error) {
	elemSig := sig[1:]
	length, err := d.getUint32()
	if err != nil {
		return nil, err
	}
	if err := d.align(alignmentOf(elemSig[0])); err != nil {
		return nil, err
	}
	if err := d.need(int(length)); err != nil {
		return nil, err
	}
	end := d.pos + int(length)

	if elemSig[0] == TypeDictOpen {
		entries := []DictEntry{}
		for d.pos < end {
			e, err := d.decodeDictEntry(elemSig)
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
		if d.pos != end {
			return nil, &MalformedError{Reason: "array length mismatch"}
		}
		return entries, nil
	}

	items := []any{}
	for d.pos < end {
		v, err := d.decode(elemSig)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	if d.pos != end {
		return nil, &MalformedError{Reason: "array length mismatch"}
	}
	return items, nil
}

func (d *decState) decodeDictEntry(dictSig Signature) (DictEntry, error) {
	inner := dictSig[1 : len(dictSig)-1]
	kv, err := SplitSig(inner)
	if err != nil || len(kv) != 2 {
		return DictEntry{}, &MalformedError{Reason: fmt.Sprintf("malformed dict-entry signature %q", dictSig)}
	}
	if err := d.align(8); err != nil {
		return DictEntry{}, err
	}
	k, err := d.decode(kv[0])
	if err != nil {
		return DictEntry{}, err
	}
	v, err := d.decode(kv[1])
	if err != nil {
		return DictEntry{}, err
	}
	return DictEntry{Key: k, Value: v}, nil
}

func (d *decState) decodeStruct(sig Signature) (any, error) {
	inner := sig[1 : len(sig)-1]
	fieldSigs, err := SplitSig(inner)
	if err != nil {
		return nil, err
	}
	if err := d.align(8); err != nil {
		return nil, err
	}
	fields := make(Struct, 0, len(fieldSigs))
	for _, fs := range fieldSigs {
		v, err := d.decode(fs)
		if err != nil {
			return nil, err
		}
		fields = append(fields, v)
	}
	return fields, nil
}
