package dbus

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// encState accumulates marshaled bytes and the out-of-band file
// descriptors referenced by UnixFD values encountered along the way.
// Alignment is always computed relative to the start of the buffer
// passed to Marshal, which the framer arranges to coincide with an
// 8-byte-aligned wire offset (see message.go), so every type's natural
// alignment (1, 2, 4 or 8 bytes) lines up with the real stream offset.
type encState struct {
	order binary.ByteOrder
	buf   []byte
	fds   []int
}

// Marshal encodes values against sig using order, returning the body
// bytes and the list of file descriptors referenced by any UnixFD
// values in order of appearance.
func Marshal(order binary.ByteOrder, sig Signature, values []any) ([]byte, []int, error) {
	sigs, err := SplitSig(sig)
	if err != nil {
		return nil, nil, err
	}
	if len(sigs) != len(values) {
		return nil, nil, fmt.Errorf("dbus: signature %q wants %d values, got %d", sig, len(sigs), len(values))
	}
	e := &encState{order: order}
	for i, s := range sigs {
		if err := e.encode(s, values[i]); err != nil {
			return nil, nil, err
		}
	}
	return e.buf, e.fds, nil
}

func (e *encState) pad(align int) {
	for len(e.buf)%align != 0 {
		e.buf = append(e.buf, 0)
	}
}

func (e *encState) putByte(b byte)     { e.buf = append(e.buf, b) }
func (e *encState) putUint16(v uint16) { e.pad(2); b := make([]byte, 2); e.order.PutUint16(b, v); e.buf = append(e.buf, b...) }
func (e *encState) putUint32(v uint32) { e.pad(4); b := make([]byte, 4); e.order.PutUint32(b, v); e.buf = append(e.buf, b...) }
func (e *encState) putUint64(v uint64) { e.pad(8); b := make([]byte, 8); e.order.PutUint64(b, v); e.buf = append(e.buf, b...) }

func (e *encState) putString(s string) {
	e.putUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

func (e *encState) putSignature(sig Signature) {
	e.putByte(byte(len(sig)))
	e.buf = append(e.buf, sig...)
	e.buf = append(e.buf, 0)
}

func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case int64:
		return uint64(n), true
	case int32:
		return uint64(n), true
	case int16:
		return uint64(n), true
	case int:
		return uint64(n), true
	case byte:
		return uint64(n), true
	}
	return 0, false
}

func (e *encState) encode(sig Signature, v any) error {
	t := sig[0]
	switch t {
	case TypeByte:
		n, ok := v.(byte)
		if !ok {
			return fmt.Errorf("dbus: expected byte, got %T", v)
		}
		e.putByte(n)
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("dbus: expected bool, got %T", v)
		}
		if b {
			e.putUint32(1)
		} else {
			e.putUint32(0)
		}
	case TypeInt16:
		n, ok := v.(int16)
		if !ok {
			return fmt.Errorf("dbus: expected int16, got %T", v)
		}
		e.putUint16(uint16(n))
	case TypeUint16:
		n, ok := v.(uint16)
		if !ok {
			return fmt.Errorf("dbus: expected uint16, got %T", v)
		}
		e.putUint16(n)
	case TypeInt32:
		n, ok := toInt32(v)
		if !ok {
			return fmt.Errorf("dbus: expected int32, got %T", v)
		}
		e.putUint32(uint32(n))
	case TypeUint32:
		n, ok := asUint64(v)
		if !ok {
			return fmt.Errorf("dbus: expected uint32, got %T", v)
		}
		e.putUint32(uint32(n))
	case TypeInt64:
		n, ok := toInt64(v)
		if !ok {
			return fmt.Errorf("dbus: expected int64, got %T", v)
		}
		e.putUint64(uint64(n))
	case TypeUint64:
		n, ok := asUint64(v)
		if !ok {
			return fmt.Errorf("dbus: expected uint64, got %T", v)
		}
		e.putUint64(n)
	case TypeDouble:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("dbus: expected float64, got %T", v)
		}
		e.pad(8)
		e.putUint64(mathFloat64bits(f))
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("dbus: expected string, got %T", v)
		}
		e.pad(4)
		e.putString(s)
	case TypeObjectPath:
		p, ok := v.(ObjectPath)
		if !ok {
			return fmt.Errorf("dbus: expected ObjectPath, got %T", v)
		}
		if !p.Valid() {
			return &InvalidPathError{Path: p}
		}
		e.pad(4)
		e.putString(string(p))
	case TypeSignature:
		s, ok := v.(Signature)
		if !ok {
			return fmt.Errorf("dbus: expected Signature, got %T", v)
		}
		e.putSignature(s)
	case TypeUnixFD:
		fd, ok := v.(UnixFD)
		if !ok {
			return fmt.Errorf("dbus: expected UnixFD, got %T", v)
		}
		idx := uint32(len(e.fds))
		e.fds = append(e.fds, int(fd))
		e.pad(4)
		e.putUint32(idx)
	case TypeVariant:
		vv, ok := v.(Variant)
		if !ok {
			return fmt.Errorf("dbus: expected Variant, got %T", v)
		}
		e.putSignature(vv.Sig)
		if err := e.encode(vv.Sig, vv.Value); err != nil {
			return err
		}
	case TypeArray:
		return e.encodeArray(sig, v)
	case TypeStructOpen:
		return e.encodeStruct(sig, v)
	default:
		return fmt.Errorf("dbus: unsupported type code %q", t)
	}
	return nil
}

func (e *encState) encodeArray(sig Signature, v any) error {
	elemSig := sig[1:]
	e.pad(4)
	lenOff := len(e.buf)
	e.buf = append(e.buf, 0, 0, 0, 0) // placeholder length
	e.pad(alignmentOf(elemSig[0]))
	start := len(e.buf)

	if elemSig[0] == TypeDictOpen {
		if err := e.encodeDict(elemSig, v); err != nil {
			return err
		}
	} else {
		items, err := toSlice(v)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := e.encode(elemSig, item); err != nil {
				return err
			}
		}
	}

	length := uint32(len(e.buf) - start)
	e.order.PutUint32(e.buf[lenOff:lenOff+4], length)
	return nil
}

func (e *encState) encodeDict(dictSig Signature, v any) error {
	inner := dictSig[1 : len(dictSig)-1]
	kSigs, err := SplitSig(inner)
	if err != nil || len(kSigs) != 2 {
		return fmt.Errorf("dbus: malformed dict-entry signature %q", dictSig)
	}
	keySig, valSig := kSigs[0], kSigs[1]

	entries, err := toEntries(v)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return fmt.Sprint(entries[i].Key) < fmt.Sprint(entries[j].Key)
	})
	for _, entry := range entries {
		e.pad(8)
		if err := e.encode(keySig, entry.Key); err != nil {
			return err
		}
		if err := e.encode(valSig, entry.Value); err != nil {
			return err
		}
	}
	return nil
}

func (e *encState) encodeStruct(sig Signature, v any) error {
	inner := sig[1 : len(sig)-1]
	fieldSigs, err := SplitSig(inner)
	if err != nil {
		return err
	}
	fields, ok := v.(Struct)
	if !ok {
		if s, ok2 := v.([]any); ok2 {
			fields = Struct(s)
		} else {
			return fmt.Errorf("dbus: expected Struct, got %T", v)
		}
	}
	if len(fields) != len(fieldSigs) {
		return fmt.Errorf("dbus: struct signature %q wants %d fields, got %d", sig, len(fieldSigs), len(fields))
	}
	e.pad(8)
	for i, fs := range fieldSigs {
		if err := e.encode(fs, fields[i]); err != nil {
			return err
		}
	}
	return nil
}
