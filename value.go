package dbus

import (
	"fmt"
	"reflect"
)

// Struct represents a fixed-arity, heterogeneously-typed wire struct
// ("(...)"). SignatureOf always treats a plain Go slice as a
// homogeneous array ("aT"), though the encoder also accepts a []any
// where the signature names a struct; Struct disambiguates the two at the point
// a caller builds a value, the same way godbus-family libraries use a
// distinct wrapper rather than reflecting on slice element types.
type Struct []any

// SignatureOf infers the D-Bus signature of v. It supports the scalar
// types, ObjectPath, Signature, Variant, UnixFD, slices (as arrays) and
// maps (as dict-entry arrays) whose element types are themselves
// supported. A Struct value returns an error, since its field types
// cannot be inferred from the slice type.
func SignatureOf(v any) (Signature, error) {
	var sig string
	if err := appendSig(&sig, reflect.TypeOf(v)); err != nil {
		return "", err
	}
	return Signature(sig), nil
}

// SignatureOfAll concatenates the signatures of each value in vs, in
// order — the shape used for a method call's body signature.
func SignatureOfAll(vs ...any) (Signature, error) {
	var sig string
	for _, v := range vs {
		s, err := SignatureOf(v)
		if err != nil {
			return "", err
		}
		sig += string(s)
	}
	return Signature(sig), nil
}

func appendSig(sig *string, t reflect.Type) error {
	if t == nil {
		return fmt.Errorf("dbus: cannot infer signature of untyped nil")
	}
	switch t {
	case reflect.TypeOf(ObjectPath("")):
		*sig += string(TypeObjectPath)
		return nil
	case reflect.TypeOf(Signature("")):
		*sig += string(TypeSignature)
		return nil
	case reflect.TypeOf(Variant{}):
		*sig += string(TypeVariant)
		return nil
	case reflect.TypeOf(UnixFD(0)):
		*sig += string(TypeUnixFD)
		return nil
	}
	switch t.Kind() {
	case reflect.Uint8:
		*sig += string(TypeByte)
	case reflect.Bool:
		*sig += string(TypeBoolean)
	case reflect.Int16:
		*sig += string(TypeInt16)
	case reflect.Uint16:
		*sig += string(TypeUint16)
	case reflect.Int32, reflect.Int:
		*sig += string(TypeInt32)
	case reflect.Uint32:
		*sig += string(TypeUint32)
	case reflect.Int64:
		*sig += string(TypeInt64)
	case reflect.Uint64, reflect.Uint:
		*sig += string(TypeUint64)
	case reflect.Float64:
		*sig += string(TypeDouble)
	case reflect.String:
		*sig += string(TypeString)
	case reflect.Slice, reflect.Array:
		if t == reflect.TypeOf(Struct{}) {
			return fmt.Errorf("dbus: Struct value has no single inferred signature; pass an explicit signature")
		}
		*sig += string(TypeArray)
		return appendSig(sig, t.Elem())
	case reflect.Map:
		*sig += string(TypeArray) + string(TypeDictOpen)
		if err := appendSig(sig, t.Key()); err != nil {
			return err
		}
		if err := appendSig(sig, t.Elem()); err != nil {
			return err
		}
		*sig += string(TypeDictEnd)
	default:
		return fmt.Errorf("dbus: type %s has no D-Bus signature", t)
	}
	return nil
}
