package dbus

import (
	"fmt"
	"math"
	"reflect"
)

func toInt32(v any) (int32, bool) {
	switch n := v.(type) {
	case int32:
		return n, true
	case int:
		return int32(n), true
	case int16:
		return int32(n), true
	case byte:
		return int32(n), true
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case int16:
		return int64(n), true
	case byte:
		return int64(n), true
	}
	return 0, false
}

func mathFloat64bits(f float64) uint64 { return math.Float64bits(f) }
func mathFloat64frombits(b uint64) float64 { return math.Float64frombits(b) }

// toSlice turns any slice/array value into a []any of its elements, so
// the encoder can walk arbitrary element types without reflection at
// every call site.
func toSlice(v any) ([]any, error) {
	if items, ok := v.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("dbus: expected array value, got %T", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

// toEntries turns a map value (or a pre-built []DictEntry) into an
// ordered slice of DictEntry for marshaling as a{kv}.
func toEntries(v any) ([]DictEntry, error) {
	if entries, ok := v.([]DictEntry); ok {
		return entries, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return nil, fmt.Errorf("dbus: expected map value for dict-entry array, got %T", v)
	}
	out := make([]DictEntry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out = append(out, DictEntry{Key: iter.Key().Interface(), Value: iter.Value().Interface()})
	}
	return out, nil
}
