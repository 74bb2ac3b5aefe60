// Package ir defines the constrained value types used as predicate
// operands.
//
// Values are a sealed set: null, string, int64, bool and arrays of those.
// Floats are rejected so that rendering and comparison are deterministic.
package ir

import (
	"fmt"
)

// IRValue is a sealed interface representing constrained value types.
// Only IRNull, IRString, IRInt, IRBool and IRArray implement it.
type IRValue interface {
	irValue() // Sealed - only these types implement it
}

// IRNull represents an explicit null operand.
type IRNull struct{}

func (IRNull) irValue() {}

// IRString represents a string value.
type IRString string

func (IRString) irValue() {}

// IRInt represents an integer value. Always int64, never float64.
type IRInt int64

func (IRInt) irValue() {}

// IRBool represents a boolean value.
type IRBool bool

func (IRBool) irValue() {}

// IRArray represents an ordered list of values, used by "in" lookups.
type IRArray []IRValue

func (IRArray) irValue() {}

// Clone returns a copy of the array so callers can mutate it freely.
func (a IRArray) Clone() IRArray {
	if a == nil {
		return nil
	}
	out := make(IRArray, len(a))
	copy(out, a)
	return out
}

// FromGo converts a native Go value into an IRValue.
//
// Accepted: nil, string, bool, all signed and unsigned integer kinds that
// fit int64, IRValue, and slices of accepted values. Floats are rejected.
func FromGo(v any) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		return IRNull{}, nil
	case IRValue:
		return val, nil
	case string:
		return IRString(val), nil
	case bool:
		return IRBool(val), nil
	case int:
		return IRInt(val), nil
	case int8:
		return IRInt(val), nil
	case int16:
		return IRInt(val), nil
	case int32:
		return IRInt(val), nil
	case int64:
		return IRInt(val), nil
	case uint8:
		return IRInt(val), nil
	case uint16:
		return IRInt(val), nil
	case uint32:
		return IRInt(val), nil
	case uint:
		if uint64(val) > 1<<63-1 {
			return nil, fmt.Errorf("integer out of int64 range: %d", val)
		}
		return IRInt(val), nil
	case uint64:
		if val > 1<<63-1 {
			return nil, fmt.Errorf("integer out of int64 range: %d", val)
		}
		return IRInt(val), nil
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden in IR: %v", val)
	case []string:
		arr := make(IRArray, len(val))
		for i, s := range val {
			arr[i] = IRString(s)
		}
		return arr, nil
	case []int:
		arr := make(IRArray, len(val))
		for i, n := range val {
			arr[i] = IRInt(n)
		}
		return arr, nil
	case []int64:
		arr := make(IRArray, len(val))
		for i, n := range val {
			arr[i] = IRInt(n)
		}
		return arr, nil
	case []any:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			irElem, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = irElem
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unsupported type for IR value: %T", v)
	}
}

// MustFromGo is FromGo that panics on error. Intended for literals in
// tests and static filter definitions.
func MustFromGo(v any) IRValue {
	val, err := FromGo(v)
	if err != nil {
		panic(err)
	}
	return val
}

// ToParam converts an IRValue into a native Go value suitable for a
// database/sql argument. Arrays convert element-wise into []any.
func ToParam(v IRValue) (any, error) {
	switch val := v.(type) {
	case nil, IRNull:
		return nil, nil
	case IRString:
		return string(val), nil
	case IRInt:
		return int64(val), nil
	case IRBool:
		return bool(val), nil
	case IRArray:
		out := make([]any, len(val))
		for i, elem := range val {
			p, err := ToParam(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			out[i] = p
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported IRValue type for parameter: %T", v)
	}
}

// IsNull reports whether v is nil or IRNull.
func IsNull(v IRValue) bool {
	switch v.(type) {
	case nil, IRNull:
		return true
	}
	return false
}
