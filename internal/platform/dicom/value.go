package dicom

import (
	"bytes"
	"encoding/json"
)

// Value is a dataset field that may be absent. The zero Value is absent.
type Value[T any] struct {
	v  T
	ok bool
}

// Some wraps a present value.
func Some[T any](v T) Value[T] {
	return Value[T]{v: v, ok: true}
}

// None returns an absent value.
func None[T any]() Value[T] {
	return Value[T]{}
}

// Get returns the value and whether it was present.
func (v Value[T]) Get() (T, bool) {
	return v.v, v.ok
}

// Present reports whether the value was extracted.
func (v Value[T]) Present() bool {
	return v.ok
}

// OrElse returns the value, or def when absent.
func (v Value[T]) OrElse(def T) T {
	if !v.ok {
		return def
	}
	return v.v
}

// Ptr returns a pointer to a copy of the value, or nil when absent.
func (v Value[T]) Ptr() *T {
	if !v.ok {
		return nil
	}
	out := v.v
	return &out
}

func (v Value[T]) MarshalJSON() ([]byte, error) {
	if !v.ok {
		return []byte("null"), nil
	}
	return json.Marshal(v.v)
}

func (v *Value[T]) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*v = Value[T]{}
		return nil
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*v = Some(out)
	return nil
}
