// Package nullable distinguishes the three states a nullable field can have
// in a partial-update payload: absent (leave the column alone), explicit
// null (clear the column), and a value (set the column).
//
// A plain pointer cannot express the difference between absent and null, so
// patch types use Nullable for nullable columns and plain pointers for
// everything else.
package nullable

import (
	"bytes"

	"github.com/goccy/go-json"
)

// Nullable is a patch field for a nullable column.
type Nullable[T any] struct {
	present bool
	value   *T
}

// Set returns a field that sets the column to v.
func Set[T any](v T) Nullable[T] {
	return Nullable[T]{present: true, value: &v}
}

// Null returns a field that clears the column.
func Null[T any]() Nullable[T] {
	return Nullable[T]{present: true}
}

// Present reports whether the field was part of the payload at all.
func (n Nullable[T]) Present() bool {
	return n.present
}

// Ptr returns the value to write, nil meaning SQL NULL. Only meaningful
// when Present is true.
func (n Nullable[T]) Ptr() *T {
	return n.value
}

// UnmarshalJSON implements json.Unmarshaler. Decoding only happens for keys
// that exist in the payload, which is what makes absent detectable.
func (n *Nullable[T]) UnmarshalJSON(data []byte) error {
	n.present = true
	if bytes.Equal(data, []byte("null")) {
		n.value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	n.value = &v
	return nil
}

// MarshalJSON implements json.Marshaler.
func (n Nullable[T]) MarshalJSON() ([]byte, error) {
	if !n.present || n.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*n.value)
}
