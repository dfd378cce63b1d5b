package types

import (
	"encoding/json"
	"github.com/pkg/errors"
	"reflect"
)

// Name returns the name of the type of the given value.
//
// For a nil interface, "<nil>" is returned. Pointers are dereferenced down to their underlying (named) type before
// reporting a name, so that e.g. a nil *int still reports "int".
func Name(value any) string {
	if value == nil {
		return "<nil>"
	}

	t := reflect.TypeOf(value)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	return t.Name()
}

// Zero returns the zero value of T.
func Zero[T any]() T {
	var zero T
	return zero
}

// MarshalJSON marshals v using the standard library's json package, wrapping any error for context.
func MarshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "can't marshal %#v", v)
	}

	return b, nil
}

// UnmarshalJSON unmarshals data into v using the standard library's json package, wrapping any error for context.
func UnmarshalJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "can't unmarshal %q into %s", data, Name(v))
	}

	return nil
}

// CantParseInt64 wraps an error from strconv.ParseInt for a given input string.
func CantParseInt64(err error, s string) error {
	return errors.Wrapf(err, "can't parse %q into int64", s)
}

// CantParseUint64 wraps an error from strconv.ParseUint for a given input string.
func CantParseUint64(err error, s string) error {
	return errors.Wrapf(err, "can't parse %q into uint64", s)
}
