package types

import (
	"encoding"
	"encoding/json"
	"strconv"
	"time"
)

// UnixMilli adds JSON and text (de)serialization to time.Time, representing it as the number of
// milliseconds elapsed since January 1, 1970 UTC, ignoring leap seconds.
//
// The zero UnixMilli marshals to JSON null and to an empty string, mirroring the zero time.Time.
type UnixMilli time.Time

// MarshalJSON implements the json.Marshaler interface.
func (u UnixMilli) MarshalJSON() ([]byte, error) {
	t := time.Time(u)
	if t.IsZero() {
		return []byte("null"), nil
	}

	return MarshalJSON(t.UnixMilli())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (u *UnixMilli) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*u = UnixMilli{}
		return nil
	}

	var ms int64
	if err := UnmarshalJSON(data, &ms); err != nil {
		return err
	}

	*u = UnixMilli(time.UnixMilli(ms).UTC())

	return nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (u UnixMilli) MarshalText() ([]byte, error) {
	t := time.Time(u)
	if t.IsZero() {
		return []byte{}, nil
	}

	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (u *UnixMilli) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*u = UnixMilli{}
		return nil
	}

	ms, err := strconv.ParseInt(string(text), 10, 64)
	if err != nil {
		return CantParseInt64(err, string(text))
	}

	*u = UnixMilli(time.UnixMilli(ms).UTC())

	return nil
}

// Assert interface compliance.
var (
	_ json.Marshaler           = UnixMilli{}
	_ json.Unmarshaler         = (*UnixMilli)(nil)
	_ encoding.TextMarshaler   = UnixMilli{}
	_ encoding.TextUnmarshaler = (*UnixMilli)(nil)
)
