package types

import (
	"bytes"
	"database/sql"
	"database/sql/driver"
	"encoding/json"

	"github.com/pkg/errors"
)

// JSON carries an already-serialized JSON document exactly as stored, without decoding it into
// a Go value - the same "pass the bytes through" treatment NUMERIC/DECIMAL columns get via
// Decimal, so a round-trip through the database never perturbs key order or number formatting.
type JSON struct {
	Raw   json.RawMessage
	Valid bool // Valid is true if Raw is not NULL
}

// MakeJSON constructs a new, valid JSON wrapping raw.
func MakeJSON(raw json.RawMessage) JSON {
	return JSON{Raw: raw, Valid: true}
}

// IsZero implements the json.isZeroer interface.
func (j JSON) IsZero() bool { return !j.Valid }

// MarshalJSON implements the json.Marshaler interface.
func (j JSON) MarshalJSON() ([]byte, error) {
	if !j.Valid || j.Raw == nil {
		return []byte("null"), nil
	}

	return j.Raw, nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (j *JSON) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(data, []byte{'n'}) {
		return nil
	}

	j.Raw = append(j.Raw[:0], data...)
	j.Valid = true

	return nil
}

// Scan implements the sql.Scanner interface. Supports SQL NULL.
func (j *JSON) Scan(src interface{}) error {
	if src == nil {
		j.Raw, j.Valid = nil, false
		return nil
	}

	switch v := src.(type) {
	case []byte:
		j.Raw = append(j.Raw[:0], v...)
	case string:
		j.Raw = json.RawMessage(v)
	default:
		return errors.Errorf("can't scan %T into JSON", src)
	}

	j.Valid = true

	return nil
}

// Value implements the driver.Valuer interface. Supports SQL NULL.
func (j JSON) Value() (driver.Value, error) {
	if !j.Valid {
		return nil, nil
	}

	return []byte(j.Raw), nil
}

// Assert interface compliance.
var (
	_ json.Marshaler   = JSON{}
	_ json.Unmarshaler = (*JSON)(nil)
	_ sql.Scanner      = (*JSON)(nil)
	_ driver.Valuer    = JSON{}
)
