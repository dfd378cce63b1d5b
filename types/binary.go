package types

import (
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
)

// Binary adds JSON encoding to []byte, encoding it as a hex string. JSON decoding is not
// implemented: Binary has no UnmarshalJSON method.
type Binary []byte

// Valid returns whether b carries at least one byte.
func (b Binary) Valid() bool {
	return len(b) > 0
}

// String returns the lower-case hex encoding of b.
func (b Binary) String() string {
	return hex.EncodeToString(b)
}

// MarshalJSON implements the json.Marshaler interface.
// Supports JSON null for an invalid (nil or empty) Binary.
func (b Binary) MarshalJSON() ([]byte, error) {
	if !b.Valid() {
		return []byte("null"), nil
	}

	return MarshalJSON(b.String())
}

// Value implements the driver.Valuer interface.
func (b Binary) Value() (driver.Value, error) {
	if !b.Valid() {
		return nil, nil
	}

	return []byte(b), nil
}

// Scan implements the sql.Scanner interface.
func (b *Binary) Scan(src interface{}) error {
	if src == nil {
		*b = nil
		return nil
	}

	switch v := src.(type) {
	case []byte:
		*b = append(Binary(nil), v...)
	case string:
		*b = Binary(v)
	default:
		*b = nil
	}

	return nil
}

// Assert interface compliance.
var (
	_ json.Marshaler = Binary{}
	_ driver.Valuer  = Binary{}
)
