package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Decimal carries an arbitrary-precision NUMERIC/DECIMAL value as its exact textual
// representation. It deliberately never round-trips through float64, the same way
// sql.NullString would, but typed so callers can't mistake it for ordinary text.
type Decimal struct {
	String string
	Valid  bool // Valid is true if String is not NULL
}

// MakeDecimal constructs a new, valid Decimal from its textual representation.
func MakeDecimal(s string) Decimal {
	return Decimal{String: s, Valid: true}
}

// IsZero implements the json.isZeroer interface.
func (d Decimal) IsZero() bool { return !d.Valid }

// MarshalJSON implements the json.Marshaler interface. Decimals are encoded as JSON numbers
// without quotes so embedders see a number, not a string, while the Go side keeps the exact
// text PostgreSQL/MySQL returned.
func (d Decimal) MarshalJSON() ([]byte, error) {
	if !d.Valid {
		return []byte("null"), nil
	}

	return []byte(d.String), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	if string(data) == "null" || len(data) == 0 {
		return nil
	}

	d.String = string(data)
	d.Valid = true

	return nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (d *Decimal) UnmarshalText(text []byte) error {
	*d = Decimal{String: string(text), Valid: true}
	return nil
}

// Scan implements the sql.Scanner interface. Supports SQL NULL.
func (d *Decimal) Scan(src interface{}) error {
	if src == nil {
		d.String, d.Valid = "", false
		return nil
	}

	switch v := src.(type) {
	case []byte:
		d.String = string(v)
	case string:
		d.String = v
	case float64:
		// Some drivers report NUMERIC columns as float64; format without losing the value's
		// apparent precision rather than silently accepting an already-lossy round-trip.
		d.String = fmt.Sprintf("%v", v)
	default:
		return errors.Errorf("can't scan %T into Decimal", src)
	}

	d.Valid = true

	return nil
}

// Value implements the driver.Valuer interface. Supports SQL NULL.
func (d Decimal) Value() (driver.Value, error) {
	if !d.Valid {
		return nil, nil
	}

	return d.String, nil
}

// Assert interface compliance.
var (
	_ json.Marshaler           = Decimal{}
	_ json.Unmarshaler         = (*Decimal)(nil)
	_ encoding.TextUnmarshaler = (*Decimal)(nil)
	_ sql.Scanner              = (*Decimal)(nil)
	_ driver.Valuer            = Decimal{}
)
