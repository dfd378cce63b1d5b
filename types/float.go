package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
)

// Float adds JSON support to sql.NullFloat64.
type Float struct {
	sql.NullFloat64
}

// MarshalJSON implements the json.Marshaler interface.
// Supports JSON null.
func (f Float) MarshalJSON() ([]byte, error) {
	var v interface{}
	if f.Valid {
		v = f.Float64
	}

	return MarshalJSON(v)
}

// Assert interface compliance.
var (
	_ json.Marshaler = Float{}
	_ driver.Valuer  = Float{}
	_ sql.Scanner    = (*Float)(nil)
)
