package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// UUID is like uuid.UUID, but marshals itself binarily (not like xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx) in SQL context.
type UUID struct {
	uuid.UUID
}

// Value implements driver.Valuer.
func (u UUID) Value() (driver.Value, error) {
	return u.UUID[:], nil
}

// Scan implements sql.Scanner. Accepts either a 16-byte binary form or a textual
// xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx form, since dialects disagree on which one a UUID
// column round-trips as (PostgreSQL returns text, a BINARY(16) column returns bytes).
func (u *UUID) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		parsed, err := uuid.FromBytes(v)
		if err != nil {
			if parsed, err = uuid.ParseBytes(v); err != nil {
				return errors.Wrapf(err, "can't scan %q into UUID", v)
			}
		}

		u.UUID = parsed
	case string:
		parsed, err := uuid.Parse(v)
		if err != nil {
			return errors.Wrapf(err, "can't scan %q into UUID", v)
		}

		u.UUID = parsed
	case nil:
		u.UUID = uuid.UUID{}
	default:
		return errors.Errorf("can't scan %T into UUID", src)
	}

	return nil
}

// Assert interface compliance.
var (
	_ encoding.TextUnmarshaler = (*UUID)(nil)
	_ driver.Valuer            = UUID{}
	_ driver.Valuer            = (*UUID)(nil)
	_ sql.Scanner              = (*UUID)(nil)
)
