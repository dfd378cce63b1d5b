// Package hydrate implements the Hydrator: it converts the raw rows a database driver
// returns into the engine's dialect-independent Value domain, applying the per-dialect
// normalisation policy (booleans, timestamps, JSON, UUIDs, decimals) so that callers never
// see a driver-native type. It mirrors the sql.Scanner/driver.Valuer pattern the types
// package already uses for Bool/Int/String, generalised from "one Go field, one column" to
// "one arbitrary SELECT, N columns, column order preserved".
package hydrate

import (
	"fmt"

	"github.com/icinga/sqlcore/ir"
)

// NamedValue is one column of a hydrated row: its name as returned by the query, and its
// normalised Value.
type NamedValue struct {
	Name  string
	Value ir.Value
}

// Row is one hydrated database row, columns kept in the order the query returned them
// (invariant: column order is preserved end to end, from the SQL Builder's SELECT list
// through to the Bridge's encoded response).
type Row []NamedValue

// Get returns the value of the named column and true, or a zero Value and false if no column
// by that name exists in the row.
func (r Row) Get(name string) (ir.Value, bool) {
	for _, nv := range r {
		if nv.Name == name {
			return nv.Value, true
		}
	}

	return ir.Value{}, false
}

// Error reports a column that couldn't be normalised into the Value domain, naming the
// offending column and the zero-based index of the row it occurred in, per the Hydrator's
// contract. Its Kind is always ir.HYDRATION; Cause is the underlying scan/conversion error.
type Error struct {
	Kind   ir.Kind
	Column string
	Row    int
	Cause  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: can't hydrate column %q of row %d: %s", e.Kind, e.Column, e.Row, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func hydrationError(column string, row int, cause error) *Error {
	return &Error{Kind: ir.HYDRATION, Column: column, Row: row, Cause: cause}
}
