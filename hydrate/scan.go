package hydrate

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/icinga/sqlcore/database"
	"github.com/icinga/sqlcore/ir"
	"github.com/icinga/sqlcore/types"
	"github.com/jmoiron/sqlx"
)

// rowSource is the subset of *sqlx.Rows the Hydrator needs, so tests can feed it a fake
// without opening a real database - the same narrow-interface idiom database/pool.go's
// connExecutor-style helpers use.
type rowSource interface {
	Columns() ([]string, error)
	ColumnTypes() ([]*sql.ColumnType, error)
	Scan(dest ...any) error
}

// All hydrates every remaining row of rows for the given dialect, advancing rows to
// exhaustion. It does not call rows.Close; the caller owns the cursor's lifetime exactly like
// database.(*Pool).Query's callers already do.
func All(rows *sqlx.Rows, dialect database.Dialect) ([]Row, error) {
	columns, columnTypes, err := columnsOf(rows)
	if err != nil {
		return nil, err
	}

	var out []Row
	for i := 0; rows.Next(); i++ {
		row, err := hydrateRow(rows, columns, columnTypes, dialect, i)
		if err != nil {
			return nil, err
		}

		out = append(out, row)
	}

	return out, rows.Err()
}

// One hydrates the single row rows is currently positioned on (i.e. after a successful
// rows.Next()), tagging any error with rowIndex.
func One(rows *sqlx.Rows, dialect database.Dialect, rowIndex int) (Row, error) {
	columns, columnTypes, err := columnsOf(rows)
	if err != nil {
		return nil, err
	}

	return hydrateRow(rows, columns, columnTypes, dialect, rowIndex)
}

func columnsOf(rows rowSource) ([]string, []*sql.ColumnType, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, ir.Wrap(ir.HYDRATION, err, "can't read result columns")
	}

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, ir.Wrap(ir.HYDRATION, err, "can't read result column types")
	}

	return columns, columnTypes, nil
}

func hydrateRow(rows rowSource, columns []string, columnTypes []*sql.ColumnType, dialect database.Dialect, rowIndex int) (Row, error) {
	raw := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range raw {
		dest[i] = &raw[i]
	}

	if err := rows.Scan(dest...); err != nil {
		return nil, hydrationError(columnNameAt(columns, 0), rowIndex, err)
	}

	row := make(Row, len(columns))
	for i, name := range columns {
		v, err := normalize(raw[i], columnTypes[i].DatabaseTypeName(), dialect)
		if err != nil {
			return nil, hydrationError(name, rowIndex, err)
		}

		row[i] = NamedValue{Name: name, Value: v}
	}

	return row, nil
}

func columnNameAt(columns []string, i int) string {
	if i < len(columns) {
		return columns[i]
	}

	return "?"
}

// normalize maps one scanned driver-native value to the Value domain, per the dialect
// normalisation policy: booleans collapse across dialects, timestamps are forced to UTC, JSON
// columns carry their raw bytes, UUID columns decode via types.UUID, and NUMERIC/DECIMAL
// columns are kept as their exact textual representation.
func normalize(raw any, databaseTypeName string, dialect database.Dialect) (ir.Value, error) {
	if raw == nil {
		return ir.Null(), nil
	}

	typeName := strings.ToUpper(databaseTypeName)

	switch {
	case strings.Contains(typeName, "BOOL"):
		return normalizeBool(raw)
	case typeName == "JSON" || typeName == "JSONB":
		return normalizeJSON(raw)
	case typeName == "UUID":
		return normalizeUUID(raw)
	case strings.Contains(typeName, "DECIMAL") || strings.Contains(typeName, "NUMERIC"):
		return normalizeDecimal(raw)
	case isTemporal(typeName):
		return normalizeTimestamp(raw)
	}

	switch v := raw.(type) {
	case bool:
		return ir.BoolValue(v), nil
	case int64:
		return ir.Int64(v), nil
	case float64:
		return ir.Float64(v), nil
	case []byte:
		return ir.Text(string(v)), nil
	case string:
		return ir.Text(v), nil
	case time.Time:
		return ir.Timestamp(v), nil
	default:
		return ir.Value{}, ir.Errorf(ir.HYDRATION, "unsupported column value of type %T for dialect %q", raw, dialect)
	}
}

func isTemporal(typeName string) bool {
	return strings.Contains(typeName, "TIMESTAMP") ||
		strings.Contains(typeName, "DATETIME") ||
		typeName == "DATE" ||
		typeName == "TIME"
}

func normalizeBool(raw any) (ir.Value, error) {
	switch v := raw.(type) {
	case bool:
		return ir.BoolValue(v), nil
	case int64:
		return ir.BoolValue(v != 0), nil
	case []byte:
		return ir.BoolValue(isTruthy(string(v))), nil
	case string:
		return ir.BoolValue(isTruthy(v)), nil
	default:
		return ir.Value{}, ir.Errorf(ir.HYDRATION, "can't normalize %T into bool", raw)
	}
}

// isTruthy mirrors types.Bool's "y"/"n" enum mapping, generalised to also accept SQLite's
// 0/1 integer-as-text form.
func isTruthy(s string) bool {
	switch strings.ToLower(s) {
	case "y", "yes", "t", "true", "1":
		return true
	default:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n != 0
		}

		return false
	}
}

func normalizeJSON(raw any) (ir.Value, error) {
	switch v := raw.(type) {
	case []byte:
		return ir.JSONValue(append([]byte(nil), v...)), nil
	case string:
		return ir.JSONValue([]byte(v)), nil
	default:
		return ir.Value{}, ir.Errorf(ir.HYDRATION, "can't normalize %T into JSON", raw)
	}
}

func normalizeUUID(raw any) (ir.Value, error) {
	var u types.UUID
	if err := u.Scan(raw); err != nil {
		return ir.Value{}, err
	}

	return ir.UUIDValue(u.String()), nil
}

func normalizeDecimal(raw any) (ir.Value, error) {
	var d types.Decimal
	if err := d.Scan(raw); err != nil {
		return ir.Value{}, err
	}

	return ir.DecimalValue(d.String), nil
}

func normalizeTimestamp(raw any) (ir.Value, error) {
	switch v := raw.(type) {
	case time.Time:
		return ir.Timestamp(v), nil
	case []byte:
		return parseTimestampText(string(v))
	case string:
		return parseTimestampText(v)
	default:
		return ir.Value{}, ir.Errorf(ir.HYDRATION, "can't normalize %T into a timestamp", raw)
	}
}

// sqliteTimestampLayouts covers the textual datetime formats modernc.org/sqlite's driver
// (and plain SQLite TEXT-affinity datetime columns) return, tried in order.
var sqliteTimestampLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestampText(s string) (ir.Value, error) {
	for _, layout := range sqliteTimestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return ir.Timestamp(t), nil
		}
	}

	return ir.Value{}, ir.Errorf(ir.HYDRATION, "can't parse %q as a timestamp", s)
}
