package bridge

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/icinga/sqlcore/database"
	"github.com/icinga/sqlcore/ir"
)

const wireVersion byte = 1

// ResultSet is the Bridge's own response envelope for execute/raw_execute: the hydrated
// columns (for a SELECT), the affected-row count and last-insert id (for an INSERT/UPDATE/
// DELETE), and the MySQL bulk-insert ApproximateReturning flag the Open Question decisions
// call for. It reuses ir.EncodeValue/DecodeValue per cell so a Row's values round-trip through
// exactly the wire tags the Codec already defines, without inventing a second value encoding.
type ResultSet struct {
	Columns              []string
	Rows                 [][]ir.Value
	RowsAffected         int64
	LastInsertID         int64
	ApproximateReturning bool

	// Prefetches holds each named Prefetch's own ResultSet, keyed by ir.Prefetch.Name, so an
	// embedder gets the whole async fan-out back in one payload instead of one round trip per
	// relation.
	Prefetches map[string]ResultSet
}

// EncodeResultSet serializes rs into the Bridge's binary wire format.
func EncodeResultSet(rs ResultSet) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(wireVersion)

	if err := writeWireU64(&buf, uint64(len(rs.Columns))); err != nil {
		return nil, err
	}
	for _, c := range rs.Columns {
		if err := writeWireString(&buf, c); err != nil {
			return nil, err
		}
	}

	if err := writeWireU64(&buf, uint64(len(rs.Rows))); err != nil {
		return nil, err
	}
	for _, row := range rs.Rows {
		if err := writeWireU64(&buf, uint64(len(row))); err != nil {
			return nil, err
		}
		for _, v := range row {
			encoded, err := ir.EncodeValue(v)
			if err != nil {
				return nil, err
			}
			if err := writeWireBytes(&buf, encoded); err != nil {
				return nil, err
			}
		}
	}

	if err := binary.Write(&buf, binary.BigEndian, rs.RowsAffected); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, rs.LastInsertID); err != nil {
		return nil, err
	}

	approx := byte(0)
	if rs.ApproximateReturning {
		approx = 1
	}
	if err := buf.WriteByte(approx); err != nil {
		return nil, err
	}

	if err := writeWireU64(&buf, uint64(len(rs.Prefetches))); err != nil {
		return nil, err
	}
	for name, sub := range rs.Prefetches {
		if err := writeWireString(&buf, name); err != nil {
			return nil, err
		}

		encoded, err := EncodeResultSet(sub)
		if err != nil {
			return nil, err
		}
		if err := writeWireBytes(&buf, encoded); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// DecodeResultSet deserializes a payload produced by EncodeResultSet.
func DecodeResultSet(data []byte) (ResultSet, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return ResultSet{}, ir.Errorf(ir.PROTOCOL, "empty result set payload")
	}
	if version != wireVersion {
		return ResultSet{}, ir.Errorf(ir.PROTOCOL, "unsupported result set wire version %d", version)
	}

	numColumns, err := readWireU64(r)
	if err != nil {
		return ResultSet{}, err
	}

	columns := make([]string, numColumns)
	for i := range columns {
		columns[i], err = readWireString(r)
		if err != nil {
			return ResultSet{}, err
		}
	}

	numRows, err := readWireU64(r)
	if err != nil {
		return ResultSet{}, err
	}

	rows := make([][]ir.Value, numRows)
	for i := range rows {
		numCells, err := readWireU64(r)
		if err != nil {
			return ResultSet{}, err
		}

		row := make([]ir.Value, numCells)
		for j := range row {
			encoded, err := readWireBytes(r)
			if err != nil {
				return ResultSet{}, err
			}

			row[j], err = ir.DecodeValue(encoded)
			if err != nil {
				return ResultSet{}, err
			}
		}

		rows[i] = row
	}

	var rs ResultSet
	rs.Columns = columns
	rs.Rows = rows

	if err := binary.Read(r, binary.BigEndian, &rs.RowsAffected); err != nil {
		return ResultSet{}, ir.Errorf(ir.PROTOCOL, "truncated rows affected")
	}
	if err := binary.Read(r, binary.BigEndian, &rs.LastInsertID); err != nil {
		return ResultSet{}, ir.Errorf(ir.PROTOCOL, "truncated last insert id")
	}

	approx, err := r.ReadByte()
	if err != nil {
		return ResultSet{}, ir.Errorf(ir.PROTOCOL, "truncated approximate returning flag")
	}
	rs.ApproximateReturning = approx != 0

	numPrefetches, err := readWireU64(r)
	if err != nil {
		return ResultSet{}, err
	}
	if numPrefetches > 0 {
		rs.Prefetches = make(map[string]ResultSet, numPrefetches)
	}
	for i := uint64(0); i < numPrefetches; i++ {
		name, err := readWireString(r)
		if err != nil {
			return ResultSet{}, err
		}

		encoded, err := readWireBytes(r)
		if err != nil {
			return ResultSet{}, err
		}

		sub, err := DecodeResultSet(encoded)
		if err != nil {
			return ResultSet{}, err
		}

		rs.Prefetches[name] = sub
	}

	return rs, nil
}

// ExplainResult is explain's response: the compiled SQL text and its positional bound
// arguments, without running the statement.
type ExplainResult struct {
	SQL  string
	Args []ir.Value
}

// EncodeExplainResult serializes er into the Bridge's binary wire format.
func EncodeExplainResult(er ExplainResult) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(wireVersion)

	if err := writeWireString(&buf, er.SQL); err != nil {
		return nil, err
	}

	if err := writeWireU64(&buf, uint64(len(er.Args))); err != nil {
		return nil, err
	}
	for _, v := range er.Args {
		encoded, err := ir.EncodeValue(v)
		if err != nil {
			return nil, err
		}
		if err := writeWireBytes(&buf, encoded); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// DecodeExplainResult deserializes a payload produced by EncodeExplainResult.
func DecodeExplainResult(data []byte) (ExplainResult, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return ExplainResult{}, ir.Errorf(ir.PROTOCOL, "empty explain result payload")
	}
	if version != wireVersion {
		return ExplainResult{}, ir.Errorf(ir.PROTOCOL, "unsupported explain result wire version %d", version)
	}

	sqlText, err := readWireString(r)
	if err != nil {
		return ExplainResult{}, err
	}

	numArgs, err := readWireU64(r)
	if err != nil {
		return ExplainResult{}, err
	}

	args := make([]ir.Value, numArgs)
	for i := range args {
		encoded, err := readWireBytes(r)
		if err != nil {
			return ExplainResult{}, err
		}

		args[i], err = ir.DecodeValue(encoded)
		if err != nil {
			return ExplainResult{}, err
		}
	}

	return ExplainResult{SQL: sqlText, Args: args}, nil
}

// RawRequest is raw_execute's input: a pool/transaction target plus a literal SQL string and
// its positional bound arguments, bypassing IR compilation entirely (IR.Operation == OpRaw
// under the hood).
type RawRequest struct {
	PoolName      string
	TransactionID string
	SQL           string
	Args          []ir.Value
}

// EncodeRawRequest serializes req into the Bridge's binary wire format.
func EncodeRawRequest(req RawRequest) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(wireVersion)

	if err := writeWireString(&buf, req.PoolName); err != nil {
		return nil, err
	}
	if err := writeWireString(&buf, req.TransactionID); err != nil {
		return nil, err
	}
	if err := writeWireString(&buf, req.SQL); err != nil {
		return nil, err
	}

	if err := writeWireU64(&buf, uint64(len(req.Args))); err != nil {
		return nil, err
	}
	for _, v := range req.Args {
		encoded, err := ir.EncodeValue(v)
		if err != nil {
			return nil, err
		}
		if err := writeWireBytes(&buf, encoded); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// DecodeRawRequest deserializes a payload produced by EncodeRawRequest.
func DecodeRawRequest(data []byte) (RawRequest, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return RawRequest{}, ir.Errorf(ir.PROTOCOL, "empty raw request payload")
	}
	if version != wireVersion {
		return RawRequest{}, ir.Errorf(ir.PROTOCOL, "unsupported raw request wire version %d", version)
	}

	poolName, err := readWireString(r)
	if err != nil {
		return RawRequest{}, err
	}

	txID, err := readWireString(r)
	if err != nil {
		return RawRequest{}, err
	}

	sqlText, err := readWireString(r)
	if err != nil {
		return RawRequest{}, err
	}

	numArgs, err := readWireU64(r)
	if err != nil {
		return RawRequest{}, err
	}

	args := make([]ir.Value, numArgs)
	for i := range args {
		encoded, err := readWireBytes(r)
		if err != nil {
			return RawRequest{}, err
		}

		args[i], err = ir.DecodeValue(encoded)
		if err != nil {
			return RawRequest{}, err
		}
	}

	return RawRequest{PoolName: poolName, TransactionID: txID, SQL: sqlText, Args: args}, nil
}

// InitPoolRequest is init_pool's input. Unlike execute/explain/raw_execute, this carries pool
// configuration rather than engine Value/IR data, so it's plain JSON - the same ambient
// encoding database/config.go's env/file loading already layers creasty/defaults and
// caarlos0/env on top of, rather than a bespoke binary format for what is administrative
// plumbing, not wire-protocol data.
type InitPoolRequest struct {
	Name   string
	Config database.Config
}

func EncodeInitPoolRequest(req InitPoolRequest) ([]byte, error) {
	return json.Marshal(req)
}

func DecodeInitPoolRequest(data []byte) (InitPoolRequest, error) {
	var req InitPoolRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return InitPoolRequest{}, ir.Wrap(ir.PROTOCOL, err, "can't decode init_pool request")
	}

	return req, nil
}

func writeWireU64(w io.Writer, n uint64) error {
	return binary.Write(w, binary.BigEndian, n)
}

func readWireU64(r io.Reader) (uint64, error) {
	var n uint64
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return 0, ir.Errorf(ir.PROTOCOL, "truncated length")
	}

	return n, nil
}

func writeWireBytes(w io.Writer, b []byte) error {
	if err := writeWireU64(w, uint64(len(b))); err != nil {
		return err
	}

	_, err := w.Write(b)
	return err
}

func readWireBytes(r io.Reader) ([]byte, error) {
	n, err := readWireU64(r)
	if err != nil {
		return nil, err
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, ir.Errorf(ir.PROTOCOL, "truncated bytes")
	}

	return b, nil
}

func writeWireString(w io.Writer, s string) error {
	return writeWireBytes(w, []byte(s))
}

func readWireString(r io.Reader) (string, error) {
	b, err := readWireBytes(r)
	if err != nil {
		return "", err
	}

	return string(b), nil
}
