package ir

import "bytes"

// Request is the outer wire envelope the Bridge decodes before dispatching to the Driver or
// Transaction Manager: which pool to run against, which transaction handle (if any) pins the
// statement to one connection, and the statement itself.
type Request struct {
	PoolName string

	// TransactionID, if non-empty, routes Statement onto that transaction handle's pinned
	// connection instead of acquiring a fresh one from the pool.
	TransactionID string

	Statement IR
}

// EncodeRequest serializes req into the engine's binary wire format, reusing Encode's framing
// with the pool name and transaction id prefixed ahead of the statement IR.
func EncodeRequest(req Request) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codecVersion)

	if err := writeString(&buf, req.PoolName); err != nil {
		return nil, err
	}
	if err := writeString(&buf, req.TransactionID); err != nil {
		return nil, err
	}
	if err := writeIR(&buf, req.Statement); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeRequest deserializes a payload produced by EncodeRequest.
func DecodeRequest(data []byte) (Request, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return Request{}, errProtocol("empty payload")
	}
	if version != codecVersion {
		return Request{}, Errorf(PROTOCOL, "unsupported wire version %d", version)
	}

	poolName, err := readString(r)
	if err != nil {
		return Request{}, err
	}

	txID, err := readString(r)
	if err != nil {
		return Request{}, err
	}

	stmt, err := readIR(r)
	if err != nil {
		return Request{}, err
	}

	if r.Len() != 0 {
		return Request{}, errProtocol("trailing bytes after request")
	}

	return Request{PoolName: poolName, TransactionID: txID, Statement: stmt}, nil
}
