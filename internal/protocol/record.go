// Package protocol defines the control-channel wire format between the
// relay and the hidden agent: a tagged-variant binary encoding with
// little-endian integers and u64-length-prefixed byte vectors and strings.
// Both peers must agree on this encoding bit-exactly.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/postalsys/burrow/internal/crypto"
)

// Record tags.
const (
	TagKeyExchange   uint32 = 0
	TagNewConnection uint32 = 1
)

const (
	// tagSize is the size of the variant tag in bytes.
	tagSize = 4

	// lenSize is the size of a vector/string length prefix in bytes.
	lenSize = 8

	// MaxRecordSize bounds the length of any byte vector or string inside a
	// record. Records are tiny (a compressed public key or a port, key and
	// origin address); a length prefix claiming more is garbage, not a record.
	MaxRecordSize = 4096
)

var (
	// ErrInvalidRecord is returned when a record is malformed.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrUnknownTag is returned for unrecognized record tags.
	ErrUnknownTag = errors.New("unknown record tag")

	// ErrTruncated is returned when the buffer holds only a prefix of a
	// record. The caller should read more bytes and retry.
	ErrTruncated = errors.New("truncated record")
)

// Record is a control-channel record.
type Record interface {
	// Encode serializes the record, tag included.
	Encode() []byte
}

// KeyExchange carries the sender's compressed secp256k1 public key. It is
// sent exactly once in each direction during the handshake, unencrypted.
type KeyExchange struct {
	PublicKey []byte
}

// Encode serializes the KeyExchange record.
func (r *KeyExchange) Encode() []byte {
	buf := make([]byte, tagSize+lenSize+len(r.PublicKey))
	offset := 0

	binary.LittleEndian.PutUint32(buf[offset:], TagKeyExchange)
	offset += tagSize

	binary.LittleEndian.PutUint64(buf[offset:], uint64(len(r.PublicKey)))
	offset += lenSize

	copy(buf[offset:], r.PublicKey)

	return buf
}

// Origin records the external client a flow originated from. It is carried
// for observability only; the protocol never interprets it.
type Origin struct {
	Port uint16
	Addr string
}

func (o Origin) String() string {
	return fmt.Sprintf("%s:%d", o.Addr, o.Port)
}

// NewConnection announces a freshly accepted external client: the ephemeral
// relay-side port the hidden agent must dial, the flow key for the data
// plane, and the client's origin. Always encrypted under the control
// keystream after the handshake.
type NewConnection struct {
	EphemeralPort uint16
	FlowKey       crypto.FlowKey
	Origin        Origin
}

// Encode serializes the NewConnection record.
func (r *NewConnection) Encode() []byte {
	buf := make([]byte, tagSize+2+crypto.KeySize+2+lenSize+len(r.Origin.Addr))
	offset := 0

	binary.LittleEndian.PutUint32(buf[offset:], TagNewConnection)
	offset += tagSize

	binary.LittleEndian.PutUint16(buf[offset:], r.EphemeralPort)
	offset += 2

	copy(buf[offset:], r.FlowKey[:])
	offset += crypto.KeySize

	binary.LittleEndian.PutUint16(buf[offset:], r.Origin.Port)
	offset += 2

	binary.LittleEndian.PutUint64(buf[offset:], uint64(len(r.Origin.Addr)))
	offset += lenSize

	copy(buf[offset:], r.Origin.Addr)

	return buf
}

// Decode deserializes one record from the front of buf and reports how many
// bytes it consumed. ErrTruncated means buf holds only a prefix of a valid
// record; any other error means the bytes can never decode.
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < tagSize {
		return nil, 0, fmt.Errorf("%w: short tag", ErrTruncated)
	}

	tag := binary.LittleEndian.Uint32(buf)
	offset := tagSize

	switch tag {
	case TagKeyExchange:
		keyBytes, n, err := decodeVector(buf[offset:])
		if err != nil {
			return nil, 0, fmt.Errorf("KeyExchange public key: %w", err)
		}
		offset += n
		return &KeyExchange{PublicKey: keyBytes}, offset, nil

	case TagNewConnection:
		if len(buf) < offset+2+crypto.KeySize+2 {
			return nil, 0, fmt.Errorf("%w: NewConnection header", ErrTruncated)
		}

		r := &NewConnection{}
		r.EphemeralPort = binary.LittleEndian.Uint16(buf[offset:])
		offset += 2

		copy(r.FlowKey[:], buf[offset:offset+crypto.KeySize])
		offset += crypto.KeySize

		r.Origin.Port = binary.LittleEndian.Uint16(buf[offset:])
		offset += 2

		addrBytes, n, err := decodeVector(buf[offset:])
		if err != nil {
			return nil, 0, fmt.Errorf("NewConnection origin address: %w", err)
		}
		offset += n
		r.Origin.Addr = string(addrBytes)

		return r, offset, nil

	default:
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
}

// decodeVector reads a u64-length-prefixed byte vector.
func decodeVector(buf []byte) ([]byte, int, error) {
	if len(buf) < lenSize {
		return nil, 0, fmt.Errorf("%w: length prefix", ErrTruncated)
	}

	length := binary.LittleEndian.Uint64(buf)
	if length > MaxRecordSize {
		return nil, 0, fmt.Errorf("%w: vector length %d exceeds maximum", ErrInvalidRecord, length)
	}

	offset := lenSize
	if uint64(len(buf)-offset) < length {
		return nil, 0, fmt.Errorf("%w: vector body", ErrTruncated)
	}

	v := make([]byte, length)
	copy(v, buf[offset:offset+int(length)])

	return v, offset + int(length), nil
}
