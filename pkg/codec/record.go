// Package codec implements the fixed 64-byte metric record layout shared
// between producers, the host memory plane and the collector's RDMA reader.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// RecordType distinguishes counter and gauge semantics of a metric record.
type RecordType uint8

// Record type tags, matching the wire format byte at offset 55.
const (
	Counter RecordType = 0
	Gauge   RecordType = 1
)

// String implements fmt.Stringer.
func (t RecordType) String() string {
	switch t {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Record size and field offsets. Layout: [0,55) name, 55 type, [56,64) value.
const (
	NameSize   = 55
	RecordSize = 64

	nameOffset  = 0
	typeOffset  = 55
	valueOffset = 56
)

// Custom errors.
var (
	ErrNameTooLong = errors.New("codec: metric name exceeds 55 bytes")
	ErrShortBuffer = errors.New("codec: buffer shorter than a record")
)

// EncodeRecord packs (name, type, value) into the fixed 64-byte wire format.
// name longer than NameSize is a configuration error (spec §7), not truncated.
func EncodeRecord(name string, typ RecordType, value float64) ([RecordSize]byte, error) {
	var buf [RecordSize]byte

	if len(name) > NameSize {
		return buf, fmt.Errorf("%w: %q is %d bytes", ErrNameTooLong, name, len(name))
	}

	copy(buf[nameOffset:typeOffset], name)
	buf[typeOffset] = uint8(typ)
	binary.LittleEndian.PutUint64(buf[valueOffset:RecordSize], math.Float64bits(value))

	return buf, nil
}

// ValueFieldOffset returns the byte offset of the value field within a record,
// i.e. the offset a producer writes to directly on every update.
func ValueFieldOffset(recordIndex int) int {
	return recordIndex*RecordSize + valueOffset
}

// WriteValue performs the single 8-byte aligned store a producer issues on
// every metric update: no indirection beyond the absolute offset already
// handed back by allocation.
func WriteValue(page []byte, recordIndex int, value float64) error {
	off := ValueFieldOffset(recordIndex)
	if off+8 > len(page) {
		return ErrShortBuffer
	}

	binary.LittleEndian.PutUint64(page[off:off+8], math.Float64bits(value))

	return nil
}

// decodeRecord reads a single 64-byte record without allocating for the name.
func decodeRecord(raw []byte) (name []byte, typ RecordType, value float64) {
	end := nameOffset
	for end < typeOffset && raw[end] != 0 {
		end++
	}

	name = raw[nameOffset:end]
	typ = RecordType(raw[typeOffset])
	value = math.Float64frombits(binary.LittleEndian.Uint64(raw[valueOffset:RecordSize]))

	return name, typ, value
}

// trimName returns name with trailing zero bytes removed (best-effort: the
// wire format does not require valid UTF-8, so callers needing text should
// treat the result as an opaque, possibly non-UTF-8 byte string).
func trimName(raw []byte) []byte {
	return bytes.TrimRight(raw, "\x00")
}
