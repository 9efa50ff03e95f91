package rowio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BinaryRowStore is a demo PersistentStore used by tests to exercise
// the cache with real row payloads. Its tagged binary encoding is
// scaffolding, not part of the cache's contract.
//
// Wire format per row:
//
//	[0:2]  ColumnCount (uint16 LE)
//	For each column: [0] TypeTag (uint8), [1..] Payload (variable)
type BinaryRowStore struct{}

const (
	tagNil     byte = 0x00
	tagBool    byte = 0x01
	tagInt64   byte = 0x02
	tagFloat64 byte = 0x03
	tagString  byte = 0x04
	tagBytes   byte = 0x05
)

// Get checks that the row decodes and returns its bytes unchanged,
// with their length as the storage size, satisfying PersistentStore's
// contract of returning the payload bytes the cache should hold.
func (BinaryRowStore) Get(in RowInput) ([]byte, uint32, error) {
	data := in.Bytes()
	if _, err := UnmarshalRow(data); err != nil {
		return nil, 0, err
	}
	return data, uint32(len(data)), nil
}

// Set wraps an already-encoded row payload as a RowOutput.
func (BinaryRowStore) Set(payload []byte) (RowOutput, error) {
	if _, err := UnmarshalRow(payload); err != nil {
		return nil, err
	}
	return NewRowOutput(payload), nil
}

// MarshalRow encodes a row into the compact binary format, reusing buf
// if large enough.
func MarshalRow(row []any, buf []byte) []byte {
	est := 2 + len(row)*9
	if cap(buf) >= est {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, est)
	}

	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(row)))
	buf = append(buf, hdr[:]...)

	for _, v := range row {
		switch val := v.(type) {
		case nil:
			buf = append(buf, tagNil)
		case bool:
			buf = append(buf, tagBool)
			if val {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case int64:
			buf = append(buf, tagInt64)
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(val))
			buf = append(buf, b[:]...)
		case float64:
			buf = append(buf, tagFloat64)
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(val))
			buf = append(buf, b[:]...)
		case string:
			buf = append(buf, tagString)
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(len(val)))
			buf = append(buf, b[:]...)
			buf = append(buf, val...)
		case []byte:
			buf = append(buf, tagBytes)
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(len(val)))
			buf = append(buf, b[:]...)
			buf = append(buf, val...)
		default:
			s := fmt.Sprint(val)
			buf = append(buf, tagString)
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(len(s)))
			buf = append(buf, b[:]...)
			buf = append(buf, s...)
		}
	}
	return buf
}

// UnmarshalRow decodes a row from the compact binary format.
func UnmarshalRow(data []byte) ([]any, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("rowio: row data too short")
	}
	colCount := int(binary.LittleEndian.Uint16(data[:2]))
	off := 2
	row := make([]any, colCount)

	for i := 0; i < colCount; i++ {
		if off >= len(data) {
			return nil, fmt.Errorf("rowio: unexpected end of row at column %d", i)
		}
		tag := data[off]
		off++

		switch tag {
		case tagNil:
			row[i] = nil
		case tagBool:
			if off >= len(data) {
				return nil, fmt.Errorf("rowio: truncated bool at column %d", i)
			}
			row[i] = data[off] != 0
			off++
		case tagInt64:
			if off+8 > len(data) {
				return nil, fmt.Errorf("rowio: truncated int64 at column %d", i)
			}
			row[i] = int64(binary.LittleEndian.Uint64(data[off : off+8]))
			off += 8
		case tagFloat64:
			if off+8 > len(data) {
				return nil, fmt.Errorf("rowio: truncated float64 at column %d", i)
			}
			row[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[off : off+8]))
			off += 8
		case tagString:
			if off+2 > len(data) {
				return nil, fmt.Errorf("rowio: truncated string len at column %d", i)
			}
			slen := int(binary.LittleEndian.Uint16(data[off : off+2]))
			off += 2
			if off+slen > len(data) {
				return nil, fmt.Errorf("rowio: truncated string data at column %d", i)
			}
			row[i] = string(data[off : off+slen])
			off += slen
		case tagBytes:
			if off+2 > len(data) {
				return nil, fmt.Errorf("rowio: truncated bytes len at column %d", i)
			}
			blen := int(binary.LittleEndian.Uint16(data[off : off+2]))
			off += 2
			if off+blen > len(data) {
				return nil, fmt.Errorf("rowio: truncated bytes data at column %d", i)
			}
			dst := make([]byte, blen)
			copy(dst, data[off:off+blen])
			row[i] = dst
			off += blen
		default:
			return nil, fmt.Errorf("rowio: unknown tag 0x%02x at column %d", tag, i)
		}
	}
	return row, nil
}
