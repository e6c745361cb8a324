package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// OpType represents the type of WAL operation
type OpType byte

const (
	// OpRecord is an appended ledger record
	OpRecord OpType = 1

	// OpSeal marks the end of a segment before rotation
	OpSeal OpType = 2
)

const (
	// EntryHeaderSize is the fixed size of the entry header
	// Layout: LSN(8) + OpType(1) + Reserved(3) + KeyLen(4) + ValLen(4) + Timestamp(8)
	EntryHeaderSize = 28

	// MaxEntrySize bounds key plus value; larger lengths mean a damaged header
	MaxEntrySize = 16 << 20
)

// Entry represents a single WAL entry
type Entry struct {
	LSN       uint64    // Log Sequence Number, dense and strictly increasing
	OpType    OpType    // Operation type
	Key       []byte    // Stream key (document ID for ledger records)
	Value     []byte    // Encoded payload
	Timestamp time.Time // Append time, nanosecond precision
}

// Encode serializes the entry to bytes with CRC32 checksum
// Format: [Header(28)] [Key] [Value] [CRC32(4)]
func (e *Entry) Encode() []byte {
	keyLen := len(e.Key)
	valLen := len(e.Value)
	buf := make([]byte, e.Size())

	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	buf[8] = byte(e.OpType)
	// bytes 9-11 are reserved
	binary.LittleEndian.PutUint32(buf[12:16], uint32(keyLen))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(valLen))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(e.Timestamp.UnixNano()))

	offset := EntryHeaderSize
	copy(buf[offset:], e.Key)
	offset += keyLen
	copy(buf[offset:], e.Value)
	offset += valLen

	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)

	return buf
}

// payloadLen returns key+value+crc length from a header, or an error for
// lengths no valid writer could have produced
func payloadLen(header []byte) (int, error) {
	keyLen := binary.LittleEndian.Uint32(header[12:16])
	valLen := binary.LittleEndian.Uint32(header[16:20])
	if uint64(keyLen)+uint64(valLen) > MaxEntrySize {
		return 0, ErrCorrupted
	}
	return int(keyLen) + int(valLen) + 4, nil
}

// DecodeEntry deserializes a WAL entry from bytes
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < EntryHeaderSize+4 {
		return nil, ErrTruncated
	}

	n, err := payloadLen(data[:EntryHeaderSize])
	if err != nil {
		return nil, err
	}
	if len(data) < EntryHeaderSize+n {
		return nil, ErrTruncated
	}
	data = data[:EntryHeaderSize+n]

	end := len(data) - 4
	if binary.LittleEndian.Uint32(data[end:]) != crc32.ChecksumIEEE(data[:end]) {
		return nil, ErrCorrupted
	}

	entry := &Entry{
		LSN:       binary.LittleEndian.Uint64(data[0:8]),
		OpType:    OpType(data[8]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(data[20:28]))),
	}

	keyLen := int(binary.LittleEndian.Uint32(data[12:16]))
	valLen := int(binary.LittleEndian.Uint32(data[16:20]))

	offset := EntryHeaderSize
	if keyLen > 0 {
		entry.Key = make([]byte, keyLen)
		copy(entry.Key, data[offset:offset+keyLen])
		offset += keyLen
	}
	if valLen > 0 {
		entry.Value = make([]byte, valLen)
		copy(entry.Value, data[offset:offset+valLen])
	}

	return entry, nil
}

// Size returns the encoded size of the entry
func (e *Entry) Size() int {
	return EntryHeaderSize + len(e.Key) + len(e.Value) + 4
}

// String returns a human-readable representation of the entry
func (e *Entry) String() string {
	opName := "UNKNOWN"
	switch e.OpType {
	case OpRecord:
		opName = "RECORD"
	case OpSeal:
		opName = "SEAL"
	}
	return fmt.Sprintf("WAL[LSN=%d Op=%s Key=%q ValLen=%d]",
		e.LSN, opName, e.Key, len(e.Value))
}
