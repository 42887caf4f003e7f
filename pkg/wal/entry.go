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
	// OpMutations carries one table's encoded cells
	OpMutations OpType = 1

	// OpCommit marks every entry of a batch as durable
	OpCommit OpType = 2

	// OpCheckpoint marks the start of a table snapshot
	OpCheckpoint OpType = 3
)

const (
	// EntryHeaderSize is the fixed size of the entry header
	// Layout: LSN(8) + BatchID(8) + OpType(1) + Codec(1) + Reserved(6) + TableLen(4) + PayloadLen(4) + Timestamp(8)
	EntryHeaderSize = 40
)

// Entry represents a single WAL entry
type Entry struct {
	LSN       uint64    // Log Sequence Number (monotonically increasing)
	BatchID   uint64    // Flush batch the entry belongs to
	OpType    OpType    // Operation type
	Codec     Codec     // Compression applied to Payload
	Table     string    // Target table (OpMutations only)
	Payload   []byte    // Encoded cells, possibly compressed
	Timestamp time.Time // Entry timestamp
}

// Encode serializes the entry to bytes with CRC32 checksum
// Format: [Header(40)] [Table] [Payload] [CRC32(4)]
func (e *Entry) Encode() []byte {
	tableLen := len(e.Table)
	payloadLen := len(e.Payload)
	buf := make([]byte, e.Size())

	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], e.BatchID)
	buf[16] = byte(e.OpType)
	buf[17] = byte(e.Codec)
	// bytes 18-23 are reserved
	binary.LittleEndian.PutUint32(buf[24:28], uint32(tableLen))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(payloadLen))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(e.Timestamp.UnixMilli()))

	offset := EntryHeaderSize
	copy(buf[offset:], e.Table)
	offset += tableLen
	copy(buf[offset:], e.Payload)
	offset += payloadLen

	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)

	return buf
}

// DecodeEntry deserializes a WAL entry from bytes
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < EntryHeaderSize+4 {
		return nil, ErrTruncated
	}

	tableLen := binary.LittleEndian.Uint32(data[24:28])
	payloadLen := binary.LittleEndian.Uint32(data[28:32])
	expectedSize := EntryHeaderSize + int(tableLen) + int(payloadLen) + 4
	if len(data) < expectedSize {
		return nil, ErrTruncated
	}
	data = data[:expectedSize]

	storedCRC := binary.LittleEndian.Uint32(data[expectedSize-4:])
	if storedCRC != crc32.ChecksumIEEE(data[:expectedSize-4]) {
		return nil, ErrCorrupted
	}

	entry := &Entry{
		LSN:       binary.LittleEndian.Uint64(data[0:8]),
		BatchID:   binary.LittleEndian.Uint64(data[8:16]),
		OpType:    OpType(data[16]),
		Codec:     Codec(data[17]),
		Timestamp: time.UnixMilli(int64(binary.LittleEndian.Uint64(data[32:40]))),
	}

	offset := EntryHeaderSize
	entry.Table = string(data[offset : offset+int(tableLen)])
	offset += int(tableLen)
	if payloadLen > 0 {
		entry.Payload = make([]byte, payloadLen)
		copy(entry.Payload, data[offset:offset+int(payloadLen)])
	}

	return entry, nil
}

// Size returns the encoded size of the entry
func (e *Entry) Size() int {
	return EntryHeaderSize + len(e.Table) + len(e.Payload) + 4
}

// String returns a human-readable representation of the entry
func (e *Entry) String() string {
	opName := "UNKNOWN"
	switch e.OpType {
	case OpMutations:
		opName = "MUTATIONS"
	case OpCommit:
		opName = "COMMIT"
	case OpCheckpoint:
		opName = "CHECKPOINT"
	}
	return fmt.Sprintf("WAL[LSN=%d Batch=%d Op=%s Table=%q Codec=%s PayloadLen=%d]",
		e.LSN, e.BatchID, opName, e.Table, e.Codec, len(e.Payload))
}
