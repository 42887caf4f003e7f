package wal

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
)

// Reader reads WAL entries from log files
type Reader struct {
	files   []string // Log files to read
	current int      // Current file index
	fd      *os.File // Current file descriptor

	// Damaged counts files whose tail was cut short by a torn or corrupted write
	Damaged int
}

// NewReader creates a WAL reader for the given log files
func NewReader(files []string) *Reader {
	return &Reader{
		files:   files,
		current: 0,
	}
}

// Open opens the reader
func (r *Reader) Open() error {
	if len(r.files) == 0 {
		return ErrLogNotFound
	}

	fd, err := os.Open(r.files[0])
	if err != nil {
		return err
	}

	r.fd = fd
	return nil
}

// Next reads the next entry. A torn or corrupted entry ends its file: entries
// after it cannot be framed reliably, and the batch it belonged to was never
// committed, so reading resumes with the next file.
func (r *Reader) Next() (*Entry, error) {
	for {
		entry, err := r.readEntryFromCurrent()
		if err == nil {
			return entry, nil
		}

		if errors.Is(err, ErrCorrupted) || errors.Is(err, ErrTruncated) {
			r.Damaged++
			err = io.EOF
		}

		if err == io.EOF {
			if err := r.nextFile(); err != nil {
				return nil, err
			}
			continue
		}

		return nil, err
	}
}

// readEntryFromCurrent reads an entry from the current file
func (r *Reader) readEntryFromCurrent() (*Entry, error) {
	if r.fd == nil {
		return nil, io.EOF
	}

	header := make([]byte, EntryHeaderSize)
	if _, err := io.ReadFull(r.fd, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}

	tableLen := binary.LittleEndian.Uint32(header[24:28])
	payloadLen := binary.LittleEndian.Uint32(header[28:32])
	if int64(tableLen)+int64(payloadLen) > MaxLogFileSize {
		return nil, ErrCorrupted
	}

	dataLen := int(tableLen) + int(payloadLen) + 4
	data := make([]byte, EntryHeaderSize+dataLen)
	copy(data, header)

	if _, err := io.ReadFull(r.fd, data[EntryHeaderSize:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}

	return DecodeEntry(data)
}

// nextFile moves to the next log file
func (r *Reader) nextFile() error {
	if r.fd != nil {
		r.fd.Close()
		r.fd = nil
	}

	r.current++
	if r.current >= len(r.files) {
		return io.EOF
	}

	fd, err := os.Open(r.files[r.current])
	if err != nil {
		return err
	}

	r.fd = fd
	return nil
}

// Close closes the reader
func (r *Reader) Close() error {
	if r.fd != nil {
		return r.fd.Close()
	}
	return nil
}

// ReadAll reads all entries from all files
func ReadAll(files []string) ([]*Entry, error) {
	reader := NewReader(files)
	if err := reader.Open(); err != nil {
		return nil, err
	}
	defer reader.Close()

	var entries []*Entry
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
