package klog

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Record is one decoded log entry.
type Record struct {
	Nanos  uint64
	Kind   Kind
	Source string
	Data   []byte
}

// Each decodes records from r in write order, stopping at the first invalid
// header or at EOF. size is the number of valid bytes (Size() at capture
// time).
func Each(r io.ReaderAt, size uint64, fn func(rec Record) error) error {
	var header [headerSize]byte
	off := int64(0)
	for uint64(off)+headerSize <= size {
		if _, err := r.ReadAt(header[:], off); err != nil {
			return fmt.Errorf("klog: read header at %d: %w", off, err)
		}
		kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
		sourceLen := int(binary.LittleEndian.Uint16(header[2:4]))
		dataLen := int(binary.LittleEndian.Uint32(header[4:8]))
		nanos := binary.LittleEndian.Uint64(header[8:16])

		if kind == KindInvalid {
			return nil
		}
		total := int64(headerSize + sourceLen + dataLen)
		if uint64(off)+uint64(total) > size {
			return nil
		}

		payload := make([]byte, sourceLen+dataLen)
		if _, err := r.ReadAt(payload, off+headerSize); err != nil {
			return fmt.Errorf("klog: read payload at %d: %w", off, err)
		}
		err := fn(Record{
			Nanos:  nanos,
			Kind:   kind,
			Source: string(payload[:sourceLen]),
			Data:   payload[sourceLen:],
		})
		if err != nil {
			return err
		}
		off += total
	}
	return nil
}

// MemorySink is an in-memory Sink for tests and for the boot ring before a
// better destination exists.
type MemorySink struct {
	data []byte
}

// NewMemorySink returns a sink with the given capacity. Writes beyond the
// capacity are dropped.
func NewMemorySink(capacity int) *MemorySink {
	return &MemorySink{data: make([]byte, capacity)}
}

// WriteAt implements Sink.
func (s *MemorySink) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.data)) {
		return 0, io.ErrShortWrite
	}
	n := copy(s.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// ReadAt implements io.ReaderAt.
func (s *MemorySink) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	return copy(p, s.data[off:]), nil
}
