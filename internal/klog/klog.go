// Package klog is the kernel's log sink: a binary, append-only record stream
// written through an io.WriterAt with an atomically advanced offset, so it is
// safe to log from interrupt context without taking a lock.
//
// Each record is:
//   - 2 bytes kind (0 = invalid, 1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes message length
//   - 8 bytes timestamp (nanoseconds since boot)
//   - sourceLength bytes source
//   - messageLength bytes message
//
// The rest of the kernel logs through log/slog; Handler adapts slog records
// into this stream.
package klog

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// Kind tags a record's payload encoding.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

const headerSize = 16

// Sink is the destination of the record stream.
type Sink interface {
	io.WriterAt
}

var (
	sink    atomic.Pointer[sinkBox]
	offset  atomic.Uint64
	nowFunc atomic.Pointer[func() uint64]
)

type sinkBox struct {
	w Sink
}

// Open installs the sink. Returns a warning error if a previous sink was
// discarded.
func Open(w Sink) error {
	offset.Store(0)
	if sink.Swap(&sinkBox{w: w}) != nil {
		return fmt.Errorf("klog: already open, discarded old sink")
	}
	return nil
}

// Close removes the sink. Records written afterwards are dropped.
func Close() {
	sink.Store(nil)
	offset.Store(0)
}

// SetClock installs the nanoseconds-since-boot source used to stamp records.
// Before boot wires the timer up, records carry timestamp zero.
func SetClock(now func() uint64) {
	nowFunc.Store(&now)
}

func stamp() uint64 {
	if f := nowFunc.Load(); f != nil {
		return (*f)()
	}
	return 0
}

func writeRecord(kind Kind, source string, data []byte) {
	box := sink.Load()
	if box == nil {
		return
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], stamp())

	size := uint64(headerSize + len(source) + len(data))
	off := offset.Add(size) - size

	if _, err := box.w.WriteAt(header[:], int64(off)); err != nil {
		return
	}
	if _, err := box.w.WriteAt([]byte(source), int64(off)+headerSize); err != nil {
		return
	}
	_, _ = box.w.WriteAt(data, int64(off)+headerSize+int64(len(source)))
}

// WriteBytes appends a raw-bytes record.
func WriteBytes(source string, data []byte) {
	writeRecord(KindBytes, source, data)
}

// Write appends a string record.
func Write(source, data string) {
	writeRecord(KindString, source, []byte(data))
}

// Writef appends a formatted string record.
func Writef(source, format string, args ...any) {
	writeRecord(KindString, source, fmt.Appendf(nil, format, args...))
}

// Size returns the number of bytes written so far.
func Size() uint64 { return offset.Load() }

// Handler is a slog.Handler that renders records into the klog stream. The
// slog source group/attr machinery is flattened into the message text, since
// the stream is the structure.
type Handler struct {
	source string
	level  slog.Level
	attrs  []slog.Attr
}

// NewHandler builds a handler tagged with the given source name.
func NewHandler(source string, level slog.Level) *Handler {
	return &Handler{source: source, level: level}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler.
func (h *Handler) Handle(_ context.Context, record slog.Record) error {
	buf := make([]byte, 0, 128)
	buf = append(buf, record.Level.String()...)
	buf = append(buf, ' ')
	buf = append(buf, record.Message...)
	appendAttr := func(a slog.Attr) bool {
		buf = append(buf, ' ')
		buf = append(buf, a.Key...)
		buf = append(buf, '=')
		buf = append(buf, a.Value.String()...)
		return true
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	record.Attrs(appendAttr)
	writeRecord(KindString, h.source, buf)
	return nil
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	next := *h
	next.source = h.source + "." + name
	return &next
}

var _ slog.Handler = (*Handler)(nil)
