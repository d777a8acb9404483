package xhci

import (
	"io"
	"log/slog"
	"testing"

	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/mm"
)

// flatMemory is a plain physical space for ring and context tests that do
// not need a device model.
type flatMemory struct {
	data []byte
}

func newFlatMemory(size int) *flatMemory {
	return &flatMemory{data: make([]byte, size)}
}

func (m *flatMemory) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}

func (m *flatMemory) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}

func newTestAlloc(t *testing.T) *mm.FrameAllocator {
	t.Helper()
	return mm.NewFrameAllocator([]hw.MemoryRegion{
		{Start: 0x10000, End: 0x100000, Kind: hw.MemoryUsable},
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
