package klog

import (
	"log/slog"
	"strings"
	"testing"
)

func setup(t *testing.T) *MemorySink {
	t.Helper()
	sink := NewMemorySink(1 << 16)
	Close()
	if err := Open(sink); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(Close)
	return sink
}

func TestRecordRoundTrip(t *testing.T) {
	sink := setup(t)

	var ns uint64 = 5000
	SetClock(func() uint64 { return ns })

	Write("boot", "hello")
	ns = 6000
	WriteBytes("acpi", []byte{1, 2, 3})
	Writef("pci", "bus %d", 0)

	var records []Record
	err := Each(sink, Size(), func(rec Record) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0].Source != "boot" || string(records[0].Data) != "hello" || records[0].Nanos != 5000 {
		t.Errorf("record 0 = %+v", records[0])
	}
	if records[1].Kind != KindBytes || len(records[1].Data) != 3 {
		t.Errorf("record 1 = %+v", records[1])
	}
	if string(records[2].Data) != "bus 0" {
		t.Errorf("record 2 = %+v", records[2])
	}
}

func TestSlogHandler(t *testing.T) {
	sink := setup(t)

	logger := slog.New(NewHandler("xhci", slog.LevelInfo))
	logger.Debug("dropped")
	logger.Info("port reset", "port", 3)
	logger.With("slot", 1).Warn("completion error")

	var lines []string
	err := Each(sink, Size(), func(rec Record) error {
		lines = append(lines, string(rec.Data))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d records, want 2: %q", len(lines), lines)
	}
	if !strings.Contains(lines[0], "port reset") || !strings.Contains(lines[0], "port=3") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "slot=1") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestSinkOverflowDropsRecords(t *testing.T) {
	sink := NewMemorySink(32)
	Close()
	if err := Open(sink); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(Close)

	Write("a", "0123456789")
	Write("a", "0123456789")
	count := 0
	_ = Each(sink, Size(), func(Record) error { count++; return nil })
	if count != 1 {
		t.Errorf("got %d records, want 1", count)
	}
}
