package mm

import (
	"github.com/emberos/ember/internal/hw"
)

// PageFlags are the page-table entry bits the kernel maps with.
type PageFlags uint64

const (
	FlagPresent  PageFlags = 1 << 0
	FlagWritable PageFlags = 1 << 1
	FlagNoCache  PageFlags = 1 << 4
)

// PageMapper is the kernel's view of the active page table. Map installs a
// translation for one page and flushes the TLB entry; Unmap removes it and
// flushes again. Implementations live outside the core: the real one edits
// the boot page tables, the hosted one is a bookkeeping map.
type PageMapper interface {
	Map(virt hw.VirtAddr, frame Frame, flags PageFlags) error
	Unmap(virt hw.VirtAddr) error
}

// TrackingMapper is a PageMapper that only records mappings. The hosted
// machine reaches physical memory directly, so translations are bookkeeping
// there — but the bookkeeping is still exercised and inspected by tests.
type TrackingMapper struct {
	entries map[hw.VirtAddr]trackedEntry
}

type trackedEntry struct {
	frame Frame
	flags PageFlags
}

// NewTrackingMapper returns an empty tracking mapper.
func NewTrackingMapper() *TrackingMapper {
	return &TrackingMapper{entries: make(map[hw.VirtAddr]trackedEntry)}
}

// Map implements PageMapper.
func (m *TrackingMapper) Map(virt hw.VirtAddr, frame Frame, flags PageFlags) error {
	if _, taken := m.entries[virt]; taken {
		return errAlreadyMapped(virt)
	}
	m.entries[virt] = trackedEntry{frame: frame, flags: flags}
	return nil
}

// Unmap implements PageMapper.
func (m *TrackingMapper) Unmap(virt hw.VirtAddr) error {
	if _, ok := m.entries[virt]; !ok {
		return errNotMapped(virt)
	}
	delete(m.entries, virt)
	return nil
}

// Lookup returns the frame mapped at the given page, if any.
func (m *TrackingMapper) Lookup(virt hw.VirtAddr) (Frame, bool) {
	e, ok := m.entries[virt]
	return e.frame, ok
}

// MappedPages returns the number of live translations.
func (m *TrackingMapper) MappedPages() int { return len(m.entries) }

type errAlreadyMapped hw.VirtAddr

func (e errAlreadyMapped) Error() string {
	return "mm: page already mapped at " + hw.VirtAddr(e).String()
}

type errNotMapped hw.VirtAddr

func (e errNotMapped) Error() string {
	return "mm: page not mapped at " + hw.VirtAddr(e).String()
}
