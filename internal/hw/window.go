package hw

import (
	"encoding/binary"
	"fmt"
)

// Window is a mapped MMIO range: the physical base of the range plus the
// accessor it is reachable through. Register blocks are built on top of a
// Window and address their fields by byte offset.
//
// An MMIO fault is not a recoverable condition for the kernel, so the typed
// accessors panic if the underlying accessor reports one.
type Window struct {
	Mem  Memory
	Base PhysAddr
}

// Slice returns a sub-window starting at the given byte offset.
func (w Window) Slice(offset uint64) Window {
	return Window{Mem: w.Mem, Base: w.Base + PhysAddr(offset)}
}

// Addr returns the physical address of the given byte offset.
func (w Window) Addr(offset uint64) PhysAddr {
	return w.Base + PhysAddr(offset)
}

func (w Window) read(offset uint64, buf []byte) {
	n, err := w.Mem.ReadAt(buf, int64(w.Base)+int64(offset))
	if err != nil || n != len(buf) {
		panic(fmt.Sprintf("hw: MMIO read fault at %v+%#x: %v", w.Base, offset, err))
	}
}

func (w Window) write(offset uint64, buf []byte) {
	n, err := w.Mem.WriteAt(buf, int64(w.Base)+int64(offset))
	if err != nil || n != len(buf) {
		panic(fmt.Sprintf("hw: MMIO write fault at %v+%#x: %v", w.Base, offset, err))
	}
}

// ReadUint8 performs a 1-byte read at the given offset.
func (w Window) ReadUint8(offset uint64) uint8 {
	var buf [1]byte
	w.read(offset, buf[:])
	return buf[0]
}

// WriteUint8 performs a 1-byte write at the given offset.
func (w Window) WriteUint8(offset uint64, value uint8) {
	w.write(offset, []byte{value})
}

// ReadUint16 performs a 2-byte little-endian read at the given offset.
func (w Window) ReadUint16(offset uint64) uint16 {
	var buf [2]byte
	w.read(offset, buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

// WriteUint16 performs a 2-byte little-endian write at the given offset.
func (w Window) WriteUint16(offset uint64, value uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	w.write(offset, buf[:])
}

// ReadUint32 performs a 4-byte little-endian read at the given offset.
func (w Window) ReadUint32(offset uint64) uint32 {
	var buf [4]byte
	w.read(offset, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

// WriteUint32 performs a 4-byte little-endian write at the given offset.
func (w Window) WriteUint32(offset uint64, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	w.write(offset, buf[:])
}

// ReadUint64 performs an 8-byte little-endian read at the given offset.
//
// Controllers that only decode 32-bit accesses still accept this because the
// accessor issues the bytes in ascending address order.
func (w Window) ReadUint64(offset uint64) uint64 {
	var buf [8]byte
	w.read(offset, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

// WriteUint64 performs an 8-byte little-endian write at the given offset.
func (w Window) WriteUint64(offset uint64, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	w.write(offset, buf[:])
}

// ReadBytes fills buf from the window starting at the given offset.
func (w Window) ReadBytes(offset uint64, buf []byte) {
	w.read(offset, buf)
}

// WriteBytes copies buf into the window starting at the given offset.
func (w Window) WriteBytes(offset uint64, buf []byte) {
	w.write(offset, buf)
}
