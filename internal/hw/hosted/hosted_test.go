package hosted

import (
	"encoding/binary"
	"testing"

	"github.com/emberos/ember/internal/hw"
)

type echoDevice struct {
	region hw.MMIORegion
	last   uint32
}

func (d *echoDevice) MMIORegions() []hw.MMIORegion { return []hw.MMIORegion{d.region} }

func (d *echoDevice) ReadMMIO(addr uint64, data []byte) error {
	binary.LittleEndian.PutUint32(data, d.last)
	return nil
}

func (d *echoDevice) WriteMMIO(addr uint64, data []byte) error {
	d.last = binary.LittleEndian.Uint32(data)
	return nil
}

type scratchPort struct {
	value uint8
}

func (p *scratchPort) IOPorts() []uint16 { return []uint16{0x80} }

func (p *scratchPort) ReadIOPort(port uint16, data []byte) error {
	data[0] = p.value
	return nil
}

func (p *scratchPort) WriteIOPort(port uint16, data []byte) error {
	p.value = data[0]
	return nil
}

func TestMachineRoutesRAMAndMMIO(t *testing.T) {
	m, err := NewMachine(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	dev := &echoDevice{region: hw.MMIORegion{Address: 0x8000, Size: 0x1000}}
	if err := m.AttachMMIO(dev); err != nil {
		t.Fatal(err)
	}

	win := hw.Window{Mem: m, Base: 0}
	win.WriteUint32(0x100, 0xAABBCCDD)
	if got := win.ReadUint32(0x100); got != 0xAABBCCDD {
		t.Errorf("RAM read = %#x", got)
	}

	win.WriteUint32(0x8010, 0x11223344)
	if dev.last != 0x11223344 {
		t.Errorf("device write missed: %#x", dev.last)
	}
	if got := win.ReadUint32(0x8020); got != 0x11223344 {
		t.Errorf("device read = %#x", got)
	}

	// RAM behind the device window is shadowed, not written.
	var raw [4]byte
	if _, err := m.ram.readAt(raw[:], 0x8010); err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint32(raw[:]) != 0 {
		t.Error("device write leaked into RAM")
	}
}

func TestMachineRejectsOverlappingMMIO(t *testing.T) {
	m, err := NewMachine(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	first := &echoDevice{region: hw.MMIORegion{Address: 0x8000, Size: 0x1000}}
	if err := m.AttachMMIO(first); err != nil {
		t.Fatal(err)
	}
	second := &echoDevice{region: hw.MMIORegion{Address: 0x8800, Size: 0x1000}}
	if err := m.AttachMMIO(second); err == nil {
		t.Error("overlapping region accepted")
	}
}

func TestMachineOutOfRangeAccess(t *testing.T) {
	m, err := NewMachine(1 << 16)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	buf := make([]byte, 4)
	if _, err := m.ReadAt(buf, 1<<20); err == nil {
		t.Error("read beyond RAM succeeded")
	}
	if _, err := m.WriteAt(buf, 1<<20); err == nil {
		t.Error("write beyond RAM succeeded")
	}
}

func TestMachinePorts(t *testing.T) {
	m, err := NewMachine(1 << 16)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	port := &scratchPort{}
	if err := m.AttachPorts(port); err != nil {
		t.Fatal(err)
	}

	m.Out8(0x80, 0x42)
	if got := m.In8(0x80); got != 0x42 {
		t.Errorf("port read = %#x", got)
	}

	// Unclaimed ports float high.
	if got := m.In32(0x1234); got != 0xFFFF_FFFF {
		t.Errorf("floating port read = %#x", got)
	}
}
