// Command ember boots the kernel on a hosted machine: an mmap-backed RAM
// image with synthesised ACPI tables and model devices. It is the bringup
// harness — the same code paths a real boot takes, minus the boot shim.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/ansi"

	"github.com/emberos/ember/internal/apic/apicmodel"
	"github.com/emberos/ember/internal/firmware"
	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/hw/hosted"
	"github.com/emberos/ember/internal/interrupts"
	"github.com/emberos/ember/internal/kernel"
	"github.com/emberos/ember/internal/klog"
	"github.com/emberos/ember/internal/mm"
	"github.com/emberos/ember/internal/pci"
	"github.com/emberos/ember/internal/pci/pcimodel"
	"github.com/emberos/ember/internal/usb/xhci/xhcimodel"
)

// Fixed layout of the hosted machine's reserved region.
const (
	lapicBase   = 0x0060_0000
	ioapicBase  = 0x0061_0000
	xhciBARBase = 0x0050_0000
	tablesBase  = 0x0070_0000
	rsdpBase    = 0x007E_0000
	reservedTop = 0x0080_0000
	usableBase  = 0x0001_0000
	usableTop   = 0x0040_0000
)

func main() {
	configPath := flag.String("config", "", "machine description (YAML)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ansi.Style{}.Bold().ForegroundColor(ansi.Red).Styled("ember:"), err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	banner := ansi.Style{}.Bold().Styled
	fmt.Printf("%s hosted bringup: %d MiB, %d xHCI controller(s)\n",
		banner("ember"), cfg.MemoryMiB, cfg.XHCIControllers)

	// Kernel log ring, mirrored to the terminal through slog.
	sink := klog.NewMemorySink(cfg.KlogBytes)
	if err := klog.Open(sink); err != nil {
		return err
	}
	log := slog.New(klog.NewHandler("kernel", logLevel(cfg.LogLevel)))

	machine, err := hosted.NewMachine(cfg.MemoryMiB << 20)
	if err != nil {
		return err
	}
	defer machine.Close()

	rsdp, err := firmware.InstallTables(machine, firmware.TableConfig{
		TablesBase: tablesBase,
		RSDPBase:   rsdpBase,
		NumCPUs:    cfg.CPUs,
		LAPICBase:  lapicBase,
		IOAPIC:     firmware.IOAPICConfig{ID: 1, Address: ioapicBase},
	})
	if err != nil {
		return err
	}

	if err := machine.AttachMMIO(apicmodel.New(ioapicBase, 1)); err != nil {
		return err
	}

	hostPorts := pcimodel.NewHostPorts()
	var models []*xhcimodel.Model
	for i := 0; i < cfg.XHCIControllers; i++ {
		bar := uint64(xhciBARBase + i*0x10000)
		model := xhcimodel.New(bar, machine)
		if err := machine.AttachMMIO(model); err != nil {
			return err
		}
		addr := pci.FunctionAddr{Bus: 0, Device: uint8(4 + i)}
		if err := hostPorts.AddFunction(addr, xhcimodel.NewConfigSpace(uint32(bar))); err != nil {
			return err
		}
		models = append(models, model)
	}
	if err := machine.AttachPorts(hostPorts); err != nil {
		return err
	}

	handoff := firmware.Handoff{
		RSDP: rsdp,
		MemoryMap: []hw.MemoryRegion{
			{Start: usableBase, End: usableTop, Kind: hw.MemoryUsable},
			{Start: usableTop, End: reservedTop, Kind: hw.MemoryReserved},
		},
	}

	k, err := kernel.Boot(log, kernel.Machine{
		Mem:   machine,
		Ports: machine,
		Pages: mm.NewTrackingMapper(),
	}, handoff)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	dispatcher := k.Dispatcher()
	klog.SetClock(dispatcher.NowNanos)

	// Deliver timer interrupts; everything after boot happens from these.
	attached := false
	for tick := 0; tick < cfg.Ticks; tick++ {
		dispatcher.Dispatch(interrupts.VectorTimer, &interrupts.Frame{})

		if !attached && len(models) > 0 && k.Controllers()[0].Running() {
			for _, port := range cfg.ConnectedPorts {
				models[0].ConnectDevice(port)
			}
			attached = true
		}
	}

	dumpLog(sink)
	return report(cfg, k, models)
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// dumpLog replays the kernel log ring to the terminal.
func dumpLog(sink *klog.MemorySink) {
	dim := ansi.Style{}.Faint().Styled
	_ = klog.Each(sink, klog.Size(), func(rec klog.Record) error {
		fmt.Printf("%s %s\n",
			dim(fmt.Sprintf("[%10.6f] %s", float64(rec.Nanos)/1e9, rec.Source)),
			string(rec.Data))
		return nil
	})
}

func report(cfg Config, k *kernel.Kernel, models []*xhcimodel.Model) error {
	good := ansi.Style{}.ForegroundColor(ansi.Green).Styled
	bad := ansi.Style{}.ForegroundColor(ansi.Red).Styled

	failed := false
	for i, c := range k.Controllers() {
		state := good("running")
		if !c.Running() {
			state = bad("not running")
			failed = true
		}
		slots := 0
		if i < len(models) {
			slots = len(models[i].EnableSlots)
		}
		fmt.Printf("xhci%d: %s, %d slot(s) requested\n", i, state, slots)
	}

	if len(models) > 0 && len(cfg.ConnectedPorts) > 0 &&
		len(models[0].EnableSlots) != len(cfg.ConnectedPorts) {
		return fmt.Errorf("expected %d slot requests, saw %d",
			len(cfg.ConnectedPorts), len(models[0].EnableSlots))
	}
	if failed {
		return fmt.Errorf("a controller never reached its running state")
	}
	fmt.Println(good("bringup complete"), "after", k.NowNanos()/1_000_000, "ms of guest time")
	return nil
}
