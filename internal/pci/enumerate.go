package pci

import (
	"log/slog"
)

// DiscoveredFunction pairs a function with its decoded header.
type DiscoveredFunction struct {
	Function *Function
	Header   *Header
}

// Enumerate scans the given buses for present functions. A header that
// fails to decode is logged and skipped; enumeration continues.
func Enumerate(access ConfigAccess, buses []uint8) []DiscoveredFunction {
	var found []DiscoveredFunction

	for _, bus := range buses {
		for device := uint8(0); device < maxDevice; device++ {
			fn0 := &Function{
				Addr:   FunctionAddr{Bus: bus, Device: device},
				Access: access,
			}
			header, err := fn0.ReadHeader()
			if err != nil {
				slog.Warn("pci: skipping function", "addr", fn0.Addr, "err", err)
				continue
			}
			if header == nil {
				continue
			}
			found = append(found, DiscoveredFunction{Function: fn0, Header: header})

			if !header.MultiFunction {
				continue
			}
			for function := uint8(1); function < maxFunction; function++ {
				fn := &Function{
					Addr:   FunctionAddr{Bus: bus, Device: device, Function: function},
					Access: access,
				}
				h, err := fn.ReadHeader()
				if err != nil {
					slog.Warn("pci: skipping function", "addr", fn.Addr, "err", err)
					continue
				}
				if h == nil {
					continue
				}
				found = append(found, DiscoveredFunction{Function: fn, Header: h})
			}
		}
	}
	return found
}
