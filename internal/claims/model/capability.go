package model

import "strings"

// Capability is a bit in a visitor or member permission mask.
type Capability uint32

const (
	CapBreak Capability = 1 << iota
	CapPlace
	CapInteract
	CapTrade
	CapUseDoors
	CapAttackMobs
	CapUseRedstone

	AllCapabilities = CapBreak | CapPlace | CapInteract | CapTrade | CapUseDoors | CapAttackMobs | CapUseRedstone
)

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{CapBreak, "break"},
	{CapPlace, "place"},
	{CapInteract, "interact"},
	{CapTrade, "trade"},
	{CapUseDoors, "doors"},
	{CapAttackMobs, "attack"},
	{CapUseRedstone, "redstone"},
}

func (c Capability) Has(bit Capability) bool { return bit != 0 && c&bit == bit }

func (c Capability) String() string {
	var parts []string
	for _, n := range capabilityNames {
		if c&n.c != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseCapability accepts the names used by the command front-end;
// "build" is an alias of "place".
func ParseCapability(s string) (Capability, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "build" {
		return CapPlace, true
	}
	for _, n := range capabilityNames {
		if n.name == s {
			return n.c, true
		}
	}
	return 0, false
}
