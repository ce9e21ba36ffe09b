package core

import (
	"fmt"
	"strings"
	"time"
)

// Capability names a boolean vehicle parameter that reports whether an
// optional hardware module is attached and initialized.
type Capability struct {
	// Name is the flag name used in logs and errors, e.g. "flow".
	Name string
	// Group and Param address the reporting parameter, e.g. deck.bcFlow2.
	Group    string
	Param    string
	Required bool
}

// FullParam returns "group.param".
func (c Capability) FullParam() string {
	return c.Group + "." + c.Param
}

var (
	FlowDeck        = Capability{Name: "flow", Group: "deck", Param: "bcFlow2", Required: true}
	MultirangerDeck = Capability{Name: "multiranger", Group: "deck", Param: "bcMultiranger", Required: true}
)

var knownCapabilities = map[string]Capability{
	FlowDeck.Name:        FlowDeck,
	MultirangerDeck.Name: MultirangerDeck,
}

// ParseCapability accepts a well-known name ("flow", "multiranger") or a
// "name=group.param" pair.
func ParseCapability(s string, required bool) (Capability, error) {
	s = strings.TrimSpace(s)
	if c, ok := knownCapabilities[s]; ok {
		c.Required = required
		return c, nil
	}

	name, param, ok := strings.Cut(s, "=")
	if !ok {
		return Capability{}, fmt.Errorf("%w: unknown capability %q (want flow, multiranger or name=group.param)", ErrConfiguration, s)
	}
	group, p, ok := strings.Cut(param, ".")
	if name == "" || !ok || group == "" || p == "" {
		return Capability{}, fmt.Errorf("%w: malformed capability %q", ErrConfiguration, s)
	}
	return Capability{Name: name, Group: group, Param: p, Required: required}, nil
}

// CapabilityFlag is the confirmation state of one capability inside a gate.
type CapabilityFlag struct {
	Name        string
	Required    bool
	Confirmed   bool
	ConfirmedAt time.Time // zero until first confirmed
}
