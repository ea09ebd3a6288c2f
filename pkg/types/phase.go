package types

import (
	"fmt"
	"strings"
)

// Phase is one of the three AC distribution legs a house can be wired to.
type Phase string

const (
	PhaseL1 Phase = "L1"
	PhaseL2 Phase = "L2"
	PhaseL3 Phase = "L3"
)

// Phases is the fixed enumeration order. Every iteration over phases that can
// affect tie-breaking must use this order.
var Phases = [3]Phase{PhaseL1, PhaseL2, PhaseL3}

// ParsePhase validates and normalizes a phase name such as "l2" or " L2 ".
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhase, s)
	}
	return p, nil
}

// Valid returns true if p is one of the three known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseL1, PhaseL2, PhaseL3:
		return true
	}
	return false
}

// Index returns the position of p within Phases, or -1.
func (p Phase) Index() int {
	for i, ph := range Phases {
		if ph == p {
			return i
		}
	}
	return -1
}

func (p Phase) String() string {
	return string(p)
}
