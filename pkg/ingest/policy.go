package ingest

import (
	"fmt"
	"strings"
)

// Policy decides what a store failure does to the loop.
type Policy string

const (
	// PolicyContinue logs, dead-letters and moves on.
	PolicyContinue Policy = "continue"
	// PolicyFail stops the loop when the store is unavailable.
	PolicyFail Policy = "fail"
)

// ParsePolicy accepts "continue" or "fail", case-insensitively; empty means continue.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyContinue:
		return PolicyContinue, nil
	case PolicyFail:
		return PolicyFail, nil
	default:
		return "", fmt.Errorf("unknown store error policy %q (want %q or %q)", s, PolicyContinue, PolicyFail)
	}
}

// State of the loop.
type State int32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
