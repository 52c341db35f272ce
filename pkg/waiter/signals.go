package waiter

import (
	"strings"
)

// HandleSignals is a set of readiness bits observed on a handle
type HandleSignals uint32

const (
	SignalNone       HandleSignals = 0
	SignalReadable   HandleSignals = 1 << 0
	SignalWritable   HandleSignals = 1 << 1
	SignalPeerClosed HandleSignals = 1 << 2

	SignalAll = SignalReadable | SignalWritable | SignalPeerClosed
)

// String returns a readable representation such as "READABLE|WRITABLE"
func (s HandleSignals) String() string {
	if s == SignalNone {
		return "NONE"
	}
	var parts []string
	if s&SignalReadable != 0 {
		parts = append(parts, "READABLE")
	}
	if s&SignalWritable != 0 {
		parts = append(parts, "WRITABLE")
	}
	if s&SignalPeerClosed != 0 {
		parts = append(parts, "PEER_CLOSED")
	}
	return strings.Join(parts, "|")
}

// HandleSignalsState is the pair of currently satisfied signals and signals
// that may still become satisfied. Satisfied is always a subset of Satisfiable.
type HandleSignalsState struct {
	Satisfied   HandleSignals `json:"satisfied"`
	Satisfiable HandleSignals `json:"satisfiable"`
}

// Satisfies reports whether any of signals is currently satisfied
func (s HandleSignalsState) Satisfies(signals HandleSignals) bool {
	return s.Satisfied&signals != 0
}

// CanSatisfy reports whether any of signals may ever be satisfied
func (s HandleSignalsState) CanSatisfy(signals HandleSignals) bool {
	return s.Satisfiable&signals != 0
}

// Equal reports whether two states are identical
func (s HandleSignalsState) Equal(o HandleSignalsState) bool {
	return s.Satisfied == o.Satisfied && s.Satisfiable == o.Satisfiable
}

// String returns a string representation of the state
func (s HandleSignalsState) String() string {
	return "{satisfied: " + s.Satisfied.String() + ", satisfiable: " + s.Satisfiable.String() + "}"
}
