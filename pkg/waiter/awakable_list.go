package waiter

import (
	"github.com/billm/baaaht/ipcore/pkg/types"
)

type awakeEntry struct {
	awakable Awakable
	signals  HandleSignals
	context  uint64
}

// AwakableList tracks the awakables registered on one handle. It is not
// safe for concurrent use; the owning handle's lock must be held.
type AwakableList struct {
	entries []awakeEntry
}

// Add registers a for signals. Duplicates are rejected with ErrCodeAlreadyExists.
func (l *AwakableList) Add(a Awakable, signals HandleSignals, context uint64) error {
	for _, e := range l.entries {
		if e.awakable == a {
			return types.NewError(types.ErrCodeAlreadyExists, "awakable is already registered")
		}
	}
	l.entries = append(l.entries, awakeEntry{awakable: a, signals: signals, context: context})
	return nil
}

// AddChecked registers a unless state already decides the outcome: it
// returns ErrCodeAlreadyExists when signals are satisfied now and
// ErrCodeFailedPrecondition when they can never be satisfied.
func (l *AwakableList) AddChecked(state HandleSignalsState, a Awakable, signals HandleSignals, context uint64) error {
	if state.Satisfies(signals) {
		return types.NewError(types.ErrCodeAlreadyExists, "signals are already satisfied")
	}
	if !state.CanSatisfy(signals) {
		return types.NewError(types.ErrCodeFailedPrecondition, "signals can never be satisfied")
	}
	return l.Add(a, signals, context)
}

// Remove unregisters every entry for a
func (l *AwakableList) Remove(a Awakable) {
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.awakable != a {
			kept = append(kept, e)
		}
	}
	clearTail(l.entries, len(kept))
	l.entries = kept
}

// AwakeForStateChange wakes every awakable whose signals became satisfied
// (nil result) or unsatisfiable (ErrCodeFailedPrecondition). Awakables
// returning false from Awake are dropped.
func (l *AwakableList) AwakeForStateChange(state HandleSignalsState) {
	kept := l.entries[:0]
	for _, e := range l.entries {
		keep := true
		switch {
		case state.Satisfies(e.signals):
			keep = e.awakable.Awake(nil, e.context)
		case !state.CanSatisfy(e.signals):
			keep = e.awakable.Awake(types.NewError(types.ErrCodeFailedPrecondition, "signals can never be satisfied"), e.context)
		}
		if keep {
			kept = append(kept, e)
		}
	}
	clearTail(l.entries, len(kept))
	l.entries = kept
}

// CancelAll wakes every awakable with ErrCodeCanceled and empties the list.
// Used when the handle is closed.
func (l *AwakableList) CancelAll() {
	for _, e := range l.entries {
		e.awakable.Awake(types.NewError(types.ErrCodeCanceled, "handle closed"), e.context)
	}
	l.entries = nil
}

// Len returns the number of registered awakables
func (l *AwakableList) Len() int {
	return len(l.entries)
}

func clearTail(entries []awakeEntry, from int) {
	for i := from; i < len(entries); i++ {
		entries[i] = awakeEntry{}
	}
}
