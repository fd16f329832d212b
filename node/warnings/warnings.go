// Package warnings collects operator-facing node health warnings. Warning
// identifiers come from two distinct enumerations, one for node-level and one
// for relay-level conditions, modeled as a sealed sum type rather than a
// shared integer space.
package warnings

import (
	"sort"
	"sync"
)

// ID identifies a warning. Only NodeWarning and RelayWarning implement it.
type ID interface {
	warningID()
	String() string
}

// NodeWarning is a node-level warning condition.
type NodeWarning uint8

const (
	// NodeClockOutOfSync: the local clock disagrees with the peers' clocks.
	NodeClockOutOfSync NodeWarning = iota
	// NodePreReleaseBuild: this build is not meant for production use.
	NodePreReleaseBuild
	// NodeFatalInternalError: an internal invariant was broken.
	NodeFatalInternalError
)

func (NodeWarning) warningID() {}

func (w NodeWarning) String() string {
	switch w {
	case NodeClockOutOfSync:
		return "node:clock-out-of-sync"
	case NodePreReleaseBuild:
		return "node:pre-release-build"
	case NodeFatalInternalError:
		return "node:fatal-internal-error"
	default:
		panic("BUG: unmapped node warning")
	}
}

// RelayWarning is a transaction relay warning condition.
type RelayWarning uint8

const (
	// RelayReconFailureSpike: reconciliation rounds keep falling back to
	// flooding, costing the bandwidth savings the protocol exists for.
	RelayReconFailureSpike RelayWarning = iota
	// RelayPeerProtocolAbuse: peers are being disconnected for protocol
	// violations at an unusual rate.
	RelayPeerProtocolAbuse
)

func (RelayWarning) warningID() {}

func (w RelayWarning) String() string {
	switch w {
	case RelayReconFailureSpike:
		return "relay:recon-failure-spike"
	case RelayPeerProtocolAbuse:
		return "relay:peer-protocol-abuse"
	default:
		panic("BUG: unmapped relay warning")
	}
}

// Warnings is a registry of currently active warnings. The zero value is not
// usable; construct with New. Pass instances by pointer, never copy.
type Warnings struct {
	mu     sync.Mutex
	active map[ID]string
}

func New() *Warnings {
	return &Warnings{active: make(map[ID]string)}
}

// Set records a warning with its user-facing message. It returns true if the
// warning was not active before.
func (w *Warnings) Set(id ID, message string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.active[id]; exists {
		return false
	}
	w.active[id] = message
	return true
}

// Unset clears a warning. It returns true if the warning was active.
func (w *Warnings) Unset(id ID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.active[id]; !exists {
		return false
	}
	delete(w.active, id)
	return true
}

// IsActive reports whether the warning is currently set.
func (w *Warnings) IsActive(id ID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, exists := w.active[id]
	return exists
}

// Messages returns the active warning messages in a stable order.
func (w *Warnings) Messages() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]ID, 0, len(w.active))
	for id := range w.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = w.active[id]
	}
	return out
}
