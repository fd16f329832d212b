package txrecon

import (
	"time"

	"github.com/txmesh/go-txmesh/common/types"
)

// role determines which side of a link may request reconciliation rounds.
// The side that dialed out initiates; the accepting side responds.
type role uint8

const (
	roleInitiator role = iota
	roleResponder
)

func (r role) String() string {
	switch r {
	case roleInitiator:
		return "initiator"
	case roleResponder:
		return "responder"
	default:
		panic("BUG: unmapped reconciliation role")
	}
}

// phase of the per-peer round state machine. A round moves
// none -> initSent|initReceived -> none|extSent|extReceived -> none,
// with terminal outcomes reported to the caller as the round resets.
type phase uint8

const (
	phaseNone phase = iota
	phaseInitSent
	phaseInitReceived
	phaseExtSent
	phaseExtReceived
)

func (p phase) String() string {
	switch p {
	case phaseNone:
		return "none"
	case phaseInitSent:
		return "init_sent"
	case phaseInitReceived:
		return "init_received"
	case phaseExtSent:
		return "ext_sent"
	case phaseExtReceived:
		return "ext_received"
	default:
		panic("BUG: unmapped round phase")
	}
}

// pendingSet is an insertion-ordered set of transaction ids awaiting
// reconciliation with one peer.
type pendingSet struct {
	order []types.TransactionID
	index map[types.TransactionID]struct{}
}

func newPendingSet() *pendingSet {
	return &pendingSet{index: make(map[types.TransactionID]struct{})}
}

func (ps *pendingSet) add(id types.TransactionID) bool {
	if _, exists := ps.index[id]; exists {
		return false
	}
	ps.index[id] = struct{}{}
	ps.order = append(ps.order, id)
	return true
}

func (ps *pendingSet) remove(id types.TransactionID) bool {
	if _, exists := ps.index[id]; !exists {
		return false
	}
	delete(ps.index, id)
	for i, v := range ps.order {
		if v == id {
			ps.order = append(ps.order[:i], ps.order[i+1:]...)
			break
		}
	}
	return true
}

func (ps *pendingSet) removeAll(ids []types.TransactionID) {
	for _, id := range ids {
		ps.remove(id)
	}
}

func (ps *pendingSet) size() int {
	return len(ps.order)
}

// list returns the ids in insertion order. The returned slice is a copy.
func (ps *pendingSet) list() []types.TransactionID {
	out := make([]types.TransactionID, len(ps.order))
	copy(out, ps.order)
	return out
}

// round holds the state of one reconciliation attempt. The snapshot is taken
// when the round starts, so pending set mutations cannot corrupt it.
type round struct {
	phase    phase
	capacity int
	extended bool
	started  time.Time
	// snapshot maps the short ids included in the sketch back to the full
	// ids they were derived from.
	snapshot map[types.ShortID]types.TransactionID
}

// snapshotIDs returns the full transaction ids frozen in the round.
func (r *round) snapshotIDs() []types.TransactionID {
	out := make([]types.TransactionID, 0, len(r.snapshot))
	for _, id := range r.snapshot {
		out = append(out, id)
	}
	return out
}

func (r *round) reset() {
	*r = round{}
}

// peerState is the per-peer reconciliation entry. An entry is pre-registered
// until RegisterPeer promotes it; the salts, role and version are immutable
// once set.
type peerState struct {
	localSalt    uint64
	remoteSalt   uint64
	combinedSalt uint64
	shortIDKey   [16]byte
	role         role
	version      uint32
	registered   bool

	pending *pendingSet
	round   round
}

// snapshotPending computes the short ids of the current pending set. Short id
// collisions within the set are excluded from the snapshot and returned
// separately so the caller can announce them directly; reconciliation must
// never silently drop a transaction.
func (p *peerState) snapshotPending() (map[types.ShortID]types.TransactionID, []types.TransactionID) {
	snapshot := make(map[types.ShortID]types.TransactionID, p.pending.size())
	var collided []types.TransactionID
	dropped := make(map[types.ShortID]struct{})
	for _, id := range p.pending.order {
		sid := shortID(&p.shortIDKey, id)
		if _, gone := dropped[sid]; gone {
			collided = append(collided, id)
			continue
		}
		if prev, exists := snapshot[sid]; exists {
			collided = append(collided, prev, id)
			delete(snapshot, sid)
			dropped[sid] = struct{}{}
			continue
		}
		snapshot[sid] = id
	}
	return snapshot, collided
}
