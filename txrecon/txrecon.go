// Package txrecon implements set-reconciliation-based transaction relay.
//
// Instead of announcing every transaction to every peer, a node queues
// transaction ids per peer and periodically exchanges compact set sketches
// with the peers that negotiated reconciliation support. Decoding the merged
// sketches yields the exact symmetric difference of the two pending sets, so
// only the transactions one side is actually missing get announced.
//
// The protocol on one link:
//
//  0. Handshake: both sides exchange a version and a random salt. The salts
//     are combined into shared keying material for short id computation.
//  1. New transactions are added to the per-peer pending set instead of being
//     announced immediately.
//  2. At intervals chosen by the caller, the initiator of a link opens a
//     round by reporting its pending set size.
//  3. The responder sizes a sketch with the shared difference estimator and
//     sends it; the initiator merges it with a local sketch of equal
//     capacity and attempts to decode the difference.
//  4. On decode failure the initiator may request one extension sketch at
//     double capacity. If that fails too, the round is abandoned and both
//     sides fall back to announcing their full pending sets.
//
// The tracker performs no network I/O and keeps no timers: the caller owns
// scheduling, transport and peer punishment, and feeds incoming protocol
// messages into the Handle* methods.
package txrecon

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/txmesh/go-txmesh/common/types"
	"github.com/txmesh/go-txmesh/txrecon/internal/sketch"
)

var (
	// ErrNotRegistered is returned by locally driven operations on a peer
	// that is not registered for reconciliation.
	ErrNotRegistered = errors.New("peer is not registered for reconciliation")
	// ErrAlreadyPreRegistered is returned when a peer is pre-registered twice.
	// This is a caller contract violation; the existing entry is kept intact.
	ErrAlreadyPreRegistered = errors.New("peer is already pre-registered")
	// ErrRoundInFlight signals that a round is already active for the peer.
	ErrRoundInFlight = errors.New("reconciliation round already in flight")
	// ErrWrongRole is returned when a round is initiated towards a peer we
	// respond to, or vice versa.
	ErrWrongRole = errors.New("operation not allowed for the peer role")
	// ErrProtocolViolation marks a peer message that breaks the protocol.
	// The caller is expected to disconnect the peer.
	ErrProtocolViolation = errors.New("reconciliation protocol violation")
	// ErrRoundAborted is returned when the peer entry disappeared or changed
	// phase while a sketch was being computed without the lock held. The
	// result is discarded; there is no one left to answer.
	ErrRoundAborted = errors.New("reconciliation round aborted")
)

// RegisterResult is the outcome of RegisterPeer.
type RegisterResult int

const (
	RegisterNotFound RegisterResult = iota
	RegisterSuccess
	RegisterAlreadyRegistered
	RegisterProtocolViolation
)

func (r RegisterResult) String() string {
	switch r {
	case RegisterNotFound:
		return "not_found"
	case RegisterSuccess:
		return "success"
	case RegisterAlreadyRegistered:
		return "already_registered"
	case RegisterProtocolViolation:
		return "protocol_violation"
	default:
		panic("BUG: unmapped register result")
	}
}

// Outcome of handling a sketch.
type Outcome uint8

const (
	// OutcomeDecoded: the difference was recovered and the round is done.
	OutcomeDecoded Outcome = iota
	// OutcomeExtend: the initial sketch was insufficient; the caller must
	// send an extension request.
	OutcomeExtend
	// OutcomeFailed: decoding failed after the extension; the caller must
	// send a failure notification and announce the full set.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDecoded:
		return "decoded"
	case OutcomeExtend:
		return "extend"
	case OutcomeFailed:
		return "failed"
	default:
		panic("BUG: unmapped outcome")
	}
}

// RoundRequest is the outbound payload of a newly started round.
type RoundRequest struct {
	// SetSize is the snapshot size to report to the responder.
	SetSize uint32
	// DirectAnnounce lists transactions excluded from the round because
	// their short ids collided. They must be announced the classic way.
	DirectAnnounce []types.TransactionID
}

// SketchResponse is the outbound payload of a responder sketch.
type SketchResponse struct {
	Sketch []byte
	// DirectAnnounce lists short-id-collided transactions excluded from the
	// sketch, to be announced the classic way.
	DirectAnnounce []types.TransactionID
}

// SketchResult is the outcome of merging and decoding a received sketch.
type SketchResult struct {
	Outcome Outcome
	// RequestFromPeer holds short ids present on the peer side only. The
	// caller asks the peer for the corresponding transactions.
	RequestFromPeer []types.ShortID
	// AnnounceToPeer holds transactions the peer is missing. On
	// OutcomeFailed it is the entire round snapshot.
	AnnounceToPeer []types.TransactionID
}

// RoundInfo is a snapshot of the per-peer round state for the scheduler.
type RoundInfo struct {
	Active   bool
	Extended bool
	Started  time.Time
}

// Opt configures a Tracker.
type Opt func(*Tracker)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithClock substitutes the wall clock, for tests.
func WithClock(clock clockwork.Clock) Opt {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// WithRandSource substitutes the salt source, for tests. The source must
// be cryptographically secure in production: salts keep short ids
// unpredictable to third parties.
func WithRandSource(r io.Reader) Opt {
	return func(t *Tracker) {
		t.rand = r
	}
}

// Tracker keeps all reconciliation state for the peers of one node. It is
// safe for concurrent use: the peer map is guarded by a single mutex held
// only for short critical sections, while sketch construction and decoding
// run unlocked on snapshots and re-validate the entry before committing.
type Tracker struct {
	logger *zap.Logger
	clock  clockwork.Clock
	rand   io.Reader
	cfg    Config

	mu    sync.Mutex
	peers map[types.NodeID]*peerState
}

// New creates a Tracker.
func New(cfg Config, opts ...Opt) *Tracker {
	t := &Tracker{
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
		rand:   rand.Reader,
		cfg:    cfg,
		peers:  make(map[types.NodeID]*peerState),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// PreRegisterPeer generates the local salt for a new peer and creates its
// pre-registered entry. The salt is sent to the peer in the handshake.
// Must be called once per peer, before RegisterPeer.
func (t *Tracker) PreRegisterPeer(peer types.NodeID) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.peers[peer]; exists {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyPreRegistered, peer)
	}
	var buf [8]byte
	if _, err := io.ReadFull(t.rand, buf[:]); err != nil {
		return 0, fmt.Errorf("generate salt: %w", err)
	}
	salt := binary.LittleEndian.Uint64(buf[:])
	t.peers[peer] = &peerState{
		localSalt: salt,
		pending:   newPendingSet(),
	}
	t.logger.Debug("pre-registered peer for reconciliation",
		zap.Int64("peer", int64(peer)))
	return salt, nil
}

// RegisterPeer promotes a pre-registered peer to active once its handshake
// arrived. The role is derived from the connection direction: the side that
// dialed out initiates rounds on the link.
func (t *Tracker) RegisterPeer(peer types.NodeID, isInbound bool, peerVersion uint32, remoteSalt uint64) RegisterResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, exists := t.peers[peer]
	if !exists {
		return RegisterNotFound
	}
	if st.registered {
		return RegisterAlreadyRegistered
	}
	if peerVersion < minSupportedVersion {
		protocolViolations.Inc()
		return RegisterProtocolViolation
	}
	st.registered = true
	st.remoteSalt = remoteSalt
	st.version = min(Version, peerVersion)
	if isInbound {
		st.role = roleResponder
	} else {
		st.role = roleInitiator
	}
	st.combinedSalt, st.shortIDKey = combineSalts(st.localSalt, remoteSalt)
	t.logger.Info("registered peer for reconciliation",
		zap.Int64("peer", int64(peer)),
		zap.Stringer("role", st.role),
		zap.Uint32("version", st.version))
	return RegisterSuccess
}

// ForgetPeer drops all reconciliation state of the peer, abandoning any
// in-flight round. It is an idempotent no-op for unknown peers and is the
// cancellation point for everything else: concurrent unlocked computations
// notice the missing entry and discard their results.
func (t *Tracker) ForgetPeer(peer types.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.peers[peer]; exists {
		delete(t.peers, peer)
		t.logger.Debug("forgot reconciliation peer", zap.Int64("peer", int64(peer)))
	}
}

// IsPeerRegistered reports whether the peer has an active entry.
// Pre-registered peers are not considered registered.
func (t *Tracker) IsPeerRegistered(peer types.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, exists := t.peers[peer]
	return exists && st.registered
}

// AddToSet queues a transaction for reconciliation with the peer. It returns
// false when the transaction will not be reconciled on this link, because the
// peer is not registered or its set is full, and the caller should announce
// the transaction directly instead. Mutating the set never disturbs an
// in-flight round: rounds operate on a snapshot.
func (t *Tracker) AddToSet(peer types.NodeID, id types.TransactionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, exists := t.peers[peer]
	if !exists || !st.registered {
		return false
	}
	if st.pending.size() >= t.cfg.MaxSetSize {
		return false
	}
	st.pending.add(id)
	return true
}

// RemoveFromSet drops a transaction that became irrelevant for the peer. It
// has no effect on the snapshot of an in-flight round.
func (t *Tracker) RemoveFromSet(peer types.NodeID, id types.TransactionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, exists := t.peers[peer]
	if !exists || !st.registered {
		return false
	}
	return st.pending.remove(id)
}

// PendingSetSize returns the number of transactions queued for the peer.
func (t *Tracker) PendingSetSize(peer types.NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, exists := t.peers[peer]
	if !exists || !st.registered {
		return 0
	}
	return st.pending.size()
}

// InitiatorPeers lists registered peers we initiate towards that have no
// round in flight, for the caller's round scheduling.
func (t *Tracker) InitiatorPeers() []types.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []types.NodeID
	for peer, st := range t.peers {
		if st.registered && st.role == roleInitiator && st.round.phase == phaseNone {
			out = append(out, peer)
		}
	}
	return out
}

// RoundInfo exposes the phase of the peer's round. Deadlines are the
// caller's concern; the tracker only records when the round started.
func (t *Tracker) RoundInfo(peer types.NodeID) (RoundInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, exists := t.peers[peer]
	if !exists || !st.registered {
		return RoundInfo{}, false
	}
	return RoundInfo{
		Active:   st.round.phase != phaseNone,
		Extended: st.round.extended,
		Started:  st.round.started,
	}, true
}

// StartInitiatorRound snapshots the pending set and opens a round. The
// returned request payload is sent to the responder. Short-id-collided
// transactions are excluded from the snapshot and returned for direct
// announcement.
func (t *Tracker) StartInitiatorRound(peer types.NodeID) (*RoundRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, exists := t.peers[peer]
	if !exists || !st.registered {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, peer)
	}
	if st.role != roleInitiator {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongRole, peer, st.role)
	}
	if st.round.phase != phaseNone {
		return nil, fmt.Errorf("%w: %s is %s", ErrRoundInFlight, peer, st.round.phase)
	}
	snapshot, collided := st.snapshotPending()
	st.pending.removeAll(collided)
	st.round = round{
		phase:    phaseInitSent,
		started:  t.clock.Now(),
		snapshot: snapshot,
	}
	roundsStarted.Inc()
	t.logger.Debug("started reconciliation round",
		zap.Int64("peer", int64(peer)),
		zap.Int("set_size", len(snapshot)),
		zap.Int("collided", len(collided)))
	return &RoundRequest{
		SetSize:        uint32(len(snapshot)),
		DirectAnnounce: collided,
	}, nil
}

// HandleSketchRequest serves a round opened by the peer. The sketch capacity
// comes from the shared estimator over both reported set sizes, so the
// initiator's expectation for the extension round matches ours.
func (t *Tracker) HandleSketchRequest(peer types.NodeID, remoteSetSize uint32) (*SketchResponse, error) {
	t.mu.Lock()
	st, exists := t.peers[peer]
	if !exists || !st.registered {
		t.mu.Unlock()
		protocolViolations.Inc()
		return nil, fmt.Errorf("%w: sketch request from unregistered peer %s", ErrProtocolViolation, peer)
	}
	if st.role != roleResponder {
		t.mu.Unlock()
		protocolViolations.Inc()
		return nil, fmt.Errorf("%w: sketch request on an initiator link from %s", ErrProtocolViolation, peer)
	}
	if st.round.phase != phaseNone {
		t.mu.Unlock()
		protocolViolations.Inc()
		return nil, fmt.Errorf("%w: sketch request from %s during %s", ErrProtocolViolation, peer, st.round.phase)
	}
	if int(remoteSetSize) > t.cfg.MaxSetSize {
		t.mu.Unlock()
		protocolViolations.Inc()
		return nil, fmt.Errorf("%w: %s declared oversized set %d", ErrProtocolViolation, peer, remoteSetSize)
	}
	snapshot, collided := st.snapshotPending()
	st.pending.removeAll(collided)
	capacity := min(estimateCapacity(len(snapshot), int(remoteSetSize), t.cfg.Q), t.cfg.MaxSketchCapacity)
	st.round = round{
		phase:    phaseInitReceived,
		capacity: capacity,
		started:  t.clock.Now(),
		snapshot: snapshot,
	}
	t.mu.Unlock()

	data := buildSketch(snapshot, capacity)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.revalidate(peer, phaseInitReceived, capacity); err != nil {
		return nil, err
	}
	t.logger.Debug("serving sketch",
		zap.Int64("peer", int64(peer)),
		zap.Int("capacity", capacity),
		zap.Int("set_size", len(snapshot)))
	return &SketchResponse{Sketch: data, DirectAnnounce: collided}, nil
}

// HandleSketch merges the responder's initial sketch with a local one and
// attempts to decode the set difference.
func (t *Tracker) HandleSketch(peer types.NodeID, data []byte) (*SketchResult, error) {
	return t.handleSketch(peer, data, false)
}

// HandleExtensionSketch handles the one-shot extension sketch requested after
// an insufficient initial decode.
func (t *Tracker) HandleExtensionSketch(peer types.NodeID, data []byte) (*SketchResult, error) {
	return t.handleSketch(peer, data, true)
}

func (t *Tracker) handleSketch(peer types.NodeID, data []byte, extension bool) (*SketchResult, error) {
	expected := phaseInitSent
	if extension {
		expected = phaseExtSent
	}

	t.mu.Lock()
	st, exists := t.peers[peer]
	if !exists || !st.registered {
		t.mu.Unlock()
		protocolViolations.Inc()
		return nil, fmt.Errorf("%w: sketch from unregistered peer %s", ErrProtocolViolation, peer)
	}
	if st.round.phase != expected {
		t.mu.Unlock()
		protocolViolations.Inc()
		return nil, fmt.Errorf("%w: sketch from %s during %s", ErrProtocolViolation, peer, st.round.phase)
	}
	remote, err := sketch.FromBytes(data)
	if err != nil {
		t.mu.Unlock()
		protocolViolations.Inc()
		return nil, fmt.Errorf("%w: %s sent a malformed sketch: %s", ErrProtocolViolation, peer, err)
	}
	capacity := remote.Capacity()
	if extension {
		// the extension capacity follows from the shared estimator; a
		// mismatch means the peer is not running the same protocol
		if capacity != st.round.capacity {
			t.mu.Unlock()
			protocolViolations.Inc()
			return nil, fmt.Errorf("%w: %s extension capacity %d, expected %d",
				ErrProtocolViolation, peer, capacity, st.round.capacity)
		}
	} else {
		if capacity > t.cfg.MaxSketchCapacity {
			t.mu.Unlock()
			protocolViolations.Inc()
			return nil, fmt.Errorf("%w: %s sketch capacity %d above limit", ErrProtocolViolation, peer, capacity)
		}
		st.round.capacity = capacity
	}
	snapshot := st.round.snapshot
	t.mu.Unlock()

	local, err := sketch.FromBytes(buildSketch(snapshot, capacity))
	if err != nil {
		panic("BUG: local sketch does not round-trip: " + err.Error())
	}
	if err := local.Merge(remote); err != nil {
		panic("BUG: capacities verified above: " + err.Error())
	}
	diff, ok := local.Decode()

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.revalidate(peer, expected, capacity); err != nil {
		return nil, err
	}
	st = t.peers[peer]
	switch {
	case ok:
		res := &SketchResult{Outcome: OutcomeDecoded}
		for _, elem := range diff {
			if id, mine := st.round.snapshot[types.ShortID(elem)]; mine {
				res.AnnounceToPeer = append(res.AnnounceToPeer, id)
			} else {
				res.RequestFromPeer = append(res.RequestFromPeer, types.ShortID(elem))
			}
		}
		st.pending.removeAll(st.round.snapshotIDs())
		st.round.reset()
		roundsFinished.WithLabelValues(outcomeDecoded).Inc()
		diffSize.Observe(float64(len(diff)))
		t.logger.Debug("reconciliation round decoded",
			zap.Int64("peer", int64(peer)),
			zap.Bool("extension", extension),
			zap.Int("diff", len(diff)),
			zap.Int("announce", len(res.AnnounceToPeer)),
			zap.Int("request", len(res.RequestFromPeer)))
		return res, nil
	case !extension:
		st.round.phase = phaseExtSent
		st.round.extended = true
		st.round.capacity = min(extendedCapacity(capacity), t.cfg.MaxSketchCapacity)
		roundsExtended.Inc()
		t.logger.Debug("sketch insufficient, requesting extension",
			zap.Int64("peer", int64(peer)),
			zap.Int("capacity", st.round.capacity))
		return &SketchResult{Outcome: OutcomeExtend}, nil
	default:
		full := st.round.snapshotIDs()
		st.pending.removeAll(full)
		st.round.reset()
		roundsFinished.WithLabelValues(outcomeFailed).Inc()
		t.logger.Debug("reconciliation round failed, falling back to flooding",
			zap.Int64("peer", int64(peer)),
			zap.Int("set_size", len(full)))
		return &SketchResult{Outcome: OutcomeFailed, AnnounceToPeer: full}, nil
	}
}

// HandleExtensionRequest serves the peer's one-shot extension: a sketch of
// the same round snapshot at double capacity.
func (t *Tracker) HandleExtensionRequest(peer types.NodeID) (*SketchResponse, error) {
	t.mu.Lock()
	st, exists := t.peers[peer]
	if !exists || !st.registered {
		t.mu.Unlock()
		protocolViolations.Inc()
		return nil, fmt.Errorf("%w: extension request from unregistered peer %s", ErrProtocolViolation, peer)
	}
	if st.round.phase != phaseInitReceived || st.round.extended {
		t.mu.Unlock()
		protocolViolations.Inc()
		return nil, fmt.Errorf("%w: unexpected extension request from %s", ErrProtocolViolation, peer)
	}
	st.round.extended = true
	st.round.capacity = min(extendedCapacity(st.round.capacity), t.cfg.MaxSketchCapacity)
	st.round.phase = phaseExtReceived
	capacity := st.round.capacity
	snapshot := st.round.snapshot
	t.mu.Unlock()

	data := buildSketch(snapshot, capacity)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.revalidate(peer, phaseExtReceived, capacity); err != nil {
		return nil, err
	}
	roundsExtended.Inc()
	t.logger.Debug("serving extension sketch",
		zap.Int64("peer", int64(peer)),
		zap.Int("capacity", capacity))
	return &SketchResponse{Sketch: data}, nil
}

// HandleRoundDone closes the responder side of a decoded round.
func (t *Tracker) HandleRoundDone(peer types.NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, exists := t.peers[peer]
	if !exists || !st.registered {
		protocolViolations.Inc()
		return fmt.Errorf("%w: done from unregistered peer %s", ErrProtocolViolation, peer)
	}
	if st.round.phase != phaseInitReceived && st.round.phase != phaseExtReceived {
		protocolViolations.Inc()
		return fmt.Errorf("%w: done from %s during %s", ErrProtocolViolation, peer, st.round.phase)
	}
	st.pending.removeAll(st.round.snapshotIDs())
	st.round.reset()
	roundsFinished.WithLabelValues(outcomeDecoded).Inc()
	return nil
}

// HandleFailureNotification terminates the responder side of a failed round.
// The returned transactions are the round snapshot; the caller must announce
// all of them to the peer directly, mirroring what the initiator does.
func (t *Tracker) HandleFailureNotification(peer types.NodeID) ([]types.TransactionID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, exists := t.peers[peer]
	if !exists || !st.registered {
		protocolViolations.Inc()
		return nil, fmt.Errorf("%w: failure notification from unregistered peer %s", ErrProtocolViolation, peer)
	}
	if st.round.phase != phaseInitReceived && st.round.phase != phaseExtReceived {
		protocolViolations.Inc()
		return nil, fmt.Errorf("%w: failure notification from %s during %s", ErrProtocolViolation, peer, st.round.phase)
	}
	full := st.round.snapshotIDs()
	st.pending.removeAll(full)
	st.round.reset()
	roundsFinished.WithLabelValues(outcomeFailed).Inc()
	t.logger.Debug("peer reported reconciliation failure",
		zap.Int64("peer", int64(peer)),
		zap.Int("set_size", len(full)))
	return full, nil
}

// AbandonRound drops an in-flight round, for the caller's timeout policy.
// The returned transactions are the round snapshot and must be announced
// directly. Returns nil when no round is active.
func (t *Tracker) AbandonRound(peer types.NodeID) []types.TransactionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, exists := t.peers[peer]
	if !exists || !st.registered || st.round.phase == phaseNone {
		return nil
	}
	full := st.round.snapshotIDs()
	st.pending.removeAll(full)
	st.round.reset()
	roundsFinished.WithLabelValues(outcomeFailed).Inc()
	return full
}

// revalidate confirms, with the lock held, that a peer entry survived an
// unlocked computation in the expected round state.
func (t *Tracker) revalidate(peer types.NodeID, expected phase, capacity int) error {
	st, exists := t.peers[peer]
	if !exists || !st.registered {
		return fmt.Errorf("%w: peer %s is gone", ErrRoundAborted, peer)
	}
	if st.round.phase != expected || st.round.capacity != capacity {
		return fmt.Errorf("%w: round state changed under %s", ErrRoundAborted, peer)
	}
	return nil
}

// buildSketch encodes the snapshot's short ids at the given capacity.
func buildSketch(snapshot map[types.ShortID]types.TransactionID, capacity int) []byte {
	s := sketch.New(capacity)
	for sid := range snapshot {
		s.Add(uint32(sid))
	}
	return s.Bytes()
}
