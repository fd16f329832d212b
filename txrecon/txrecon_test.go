package txrecon

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/txmesh/go-txmesh/common/types"
)

func tid(b byte) types.TransactionID {
	var id types.TransactionID
	id[0] = b
	return id
}

// pair is two linked trackers: node a dialed out to node b, so a initiates
// rounds on the link and b responds.
type pair struct {
	a, b *Tracker
	// the peer ids each node knows the other under
	bOnA, aOnB types.NodeID
}

func newPair(t *testing.T, cfg Config) *pair {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	p := &pair{
		a:    New(cfg, WithLogger(zaptest.NewLogger(t)), WithRandSource(rng)),
		b:    New(cfg, WithLogger(zaptest.NewLogger(t)), WithRandSource(rng)),
		bOnA: types.NodeID(2),
		aOnB: types.NodeID(1),
	}
	saltA, err := p.a.PreRegisterPeer(p.bOnA)
	require.NoError(t, err)
	saltB, err := p.b.PreRegisterPeer(p.aOnB)
	require.NoError(t, err)
	require.Equal(t, RegisterSuccess, p.a.RegisterPeer(p.bOnA, false, Version, saltB))
	require.Equal(t, RegisterSuccess, p.b.RegisterPeer(p.aOnB, true, Version, saltA))
	return p
}

func (p *pair) fill(t *testing.T, aIDs, bIDs []types.TransactionID) {
	t.Helper()
	for _, id := range aIDs {
		require.True(t, p.a.AddToSet(p.bOnA, id))
	}
	for _, id := range bIDs {
		require.True(t, p.b.AddToSet(p.aOnB, id))
	}
}

// roundTrip drives a full round between the pair, extension included, and
// returns the initiator's final result.
func (p *pair) roundTrip(t *testing.T) *SketchResult {
	t.Helper()
	req, err := p.a.StartInitiatorRound(p.bOnA)
	require.NoError(t, err)
	require.Empty(t, req.DirectAnnounce)
	resp, err := p.b.HandleSketchRequest(p.aOnB, req.SetSize)
	require.NoError(t, err)
	res, err := p.a.HandleSketch(p.bOnA, resp.Sketch)
	require.NoError(t, err)
	if res.Outcome == OutcomeExtend {
		ext, err := p.b.HandleExtensionRequest(p.aOnB)
		require.NoError(t, err)
		res, err = p.a.HandleExtensionSketch(p.bOnA, ext.Sketch)
		require.NoError(t, err)
		require.NotEqual(t, OutcomeExtend, res.Outcome)
	}
	return res
}

func TestRegistration(t *testing.T) {
	tr := New(DefaultConfig(), WithLogger(zaptest.NewLogger(t)))
	peer := types.NodeID(10)

	require.Equal(t, RegisterNotFound, tr.RegisterPeer(peer, false, Version, 99))

	salt, err := tr.PreRegisterPeer(peer)
	require.NoError(t, err)
	_ = salt
	_, err = tr.PreRegisterPeer(peer)
	require.ErrorIs(t, err, ErrAlreadyPreRegistered)
	require.False(t, tr.IsPeerRegistered(peer))

	// a bad version does not corrupt the entry; the peer can retry
	require.Equal(t, RegisterProtocolViolation, tr.RegisterPeer(peer, false, 0, 99))
	require.False(t, tr.IsPeerRegistered(peer))

	require.Equal(t, RegisterSuccess, tr.RegisterPeer(peer, false, Version, 99))
	require.True(t, tr.IsPeerRegistered(peer))
	require.Equal(t, RegisterAlreadyRegistered, tr.RegisterPeer(peer, false, Version, 99))

	tr.ForgetPeer(peer)
	require.False(t, tr.IsPeerRegistered(peer))
	tr.ForgetPeer(peer) // idempotent

	// the full lifecycle works again after forgetting
	_, err = tr.PreRegisterPeer(peer)
	require.NoError(t, err)
}

func TestCombinedSaltSymmetry(t *testing.T) {
	saltAB, keyAB := combineSalts(101, 202)
	saltBA, keyBA := combineSalts(202, 101)
	require.Equal(t, saltAB, saltBA)
	require.Equal(t, keyAB, keyBA)

	saltOther, keyOther := combineSalts(101, 203)
	require.NotEqual(t, saltAB, saltOther)
	require.NotEqual(t, keyAB, keyOther)
}

func TestShortIDNeverZero(t *testing.T) {
	_, key := combineSalts(1, 2)
	for b := byte(0); b < 100; b++ {
		require.NotZero(t, shortID(&key, tid(b)))
	}
}

func TestEstimateCapacity(t *testing.T) {
	// never zero, even for two empty sets
	require.Equal(t, 1, estimateCapacity(0, 0, 0.25))
	// covers at least the size gap
	require.GreaterOrEqual(t, estimateCapacity(100, 40, 0.25), 60)
	// symmetric in the arguments
	require.Equal(t, estimateCapacity(40, 100, 0.25), estimateCapacity(100, 40, 0.25))
	// monotone in q
	require.Greater(t, estimateCapacity(100, 100, 0.5), estimateCapacity(100, 100, 0.1))
	// monotone in the gap
	require.Greater(t, estimateCapacity(120, 40, 0.25), estimateCapacity(100, 40, 0.25))
	// extension doubles
	require.Equal(t, 8, extendedCapacity(4))
}

func TestPendingSet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSetSize = 2
	tr := New(cfg, WithLogger(zaptest.NewLogger(t)))
	peer := types.NodeID(3)

	require.False(t, tr.AddToSet(peer, tid(1)), "unregistered peer takes no transactions")

	salt, err := tr.PreRegisterPeer(peer)
	require.NoError(t, err)
	require.False(t, tr.AddToSet(peer, tid(1)), "pre-registered is not registered")
	require.Equal(t, RegisterSuccess, tr.RegisterPeer(peer, true, Version, salt+1))

	require.True(t, tr.AddToSet(peer, tid(1)))
	require.True(t, tr.AddToSet(peer, tid(2)))
	require.False(t, tr.AddToSet(peer, tid(3)), "set is full")
	require.Equal(t, 2, tr.PendingSetSize(peer))

	require.True(t, tr.RemoveFromSet(peer, tid(1)))
	require.False(t, tr.RemoveFromSet(peer, tid(1)))
	require.Equal(t, 1, tr.PendingSetSize(peer))
	require.True(t, tr.AddToSet(peer, tid(3)))
}

func TestRoundDecodes(t *testing.T) {
	p := newPair(t, DefaultConfig())
	p.fill(t,
		[]types.TransactionID{tid(1), tid(2), tid(3)},
		[]types.TransactionID{tid(2), tid(3), tid(4)})

	res := p.roundTrip(t)
	require.Equal(t, OutcomeDecoded, res.Outcome)
	require.Equal(t, []types.TransactionID{tid(1)}, res.AnnounceToPeer)
	require.Len(t, res.RequestFromPeer, 1)

	require.NoError(t, p.b.HandleRoundDone(p.aOnB))
	require.Zero(t, p.a.PendingSetSize(p.bOnA))
	require.Zero(t, p.b.PendingSetSize(p.aOnB))
}

func TestRoundEqualSets(t *testing.T) {
	p := newPair(t, DefaultConfig())
	same := []types.TransactionID{tid(1), tid(2), tid(3)}
	p.fill(t, same, same)

	res := p.roundTrip(t)
	require.Equal(t, OutcomeDecoded, res.Outcome)
	require.Empty(t, res.AnnounceToPeer)
	require.Empty(t, res.RequestFromPeer)
}

func TestRoundExtensionRecovers(t *testing.T) {
	// q of zero forces an initial capacity of 1, one short of the actual
	// difference; the doubled extension sketch recovers it
	cfg := DefaultConfig()
	cfg.Q = 0
	p := newPair(t, cfg)
	p.fill(t,
		[]types.TransactionID{tid(1), tid(2), tid(3)},
		[]types.TransactionID{tid(2), tid(3), tid(4)})

	req, err := p.a.StartInitiatorRound(p.bOnA)
	require.NoError(t, err)
	resp, err := p.b.HandleSketchRequest(p.aOnB, req.SetSize)
	require.NoError(t, err)
	res, err := p.a.HandleSketch(p.bOnA, resp.Sketch)
	require.NoError(t, err)
	require.Equal(t, OutcomeExtend, res.Outcome)

	info, ok := p.a.RoundInfo(p.bOnA)
	require.True(t, ok)
	require.True(t, info.Active)
	require.True(t, info.Extended)

	ext, err := p.b.HandleExtensionRequest(p.aOnB)
	require.NoError(t, err)
	res, err = p.a.HandleExtensionSketch(p.bOnA, ext.Sketch)
	require.NoError(t, err)
	require.Equal(t, OutcomeDecoded, res.Outcome)
	require.Equal(t, []types.TransactionID{tid(1)}, res.AnnounceToPeer)
	require.Len(t, res.RequestFromPeer, 1)
	require.NoError(t, p.b.HandleRoundDone(p.aOnB))
}

func TestRoundFailureFloodsFullSets(t *testing.T) {
	// capping the sketch capacity below the actual difference makes the
	// extension insufficient as well; both sides then owe the peer their
	// entire snapshot
	cfg := DefaultConfig()
	cfg.MaxSketchCapacity = 1
	p := newPair(t, cfg)
	aSet := []types.TransactionID{tid(1), tid(2), tid(3)}
	bSet := []types.TransactionID{tid(2), tid(3), tid(4)}
	p.fill(t, aSet, bSet)

	res := p.roundTrip(t)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Empty(t, res.RequestFromPeer)
	require.ElementsMatch(t, aSet, res.AnnounceToPeer)

	full, err := p.b.HandleFailureNotification(p.aOnB)
	require.NoError(t, err)
	require.ElementsMatch(t, bSet, full)

	require.Zero(t, p.a.PendingSetSize(p.bOnA))
	require.Zero(t, p.b.PendingSetSize(p.aOnB))

	// the link stays usable for the next round
	p.fill(t, []types.TransactionID{tid(9)}, nil)
	_, err = p.a.StartInitiatorRound(p.bOnA)
	require.NoError(t, err)
}

func TestRoundMutationsDoNotDisturbSnapshot(t *testing.T) {
	p := newPair(t, DefaultConfig())
	p.fill(t,
		[]types.TransactionID{tid(1), tid(2)},
		[]types.TransactionID{tid(2)})

	req, err := p.a.StartInitiatorRound(p.bOnA)
	require.NoError(t, err)
	// arrives mid-round: must survive the round untouched
	require.True(t, p.a.AddToSet(p.bOnA, tid(7)))

	resp, err := p.b.HandleSketchRequest(p.aOnB, req.SetSize)
	require.NoError(t, err)
	res, err := p.a.HandleSketch(p.bOnA, resp.Sketch)
	require.NoError(t, err)
	require.Equal(t, OutcomeDecoded, res.Outcome)
	require.Equal(t, []types.TransactionID{tid(1)}, res.AnnounceToPeer)

	require.Equal(t, 1, p.a.PendingSetSize(p.bOnA))
}

func TestProtocolViolations(t *testing.T) {
	p := newPair(t, DefaultConfig())
	p.fill(t, []types.TransactionID{tid(1)}, []types.TransactionID{tid(2)})

	// nothing from unregistered peers
	ghost := types.NodeID(99)
	_, err := p.b.HandleSketchRequest(ghost, 1)
	require.ErrorIs(t, err, ErrProtocolViolation)
	_, err = p.a.HandleSketch(ghost, nil)
	require.ErrorIs(t, err, ErrProtocolViolation)
	_, err = p.b.HandleExtensionRequest(ghost)
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.ErrorIs(t, p.b.HandleRoundDone(ghost), ErrProtocolViolation)

	// a sketch request on the wrong side of the link
	_, err = p.a.HandleSketchRequest(p.bOnA, 1)
	require.ErrorIs(t, err, ErrProtocolViolation)

	// a sketch with no round open
	_, err = p.a.HandleSketch(p.bOnA, make([]byte, 8))
	require.ErrorIs(t, err, ErrProtocolViolation)

	// an oversized declared set
	_, err = p.b.HandleSketchRequest(p.aOnB, uint32(DefaultConfig().MaxSetSize+1))
	require.ErrorIs(t, err, ErrProtocolViolation)

	// double round open
	_, err = p.b.HandleSketchRequest(p.aOnB, 1)
	require.NoError(t, err)
	_, err = p.b.HandleSketchRequest(p.aOnB, 1)
	require.ErrorIs(t, err, ErrProtocolViolation)

	// extension is one-shot
	_, err = p.b.HandleExtensionRequest(p.aOnB)
	require.NoError(t, err)
	_, err = p.b.HandleExtensionRequest(p.aOnB)
	require.ErrorIs(t, err, ErrProtocolViolation)

	// a malformed sketch aborts the initiator round
	req, err := p.a.StartInitiatorRound(p.bOnA)
	require.NoError(t, err)
	_ = req
	_, err = p.a.HandleSketch(p.bOnA, []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestWrongRoleAndInFlight(t *testing.T) {
	p := newPair(t, DefaultConfig())
	p.fill(t, []types.TransactionID{tid(1)}, nil)

	_, err := p.b.StartInitiatorRound(p.aOnB)
	require.ErrorIs(t, err, ErrWrongRole)

	_, err = p.a.StartInitiatorRound(p.bOnA)
	require.NoError(t, err)
	_, err = p.a.StartInitiatorRound(p.bOnA)
	require.ErrorIs(t, err, ErrRoundInFlight)
}

func TestForgetDuringRound(t *testing.T) {
	p := newPair(t, DefaultConfig())
	p.fill(t, []types.TransactionID{tid(1)}, []types.TransactionID{tid(2)})

	req, err := p.a.StartInitiatorRound(p.bOnA)
	require.NoError(t, err)
	resp, err := p.b.HandleSketchRequest(p.aOnB, req.SetSize)
	require.NoError(t, err)

	p.a.ForgetPeer(p.bOnA)
	_, err = p.a.HandleSketch(p.bOnA, resp.Sketch)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestInitiatorPeersAndRoundInfo(t *testing.T) {
	p := newPair(t, DefaultConfig())
	require.Equal(t, []types.NodeID{p.bOnA}, p.a.InitiatorPeers())
	require.Empty(t, p.b.InitiatorPeers(), "responder links do not schedule rounds")

	info, ok := p.a.RoundInfo(p.bOnA)
	require.True(t, ok)
	require.False(t, info.Active)

	p.fill(t, []types.TransactionID{tid(1)}, nil)
	_, err := p.a.StartInitiatorRound(p.bOnA)
	require.NoError(t, err)
	require.Empty(t, p.a.InitiatorPeers(), "a peer with a round in flight is not offered")

	info, ok = p.a.RoundInfo(p.bOnA)
	require.True(t, ok)
	require.True(t, info.Active)
	require.False(t, info.Extended)
	require.False(t, info.Started.IsZero())

	_, ok = p.a.RoundInfo(types.NodeID(99))
	require.False(t, ok)
}

func TestAbandonRound(t *testing.T) {
	p := newPair(t, DefaultConfig())
	require.Nil(t, p.a.AbandonRound(p.bOnA), "no round to abandon")

	aSet := []types.TransactionID{tid(1), tid(2)}
	p.fill(t, aSet, nil)
	_, err := p.a.StartInitiatorRound(p.bOnA)
	require.NoError(t, err)

	full := p.a.AbandonRound(p.bOnA)
	require.ElementsMatch(t, aSet, full)
	require.Zero(t, p.a.PendingSetSize(p.bOnA))

	// the next round can start immediately
	p.fill(t, []types.TransactionID{tid(3)}, nil)
	_, err = p.a.StartInitiatorRound(p.bOnA)
	require.NoError(t, err)
}
