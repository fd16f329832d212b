// Package relay wires the reconciliation tracker to a libp2p transport and a
// round scheduler. Each protocol exchange is a request/response pair on the
// relay protocol stream: handshakes at connection time, then rounds of
// request, sketch, optional extension and closure.
//
// The relay owns all timing: it decides when to start rounds, applies the
// round timeout, and abandons rounds of peers that stopped answering. The
// tracker stays purely reactive.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/txmesh/go-txmesh/common/types"
	"github.com/txmesh/go-txmesh/node/warnings"
	"github.com/txmesh/go-txmesh/p2p"
	"github.com/txmesh/go-txmesh/p2p/server"
	"github.com/txmesh/go-txmesh/timesync"
	"github.com/txmesh/go-txmesh/txrecon"
)

const (
	// failureSpikeStreak is how many fallbacks in a row raise the
	// failure spike warning.
	failureSpikeStreak = 8
	// abuseThreshold protocol violations within abuseWindow raise the
	// peer abuse warning.
	abuseThreshold = 4
	abuseWindow    = 10 * time.Minute
)

type Config struct {
	// Protocol is the libp2p protocol id of the reconciliation streams.
	Protocol string `mapstructure:"protocol"`
	// ReconInterval is the pause between initiated rounds. One peer is
	// reconciled per interval, so per-peer frequency scales down with the
	// number of reconciling peers.
	ReconInterval time.Duration `mapstructure:"recon-interval"`
	// RoundTimeout is how long a round may stay in flight before it is
	// abandoned and its snapshot flooded.
	RoundTimeout time.Duration `mapstructure:"round-timeout"`
	// Recon configures the tracker.
	Recon txrecon.Config `mapstructure:"recon"`
}

func DefaultConfig() Config {
	return Config{
		Protocol:      "/txmesh/recon/1",
		ReconInterval: 2 * time.Second,
		RoundTimeout:  30 * time.Second,
		Recon:         txrecon.DefaultConfig(),
	}
}

// Delegate is the node side of the relay: it performs the actual transaction
// announcements and requests and owns peer punishment policy.
type Delegate interface {
	// AnnounceTransactions announces full transaction ids to the peer.
	AnnounceTransactions(peer p2p.Peer, ids []types.TransactionID)
	// RequestTransactions asks the peer for the transactions behind the
	// short ids decoded from a sketch.
	RequestTransactions(peer p2p.Peer, shortIDs []types.ShortID)
	// DisconnectPeer drops a peer for a protocol violation.
	DisconnectPeer(peer p2p.Peer, reason error)
}

// requester is the transport surface the relay needs; *server.Server
// implements it.
type requester interface {
	Run(ctx context.Context) error
	Request(ctx context.Context, pid p2p.Peer, req []byte) ([]byte, error)
}

// Opt configures a Relay.
type Opt func(*Relay)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithClock substitutes the clock, for tests.
func WithClock(clock clockwork.Clock) Opt {
	return func(r *Relay) {
		r.clock = clock
	}
}

// withRequester substitutes the transport, for tests.
func withRequester(req requester) Opt {
	return func(r *Relay) {
		r.srv = req
	}
}

// WithWarnings connects the relay to the node warning registry: it then
// tracks peer clock drift from handshake timestamps and raises relay health
// warnings.
func WithWarnings(w *warnings.Warnings) Opt {
	return func(r *Relay) {
		r.warnings = w
	}
}

// peerInfo is immutable once published to the peer maps.
type peerInfo struct {
	id   p2p.Peer
	node types.NodeID
	conn p2p.ConnectionType
	salt uint64
}

// Relay runs reconciliation-based transaction relay on top of a libp2p host.
type Relay struct {
	logger   *zap.Logger
	clock    clockwork.Clock
	cfg      Config
	tracker  *txrecon.Tracker
	delegate Delegate
	srv      requester
	warnings *warnings.Warnings
	offsets  *timesync.Offsets

	mu     sync.Mutex
	nextID types.NodeID
	byPeer map[p2p.Peer]*peerInfo
	byNode map[types.NodeID]*peerInfo
	// rotation index for picking the next peer to reconcile with
	cursor int
	// consecutive rounds that fell back to flooding
	failStreak int
	// punishment timestamps within the abuse window
	punished []time.Time
}

// New creates a Relay serving the reconciliation protocol on h.
func New(h host.Host, delegate Delegate, cfg Config, opts ...Opt) *Relay {
	r := &Relay{
		logger:   zap.NewNop(),
		clock:    clockwork.NewRealClock(),
		cfg:      cfg,
		delegate: delegate,
		byPeer:   make(map[p2p.Peer]*peerInfo),
		byNode:   make(map[types.NodeID]*peerInfo),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.warnings != nil {
		r.offsets = timesync.New(r.logger, r.warnings)
	}
	r.tracker = txrecon.New(cfg.Recon,
		txrecon.WithLogger(r.logger),
		txrecon.WithClock(r.clock))
	if r.srv == nil && h != nil {
		r.srv = server.New(h, cfg.Protocol, r.handleRequest,
			server.WithLog(r.logger),
			server.WithTimeout(cfg.RoundTimeout),
			server.WithMetrics())
	}
	return r
}

// Tracker exposes the underlying tracker, mainly for inspection in tests.
func (r *Relay) Tracker() *txrecon.Tracker {
	return r.tracker
}

// Run serves incoming reconciliation streams and drives the round scheduler
// until the context is canceled.
func (r *Relay) Run(ctx context.Context) error {
	var eg errgroup.Group
	eg.Go(func() error {
		return r.srv.Run(ctx)
	})
	eg.Go(func() error {
		ticker := r.clock.NewTicker(r.cfg.ReconInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.Chan():
				r.sweepStale()
				if node, ok := r.nextInitiatorPeer(); ok {
					r.runRound(ctx, node)
				}
			}
		}
	})
	return eg.Wait()
}

// OnPeerConnected introduces a peer to the relay. For outbound connections
// the relay sends the reconciliation handshake immediately; for inbound ones
// it waits for the peer's handshake request. Peers whose connection type does
// not relay transactions are ignored.
func (r *Relay) OnPeerConnected(ctx context.Context, pid p2p.Peer, conn p2p.ConnectionType) error {
	if !conn.RelaysTransactions() {
		return nil
	}
	r.mu.Lock()
	if _, exists := r.byPeer[pid]; exists {
		r.mu.Unlock()
		return nil
	}
	r.nextID++
	info := &peerInfo{id: pid, node: r.nextID, conn: conn}
	r.mu.Unlock()

	salt, err := r.tracker.PreRegisterPeer(info.node)
	if err != nil {
		return fmt.Errorf("pre-register %s: %w", pid, err)
	}
	info.salt = salt

	// publish only once the entry is complete; peerInfo is immutable after
	// this point, so handlers may read it without the lock
	r.mu.Lock()
	if _, exists := r.byPeer[pid]; exists {
		r.mu.Unlock()
		r.tracker.ForgetPeer(info.node)
		return nil
	}
	r.byPeer[pid] = info
	r.byNode[info.node] = info
	r.mu.Unlock()
	if conn.IsInbound() {
		return nil
	}

	resp, err := r.request(ctx, pid, &txrecon.HandshakeMessage{
		Version:   txrecon.Version,
		Salt:      salt,
		Timestamp: r.unixNow(),
	})
	if err != nil {
		// the peer does not speak the protocol; relay to it the classic way
		r.tracker.ForgetPeer(info.node)
		r.unmap(pid)
		return fmt.Errorf("handshake with %s: %w", pid, err)
	}
	hs, ok := resp.(*txrecon.HandshakeMessage)
	if !ok {
		r.punish(info, fmt.Errorf("%w: handshake answered with %s", txrecon.ErrProtocolViolation, resp.Type()))
		return fmt.Errorf("handshake with %s: unexpected %s", pid, resp.Type())
	}
	r.recordPeerTime(hs.Timestamp)
	switch res := r.tracker.RegisterPeer(info.node, conn.IsInbound(), hs.Version, hs.Salt); res {
	case txrecon.RegisterSuccess:
		return nil
	case txrecon.RegisterProtocolViolation:
		err := fmt.Errorf("%w: unsupported version %d", txrecon.ErrProtocolViolation, hs.Version)
		r.punish(info, err)
		return err
	default:
		r.tracker.ForgetPeer(info.node)
		r.unmap(pid)
		return fmt.Errorf("register %s: %s", pid, res)
	}
}

// OnPeerDisconnected drops all relay state of the peer.
func (r *Relay) OnPeerDisconnected(pid p2p.Peer) {
	r.mu.Lock()
	info, exists := r.byPeer[pid]
	r.mu.Unlock()
	if !exists {
		return
	}
	r.tracker.ForgetPeer(info.node)
	r.unmap(pid)
}

// AddTransaction queues a transaction for reconciliation with every
// registered peer. Peers whose set is full get a direct announcement instead:
// relay degrades to flooding, it never drops transactions.
func (r *Relay) AddTransaction(id types.TransactionID) {
	for _, info := range r.peerInfos() {
		if !r.tracker.IsPeerRegistered(info.node) {
			continue
		}
		if !r.tracker.AddToSet(info.node, id) {
			r.delegate.AnnounceTransactions(info.id, []types.TransactionID{id})
		}
	}
}

// RemoveTransaction drops a transaction that left the mempool from all
// pending sets.
func (r *Relay) RemoveTransaction(id types.TransactionID) {
	for _, info := range r.peerInfos() {
		r.tracker.RemoveFromSet(info.node, id)
	}
}

func (r *Relay) peerInfos() []*peerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peerInfo, 0, len(r.byPeer))
	for _, info := range r.byPeer {
		out = append(out, info)
	}
	return out
}

func (r *Relay) unmap(pid p2p.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, exists := r.byPeer[pid]; exists {
		delete(r.byPeer, pid)
		delete(r.byNode, info.node)
	}
}

func (r *Relay) punish(info *peerInfo, reason error) {
	r.logger.Warn("disconnecting peer for reconciliation protocol violation",
		zap.Stringer("peer", info.id),
		zap.Error(reason))
	r.tracker.ForgetPeer(info.node)
	r.unmap(info.id)
	r.noteViolation()
	r.delegate.DisconnectPeer(info.id, reason)
}

func (r *Relay) unixNow() uint64 {
	return uint64(r.clock.Now().Unix())
}

// recordPeerTime feeds a handshake timestamp into the clock drift tracker.
// Only timestamps of peers we dialed are sampled: inbound connections are
// free for anyone to open, so their clocks must not steer the median.
func (r *Relay) recordPeerTime(ts uint64) {
	if r.offsets == nil {
		return
	}
	r.offsets.Add(time.Unix(int64(ts), 0).Sub(r.clock.Now()))
}

// noteRoundOutcome keeps the failure spike warning in sync with the recent
// round history.
func (r *Relay) noteRoundOutcome(failed bool) {
	if r.warnings == nil {
		return
	}
	r.mu.Lock()
	if failed {
		r.failStreak++
	} else {
		r.failStreak = 0
	}
	spike := r.failStreak >= failureSpikeStreak
	r.mu.Unlock()
	if spike {
		r.warnings.Set(warnings.RelayReconFailureSpike,
			"reconciliation keeps falling back to flooding; the peers may run incompatible estimator parameters")
	} else {
		r.warnings.Unset(warnings.RelayReconFailureSpike)
	}
}

// noteViolation keeps the peer abuse warning in sync with the punishment rate.
func (r *Relay) noteViolation() {
	if r.warnings == nil {
		return
	}
	now := r.clock.Now()
	r.mu.Lock()
	r.punished = append(r.punished, now)
	for len(r.punished) > 0 && now.Sub(r.punished[0]) > abuseWindow {
		r.punished = r.punished[1:]
	}
	abuse := len(r.punished) >= abuseThreshold
	r.mu.Unlock()
	if abuse {
		r.warnings.Set(warnings.RelayPeerProtocolAbuse,
			"peers are being disconnected for reconciliation protocol violations at an unusual rate")
	} else {
		r.warnings.Unset(warnings.RelayPeerProtocolAbuse)
	}
}

// nextInitiatorPeer rotates over the peers we initiate towards.
func (r *Relay) nextInitiatorPeer() (types.NodeID, bool) {
	nodes := r.tracker.InitiatorPeers()
	if len(nodes) == 0 {
		return 0, false
	}
	slices.Sort(nodes)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor++
	return nodes[r.cursor%len(nodes)], true
}

// sweepStale abandons rounds that exceeded the round timeout, flooding their
// snapshots. Deadlines live here: the tracker only records start times.
func (r *Relay) sweepStale() {
	for _, info := range r.peerInfos() {
		ri, ok := r.tracker.RoundInfo(info.node)
		if !ok || !ri.Active {
			continue
		}
		if r.clock.Since(ri.Started) < r.cfg.RoundTimeout {
			continue
		}
		if full := r.tracker.AbandonRound(info.node); len(full) > 0 {
			r.delegate.AnnounceTransactions(info.id, full)
		}
		r.logger.Debug("abandoned stale reconciliation round",
			zap.Stringer("peer", info.id))
	}
}

// runRound drives one full initiator round with the peer.
func (r *Relay) runRound(ctx context.Context, node types.NodeID) {
	r.mu.Lock()
	info, exists := r.byNode[node]
	r.mu.Unlock()
	if !exists {
		return
	}
	req, err := r.tracker.StartInitiatorRound(node)
	if err != nil {
		r.logger.Debug("cannot start round", zap.Stringer("peer", info.id), zap.Error(err))
		return
	}
	if len(req.DirectAnnounce) > 0 {
		r.delegate.AnnounceTransactions(info.id, req.DirectAnnounce)
	}

	resp, err := r.request(ctx, info.id, &txrecon.ReqReconMessage{SetSize: req.SetSize})
	if err != nil {
		r.abandon(info, err)
		return
	}
	sk, ok := resp.(*txrecon.SketchMessage)
	if !ok {
		r.punish(info, fmt.Errorf("%w: round request answered with %s", txrecon.ErrProtocolViolation, resp.Type()))
		return
	}
	res, err := r.tracker.HandleSketch(node, sk.Data)
	if err != nil {
		r.dispose(info, err)
		return
	}
	if res.Outcome == txrecon.OutcomeExtend {
		resp, err = r.request(ctx, info.id, &txrecon.ReqSketchExtMessage{})
		if err != nil {
			r.abandon(info, err)
			return
		}
		sk, ok = resp.(*txrecon.SketchMessage)
		if !ok {
			r.punish(info, fmt.Errorf("%w: extension answered with %s", txrecon.ErrProtocolViolation, resp.Type()))
			return
		}
		res, err = r.tracker.HandleExtensionSketch(node, sk.Data)
		if err != nil {
			r.dispose(info, err)
			return
		}
	}

	r.noteRoundOutcome(res.Outcome == txrecon.OutcomeFailed)
	switch res.Outcome {
	case txrecon.OutcomeDecoded:
		if _, err := r.request(ctx, info.id, &txrecon.DoneMessage{}); err != nil {
			r.logger.Debug("round closure not delivered", zap.Stringer("peer", info.id), zap.Error(err))
		}
		if len(res.AnnounceToPeer) > 0 {
			r.delegate.AnnounceTransactions(info.id, res.AnnounceToPeer)
		}
		if len(res.RequestFromPeer) > 0 {
			r.delegate.RequestTransactions(info.id, res.RequestFromPeer)
		}
	case txrecon.OutcomeFailed:
		if _, err := r.request(ctx, info.id, &txrecon.FallbackMessage{}); err != nil {
			r.logger.Debug("failure notification not delivered", zap.Stringer("peer", info.id), zap.Error(err))
		}
		r.delegate.AnnounceTransactions(info.id, res.AnnounceToPeer)
	}
}

// abandon gives up on the current round after a transport error and floods
// its snapshot.
func (r *Relay) abandon(info *peerInfo, err error) {
	r.logger.Debug("reconciliation round abandoned",
		zap.Stringer("peer", info.id),
		zap.Error(err))
	if full := r.tracker.AbandonRound(info.node); len(full) > 0 {
		r.delegate.AnnounceTransactions(info.id, full)
	}
}

// dispose routes a tracker error: protocol violations punish the peer,
// aborted rounds are dropped silently.
func (r *Relay) dispose(info *peerInfo, err error) {
	if errors.Is(err, txrecon.ErrProtocolViolation) {
		r.punish(info, err)
		return
	}
	r.logger.Debug("round result discarded", zap.Stringer("peer", info.id), zap.Error(err))
}

// handleRequest is the responder side: it dispatches one framed protocol
// message and returns the framed reply.
func (r *Relay) handleRequest(ctx context.Context, pid p2p.Peer, data []byte) ([]byte, error) {
	r.mu.Lock()
	info, exists := r.byPeer[pid]
	r.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("unknown peer %s", pid)
	}
	msg, err := txrecon.ReadMessage(bytes.NewReader(data))
	if err != nil {
		r.punish(info, fmt.Errorf("%w: %s", txrecon.ErrProtocolViolation, err))
		return nil, err
	}
	switch m := msg.(type) {
	case *txrecon.HandshakeMessage:
		switch res := r.tracker.RegisterPeer(info.node, info.conn.IsInbound(), m.Version, m.Salt); res {
		case txrecon.RegisterSuccess:
			return encodeMessage(&txrecon.HandshakeMessage{
				Version:   txrecon.Version,
				Salt:      info.salt,
				Timestamp: r.unixNow(),
			})
		case txrecon.RegisterProtocolViolation:
			err := fmt.Errorf("%w: unsupported version %d", txrecon.ErrProtocolViolation, m.Version)
			r.punish(info, err)
			return nil, err
		default:
			return nil, fmt.Errorf("handshake rejected: %s", res)
		}
	case *txrecon.ReqReconMessage:
		resp, err := r.tracker.HandleSketchRequest(info.node, m.SetSize)
		if err != nil {
			r.dispose(info, err)
			return nil, err
		}
		if len(resp.DirectAnnounce) > 0 {
			r.delegate.AnnounceTransactions(pid, resp.DirectAnnounce)
		}
		return encodeMessage(&txrecon.SketchMessage{Data: resp.Sketch})
	case *txrecon.ReqSketchExtMessage:
		resp, err := r.tracker.HandleExtensionRequest(info.node)
		if err != nil {
			r.dispose(info, err)
			return nil, err
		}
		return encodeMessage(&txrecon.SketchMessage{Data: resp.Sketch})
	case *txrecon.DoneMessage:
		if err := r.tracker.HandleRoundDone(info.node); err != nil {
			r.dispose(info, err)
			return nil, err
		}
		return encodeMessage(&txrecon.DoneMessage{})
	case *txrecon.FallbackMessage:
		full, err := r.tracker.HandleFailureNotification(info.node)
		if err != nil {
			r.dispose(info, err)
			return nil, err
		}
		if len(full) > 0 {
			r.delegate.AnnounceTransactions(pid, full)
		}
		return encodeMessage(&txrecon.DoneMessage{})
	default:
		err := fmt.Errorf("%w: unexpected %s request", txrecon.ErrProtocolViolation, msg.Type())
		r.punish(info, err)
		return nil, err
	}
}

// request performs one message round trip with the peer.
func (r *Relay) request(ctx context.Context, pid p2p.Peer, msg txrecon.Message) (txrecon.Message, error) {
	payload, err := encodeMessage(msg)
	if err != nil {
		return nil, err
	}
	data, err := r.srv.Request(ctx, pid, payload)
	if err != nil {
		return nil, err
	}
	resp, err := txrecon.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", pid, err)
	}
	return resp, nil
}

func encodeMessage(msg txrecon.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := txrecon.WriteMessage(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
