// Package relay drives reconciliation rounds against the tracker: the
// initiation ticker, the responder's sketch construction, the
// initiator's difference decoding, and the low-fanout flood-or-stage
// decision for new transactions.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"erlaynet/internal/metrics"
	"erlaynet/internal/proto"
	"erlaynet/internal/recon"
	"erlaynet/internal/shortid"
	"erlaynet/internal/sketch"
)

// defaultTick is how often the scheduler polls the initiation queue. It
// must be at most the initiation interval or the cadence degrades.
const defaultTick = 500 * time.Millisecond

// SendFunc delivers an encoded message to a connected peer.
type SendFunc func(peer recon.PeerID, payload []byte) error

// PeerLink is a connected peer eligible for transaction relay.
type PeerLink struct {
	ID      recon.PeerID
	Inbound bool
}

type Options struct {
	Tracker *recon.Tracker
	Send    SendFunc
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Tick    time.Duration
}

// roundState tracks one in-flight reconciliation with a peer. The
// snapshot is taken when the sketch is built (responder) or when the
// first sketch arrives (initiator) so both extension and finalization
// work over the same set regardless of concurrent staging.
type roundState struct {
	initiator bool
	extended  bool
	capacity  int
	snapshot  []recon.TxID
	shortIDs  []uint32
	index     map[uint32]recon.TxID
	// Initiator only: the responder's base sketch, kept for extension.
	theirLower []byte
}

type Manager struct {
	tracker *recon.Tracker
	send    SendFunc
	log     *zap.Logger
	metrics *metrics.Metrics
	tick    time.Duration

	mu     sync.Mutex
	rounds map[recon.PeerID]*roundState
}

func NewManager(opts Options) *Manager {
	if opts.Tracker == nil || opts.Send == nil {
		panic("relay: tracker and send are required")
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = defaultTick
	}
	return &Manager{
		tracker: opts.Tracker,
		send:    opts.Send,
		log:     log,
		metrics: m,
		tick:    tick,
		rounds:  make(map[recon.PeerID]*roundState),
	}
}

// Run polls the initiation queue until the context ends. The tracker
// enforces the 2-second cadence; the ticker only has to fire at least
// that often.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if peer, ok := m.tracker.PopQueuePeer(time.Now()); ok {
				if err := m.InitiateRound(peer); err != nil {
					m.log.Warn("failed to initiate reconciliation", zap.Int64("peer", int64(peer)), zap.Error(err))
				}
			}
		}
	}
}

// DistributeTx routes a new transaction to every registered peer: a
// deterministic low-fanout subset gets an immediate inv, everyone else
// gets the transaction staged for the next reconciliation.
func (m *Manager) DistributeTx(wtxid recon.TxID, peers []PeerLink) {
	for _, p := range peers {
		if !m.tracker.IsPeerRegistered(p.ID) {
			continue
		}
		if m.tracker.ShouldFloodTo(wtxid, p.ID, p.Inbound) {
			payload, err := proto.EncodeInvMsg(proto.InvMsg{Wtxids: []string{proto.EncodeTxID(wtxid)}})
			if err == nil {
				err = m.send(p.ID, payload)
			}
			if err != nil {
				m.log.Warn("flood announcement failed", zap.Int64("peer", int64(p.ID)), zap.Error(err))
				continue
			}
			m.metrics.TxFlooded.Inc()
			continue
		}
		m.tracker.AddToReconSet(p.ID, []recon.TxID{wtxid})
		m.metrics.TxStaged.Inc()
	}
}

// InitiateRound sends a reconciliation request to a peer popped from
// the initiation queue.
func (m *Manager) InitiateRound(peer recon.PeerID) error {
	size, ok := m.tracker.PeerSetSize(peer)
	if !ok {
		return fmt.Errorf("peer %d not registered", peer)
	}

	m.mu.Lock()
	if _, busy := m.rounds[peer]; busy {
		m.mu.Unlock()
		return fmt.Errorf("round already in flight with peer %d", peer)
	}
	m.rounds[peer] = &roundState{initiator: true}
	m.mu.Unlock()

	payload, err := proto.EncodeReqTxRcnclMsg(proto.ReqTxRcnclMsg{SetSize: uint32(size), Q: sketch.DefaultQ})
	if err == nil {
		err = m.send(peer, payload)
	}
	if err != nil {
		m.dropRound(peer)
		return err
	}
	m.metrics.RoundsStarted.Inc()
	m.log.Debug("initiated reconciliation round", zap.Int64("peer", int64(peer)), zap.Int("set_size", size))
	return nil
}

// HandleReqTxRcncl serves a round request as responder: snapshot the
// staged set, size a sketch for the announced difference and send it.
// An empty local set produces an empty sketch, which tells the
// initiator to terminate the round immediately.
func (m *Manager) HandleReqTxRcncl(peer recon.PeerID, msg proto.ReqTxRcnclMsg) error {
	initiator, ok := m.tracker.IsPeerInitiator(peer)
	if !ok {
		return fmt.Errorf("reqtxrcncl from unregistered peer %d", peer)
	}
	if !initiator {
		return fmt.Errorf("reqtxrcncl from responder-role peer %d", peer)
	}

	r := &roundState{}
	m.tracker.WithState(peer, func(st *recon.PeerState) {
		r.snapshot = st.Snapshot()
		r.shortIDs, r.index = shortid.ComputeSet(st.K0, st.K1, r.snapshot)
	})

	m.mu.Lock()
	if _, busy := m.rounds[peer]; busy {
		m.mu.Unlock()
		return fmt.Errorf("duplicate reqtxrcncl from peer %d", peer)
	}
	m.rounds[peer] = r
	m.mu.Unlock()

	var skdata []byte
	if len(r.shortIDs) > 0 {
		r.capacity = sketch.EstimateCapacity(len(r.shortIDs), int(msg.SetSize), msg.Q)
		skdata = sketch.FromElements(r.shortIDs, r.capacity).Serialize()
	}
	payload, err := proto.EncodeSketchMsg(proto.SketchMsg{Skdata: fmt.Sprintf("%x", skdata)})
	if err == nil {
		err = m.send(peer, payload)
	}
	if err != nil {
		m.dropRound(peer)
		return err
	}
	m.metrics.SketchesSent.Inc()
	return nil
}

// HandleSketch processes a responder's sketch as initiator: merge it
// with the local sketch and decode the set difference, requesting one
// extension before giving up on the round.
func (m *Manager) HandleSketch(peer recon.PeerID, msg proto.SketchMsg) error {
	m.mu.Lock()
	r, ok := m.rounds[peer]
	m.mu.Unlock()
	if !ok || !r.initiator {
		return fmt.Errorf("unsolicited sketch from peer %d", peer)
	}
	if msg.Extension != r.extended {
		return fmt.Errorf("sketch extension flag mismatch from peer %d", peer)
	}
	skdata := msg.SkdataBytes()

	if !r.extended {
		// Base sketch: snapshot our set once, at the same point of the
		// round for both decode attempts.
		m.tracker.WithState(peer, func(st *recon.PeerState) {
			r.snapshot = st.Snapshot()
			r.shortIDs, r.index = shortid.ComputeSet(st.K0, st.K1, r.snapshot)
		})
		capacity := len(skdata) / sketch.BytesPerCapacityUnit
		if capacity == 0 {
			// Empty sketch: the responder has nothing to reconcile and
			// asks us to terminate; fall back to a full announcement.
			return m.failRound(peer, r)
		}
		r.capacity = capacity
		r.theirLower = skdata

		diff, ok := m.decodeDifference(r, skdata, capacity)
		if ok {
			return m.finishRound(peer, r, diff)
		}
		r.extended = true
		payload, err := proto.EncodeReqSketchExtMsg(proto.ReqSketchExtMsg{})
		if err == nil {
			err = m.send(peer, payload)
		}
		if err != nil {
			m.dropRound(peer)
			return err
		}
		return nil
	}

	// Extension: the upper half of the doubled sketch. Together with
	// the retained base it forms a capacity-2c sketch over the same
	// snapshot.
	full := append(append([]byte(nil), r.theirLower...), skdata...)
	diff, ok := m.decodeDifference(r, full, 2*r.capacity)
	if ok {
		return m.finishRound(peer, r, diff)
	}
	return m.failRound(peer, r)
}

// HandleReqSketchExt serves an extension request as responder by
// sending the upper syndromes of the doubled sketch over the original
// snapshot.
func (m *Manager) HandleReqSketchExt(peer recon.PeerID) error {
	m.mu.Lock()
	r, ok := m.rounds[peer]
	m.mu.Unlock()
	if !ok || r.initiator || r.capacity == 0 {
		return fmt.Errorf("unsolicited reqsketchext from peer %d", peer)
	}
	if r.extended {
		return fmt.Errorf("repeated reqsketchext from peer %d", peer)
	}
	r.extended = true

	doubled := sketch.FromElements(r.shortIDs, 2*r.capacity).Serialize()
	upper := doubled[r.capacity*sketch.BytesPerCapacityUnit:]
	payload, err := proto.EncodeSketchMsg(proto.SketchMsg{Skdata: fmt.Sprintf("%x", upper), Extension: true})
	if err == nil {
		err = m.send(peer, payload)
	}
	if err != nil {
		m.dropRound(peer)
		return err
	}
	m.metrics.ExtensionsSent.Inc()
	return nil
}

// HandleReconcilDiff concludes a round as responder: announce whatever
// the initiator asked for by short ID, or the whole snapshot when the
// decode failed, then drain the staged set.
func (m *Manager) HandleReconcilDiff(peer recon.PeerID, msg proto.ReconcilDiffMsg) error {
	m.mu.Lock()
	r, ok := m.rounds[peer]
	delete(m.rounds, peer)
	m.mu.Unlock()
	if !ok || r.initiator {
		return fmt.Errorf("unsolicited reconcildiff from peer %d", peer)
	}

	var announce []recon.TxID
	if msg.Success {
		for _, id := range msg.AskShortIDs {
			if wtxid, ok := r.index[id]; ok {
				announce = append(announce, wtxid)
			}
		}
	} else {
		announce = r.snapshot
	}
	if err := m.announce(peer, announce); err != nil {
		return err
	}

	m.tracker.WithState(peer, func(st *recon.PeerState) { st.Clear() })
	return nil
}

// ForgetPeer drops any in-flight round, e.g. on disconnect.
func (m *Manager) ForgetPeer(peer recon.PeerID) {
	m.dropRound(peer)
}

func (m *Manager) decodeDifference(r *roundState, theirSketch []byte, capacity int) ([]uint32, bool) {
	theirs, err := sketch.Deserialize(theirSketch)
	if err != nil || theirs.Capacity() != capacity {
		return nil, false
	}
	ours := sketch.FromElements(r.shortIDs, capacity)
	if err := ours.Merge(theirs); err != nil {
		return nil, false
	}
	return ours.Decode()
}

// finishRound completes a successful initiator round: ask for the short
// IDs we cannot resolve locally, announce the transactions only we
// have, drain the set and put the peer back on the queue.
func (m *Manager) finishRound(peer recon.PeerID, r *roundState, diff []uint32) error {
	var ask []uint32
	var announce []recon.TxID
	for _, id := range diff {
		if wtxid, ours := r.index[id]; ours {
			announce = append(announce, wtxid)
		} else {
			ask = append(ask, id)
		}
	}
	payload, err := proto.EncodeReconcilDiffMsg(proto.ReconcilDiffMsg{Success: true, AskShortIDs: ask})
	if err == nil {
		err = m.send(peer, payload)
	}
	if err != nil {
		m.dropRound(peer)
		return err
	}
	if err := m.announce(peer, announce); err != nil {
		m.dropRound(peer)
		return err
	}
	m.concludeRound(peer)
	m.metrics.RoundsSucceeded.Inc()
	m.log.Debug("reconciliation succeeded",
		zap.Int64("peer", int64(peer)), zap.Int("diff", len(diff)), zap.Int("requested", len(ask)))
	return nil
}

// failRound terminates an initiator round that could not decode:
// notify the peer and fall back to announcing the full staged set.
func (m *Manager) failRound(peer recon.PeerID, r *roundState) error {
	payload, err := proto.EncodeReconcilDiffMsg(proto.ReconcilDiffMsg{Success: false})
	if err == nil {
		err = m.send(peer, payload)
	}
	if err != nil {
		m.dropRound(peer)
		return err
	}
	if err := m.announce(peer, r.snapshot); err != nil {
		m.dropRound(peer)
		return err
	}
	m.concludeRound(peer)
	m.metrics.RoundsFailed.Inc()
	m.log.Debug("reconciliation fell back to full announcement",
		zap.Int64("peer", int64(peer)), zap.Int("announced", len(r.snapshot)))
	return nil
}

// concludeRound drains the staged set and requeues the peer for the
// next initiated round.
func (m *Manager) concludeRound(peer recon.PeerID) {
	m.tracker.WithState(peer, func(st *recon.PeerState) { st.Clear() })
	m.dropRound(peer)
	m.tracker.RequeuePeer(peer)
}

func (m *Manager) announce(peer recon.PeerID, wtxids []recon.TxID) error {
	if len(wtxids) == 0 {
		return nil
	}
	for start := 0; start < len(wtxids); start += proto.MaxInvEntries {
		end := start + proto.MaxInvEntries
		if end > len(wtxids) {
			end = len(wtxids)
		}
		payload, err := proto.EncodeInvMsg(proto.InvMsg{Wtxids: proto.EncodeTxIDs(wtxids[start:end])})
		if err == nil {
			err = m.send(peer, payload)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) dropRound(peer recon.PeerID) {
	m.mu.Lock()
	delete(m.rounds, peer)
	m.mu.Unlock()
}
