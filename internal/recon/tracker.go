package recon

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// ReconVersion is the current reconciliation protocol version.
	ReconVersion uint32 = 1

	// Announce transactions via full wtxid to a limited number of inbound
	// and outbound peers. The two constants are independent.
	InboundFanoutDestinations  = 2
	OutboundFanoutDestinations = 2

	// InitiationInterval is the cadence of outgoing reconciliation
	// requests. At ~7 tx/s this reconciles roughly 100 transactions per
	// round across 8 peers, which balances sketch-metadata overhead
	// against relay latency.
	InitiationInterval = 2 * time.Second
)

// PeerID identifies a connection for its lifetime. It is assigned by the
// connection layer and never reused while the peer is tracked.
type PeerID int64

// PeerState is the per-peer view handed to the sketch-round collaborator
// under the tracker mutex. It must not be retained after the callback
// returns.
type PeerState struct {
	// K0, K1 salt the short IDs included in sketches for this link.
	K0, K1 uint64
	// WeInitiate is our reconciliation role on this link, fixed at
	// registration.
	WeInitiate bool

	set map[TxID]struct{}
}

// SetSize returns the number of staged transactions.
func (s *PeerState) SetSize() int {
	return len(s.set)
}

// Snapshot copies the staged set out.
func (s *PeerState) Snapshot() []TxID {
	out := make([]TxID, 0, len(s.set))
	for id := range s.set {
		out = append(out, id)
	}
	return out
}

// Contains reports whether the transaction is currently staged.
func (s *PeerState) Contains(id TxID) bool {
	_, ok := s.set[id]
	return ok
}

// Clear drains the staged set. Called at the end of every reconciliation
// round to avoid unbounded growth.
func (s *PeerState) Clear() {
	clear(s.set)
}

type Options struct {
	// Rand supplies per-peer salt entropy. Defaults to crypto/rand.
	Rand io.Reader
	// Log defaults to a nop logger.
	Log *zap.Logger
}

// Tracker keeps all reconciliation-related state for every peer: local
// salts, per-peer reconciliation sets, fanout destination lists and the
// initiation queue. A single mutex guards everything; no operation blocks
// on anything but that mutex.
type Tracker struct {
	rand io.Reader
	log  *zap.Logger

	mu sync.Mutex
	// Per-peer salt contribution, generated once in Suggest. Random
	// per peer so distinct connections to the same node cannot be linked
	// and short-ID collisions cannot halt relay of a transaction
	// network-wide.
	localSalts map[PeerID]uint64
	states     map[PeerID]*PeerState
	// Fanout destinations are append-on-register, stable-remove: the
	// order is load-bearing for ShouldFloodTo.
	inboundFanout  []PeerID
	outboundFanout []PeerID
	// Peers we initiate reconciliations with, in FIFO order. Reconciling
	// in a stable order keeps set-difference estimates accurate on the
	// remote side.
	queue            []PeerID
	nextInitiationAt time.Time
}

func NewTracker(opts Options) *Tracker {
	r := opts.Rand
	if r == nil {
		r = rand.Reader
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		rand:       r,
		log:        log,
		localSalts: make(map[PeerID]uint64),
		states:     make(map[PeerID]*PeerState),
	}
}

// Suggest prepares the local half of the reconciliation handshake: it
// fixes our role from the connection direction, generates the local salt
// contribution and records it. The returned tuple is transmitted to the
// peer. Must be called exactly once per peer; a second call for the same
// peer is a caller bug and panics.
func (t *Tracker) Suggest(peer PeerID, inbound bool) (weInitiate, weRespond bool, version uint32, localSalt uint64) {
	// Roles are defined by the connection direction: only the outbound
	// side of a link initiates and the inbound side responds.
	if inbound {
		weInitiate, weRespond = false, true
	} else {
		weInitiate, weRespond = true, false
	}

	var buf [8]byte
	if _, err := io.ReadFull(t.rand, buf[:]); err != nil {
		panic(fmt.Sprintf("recon: salt entropy unavailable: %v", err))
	}
	localSalt = binary.LittleEndian.Uint64(buf[:])

	t.mu.Lock()
	if _, dup := t.localSalts[peer]; dup {
		t.mu.Unlock()
		panic(fmt.Sprintf("recon: Suggest called twice for peer=%d", peer))
	}
	t.localSalts[peer] = localSalt
	t.mu.Unlock()

	t.log.Debug("prepared reconciliation suggestion", zap.Int64("peer", int64(peer)), zap.Bool("inbound", inbound))
	return weInitiate, weRespond, ReconVersion, localSalt
}

// Enable completes the handshake once the peer announced its own
// reconciliation flags. On success the peer is registered: its short-ID
// keys are derived, it joins a fanout list, and, if we are the initiator
// on this link, the initiation queue. Returns false on any protocol
// violation; no state is mutated in that case. Salt and version updates
// after a successful registration are treated as violations too.
func (t *Tracker) Enable(peer PeerID, inbound, theyMayInitiate, theyMayRespond bool, theirVersion uint32, remoteSalt uint64) bool {
	// Downgrade to the lower of the two versions; anything below v1 is
	// a violation since v1 is the lowest version ever deployed.
	version := theirVersion
	if version > ReconVersion {
		version = ReconVersion
	}

	t.mu.Lock()
	if _, dup := t.states[peer]; dup {
		t.mu.Unlock()
		return false
	}
	localSalt, ok := t.localSalts[peer]
	if !ok {
		// Enable before Suggest.
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	if version < 1 {
		return false
	}

	// Must mirror the role assignment in Suggest.
	weMayInitiate, weMayRespond := !inbound, inbound
	theyInitiate := theyMayInitiate && weMayRespond
	weInitiate := weMayInitiate && theyMayRespond
	if theyInitiate && weInitiate {
		// Both directions derive from the inbound flag, so this cannot
		// happen today; it needs tie-breaking if roles are ever
		// decoupled from connection direction.
		return false
	}
	if !theyInitiate && !weInitiate {
		// The peer advertised no reconciling direction at all.
		return false
	}

	// Hash outside the critical section; the mutex only ever covers
	// in-memory map and slice edits.
	k0, k1 := saltKeys(ComputeSalt(localSalt, remoteSalt))

	t.mu.Lock()
	if _, dup := t.states[peer]; dup {
		t.mu.Unlock()
		return false
	}
	if _, ok := t.localSalts[peer]; !ok {
		// The peer was removed while the salt was being hashed.
		t.mu.Unlock()
		return false
	}
	t.states[peer] = &PeerState{K0: k0, K1: k1, WeInitiate: weInitiate, set: make(map[TxID]struct{})}
	if weInitiate {
		t.queue = append(t.queue, peer)
	}
	if inbound {
		t.inboundFanout = append(t.inboundFanout, peer)
	} else {
		t.outboundFanout = append(t.outboundFanout, peer)
	}
	t.mu.Unlock()

	t.log.Debug("registered peer for reconciliation",
		zap.Int64("peer", int64(peer)), zap.Bool("we_initiate", weInitiate), zap.Bool("they_initiate", theyInitiate))
	return true
}

// AddToReconSet stages transactions for the next reconciliation with the
// peer instead of announcing them right away. Duplicates are no-ops.
// Calling it for an unregistered peer or with no transactions is a caller
// bug and panics.
func (t *Tracker) AddToReconSet(peer PeerID, txs []TxID) {
	if len(txs) == 0 {
		panic("recon: AddToReconSet with empty tx list")
	}
	t.mu.Lock()
	state, ok := t.states[peer]
	if !ok {
		t.mu.Unlock()
		panic(fmt.Sprintf("recon: AddToReconSet for unregistered peer=%d", peer))
	}
	for _, id := range txs {
		state.set[id] = struct{}{}
	}
	size := len(state.set)
	t.mu.Unlock()

	t.log.Debug("staged transactions for reconciliation", zap.Int64("peer", int64(peer)), zap.Int("set_size", size))
}

// RemovePeer drops all reconciliation state for the peer: salt, set,
// fanout membership and queue position. Idempotent, and tolerant to
// removal at any point of a partial handshake. The relative order of the
// remaining fanout entries is preserved.
func (t *Tracker) RemovePeer(peer PeerID) {
	t.mu.Lock()
	_, hadSalt := t.localSalts[peer]
	_, hadState := t.states[peer]
	delete(t.localSalts, peer)
	delete(t.states, peer)
	if hadSalt || hadState {
		t.inboundFanout = removePeer(t.inboundFanout, peer)
		t.outboundFanout = removePeer(t.outboundFanout, peer)
	}
	t.queue = removePeer(t.queue, peer)
	t.mu.Unlock()

	if hadSalt || hadState {
		t.log.Debug("stopped tracking reconciliation state", zap.Int64("peer", int64(peer)))
	}
}

// IsPeerRegistered reports whether the peer completed the handshake.
func (t *Tracker) IsPeerRegistered(peer PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.states[peer]
	return ok
}

// IsPeerInitiator reports whether the given peer may initiate
// reconciliations on this link, i.e. the inverse of our own role. ok is
// false if the peer is not registered.
func (t *Tracker) IsPeerInitiator(peer PeerID) (initiator, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[peer]
	if !ok {
		return false, false
	}
	return !state.WeInitiate, true
}

// PeerSetSize returns the size of the local reconciliation set for the
// peer. ok is false if the peer is not registered.
func (t *Tracker) PeerSetSize(peer PeerID) (size int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[peer]
	if !ok {
		return 0, false
	}
	return len(state.set), true
}

// WithState runs fn with the peer's reconciliation state while holding
// the tracker mutex, and reports whether the peer was registered. This is
// how the sketch-round collaborator reads the short-ID keys and drains
// the staged set; the state must not escape fn.
func (t *Tracker) WithState(peer PeerID, fn func(*PeerState)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[peer]
	if !ok {
		return false
	}
	fn(state)
	return true
}

// ShouldFloodTo reports whether the transaction should be announced to
// the peer immediately by wtxid in addition to reconciliation. The peer
// is selected iff it sits in a fixed-size circular window of the
// direction's fanout list, starting at an index derived from the wtxid.
// Every honest node derives the same starting index, so the fanout
// destinations for a given transaction converge network-wide without
// coordination.
func (t *Tracker) ShouldFloodTo(wtxid TxID, peer PeerID, inbound bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	var list []PeerID
	var depth int
	if inbound {
		list = t.inboundFanout
		depth = InboundFanoutDestinations
	} else {
		list = t.outboundFanout
		depth = OutboundFanoutDestinations
	}
	if len(list) == 0 {
		return false
	}

	i := int(wtxid.Word(3) % uint64(len(list)))
	for ; depth > 0; depth-- {
		if list[i] == peer {
			return true
		}
		i++
		if i == len(list) {
			i = 0
		}
	}
	return false
}

// PopQueuePeer yields the next peer to initiate a reconciliation with,
// honoring the request cadence. Returns ok=false while the interval has
// not elapsed or the queue is empty; an empty queue does not re-arm the
// timer. The caller re-appends the peer via RequeuePeer once the round
// concludes, which keeps initiation order FIFO across peers.
func (t *Tracker) PopQueuePeer(now time.Time) (PeerID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Before(t.nextInitiationAt) || len(t.queue) == 0 {
		return 0, false
	}
	peer := t.queue[0]
	t.queue = t.queue[1:]
	t.nextInitiationAt = now.Add(InitiationInterval)
	return peer, true
}

// RequeuePeer puts an initiator peer back at the end of the queue. A peer
// removed since it was popped is dropped silently.
func (t *Tracker) RequeuePeer(peer PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[peer]
	if !ok || !state.WeInitiate {
		return
	}
	for _, queued := range t.queue {
		if queued == peer {
			return
		}
	}
	t.queue = append(t.queue, peer)
}

// QueueLen reports the number of peers waiting for an initiated round.
func (t *Tracker) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func removePeer(list []PeerID, peer PeerID) []PeerID {
	out := list[:0]
	for _, id := range list {
		if id != peer {
			out = append(out, id)
		}
	}
	return out
}
