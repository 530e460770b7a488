package relay_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"erlaynet/internal/proto"
	"erlaynet/internal/recon"
	"erlaynet/internal/relay"
)

// link wires two managers back to back: everything one side sends is
// dispatched synchronously into the other side's handlers, with inv
// announcements collected instead of forwarded.
type link struct {
	t        *testing.T
	trA, trB *recon.Tracker
	a, b     *relay.Manager
	// Announcements received by each side.
	invA, invB []recon.TxID
	// Protocol errors surfaced by each side's handlers.
	errA, errB []error
}

const peerID recon.PeerID = 1

func newLink(t *testing.T) *link {
	t.Helper()
	l := &link{t: t}
	l.trA = recon.NewTracker(recon.Options{Rand: bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8})})
	l.trB = recon.NewTracker(recon.Options{Rand: bytes.NewReader([]byte{8, 7, 6, 5, 4, 3, 2, 1})})
	l.a = relay.NewManager(relay.Options{
		Tracker: l.trA,
		Send: func(peer recon.PeerID, payload []byte) error {
			l.deliver(l.b, &l.invB, &l.errB, payload)
			return nil
		},
	})
	l.b = relay.NewManager(relay.Options{
		Tracker: l.trB,
		Send: func(peer recon.PeerID, payload []byte) error {
			l.deliver(l.a, &l.invA, &l.errA, payload)
			return nil
		},
	})

	// The handshake: A holds the outbound side of the connection.
	_, _, _, saltA := l.trA.Suggest(peerID, false)
	_, _, _, saltB := l.trB.Suggest(peerID, true)
	if !l.trA.Enable(peerID, false, false, true, 1, saltB) {
		t.Fatalf("enable on the outbound side failed")
	}
	if !l.trB.Enable(peerID, true, true, false, 1, saltA) {
		t.Fatalf("enable on the inbound side failed")
	}
	return l
}

func (l *link) deliver(m *relay.Manager, invs *[]recon.TxID, errs *[]error, payload []byte) {
	l.t.Helper()
	var err error
	switch proto.SniffType(payload) {
	case proto.MsgTypeReqTxRcncl:
		var msg proto.ReqTxRcnclMsg
		if msg, err = proto.DecodeReqTxRcnclMsg(payload); err == nil {
			err = m.HandleReqTxRcncl(peerID, msg)
		}
	case proto.MsgTypeSketch:
		var msg proto.SketchMsg
		if msg, err = proto.DecodeSketchMsg(payload); err == nil {
			err = m.HandleSketch(peerID, msg)
		}
	case proto.MsgTypeReqSketchExt:
		if _, err = proto.DecodeReqSketchExtMsg(payload); err == nil {
			err = m.HandleReqSketchExt(peerID)
		}
	case proto.MsgTypeReconcilDiff:
		var msg proto.ReconcilDiffMsg
		if msg, err = proto.DecodeReconcilDiffMsg(payload); err == nil {
			err = m.HandleReconcilDiff(peerID, msg)
		}
	case proto.MsgTypeInv:
		msg, derr := proto.DecodeInvMsg(payload)
		if derr != nil {
			l.t.Fatalf("bad inv: %v", derr)
		}
		ids, derr := proto.DecodeTxIDs(msg.Wtxids)
		if derr != nil {
			l.t.Fatalf("bad inv wtxids: %v", derr)
		}
		*invs = append(*invs, ids...)
		return
	default:
		l.t.Fatalf("unexpected message type %q", proto.SniffType(payload))
	}
	if err != nil {
		*errs = append(*errs, err)
	}
}

func txid(n uint64) recon.TxID {
	var id recon.TxID
	binary.LittleEndian.PutUint64(id[:8], n)
	binary.LittleEndian.PutUint64(id[24:], n)
	return id
}

func stage(t *testing.T, tr *recon.Tracker, ids ...recon.TxID) {
	t.Helper()
	tr.AddToReconSet(peerID, ids)
}

func containsAll(got []recon.TxID, want ...recon.TxID) bool {
	set := make(map[recon.TxID]bool, len(got))
	for _, id := range got {
		set[id] = true
	}
	for _, id := range want {
		if !set[id] {
			return false
		}
	}
	return true
}

func TestRoundDecodesDifference(t *testing.T) {
	l := newLink(t)
	shared := []recon.TxID{txid(1), txid(2), txid(3)}
	aOnly := txid(100)
	bOnly := txid(200)
	stage(t, l.trA, append(shared, aOnly)...)
	stage(t, l.trB, append(shared, bOnly)...)

	if err := l.a.InitiateRound(peerID); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if len(l.errA) != 0 || len(l.errB) != 0 {
		t.Fatalf("handler errors: A=%v B=%v", l.errA, l.errB)
	}

	// The initiator announced its exclusive transaction, the responder
	// answered the short-ID request with its own.
	if len(l.invB) != 1 || l.invB[0] != aOnly {
		t.Fatalf("responder received %v, want [%x]", l.invB, aOnly)
	}
	if len(l.invA) != 1 || l.invA[0] != bOnly {
		t.Fatalf("initiator received %v, want [%x]", l.invA, bOnly)
	}

	// Both staged sets drained, initiator back on the queue.
	if size, _ := l.trA.PeerSetSize(peerID); size != 0 {
		t.Fatalf("initiator set not drained: %d", size)
	}
	if size, _ := l.trB.PeerSetSize(peerID); size != 0 {
		t.Fatalf("responder set not drained: %d", size)
	}
	if l.trA.QueueLen() != 1 {
		t.Fatalf("initiator not requeued after the round")
	}
}

func TestRoundSucceedsAfterExtension(t *testing.T) {
	l := newLink(t)
	// Equal set sizes make the responder estimate a capacity of 2;
	// the actual difference of 4 only fits the doubled sketch, so the
	// round must go through one extension before decoding.
	var shared []recon.TxID
	for i := uint64(1); i <= 5; i++ {
		shared = append(shared, txid(i))
	}
	aOnly := []recon.TxID{txid(101), txid(102)}
	bOnly := []recon.TxID{txid(201), txid(202)}
	stage(t, l.trA, append(shared, aOnly...)...)
	stage(t, l.trB, append(shared, bOnly...)...)

	if err := l.a.InitiateRound(peerID); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if len(l.errA) != 0 || len(l.errB) != 0 {
		t.Fatalf("handler errors: A=%v B=%v", l.errA, l.errB)
	}
	if len(l.invB) != 2 || !containsAll(l.invB, aOnly...) {
		t.Fatalf("responder received %v, want both initiator-only txs", l.invB)
	}
	if len(l.invA) != 2 || !containsAll(l.invA, bOnly...) {
		t.Fatalf("initiator received %v, want both responder-only txs", l.invA)
	}
	if size, _ := l.trA.PeerSetSize(peerID); size != 0 {
		t.Fatalf("initiator set not drained: %d", size)
	}
}

func TestRoundFallsBackWhenDifferenceTooLarge(t *testing.T) {
	l := newLink(t)
	// Disjoint sets of equal size: the estimated capacity of 2 and its
	// doubling are both far below the true difference of 20, so the
	// round must fail and both sides announce everything.
	var aTxs, bTxs []recon.TxID
	for i := uint64(0); i < 10; i++ {
		aTxs = append(aTxs, txid(1000+i))
		bTxs = append(bTxs, txid(2000+i))
	}
	stage(t, l.trA, aTxs...)
	stage(t, l.trB, bTxs...)

	if err := l.a.InitiateRound(peerID); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if len(l.errA) != 0 || len(l.errB) != 0 {
		t.Fatalf("handler errors: A=%v B=%v", l.errA, l.errB)
	}
	if len(l.invB) != 10 || !containsAll(l.invB, aTxs...) {
		t.Fatalf("responder received %d invs, want the full initiator set", len(l.invB))
	}
	if len(l.invA) != 10 || !containsAll(l.invA, bTxs...) {
		t.Fatalf("initiator received %d invs, want the full responder set", len(l.invA))
	}
	if size, _ := l.trA.PeerSetSize(peerID); size != 0 {
		t.Fatalf("initiator set not drained after fallback: %d", size)
	}
	if size, _ := l.trB.PeerSetSize(peerID); size != 0 {
		t.Fatalf("responder set not drained after fallback: %d", size)
	}
	if l.trA.QueueLen() != 1 {
		t.Fatalf("initiator not requeued after fallback")
	}
}

func TestRoundTerminatesOnEmptyResponder(t *testing.T) {
	l := newLink(t)
	staged := []recon.TxID{txid(7), txid(8)}
	stage(t, l.trA, staged...)

	if err := l.a.InitiateRound(peerID); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if len(l.errA) != 0 || len(l.errB) != 0 {
		t.Fatalf("handler errors: A=%v B=%v", l.errA, l.errB)
	}
	// The responder had nothing; the initiator falls back to a full
	// announcement.
	if len(l.invB) != 2 || !containsAll(l.invB, staged...) {
		t.Fatalf("responder received %v, want the full initiator set", l.invB)
	}
	if len(l.invA) != 0 {
		t.Fatalf("initiator received unexpected announcements: %v", l.invA)
	}
}

func TestHandlerRejectsRoleViolations(t *testing.T) {
	l := newLink(t)
	// A reconciliation request from the responder-role side of the
	// link is a protocol violation.
	if err := l.a.HandleReqTxRcncl(peerID, proto.ReqTxRcnclMsg{SetSize: 1}); err == nil {
		t.Fatalf("initiator side must reject reqtxrcncl")
	}
	// A sketch nobody asked for.
	if err := l.a.HandleSketch(peerID, proto.SketchMsg{Skdata: "00000000"}); err == nil {
		t.Fatalf("unsolicited sketch must be rejected")
	}
	if err := l.b.HandleReqSketchExt(peerID); err == nil {
		t.Fatalf("unsolicited reqsketchext must be rejected")
	}
	if err := l.b.HandleReconcilDiff(peerID, proto.ReconcilDiffMsg{Success: true}); err == nil {
		t.Fatalf("unsolicited reconcildiff must be rejected")
	}
	if err := l.b.HandleReqTxRcncl(99, proto.ReqTxRcnclMsg{}); err == nil {
		t.Fatalf("reqtxrcncl from an unregistered peer must be rejected")
	}
}

func TestDistributeTxFloodsWindowAndStagesRest(t *testing.T) {
	tr := recon.NewTracker(recon.Options{Rand: bytes.NewReader(make([]byte, 64))})
	type sent struct {
		peer recon.PeerID
		typ  string
	}
	var outbox []sent
	m := relay.NewManager(relay.Options{
		Tracker: tr,
		Send: func(peer recon.PeerID, payload []byte) error {
			outbox = append(outbox, sent{peer, proto.SniffType(payload)})
			return nil
		},
	})

	peers := []relay.PeerLink{{ID: 10}, {ID: 11}, {ID: 12}}
	for _, p := range peers {
		tr.Suggest(p.ID, false)
		if !tr.Enable(p.ID, false, false, true, 1, 5) {
			t.Fatalf("enable failed for peer %d", p.ID)
		}
	}
	// An unregistered peer in the list is skipped entirely.
	peers = append(peers, relay.PeerLink{ID: 99})

	// word3 % 3 == 0: the outbound window covers list positions 0 and
	// 1, so peers 10 and 11 are flooded and peer 12 gets staged.
	var wtxid recon.TxID
	binary.LittleEndian.PutUint64(wtxid[24:], 3)
	m.DistributeTx(wtxid, peers)

	if len(outbox) != 2 || outbox[0].peer != 10 || outbox[1].peer != 11 {
		t.Fatalf("flooded %v, want invs to peers 10 and 11", outbox)
	}
	for _, s := range outbox {
		if s.typ != proto.MsgTypeInv {
			t.Fatalf("flood sent %q, want inv", s.typ)
		}
	}
	if size, _ := tr.PeerSetSize(12); size != 1 {
		t.Fatalf("peer 12 set size = %d, want 1", size)
	}
	for _, p := range []recon.PeerID{10, 11} {
		if size, _ := tr.PeerSetSize(p); size != 0 {
			t.Fatalf("flooded peer %d must not also stage", p)
		}
	}
}
