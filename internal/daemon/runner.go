// Package daemon wires the pieces into a running node: the QUIC
// listener and dialer, the per-connection handshake, message dispatch
// into the relay manager, and the transaction store.
package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"erlaynet/internal/metrics"
	"erlaynet/internal/network"
	"erlaynet/internal/node"
	"erlaynet/internal/proto"
	"erlaynet/internal/recon"
	"erlaynet/internal/relay"
)

const (
	defaultDialRetry = 5 * time.Second
)

type Options struct {
	Log       *zap.Logger
	Metrics   *metrics.Metrics
	Bootstrap []string
	// DialRetry is the pause between dial sweeps over the bootstrap
	// list and the address book.
	DialRetry time.Duration
}

type peerConn struct {
	id      recon.PeerID
	conn    *network.Conn
	inbound bool

	writeMu sync.Mutex

	mu         sync.Mutex
	registered bool
}

type Runner struct {
	Self    *node.Node
	Tracker *recon.Tracker
	Relay   *relay.Manager

	log       *zap.Logger
	metrics   *metrics.Metrics
	bootstrap []string
	dialRetry time.Duration

	mu         sync.Mutex
	nextPeerID recon.PeerID
	conns      map[recon.PeerID]*peerConn
	dialing    map[string]bool
	listenAddr string

	txMu sync.Mutex
	txs  map[recon.TxID][]byte
}

func NewRunner(self *node.Node, opts Options) *Runner {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	retry := opts.DialRetry
	if retry <= 0 {
		retry = defaultDialRetry
	}
	r := &Runner{
		Self:      self,
		log:       log,
		metrics:   m,
		bootstrap: opts.Bootstrap,
		dialRetry: retry,
		conns:     make(map[recon.PeerID]*peerConn),
		dialing:   make(map[string]bool),
		txs:       make(map[recon.TxID][]byte),
	}
	r.Tracker = recon.NewTracker(recon.Options{Log: log})
	r.Relay = relay.NewManager(relay.Options{
		Tracker: r.Tracker,
		Send:    r.sendTo,
		Log:     log,
		Metrics: m,
	})
	return r
}

// RunWithContext serves inbound links, dials the bootstrap list and
// runs the reconciliation scheduler until the context ends. The actual
// listen address is sent on ready once the socket is up.
func (r *Runner) RunWithContext(ctx context.Context, addr string, ready chan<- string) error {
	ln, err := network.Listen(addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	r.mu.Lock()
	r.listenAddr = ln.Addr()
	r.mu.Unlock()
	r.log.Info("listening", zap.String("addr", ln.Addr()))
	if ready != nil {
		ready <- ln.Addr()
	}

	go r.Relay.Run(ctx)
	go r.dialLoop(ctx)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go r.handleConn(ctx, conn)
	}
}

// ListenAddr returns the bound address, empty before RunWithContext.
func (r *Runner) ListenAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listenAddr
}

func (r *Runner) dialLoop(ctx context.Context) {
	for {
		for _, addr := range r.dialTargets() {
			go r.dialOne(ctx, addr)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.dialRetry):
		}
	}
}

func (r *Runner) dialTargets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	connected := make(map[string]bool, len(r.conns))
	for _, pc := range r.conns {
		connected[pc.conn.RemoteAddr()] = true
	}
	var out []string
	seen := make(map[string]bool)
	addrs := append([]string(nil), r.bootstrap...)
	if r.Self != nil && r.Self.Peers != nil {
		for _, p := range r.Self.Peers.List() {
			if p.Addr != "" {
				addrs = append(addrs, p.Addr)
			}
		}
	}
	for _, addr := range addrs {
		if addr == "" || addr == r.listenAddr || seen[addr] || connected[addr] || r.dialing[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

func (r *Runner) dialOne(ctx context.Context, addr string) {
	r.mu.Lock()
	if r.dialing[addr] {
		r.mu.Unlock()
		return
	}
	r.dialing[addr] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.dialing, addr)
		r.mu.Unlock()
	}()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := network.Dial(dialCtx, addr)
	cancel()
	if err != nil {
		r.log.Debug("dial failed", zap.String("addr", addr), zap.Error(err))
		return
	}
	r.handleConn(ctx, conn)
}

// handleConn runs a connection for its lifetime: handshake first, then
// the dispatch loop. Any protocol violation tears the link down.
func (r *Runner) handleConn(ctx context.Context, conn *network.Conn) {
	pc := r.register(conn)
	defer r.teardown(pc)

	// Step 0A: announce reconciliation support with our role flags and
	// salt contribution.
	weInit, weResp, version, localSalt := r.Tracker.Suggest(pc.id, pc.inbound)
	payload, err := proto.EncodeSendTxRcnclMsg(proto.SendTxRcnclMsg{
		Initiator: weInit,
		Responder: weResp,
		Version:   version,
		Salt:      proto.FormatSalt(localSalt),
	})
	if err == nil {
		err = pc.write(payload)
	}
	if err != nil {
		r.log.Debug("handshake send failed", zap.Int64("peer", int64(pc.id)), zap.Error(err))
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := conn.ReadFrame()
		if err != nil {
			r.log.Debug("connection closed", zap.Int64("peer", int64(pc.id)), zap.Error(err))
			return
		}
		if err := r.dispatch(pc, frame); err != nil {
			r.metrics.ProtocolViolations.Inc()
			r.log.Warn("protocol violation, disconnecting",
				zap.Int64("peer", int64(pc.id)), zap.String("type", proto.SniffType(frame)), zap.Error(err))
			return
		}
	}
}

func (r *Runner) register(conn *network.Conn) *peerConn {
	r.mu.Lock()
	r.nextPeerID++
	pc := &peerConn{id: r.nextPeerID, conn: conn, inbound: conn.Inbound()}
	r.conns[pc.id] = pc
	r.mu.Unlock()
	r.log.Debug("connection established",
		zap.Int64("peer", int64(pc.id)), zap.Bool("inbound", pc.inbound), zap.String("addr", conn.RemoteAddr()))
	return pc
}

func (r *Runner) teardown(pc *peerConn) {
	r.mu.Lock()
	delete(r.conns, pc.id)
	r.mu.Unlock()
	pc.mu.Lock()
	wasRegistered := pc.registered
	pc.mu.Unlock()
	if wasRegistered {
		r.metrics.RegisteredPeers.Dec()
	}
	r.Relay.ForgetPeer(pc.id)
	r.Tracker.RemovePeer(pc.id)
	_ = pc.conn.Close()
}

func (r *Runner) dispatch(pc *peerConn, frame []byte) error {
	switch proto.SniffType(frame) {
	case proto.MsgTypeSendTxRcncl:
		msg, err := proto.DecodeSendTxRcnclMsg(frame)
		if err != nil {
			return err
		}
		return r.handleSendTxRcncl(pc, msg)
	case proto.MsgTypeReqTxRcncl:
		msg, err := proto.DecodeReqTxRcnclMsg(frame)
		if err != nil {
			return err
		}
		return r.Relay.HandleReqTxRcncl(pc.id, msg)
	case proto.MsgTypeSketch:
		msg, err := proto.DecodeSketchMsg(frame)
		if err != nil {
			return err
		}
		return r.Relay.HandleSketch(pc.id, msg)
	case proto.MsgTypeReqSketchExt:
		if _, err := proto.DecodeReqSketchExtMsg(frame); err != nil {
			return err
		}
		return r.Relay.HandleReqSketchExt(pc.id)
	case proto.MsgTypeReconcilDiff:
		msg, err := proto.DecodeReconcilDiffMsg(frame)
		if err != nil {
			return err
		}
		return r.Relay.HandleReconcilDiff(pc.id, msg)
	case proto.MsgTypeInv:
		msg, err := proto.DecodeInvMsg(frame)
		if err != nil {
			return err
		}
		return r.handleInv(pc, msg)
	case proto.MsgTypeGetData:
		msg, err := proto.DecodeGetDataMsg(frame)
		if err != nil {
			return err
		}
		return r.handleGetData(pc, msg)
	case proto.MsgTypeTx:
		msg, err := proto.DecodeTxMsg(frame)
		if err != nil {
			return err
		}
		return r.handleTx(pc, msg)
	}
	return fmt.Errorf("unknown message type %q", proto.SniffType(frame))
}

// handleSendTxRcncl completes the handshake (Step 0B). Version or role
// trouble is a protocol violation and drops the connection.
func (r *Runner) handleSendTxRcncl(pc *peerConn, msg proto.SendTxRcnclMsg) error {
	pc.mu.Lock()
	already := pc.registered
	pc.mu.Unlock()
	if already {
		return fmt.Errorf("repeated sendtxrcncl")
	}
	remoteSalt, err := proto.ParseSalt(msg.Salt)
	if err != nil {
		return err
	}
	if !r.Tracker.Enable(pc.id, pc.inbound, msg.Initiator, msg.Responder, msg.Version, remoteSalt) {
		return fmt.Errorf("reconciliation handshake rejected")
	}
	pc.mu.Lock()
	pc.registered = true
	pc.mu.Unlock()
	r.metrics.RegisteredPeers.Inc()
	r.log.Info("peer registered for reconciliation",
		zap.Int64("peer", int64(pc.id)), zap.Bool("inbound", pc.inbound))
	return nil
}

// handleInv requests any announced transactions we have not seen.
func (r *Runner) handleInv(pc *peerConn, msg proto.InvMsg) error {
	ids, err := proto.DecodeTxIDs(msg.Wtxids)
	if err != nil {
		return err
	}
	var want []string
	r.txMu.Lock()
	for i, id := range ids {
		if _, have := r.txs[id]; !have {
			want = append(want, msg.Wtxids[i])
		}
	}
	r.txMu.Unlock()
	if len(want) == 0 {
		return nil
	}
	payload, err := proto.EncodeGetDataMsg(proto.GetDataMsg{Wtxids: want})
	if err != nil {
		return err
	}
	return pc.write(payload)
}

func (r *Runner) handleGetData(pc *peerConn, msg proto.GetDataMsg) error {
	ids, err := proto.DecodeTxIDs(msg.Wtxids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		r.txMu.Lock()
		data, have := r.txs[id]
		r.txMu.Unlock()
		if !have {
			continue
		}
		payload, err := proto.EncodeTxMsg(proto.TxMsg{
			Wtxid: proto.EncodeTxID(id),
			Data:  hex.EncodeToString(data),
		})
		if err != nil {
			return err
		}
		if err := pc.write(payload); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) handleTx(pc *peerConn, msg proto.TxMsg) error {
	wtxid, err := proto.DecodeTxID(msg.Wtxid)
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(msg.Data)
	if err != nil {
		return err
	}
	r.acceptTx(wtxid, data, pc.id)
	return nil
}

// SubmitTx injects a locally originated transaction into the relay
// pipeline.
func (r *Runner) SubmitTx(wtxid recon.TxID, data []byte) {
	r.acceptTx(wtxid, data, 0)
}

// HasTx reports whether the transaction has been accepted.
func (r *Runner) HasTx(wtxid recon.TxID) bool {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	_, ok := r.txs[wtxid]
	return ok
}

// acceptTx stores a new transaction and routes it to every other
// registered peer, flooding the deterministic low-fanout window and
// staging the rest for reconciliation.
func (r *Runner) acceptTx(wtxid recon.TxID, data []byte, origin recon.PeerID) {
	r.txMu.Lock()
	if _, dup := r.txs[wtxid]; dup {
		r.txMu.Unlock()
		return
	}
	r.txs[wtxid] = data
	r.txMu.Unlock()

	r.mu.Lock()
	links := make([]relay.PeerLink, 0, len(r.conns))
	for id, pc := range r.conns {
		if id == origin {
			continue
		}
		links = append(links, relay.PeerLink{ID: id, Inbound: pc.inbound})
	}
	r.mu.Unlock()
	r.Relay.DistributeTx(wtxid, links)
}

// sendTo is the relay manager's transport.
func (r *Runner) sendTo(peer recon.PeerID, payload []byte) error {
	r.mu.Lock()
	pc, ok := r.conns[peer]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("peer %d not connected", peer)
	}
	return pc.write(payload)
}

func (pc *peerConn) write(payload []byte) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	return pc.conn.WriteFrame(payload)
}
