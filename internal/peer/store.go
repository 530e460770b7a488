// Package peer keeps the address book the outbound dialer draws from.
// Reconciliation state itself is per-connection and memory-only; this
// book only remembers who to call back after a restart.
package peer

import (
	"container/list"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"erlaynet/internal/store"
)

const (
	DefaultCap = 512
	DefaultTTL = 30 * time.Minute
)

type Peer struct {
	NodeID [32]byte
	PubKey []byte
	Addr   string
}

type Options struct {
	Cap          int
	TTL          time.Duration
	DeriveNodeID func(pub []byte) [32]byte
}

type Store struct {
	mu           sync.Mutex
	path         string
	cap          int
	ttl          time.Duration
	deriveNodeID func(pub []byte) [32]byte
	hot          map[string]*list.Element
	order        *list.List
}

type entry struct {
	key       string
	peer      Peer
	expiresAt time.Time
}

type diskPeer struct {
	NodeID string `json:"node_id"`
	PubKey string `json:"pubkey"`
	Addr   string `json:"addr,omitempty"`
}

func NewStore(path string, opts Options) (*Store, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if opts.DeriveNodeID == nil {
		return nil, fmt.Errorf("missing derive_node_id")
	}
	s := &Store{
		path:         path,
		cap:          capacity,
		ttl:          ttl,
		deriveNodeID: opts.DeriveNodeID,
		hot:          make(map[string]*list.Element),
		order:        list.New(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Upsert records a peer, refreshing its slot and TTL. The node ID must
// match the public key it claims to be derived from.
func (s *Store) Upsert(p Peer, persist bool) error {
	if isZeroNodeID(p.NodeID) {
		return fmt.Errorf("missing node_id")
	}
	if len(p.PubKey) == 0 {
		return fmt.Errorf("missing pubkey")
	}
	if s.deriveNodeID(p.PubKey) != p.NodeID {
		return fmt.Errorf("node_id/pubkey mismatch")
	}
	pub := make([]byte, len(p.PubKey))
	copy(pub, p.PubKey)
	p.PubKey = pub

	key := hex.EncodeToString(p.NodeID[:])
	s.mu.Lock()
	s.pruneLocked()
	now := time.Now()
	if el, ok := s.hot[key]; ok {
		ent := el.Value.(*entry)
		if p.Addr == "" {
			p.Addr = ent.peer.Addr
		}
		ent.peer = p
		ent.expiresAt = now.Add(s.ttl)
		s.order.MoveToFront(el)
	} else {
		if len(s.hot) >= s.cap {
			s.evictLocked(len(s.hot) - s.cap + 1)
		}
		ent := &entry{key: key, peer: p, expiresAt: now.Add(s.ttl)}
		s.hot[key] = s.order.PushFront(ent)
	}
	s.mu.Unlock()

	if !persist {
		return nil
	}
	return store.AppendJSONL(s.path, diskPeer{
		NodeID: hex.EncodeToString(p.NodeID[:]),
		PubKey: hex.EncodeToString(p.PubKey),
		Addr:   p.Addr,
	})
}

// List returns the live peers, most recently seen first.
func (s *Store) List() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	out := make([]Peer, 0, len(s.hot))
	for el := s.order.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*entry)
		pub := make([]byte, len(ent.peer.PubKey))
		copy(pub, ent.peer.PubKey)
		out = append(out, Peer{NodeID: ent.peer.NodeID, PubKey: pub, Addr: ent.peer.Addr})
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.hot)
}

func (s *Store) pruneLocked() {
	now := time.Now()
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if ent.expiresAt.After(now) {
			el = prev
			continue
		}
		delete(s.hot, ent.key)
		s.order.Remove(el)
		el = prev
	}
}

func (s *Store) evictLocked(n int) {
	for n > 0 {
		el := s.order.Back()
		if el == nil {
			return
		}
		ent := el.Value.(*entry)
		delete(s.hot, ent.key)
		s.order.Remove(el)
		n--
	}
}

func (s *Store) load() error {
	return store.ScanJSONL(s.path, func(line []byte) error {
		var rec diskPeer
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil
		}
		pub, err := hex.DecodeString(rec.PubKey)
		if err != nil || len(pub) == 0 {
			return nil
		}
		idBytes, err := hex.DecodeString(rec.NodeID)
		if err != nil || len(idBytes) != 32 {
			return nil
		}
		var id [32]byte
		copy(id[:], idBytes)
		_ = s.Upsert(Peer{NodeID: id, PubKey: pub, Addr: rec.Addr}, false)
		return nil
	})
}

func isZeroNodeID(id [32]byte) bool {
	var zero [32]byte
	return id == zero
}
