package node

import (
	"os"
	"path/filepath"
	"time"

	"erlaynet/internal/crypto"
	"erlaynet/internal/peer"
)

// Node is the local identity plus the address book.
type Node struct {
	ID      [32]byte
	PubKey  []byte
	PrivKey []byte
	Peers   *peer.Store
}

type Options struct {
	PeerStorePath string
	PeerStoreCap  int
	PeerStoreTTL  time.Duration
}

const defaultPeerBook = "peers.jsonl"

func NewNode(home string, opts Options) (*Node, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	pub, priv, err := crypto.LoadKeypair(home)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		pub, priv, err = crypto.GenKeypair()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveKeypair(home, pub, priv); err != nil {
			return nil, err
		}
	}
	path := opts.PeerStorePath
	if path == "" {
		path = filepath.Join(home, defaultPeerBook)
	}
	peers, err := peer.NewStore(path, peer.Options{
		Cap:          opts.PeerStoreCap,
		TTL:          opts.PeerStoreTTL,
		DeriveNodeID: DeriveNodeID,
	})
	if err != nil {
		return nil, err
	}
	return &Node{
		ID:      DeriveNodeID(pub),
		PubKey:  pub,
		PrivKey: priv,
		Peers:   peers,
	}, nil
}

func DeriveNodeID(pub []byte) [32]byte {
	var id [32]byte
	copy(id[:], crypto.SHA3_256(pub))
	return id
}
