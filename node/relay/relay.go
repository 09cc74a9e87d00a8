// Package relay implements compact block relay: announcing blocks as a header
// plus short transaction ids, rebuilding announced blocks from transactions
// already known locally, and fetching whatever is missing from the announcing
// peer.
//
// Each connection gets a Session, a single goroutine that owns all relay
// state for that peer. Sessions share only the Engine's collaborators and its
// set of recently accepted blocks.
package relay

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"blockrelay.dev/consensus"
	"blockrelay.dev/node/p2p"
)

// TxLookup resolves short ids against the mempool, the orphan pool and
// recently relayed transactions.
type TxLookup interface {
	LookupByShortID(keys p2p.ShortIDKeys, id p2p.ShortID) (*consensus.Tx, bool)
}

type ChainView interface {
	// HeaderExtendsKnownChain reports whether the header's parent is known
	// and not marked invalid.
	HeaderExtendsKnownChain(h consensus.BlockHeader) bool
	HaveBlock(hash chainhash.Hash) bool
}

// BlockAcceptor validates and connects a fully assembled block. A returned
// error means the block is invalid.
type BlockAcceptor interface {
	AcceptBlock(blk *consensus.Block) error
}

// BlockFetcher requests a block by hash through the ordinary getdata path.
type BlockFetcher interface {
	RequestFullBlock(peer p2p.PeerID, hash chainhash.Hash) error
}

// PeerControl is the transport's misbehavior sink.
type PeerControl interface {
	RecordMisbehavior(peer p2p.PeerID, v p2p.Violation, err error) p2p.Action
	Disconnect(peer p2p.PeerID)
}

// BlockSource serves stored blocks to peers that ask for them.
type BlockSource interface {
	BlockByHash(hash chainhash.Hash) (*consensus.Block, bool)
}

// Sender writes one message to the session's peer.
type Sender interface {
	Send(command string, payload []byte) error
}

// Dependencies are the collaborators shared by every session. Fetcher is
// optional: without one a session sends getdata(MSG_BLOCK) to its own peer.
type Dependencies struct {
	Txs      TxLookup
	Chain    ChainView
	Acceptor BlockAcceptor
	Fetcher  BlockFetcher
	Peers    PeerControl
	Blocks   BlockSource
}
