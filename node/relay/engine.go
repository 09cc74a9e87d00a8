package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rcrowley/go-metrics"

	"blockrelay.dev/consensus"
	"blockrelay.dev/node/p2p"
)

const (
	DefaultResponseTimeout    = 10 * time.Second
	DefaultMaxInFlightPerPeer = 8
	DefaultRecentBlocks       = 1024
	DefaultInboxSize          = 64
)

type Config struct {
	// ResponseTimeout bounds the wait for a requested cmpctblock or
	// blocktxn before falling back to a full block fetch.
	ResponseTimeout time.Duration
	// MaxInFlightPerPeer caps concurrent reconstructions per peer. Further
	// compact blocks from that peer are fetched in full.
	MaxInFlightPerPeer int
	// RecentBlocks sizes the engine-wide set of blocks already completed.
	RecentBlocks int
	InboxSize    int

	Logger  *slog.Logger
	Metrics metrics.Registry
	// Nonce supplies the short id nonce for compact blocks we send.
	Nonce func() uint64
}

func DefaultConfig() Config {
	return Config{
		ResponseTimeout:    DefaultResponseTimeout,
		MaxInFlightPerPeer: DefaultMaxInFlightPerPeer,
		RecentBlocks:       DefaultRecentBlocks,
		InboxSize:          DefaultInboxSize,
	}
}

// Engine holds what all sessions share.
type Engine struct {
	cfg  Config
	deps Dependencies
	log  *slog.Logger
	m    *relayMetrics

	// accepted holds blocks some session has completed. The first session
	// to add a hash hands the block to the acceptor; later ones drop theirs.
	accepted *lru.Cache[chainhash.Hash, struct{}]

	shortID func(p2p.ShortIDKeys, chainhash.Hash) p2p.ShortID
}

func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Txs == nil || deps.Chain == nil || deps.Acceptor == nil || deps.Peers == nil {
		return nil, errors.New("relay: missing dependency")
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.MaxInFlightPerPeer <= 0 {
		cfg.MaxInFlightPerPeer = DefaultMaxInFlightPerPeer
	}
	if cfg.RecentBlocks <= 0 {
		cfg.RecentBlocks = DefaultRecentBlocks
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Nonce == nil {
		cfg.Nonce = rand.Uint64
	}
	accepted, err := lru.New[chainhash.Hash, struct{}](cfg.RecentBlocks)
	if err != nil {
		return nil, fmt.Errorf("relay: accepted cache: %w", err)
	}
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		log:      cfg.Logger.With("component", "relay"),
		m:        newRelayMetrics(cfg.Metrics),
		accepted: accepted,
		shortID:  p2p.ShortIDKeys.ShortID,
	}, nil
}

// NewSession creates the relay actor for one connection. The caller starts
// it with Run.
func (e *Engine) NewSession(peer p2p.PeerID, out Sender) *Session {
	return newSession(e, peer, out)
}

// known reports whether a block needs no further work from any peer.
func (e *Engine) known(hash chainhash.Hash) bool {
	return e.accepted.Contains(hash) || e.deps.Chain.HaveBlock(hash)
}

var errRunnerUp = errors.New("relay: block already completed by another peer")

// accept hands a verified block to the acceptor unless another session got
// there first, in which case it returns errRunnerUp. An acceptor error
// releases the hash so an honest peer can still deliver the block.
func (e *Engine) accept(blk *consensus.Block) error {
	hash := blk.Hash()
	if e.deps.Chain.HaveBlock(hash) {
		return errRunnerUp
	}
	if found, _ := e.accepted.ContainsOrAdd(hash, struct{}{}); found {
		return errRunnerUp
	}
	if err := e.deps.Acceptor.AcceptBlock(blk); err != nil {
		e.accepted.Remove(hash)
		return err
	}
	return nil
}
