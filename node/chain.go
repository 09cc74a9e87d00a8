package node

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"blockrelay.dev/consensus"
	"blockrelay.dev/node/store"
	"blockrelay.dev/node/txpool"
)

const maxFutureBlockTime = 2 * time.Hour

var (
	ErrUnknownParent = errors.New("node: unknown parent block")
	ErrInvalidParent = errors.New("node: parent block is invalid")
	ErrFutureBlock   = errors.New("node: block timestamp too far in the future")
	ErrWrongGenesis  = errors.New("node: datadir holds a different chain")
)

// Chain is the node's block index over the store. It answers the relay
// engine's chain queries and accepts the blocks it assembles.
type Chain struct {
	db   *store.DB
	pool *txpool.Pool
	log  *slog.Logger
	now  func() time.Time

	genesis chainhash.Hash

	mu        sync.RWMutex
	index     map[chainhash.Hash]store.BlockIndexEntry
	tip       chainhash.Hash
	tipHeight uint64
	onAccept  func(*consensus.Block)
}

// LoadChain reads the block index from db, storing genesis first if the
// database is empty. A database created for another genesis is refused.
func LoadChain(db *store.DB, genesis *consensus.Block, pool *txpool.Pool, logger *slog.Logger) (*Chain, error) {
	if db == nil || genesis == nil || pool == nil {
		return nil, errors.New("node: chain: nil dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{
		db:    db,
		pool:  pool,
		log:   logger.With("component", "chain"),
		now:   time.Now,
		index: make(map[chainhash.Hash]store.BlockIndexEntry),
	}

	genesisHash := genesis.Hash()
	m, ok, err := db.ReadManifest()
	if err != nil {
		return nil, fmt.Errorf("node: read manifest: %w", err)
	}
	if ok && m.GenesisHashHex != genesisHash.String() {
		return nil, fmt.Errorf("%w: manifest genesis %s", ErrWrongGenesis, m.GenesisHashHex)
	}
	c.genesis = genesisHash

	_, ok, err = db.GetIndex(genesisHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := db.PutBlock(genesis, store.BlockIndexEntry{Status: store.BlockStatusValid}); err != nil {
			return nil, fmt.Errorf("node: store genesis: %w", err)
		}
	}

	c.tip = genesisHash
	if err := db.ForEachIndex(func(hash chainhash.Hash, e store.BlockIndexEntry) error {
		c.index[hash] = e
		if e.Status == store.BlockStatusValid && e.Height > c.tipHeight {
			c.tip, c.tipHeight = hash, e.Height
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("node: load block index: %w", err)
	}
	if err := c.writeManifest(c.tip, c.tipHeight); err != nil {
		return nil, err
	}
	return c, nil
}

// OnAccept registers fn to run after every newly connected block. It must
// not block.
func (c *Chain) OnAccept(fn func(*consensus.Block)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAccept = fn
}

func (c *Chain) Tip() (chainhash.Hash, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip, c.tipHeight
}

func (c *Chain) HeaderExtendsKnownChain(h consensus.BlockHeader) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	parent, ok := c.index[h.PrevBlock]
	return ok && parent.Status == store.BlockStatusValid
}

func (c *Chain) HaveBlock(hash chainhash.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.index[hash]
	return ok && e.Status == store.BlockStatusValid
}

func (c *Chain) BlockByHash(hash chainhash.Hash) (*consensus.Block, bool) {
	if !c.HaveBlock(hash) {
		return nil, false
	}
	blk, ok, err := c.db.GetBlock(hash)
	if err != nil {
		c.log.Error("block read failed", "block", hash.String(), "err", err)
		return nil, false
	}
	return blk, ok
}

// AcceptBlock connects blk on top of its parent. Blocks already connected
// are accepted again without effect. A block whose transactions do not match
// its header is rejected and leaves no trace in the index.
func (c *Chain) AcceptBlock(blk *consensus.Block) error {
	hash := blk.Hash()

	c.mu.Lock()
	if e, ok := c.index[hash]; ok {
		c.mu.Unlock()
		if e.Status == store.BlockStatusInvalid {
			return fmt.Errorf("node: block %s previously marked invalid", hash)
		}
		return nil
	}
	parent, ok := c.index[blk.Header.PrevBlock]
	switch {
	case !ok:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownParent, blk.Header.PrevBlock)
	case parent.Status != store.BlockStatusValid:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidParent, blk.Header.PrevBlock)
	}
	if ts := time.Unix(int64(blk.Header.Timestamp), 0); ts.After(c.now().Add(maxFutureBlockTime)) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFutureBlock, ts.UTC().Format(time.RFC3339))
	}

	entry := store.BlockIndexEntry{
		Height:   parent.Height + 1,
		PrevHash: blk.Header.PrevBlock,
		Status:   store.BlockStatusValid,
	}
	// A merkle failure says nothing about the header: the transactions may
	// just be the wrong ones, so the hash is not marked.
	if err := blk.CheckMerkleRoot(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("node: block %s: %w", hash, err)
	}
	if err := c.db.PutBlock(blk, entry); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("node: store block %s: %w", hash, err)
	}
	c.index[hash] = entry
	if entry.Height > c.tipHeight {
		c.tip, c.tipHeight = hash, entry.Height
		if err := c.writeManifest(hash, entry.Height); err != nil {
			c.log.Error("manifest write failed", "block", hash.String(), "err", err)
		}
	}
	hook := c.onAccept
	c.mu.Unlock()

	c.pool.RemoveConfirmed(blk)
	c.log.Info("connected block", "block", hash.String(), "height", entry.Height, "txs", len(blk.Txs))
	if hook != nil {
		hook(blk)
	}
	return nil
}

func (c *Chain) writeManifest(tip chainhash.Hash, height uint64) error {
	err := c.db.WriteManifest(&store.Manifest{
		Network:        filepath.Base(c.db.ChainDir()),
		GenesisHashHex: c.genesis.String(),
		TipHashHex:     tip.String(),
		TipHeight:      height,
	})
	if err != nil {
		return fmt.Errorf("node: write manifest: %w", err)
	}
	return nil
}
