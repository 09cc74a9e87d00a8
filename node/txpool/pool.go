// Package txpool holds the transactions a node can use to rebuild compact
// blocks: the mempool, the orphan pool and a cache of recently relayed
// transactions.
package txpool

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	lru "github.com/hashicorp/golang-lru/v2"

	"blockrelay.dev/consensus"
	"blockrelay.dev/node/p2p"
)

const (
	DefaultMaxOrphans  = 100
	DefaultRecentTxs   = 50_000
	DefaultIndexCaches = 8
)

type Config struct {
	MaxOrphans int
	// RecentTxs bounds the cache of transactions evicted from the mempool
	// because a block confirmed them.
	RecentTxs int
	// IndexCaches bounds the number of short id indexes kept, one per
	// (header, nonce) key pair.
	IndexCaches int
}

func DefaultConfig() Config {
	return Config{
		MaxOrphans:  DefaultMaxOrphans,
		RecentTxs:   DefaultRecentTxs,
		IndexCaches: DefaultIndexCaches,
	}
}

// shortIDIndex maps short ids to transactions for one key pair. Short ids
// produced by more than one pool transaction are recorded as ambiguous.
type shortIDIndex struct {
	version   uint64
	byID      map[uint64]*consensus.Tx
	ambiguous map[uint64]struct{}
}

type Pool struct {
	mu      sync.RWMutex
	txs     map[chainhash.Hash]*consensus.Tx
	orphans map[chainhash.Hash]*consensus.Tx
	// orphanOrder is insertion order for eviction.
	orphanOrder []chainhash.Hash
	maxOrphans  int
	// version changes on every mutation of the searchable set so cached
	// indexes can be detected as stale.
	version uint64

	recent  *lru.Cache[chainhash.Hash, *consensus.Tx]
	indexes *lru.Cache[p2p.ShortIDKeys, *shortIDIndex]
}

func New(cfg Config) (*Pool, error) {
	if cfg.MaxOrphans < 0 {
		return nil, fmt.Errorf("txpool: negative max orphans")
	}
	if cfg.RecentTxs <= 0 {
		cfg.RecentTxs = DefaultRecentTxs
	}
	if cfg.IndexCaches <= 0 {
		cfg.IndexCaches = DefaultIndexCaches
	}
	recent, err := lru.New[chainhash.Hash, *consensus.Tx](cfg.RecentTxs)
	if err != nil {
		return nil, fmt.Errorf("txpool: recent cache: %w", err)
	}
	indexes, err := lru.New[p2p.ShortIDKeys, *shortIDIndex](cfg.IndexCaches)
	if err != nil {
		return nil, fmt.Errorf("txpool: index cache: %w", err)
	}
	return &Pool{
		txs:        make(map[chainhash.Hash]*consensus.Tx),
		orphans:    make(map[chainhash.Hash]*consensus.Tx),
		maxOrphans: cfg.MaxOrphans,
		recent:     recent,
		indexes:    indexes,
	}, nil
}

// Add inserts tx into the mempool. It reports false if tx was already there.
func (p *Pool) Add(tx *consensus.Tx) bool {
	id := tx.ID()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.txs[id]; ok {
		return false
	}
	if _, ok := p.orphans[id]; ok {
		p.removeOrphanLocked(id)
	}
	p.txs[id] = tx
	p.version++
	return true
}

// AddOrphan stores a transaction whose parents are unknown. The oldest
// orphan is evicted once MaxOrphans is reached.
func (p *Pool) AddOrphan(tx *consensus.Tx) bool {
	if p.maxOrphans == 0 {
		return false
	}
	id := tx.ID()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.txs[id]; ok {
		return false
	}
	if _, ok := p.orphans[id]; ok {
		return false
	}
	for len(p.orphans) >= p.maxOrphans && len(p.orphanOrder) > 0 {
		p.removeOrphanLocked(p.orphanOrder[0])
	}
	p.orphans[id] = tx
	p.orphanOrder = append(p.orphanOrder, id)
	p.version++
	return true
}

func (p *Pool) removeOrphanLocked(id chainhash.Hash) {
	delete(p.orphans, id)
	for i, o := range p.orphanOrder {
		if o == id {
			p.orphanOrder = append(p.orphanOrder[:i], p.orphanOrder[i+1:]...)
			break
		}
	}
	p.version++
}

// Remove drops a transaction from the mempool and orphan pool.
func (p *Pool) Remove(id chainhash.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.txs[id]; ok {
		delete(p.txs, id)
		p.version++
	}
	if _, ok := p.orphans[id]; ok {
		p.removeOrphanLocked(id)
	}
}

// RemoveConfirmed drops a block's transactions from the pools and keeps them
// in the recent cache, where a competing compact block can still find them.
func (p *Pool) RemoveConfirmed(blk *consensus.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tx := range blk.Txs {
		id := tx.ID()
		delete(p.txs, id)
		if _, ok := p.orphans[id]; ok {
			p.removeOrphanLocked(id)
		}
		p.recent.Add(id, tx)
	}
	p.version++
}

// Get returns a transaction from any of the three sources.
func (p *Pool) Get(id chainhash.Hash) (*consensus.Tx, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if tx, ok := p.txs[id]; ok {
		return tx, true
	}
	if tx, ok := p.orphans[id]; ok {
		return tx, true
	}
	return p.recent.Get(id)
}

func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

func (p *Pool) OrphanCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.orphans)
}

// LookupByShortID finds the transaction whose short id under keys equals id.
// A short id shared by two known transactions resolves to nothing, which
// makes the caller request that slot explicitly.
func (p *Pool) LookupByShortID(keys p2p.ShortIDKeys, id p2p.ShortID) (*consensus.Tx, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	idx, ok := p.indexes.Get(keys)
	if !ok || idx.version != p.version {
		idx = p.buildIndexLocked(keys)
		p.indexes.Add(keys, idx)
	}
	key := id.Uint64()
	if _, amb := idx.ambiguous[key]; amb {
		return nil, false
	}
	tx, ok := idx.byID[key]
	return tx, ok
}

func (p *Pool) buildIndexLocked(keys p2p.ShortIDKeys) *shortIDIndex {
	idx := &shortIDIndex{
		version:   p.version,
		byID:      make(map[uint64]*consensus.Tx, len(p.txs)+len(p.orphans)+p.recent.Len()),
		ambiguous: make(map[uint64]struct{}),
	}
	add := func(tx *consensus.Tx) {
		key := keys.ShortID(tx.ID()).Uint64()
		if prev, ok := idx.byID[key]; ok {
			if prev.ID() != tx.ID() {
				idx.ambiguous[key] = struct{}{}
			}
			return
		}
		idx.byID[key] = tx
	}
	for _, tx := range p.txs {
		add(tx)
	}
	for _, tx := range p.orphans {
		add(tx)
	}
	for _, id := range p.recent.Keys() {
		if tx, ok := p.recent.Peek(id); ok {
			add(tx)
		}
	}
	return idx
}
