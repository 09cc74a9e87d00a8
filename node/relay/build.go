package relay

import (
	"fmt"

	"blockrelay.dev/consensus"
	"blockrelay.dev/node/p2p"
)

// BuildHeaderAndShortIDs turns a block into a compact block. prefill lists
// the absolute indexes sent in full and must be strictly ascending.
func BuildHeaderAndShortIDs(blk *consensus.Block, nonce uint64, prefill []uint64) (*p2p.HeaderAndShortIDs, error) {
	if blk == nil || len(blk.Txs) == 0 {
		return nil, fmt.Errorf("relay: build: empty block")
	}
	n := uint64(len(blk.Txs))
	for i, idx := range prefill {
		if idx >= n {
			return nil, fmt.Errorf("relay: build: prefill index %d >= %d", idx, n)
		}
		if i > 0 && idx <= prefill[i-1] {
			return nil, fmt.Errorf("relay: build: prefill indexes not ascending")
		}
	}

	c := &p2p.HeaderAndShortIDs{
		Header:    blk.Header,
		Nonce:     nonce,
		ShortIDs:  make([]p2p.ShortID, 0, len(blk.Txs)-len(prefill)),
		Prefilled: make([]p2p.PrefilledTx, 0, len(prefill)),
	}
	keys := c.Keys()
	next := 0
	for i, tx := range blk.Txs {
		if next < len(prefill) && prefill[next] == uint64(i) {
			c.Prefilled = append(c.Prefilled, p2p.PrefilledTx{Index: uint64(i), Tx: tx})
			next++
			continue
		}
		c.ShortIDs = append(c.ShortIDs, keys.ShortID(tx.ID()))
	}
	return c, nil
}

// NewCompactBlock builds the compact block we send to peers: only the
// coinbase is prefilled.
func NewCompactBlock(blk *consensus.Block, nonce uint64) (*p2p.HeaderAndShortIDs, error) {
	return BuildHeaderAndShortIDs(blk, nonce, []uint64{0})
}
