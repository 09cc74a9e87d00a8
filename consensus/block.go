package consensus

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// MaxBlockTxs bounds the transaction count accepted from the wire. The smallest
// encodable transaction is two bytes, so this is never hit by an honest 32MB block.
const MaxBlockTxs = 16_000_000

type Block struct {
	Header BlockHeader
	Txs    []*Tx
}

func (b *Block) Hash() chainhash.Hash {
	return b.Header.Hash()
}

// TxIDs returns the transaction identifiers in block order.
func (b *Block) TxIDs() []chainhash.Hash {
	ids := make([]chainhash.Hash, len(b.Txs))
	for i, tx := range b.Txs {
		ids[i] = tx.ID()
	}
	return ids
}

// CheckMerkleRoot recomputes the merkle root over the block's transactions and
// compares it with the header commitment.
func (b *Block) CheckMerkleRoot() error {
	if len(b.Txs) == 0 {
		return blockerr(BLOCK_ERR_EMPTY, "block has no transactions")
	}
	root, mutated := MerkleRoot(b.TxIDs())
	if mutated {
		return blockerr(BLOCK_ERR_MERKLE_MUTATED, "duplicate transaction subtree")
	}
	if root != b.Header.MerkleRoot {
		return blockerr(BLOCK_ERR_MERKLE_INVALID, "merkle root mismatch")
	}
	return nil
}

func (b *Block) Bytes() ([]byte, error) {
	out := b.Header.AppendBytes(make([]byte, 0, BLOCK_HEADER_BYTES+9))
	out = AppendCompactSize(out, uint64(len(b.Txs)))
	var err error
	for _, tx := range b.Txs {
		if out, err = AppendTx(out, tx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ParseBlock parses a full block and rejects trailing bytes.
func ParseBlock(b []byte) (*Block, error) {
	h, off, err := ParseBlockHeaderPrefix(b)
	if err != nil {
		return nil, err
	}
	n, _, err := readCompactSize(b, &off)
	if err != nil {
		return nil, err
	}
	// Each tx needs at least two bytes on the wire.
	if n == 0 || n > MaxBlockTxs || n > uint64(len(b)-off)/2 {
		return nil, blockerr(BLOCK_ERR_PARSE, "invalid tx count")
	}
	blk := &Block{Header: h, Txs: make([]*Tx, 0, int(n))}
	for i := uint64(0); i < n; i++ {
		tx, used, err := ParseTxPrefix(b[off:])
		if err != nil {
			return nil, err
		}
		off += used
		blk.Txs = append(blk.Txs, tx)
	}
	if off != len(b) {
		return nil, blockerr(BLOCK_ERR_PARSE, "trailing bytes")
	}
	return blk, nil
}
