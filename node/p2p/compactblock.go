package p2p

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"blockrelay.dev/consensus"
)

// CompactBlocksVersion is the only sendcmpct version this node speaks.
const CompactBlocksVersion = 1

const sendCmpctPayloadBytes = 9

// SendCmpctPayload negotiates compact relay. The wire form is the BIP152
// one, 9 bytes: a u8 announce flag (0 or 1) then the version as LE64. A
// u32 version, or a version-first layout, is not accepted.
type SendCmpctPayload struct {
	Announce bool
	Version  uint64
}

func EncodeSendCmpctPayload(p SendCmpctPayload) ([]byte, error) {
	out := make([]byte, 0, sendCmpctPayloadBytes)
	if p.Announce {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return binary.LittleEndian.AppendUint64(out, p.Version), nil
}

func DecodeSendCmpctPayload(b []byte) (*SendCmpctPayload, error) {
	if len(b) != sendCmpctPayloadBytes {
		return nil, decodeErr(CmdSendCmpct, "length %d", len(b))
	}
	if b[0] > 1 {
		return nil, decodeErr(CmdSendCmpct, "announce must be 0 or 1")
	}
	return &SendCmpctPayload{
		Announce: b[0] == 1,
		Version:  binary.LittleEndian.Uint64(b[1:]),
	}, nil
}

// PrefilledTx is a transaction carried in full inside a compact block. Index
// is the absolute position in the block.
type PrefilledTx struct {
	Index uint64
	Tx    *consensus.Tx
}

// HeaderAndShortIDs is the cmpctblock payload. ShortIDs cover every slot not
// listed in Prefilled, in block order.
type HeaderAndShortIDs struct {
	Header    consensus.BlockHeader
	Nonce     uint64
	ShortIDs  []ShortID
	Prefilled []PrefilledTx
}

func (c *HeaderAndShortIDs) TxCount() uint64 {
	return uint64(len(c.ShortIDs)) + uint64(len(c.Prefilled))
}

func (c *HeaderAndShortIDs) BlockHash() chainhash.Hash {
	return c.Header.Hash()
}

func (c *HeaderAndShortIDs) Keys() ShortIDKeys {
	return DeriveShortIDKeys(c.Header, c.Nonce)
}

func EncodeCmpctBlockPayload(c *HeaderAndShortIDs) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("p2p: cmpctblock: nil payload")
	}
	total := c.TxCount()
	if total == 0 {
		return nil, fmt.Errorf("p2p: cmpctblock: empty block")
	}
	out := make([]byte, 0, consensus.BLOCK_HEADER_BYTES+8+9+len(c.ShortIDs)*ShortIDBytes+9)
	out = c.Header.AppendBytes(out)
	out = binary.LittleEndian.AppendUint64(out, c.Nonce)
	out = append(out, encodeCompactSize(uint64(len(c.ShortIDs)))...)
	for _, sid := range c.ShortIDs {
		out = append(out, sid[:]...)
	}
	out = append(out, encodeCompactSize(uint64(len(c.Prefilled)))...)
	var enc indexEncoder
	for _, pf := range c.Prefilled {
		if pf.Index >= total {
			return nil, rangeErr(CmdCmpctBlock, pf.Index, total)
		}
		d, err := enc.next(pf.Index)
		if err != nil {
			return nil, fmt.Errorf("p2p: cmpctblock: prefilled: %w", err)
		}
		out = append(out, encodeCompactSize(d)...)
		if out, err = consensus.AppendTx(out, pf.Tx); err != nil {
			return nil, fmt.Errorf("p2p: cmpctblock: prefilled tx %d: %w", pf.Index, err)
		}
	}
	return out, nil
}

// DecodeCmpctBlockPayload parses a cmpctblock. Malformed bytes yield
// ErrDecode; a prefilled index at or beyond the implied transaction count
// yields ErrIndexOutOfRange.
func DecodeCmpctBlockPayload(b []byte) (*HeaderAndShortIDs, error) {
	r := newPayloadReader(CmdCmpctBlock, b)
	h, err := r.header()
	if err != nil {
		return nil, err
	}
	nonce, err := r.u64()
	if err != nil {
		return nil, err
	}

	nShort, err := r.count("shortid count", ShortIDBytes)
	if err != nil {
		return nil, err
	}
	raw, err := r.take(nShort*ShortIDBytes, "shortids")
	if err != nil {
		return nil, err
	}
	shortIDs := make([]ShortID, nShort)
	for i := range shortIDs {
		copy(shortIDs[i][:], raw[i*ShortIDBytes:])
	}

	// A prefilled entry is at least a one-byte index and a two-byte tx.
	nPrefilled, err := r.count("prefilled count", 3)
	if err != nil {
		return nil, err
	}
	total := uint64(nShort) + uint64(nPrefilled)
	if total == 0 {
		return nil, decodeErr(CmdCmpctBlock, "empty block")
	}
	if total > consensus.MaxBlockTxs {
		return nil, decodeErr(CmdCmpctBlock, "tx count %d", total)
	}

	prefilled := make([]PrefilledTx, 0, nPrefilled)
	var dec indexDecoder
	for i := 0; i < nPrefilled; i++ {
		d, err := r.compactSize("prefilled index")
		if err != nil {
			return nil, err
		}
		idx, err := dec.next(d)
		if err != nil {
			return nil, fmt.Errorf("p2p: cmpctblock: %w", err)
		}
		if idx >= total {
			return nil, rangeErr(CmdCmpctBlock, idx, total)
		}
		tx, err := r.tx()
		if err != nil {
			return nil, err
		}
		prefilled = append(prefilled, PrefilledTx{Index: idx, Tx: tx})
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return &HeaderAndShortIDs{
		Header:    h,
		Nonce:     nonce,
		ShortIDs:  shortIDs,
		Prefilled: prefilled,
	}, nil
}

// GetBlockTxnPayload asks for the transactions at Indexes (absolute,
// ascending) of the block identified by BlockHash.
type GetBlockTxnPayload struct {
	BlockHash chainhash.Hash
	Indexes   []uint64
}

func EncodeGetBlockTxnPayload(p GetBlockTxnPayload) ([]byte, error) {
	wire, err := DifferentialEncode(p.Indexes)
	if err != nil {
		return nil, fmt.Errorf("p2p: getblocktxn: %w", err)
	}
	out := make([]byte, 0, chainhash.HashSize+9+len(wire)*3)
	out = append(out, p.BlockHash[:]...)
	out = append(out, encodeCompactSize(uint64(len(wire)))...)
	for _, d := range wire {
		out = append(out, encodeCompactSize(d)...)
	}
	return out, nil
}

func DecodeGetBlockTxnPayload(b []byte) (*GetBlockTxnPayload, error) {
	r := newPayloadReader(CmdGetBlockTxn, b)
	h, err := r.hash()
	if err != nil {
		return nil, err
	}
	n, err := r.count("index count", 1)
	if err != nil {
		return nil, err
	}
	wire := make([]uint64, n)
	for i := range wire {
		if wire[i], err = r.compactSize("index"); err != nil {
			return nil, err
		}
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	abs, err := DifferentialDecode(wire)
	if err != nil {
		return nil, fmt.Errorf("p2p: getblocktxn: %w", err)
	}
	return &GetBlockTxnPayload{BlockHash: h, Indexes: abs}, nil
}

// BlockTxnPayload answers a getblocktxn with the requested transactions in
// request order.
type BlockTxnPayload struct {
	BlockHash chainhash.Hash
	Txs       []*consensus.Tx
}

func EncodeBlockTxnPayload(p BlockTxnPayload) ([]byte, error) {
	out := make([]byte, 0, chainhash.HashSize+9)
	out = append(out, p.BlockHash[:]...)
	out = append(out, encodeCompactSize(uint64(len(p.Txs)))...)
	var err error
	for i, tx := range p.Txs {
		if out, err = consensus.AppendTx(out, tx); err != nil {
			return nil, fmt.Errorf("p2p: blocktxn: tx %d: %w", i, err)
		}
	}
	return out, nil
}

func DecodeBlockTxnPayload(b []byte) (*BlockTxnPayload, error) {
	r := newPayloadReader(CmdBlockTxn, b)
	h, err := r.hash()
	if err != nil {
		return nil, err
	}
	n, err := r.count("tx count", 2)
	if err != nil {
		return nil, err
	}
	txs := make([]*consensus.Tx, 0, n)
	for i := 0; i < n; i++ {
		tx, err := r.tx()
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return &BlockTxnPayload{BlockHash: h, Txs: txs}, nil
}
