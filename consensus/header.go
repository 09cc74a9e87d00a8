package consensus

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const BLOCK_HEADER_BYTES = 116

// BlockHeader is the fixed-size block header. The ancestor field commits to an
// earlier block on the same chain so light clients can skip back without
// walking every parent.
type BlockHeader struct {
	Version    uint32
	PrevBlock  chainhash.Hash
	Ancestor   chainhash.Hash
	MerkleRoot chainhash.Hash
	Timestamp  uint32
	Bits       uint32
	Nonce      uint64
}

// Bytes returns the canonical 116-byte serialization.
func (h BlockHeader) Bytes() []byte {
	return h.AppendBytes(make([]byte, 0, BLOCK_HEADER_BYTES))
}

func (h BlockHeader) AppendBytes(out []byte) []byte {
	out = binary.LittleEndian.AppendUint32(out, h.Version)
	out = append(out, h.PrevBlock[:]...)
	out = append(out, h.Ancestor[:]...)
	out = append(out, h.MerkleRoot[:]...)
	out = binary.LittleEndian.AppendUint32(out, h.Timestamp)
	out = binary.LittleEndian.AppendUint32(out, h.Bits)
	out = binary.LittleEndian.AppendUint64(out, h.Nonce)
	return out
}

// Hash identifies the block: double SHA-256 of the serialized header.
func (h BlockHeader) Hash() chainhash.Hash {
	return chainhash.DoubleHashH(h.Bytes())
}

// ParseBlockHeaderBytes parses exactly BLOCK_HEADER_BYTES and rejects trailing bytes.
func ParseBlockHeaderBytes(b []byte) (BlockHeader, error) {
	if len(b) != BLOCK_HEADER_BYTES {
		return BlockHeader{}, blockerr(BLOCK_ERR_PARSE, "block header length mismatch")
	}
	h, _, err := ParseBlockHeaderPrefix(b)
	return h, err
}

// ParseBlockHeaderPrefix parses a header from the front of b and returns the
// number of bytes consumed.
func ParseBlockHeaderPrefix(b []byte) (BlockHeader, int, error) {
	var h BlockHeader
	off := 0
	var err error
	if h.Version, err = readU32le(b, &off); err != nil {
		return BlockHeader{}, 0, err
	}
	if err = readHash(b, &off, &h.PrevBlock); err != nil {
		return BlockHeader{}, 0, err
	}
	if err = readHash(b, &off, &h.Ancestor); err != nil {
		return BlockHeader{}, 0, err
	}
	if err = readHash(b, &off, &h.MerkleRoot); err != nil {
		return BlockHeader{}, 0, err
	}
	if h.Timestamp, err = readU32le(b, &off); err != nil {
		return BlockHeader{}, 0, err
	}
	if h.Bits, err = readU32le(b, &off); err != nil {
		return BlockHeader{}, 0, err
	}
	if h.Nonce, err = readU64le(b, &off); err != nil {
		return BlockHeader{}, 0, err
	}
	return h, off, nil
}
