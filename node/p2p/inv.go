package p2p

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	MaxInvEntries = 50_000

	invVectorBytes = 4 + chainhash.HashSize
)

const (
	InvTypeTx            = 1 // MSG_TX
	InvTypeBlock         = 2 // MSG_BLOCK
	InvTypeFilteredBlock = 3 // MSG_FILTERED_BLOCK
	InvTypeCmpctBlock    = 4 // MSG_CMPCT_BLOCK, getdata only
)

type InvVector struct {
	Type uint32
	Hash chainhash.Hash
}

// EncodeInvPayload serves inv, getdata and notfound, which share a layout.
func EncodeInvPayload(vecs []InvVector) ([]byte, error) {
	if len(vecs) > MaxInvEntries {
		return nil, fmt.Errorf("p2p: inv: too many entries")
	}
	out := make([]byte, 0, 9+len(vecs)*invVectorBytes)
	out = append(out, encodeCompactSize(uint64(len(vecs)))...)
	for _, v := range vecs {
		out = binary.LittleEndian.AppendUint32(out, v.Type)
		out = append(out, v.Hash[:]...)
	}
	return out, nil
}

func DecodeInvPayload(b []byte) ([]InvVector, error) {
	countU64, used, err := readCompactSize(b)
	if err != nil {
		return nil, err
	}
	if countU64 > MaxInvEntries {
		return nil, decodeErr(CmdInv, "count exceeds MaxInvEntries")
	}
	count := int(countU64)
	need := used + count*invVectorBytes
	if len(b) != need {
		return nil, decodeErr(CmdInv, "length mismatch")
	}
	off := used
	out := make([]InvVector, 0, count)
	for i := 0; i < count; i++ {
		tp := binary.LittleEndian.Uint32(b[off : off+4])
		off += 4
		var h chainhash.Hash
		copy(h[:], b[off:off+chainhash.HashSize])
		off += chainhash.HashSize
		out = append(out, InvVector{Type: tp, Hash: h})
	}
	return out, nil
}
