package consensus

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func readU32le(b []byte, off *int) (uint32, error) {
	if *off+4 > len(b) {
		return 0, blockerr(BLOCK_ERR_PARSE, "unexpected EOF (u32le)")
	}
	v := binary.LittleEndian.Uint32(b[*off : *off+4])
	*off += 4
	return v, nil
}

func readU64le(b []byte, off *int) (uint64, error) {
	if *off+8 > len(b) {
		return 0, blockerr(BLOCK_ERR_PARSE, "unexpected EOF (u64le)")
	}
	v := binary.LittleEndian.Uint64(b[*off : *off+8])
	*off += 8
	return v, nil
}

func readHash(b []byte, off *int, dst *chainhash.Hash) error {
	if *off+chainhash.HashSize > len(b) {
		return blockerr(BLOCK_ERR_PARSE, "unexpected EOF (hash)")
	}
	copy(dst[:], b[*off:*off+chainhash.HashSize])
	*off += chainhash.HashSize
	return nil
}

func readCompactSize(b []byte, off *int) (uint64, int, error) {
	n, used, err := DecodeCompactSize(b[*off:])
	if err != nil {
		return 0, 0, err
	}
	*off += used
	return uint64(n), used, nil
}
