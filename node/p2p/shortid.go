package p2p

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dchest/siphash"

	"blockrelay.dev/consensus"
)

const ShortIDBytes = 6

const shortIDMask = 1<<(8*ShortIDBytes) - 1

// ShortID is the low 48 bits of a keyed SipHash-2-4 of a txid, stored
// little-endian.
type ShortID [ShortIDBytes]byte

func ShortIDFromUint64(v uint64) ShortID {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v&shortIDMask)
	var out ShortID
	copy(out[:], tmp[:ShortIDBytes])
	return out
}

// Uint64 returns the short id as an integer, suitable as a map key.
func (s ShortID) Uint64() uint64 {
	var tmp [8]byte
	copy(tmp[:], s[:])
	return binary.LittleEndian.Uint64(tmp[:])
}

func (s ShortID) String() string {
	return hex.EncodeToString(s[:])
}

// ShortIDKeys are the SipHash keys for one compact block. They depend only on
// the header and the sender's nonce.
type ShortIDKeys struct {
	K0 uint64
	K1 uint64
}

// DeriveShortIDKeys hashes header || LE64(nonce) with double SHA-256 and reads
// the first 16 bytes as two little-endian words.
func DeriveShortIDKeys(header consensus.BlockHeader, nonce uint64) ShortIDKeys {
	buf := header.AppendBytes(make([]byte, 0, consensus.BLOCK_HEADER_BYTES+8))
	buf = binary.LittleEndian.AppendUint64(buf, nonce)
	d := chainhash.DoubleHashB(buf)
	return ShortIDKeys{
		K0: binary.LittleEndian.Uint64(d[0:8]),
		K1: binary.LittleEndian.Uint64(d[8:16]),
	}
}

func (k ShortIDKeys) ShortID(txid chainhash.Hash) ShortID {
	return ShortIDFromUint64(siphash.Hash(k.K0, k.K1, txid[:]))
}
