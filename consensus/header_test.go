package consensus

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func sampleHeader() BlockHeader {
	return BlockHeader{
		Version:    1,
		PrevBlock:  chainhash.Hash{1},
		Ancestor:   chainhash.Hash{2},
		MerkleRoot: chainhash.Hash{3},
		Timestamp:  1_700_000_000,
		Bits:       0x207fffff,
		Nonce:      42,
	}
}

func TestBlockHeaderBytesRoundTrip(t *testing.T) {
	h := sampleHeader()
	b := h.Bytes()
	if len(b) != BLOCK_HEADER_BYTES {
		t.Fatalf("header length %d, want %d", len(b), BLOCK_HEADER_BYTES)
	}
	got, err := ParseBlockHeaderBytes(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: %+v != %+v", got, h)
	}
	if got.Hash() != h.Hash() {
		t.Fatalf("hash not stable")
	}
	if got.Hash() != chainhash.DoubleHashH(b) {
		t.Fatalf("hash is not double sha256 of the header bytes")
	}
}

func TestParseBlockHeaderBytesRejectsBadLength(t *testing.T) {
	b := sampleHeader().Bytes()
	if _, err := ParseBlockHeaderBytes(b[:BLOCK_HEADER_BYTES-1]); !HasCode(err, BLOCK_ERR_PARSE) {
		t.Fatalf("expected parse error for short header, got %v", err)
	}
	if _, err := ParseBlockHeaderBytes(append(b, 0)); !HasCode(err, BLOCK_ERR_PARSE) {
		t.Fatalf("expected parse error for trailing byte, got %v", err)
	}
}

func TestHeaderFieldOrder(t *testing.T) {
	h := sampleHeader()
	b := h.Bytes()
	if !bytes.Equal(b[4:36], h.PrevBlock[:]) || !bytes.Equal(b[36:68], h.Ancestor[:]) || !bytes.Equal(b[68:100], h.MerkleRoot[:]) {
		t.Fatalf("hash fields out of order")
	}
	if b[108] != 0xff || b[111] != 0x20 {
		t.Fatalf("bits not little-endian at offset 108: %x", b[108:112])
	}
}
