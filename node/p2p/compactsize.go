package p2p

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"blockrelay.dev/consensus"
)

func readCompactSize(b []byte) (uint64, int, error) {
	n, used, err := consensus.DecodeCompactSize(b)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: compactsize: %w", ErrDecode, err)
	}
	return uint64(n), used, nil
}

func encodeCompactSize(n uint64) []byte {
	return consensus.CompactSize(n).Encode()
}

// payloadReader walks a message payload front to back. Every failure is an
// ErrDecode tagged with the command being parsed.
type payloadReader struct {
	cmd string
	b   []byte
	off int
}

func newPayloadReader(cmd string, b []byte) *payloadReader {
	return &payloadReader{cmd: cmd, b: b}
}

func (r *payloadReader) remaining() int {
	return len(r.b) - r.off
}

func (r *payloadReader) take(n int, what string) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, decodeErr(r.cmd, "%s truncated", what)
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *payloadReader) compactSize(what string) (uint64, error) {
	n, used, err := readCompactSize(r.b[r.off:])
	if err != nil {
		return 0, fmt.Errorf("%s: %s: %w", r.cmd, what, err)
	}
	r.off += used
	return n, nil
}

// count reads a list length and rejects it when fewer than minItemBytes*n
// bytes remain, so callers can allocate n entries safely.
func (r *payloadReader) count(what string, minItemBytes int) (int, error) {
	n, err := r.compactSize(what)
	if err != nil {
		return 0, err
	}
	if n > uint64(r.remaining()/minItemBytes) {
		return 0, decodeErr(r.cmd, "%s %d exceeds payload", what, n)
	}
	return int(n), nil
}

func (r *payloadReader) u64() (uint64, error) {
	b, err := r.take(8, "u64")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *payloadReader) hash() (chainhash.Hash, error) {
	var h chainhash.Hash
	b, err := r.take(chainhash.HashSize, "hash")
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

func (r *payloadReader) header() (consensus.BlockHeader, error) {
	b, err := r.take(consensus.BLOCK_HEADER_BYTES, "header")
	if err != nil {
		return consensus.BlockHeader{}, err
	}
	h, err := consensus.ParseBlockHeaderBytes(b)
	if err != nil {
		return consensus.BlockHeader{}, fmt.Errorf("%w: %s: %w", ErrDecode, r.cmd, err)
	}
	return h, nil
}

func (r *payloadReader) tx() (*consensus.Tx, error) {
	tx, used, err := consensus.ParseTxPrefix(r.b[r.off:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, r.cmd, err)
	}
	r.off += used
	return tx, nil
}

func (r *payloadReader) done() error {
	if r.off != len(r.b) {
		return decodeErr(r.cmd, "trailing bytes")
	}
	return nil
}
