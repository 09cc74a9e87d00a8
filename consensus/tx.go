package consensus

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const MaxTxBytes = 1_000_000

// Tx is a transaction in its canonical serialized form. Script and signature
// validation happen outside the relay path, so the relay only needs the bytes
// and the identifier they hash to.
type Tx struct {
	Raw []byte

	idOnce sync.Once
	id     chainhash.Hash
}

// NewTx copies raw into a new transaction.
func NewTx(raw []byte) *Tx {
	return &Tx{Raw: append([]byte(nil), raw...)}
}

// ID is the double SHA-256 of the canonical bytes, computed once.
func (tx *Tx) ID() chainhash.Hash {
	tx.idOnce.Do(func() {
		tx.id = chainhash.DoubleHashH(tx.Raw)
	})
	return tx.id
}

// SerializeSize is the length of the wire form: compactsize length prefix + bytes.
func (tx *Tx) SerializeSize() int {
	return len(CompactSize(len(tx.Raw)).Encode()) + len(tx.Raw)
}

// AppendTx appends the wire form of tx to out.
func AppendTx(out []byte, tx *Tx) ([]byte, error) {
	if tx == nil {
		return nil, blockerr(TX_ERR_PARSE, "nil tx")
	}
	if len(tx.Raw) == 0 || len(tx.Raw) > MaxTxBytes {
		return nil, blockerr(TX_ERR_SIZE, fmt.Sprintf("tx length %d", len(tx.Raw)))
	}
	out = AppendCompactSize(out, uint64(len(tx.Raw)))
	return append(out, tx.Raw...), nil
}

// ParseTxPrefix parses one transaction from the front of b and returns the
// number of bytes consumed.
func ParseTxPrefix(b []byte) (*Tx, int, error) {
	off := 0
	n, _, err := readCompactSize(b, &off)
	if err != nil {
		return nil, 0, err
	}
	if n == 0 || n > MaxTxBytes {
		return nil, 0, blockerr(TX_ERR_SIZE, fmt.Sprintf("tx length %d", n))
	}
	if uint64(len(b)-off) < n {
		return nil, 0, blockerr(TX_ERR_PARSE, "tx bytes truncated")
	}
	end := off + int(n)
	return NewTx(b[off:end]), end, nil
}
