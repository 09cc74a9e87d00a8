package consensus

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// MerkleRoot computes the transaction merkle root: leaves are txids, interior
// nodes are the double SHA-256 of the concatenated children, and the last node
// of an odd level is paired with itself.
//
// mutated reports that two identical siblings were hashed together anywhere in
// the tree. Such a transaction list has the same root as a shorter one, so a
// block built from it must be rejected rather than marked invalid.
func MerkleRoot(txids []chainhash.Hash) (root chainhash.Hash, mutated bool) {
	if len(txids) == 0 {
		return chainhash.Hash{}, false
	}
	level := append([]chainhash.Hash(nil), txids...)
	var pair [2 * chainhash.HashSize]byte
	for len(level) > 1 {
		next := make([]chainhash.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			j := i + 1
			if j == len(level) {
				j = i
			} else if level[i] == level[j] {
				mutated = true
			}
			copy(pair[:chainhash.HashSize], level[i][:])
			copy(pair[chainhash.HashSize:], level[j][:])
			next = append(next, chainhash.DoubleHashH(pair[:]))
		}
		level = next
	}
	return level[0], mutated
}
