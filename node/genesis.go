package node

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"blockrelay.dev/consensus"
)

// NetworkMagic is the envelope magic for a network name.
func NetworkMagic(network string) uint32 {
	var m [4]byte
	switch network {
	case "mainnet":
		m = [4]byte{0x42, 0x52, 0x4d, 0x4e} // BRMN
	case "testnet":
		m = [4]byte{0x42, 0x52, 0x54, 0x4e} // BRTN
	case "devnet", "":
		m = [4]byte{0x42, 0x52, 0x44, 0x56} // BRDV
	default:
		m = [4]byte{0x42, 0x52, 0x4f, 0x50} // BROP
	}
	return binary.LittleEndian.Uint32(m[:])
}

// GenesisBlock is the fixed first block of a network. Its only transaction
// names the network, so no two networks share a genesis hash.
func GenesisBlock(network string) *consensus.Block {
	coinbase := consensus.NewTx([]byte("blockrelay genesis " + network))
	root, _ := consensus.MerkleRoot([]chainhash.Hash{coinbase.ID()})
	return &consensus.Block{
		Header: consensus.BlockHeader{
			Version:    1,
			MerkleRoot: root,
			Timestamp:  1_700_000_000,
			Bits:       0x207fffff,
		},
		Txs: []*consensus.Tx{coinbase},
	}
}
