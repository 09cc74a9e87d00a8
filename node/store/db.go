package store

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	bolt "go.etcd.io/bbolt"

	"blockrelay.dev/consensus"
)

var (
	bucketBlocks = []byte("blocks_by_hash")
	bucketIndex  = []byte("block_index_by_hash")
	bucketBans   = []byte("bans_by_host")
)

type BlockStatus byte

const (
	BlockStatusUnknown BlockStatus = 0
	BlockStatusValid   BlockStatus = 1
	BlockStatusInvalid BlockStatus = 2
)

type BlockIndexEntry struct {
	Height   uint64
	PrevHash chainhash.Hash
	Status   BlockStatus
}

type DB struct {
	chainDir string
	db       *bolt.DB
}

func Open(datadir string, network string) (*DB, error) {
	if datadir == "" {
		return nil, fmt.Errorf("datadir required")
	}
	if network == "" {
		return nil, fmt.Errorf("network required")
	}

	chainDir := ChainDir(datadir, network)
	if err := ensureDir(filepath.Join(chainDir, "db")); err != nil {
		return nil, err
	}

	path := filepath.Join(chainDir, "db", "relay.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	d := &DB{chainDir: chainDir, db: bdb}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBlocks, bucketIndex, bucketBans} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) ChainDir() string { return d.chainDir }

// PutBlock stores the block bytes and its index entry in one transaction.
func (d *DB) PutBlock(blk *consensus.Block, e BlockIndexEntry) error {
	raw, err := blk.Bytes()
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	hash := blk.Hash()
	return d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBlocks).Put(hash[:], raw); err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Put(hash[:], encodeIndexEntry(e))
	})
}

func (d *DB) GetBlock(hash chainhash.Hash) (*consensus.Block, bool, error) {
	var raw []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketBlocks).Get(hash[:]); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || raw == nil {
		return nil, false, err
	}
	blk, err := consensus.ParseBlock(raw)
	if err != nil {
		return nil, false, fmt.Errorf("block %s: %w", hash, err)
	}
	return blk, true, nil
}

func (d *DB) PutIndex(hash chainhash.Hash, e BlockIndexEntry) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndex).Put(hash[:], encodeIndexEntry(e))
	})
}

func (d *DB) GetIndex(hash chainhash.Hash) (*BlockIndexEntry, bool, error) {
	var out *BlockIndexEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIndex).Get(hash[:])
		if v == nil {
			return nil
		}
		e, err := decodeIndexEntry(v)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil || out == nil {
		return nil, false, err
	}
	return out, true, nil
}

// ForEachIndex visits every index entry in key order.
func (d *DB) ForEachIndex(fn func(hash chainhash.Hash, e BlockIndexEntry) error) error {
	return d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndex).ForEach(func(k, v []byte) error {
			if len(k) != chainhash.HashSize {
				return fmt.Errorf("index: bad key length %d", len(k))
			}
			e, err := decodeIndexEntry(v)
			if err != nil {
				return err
			}
			var h chainhash.Hash
			copy(h[:], k)
			return fn(h, *e)
		})
	})
}

// Layout: height u64le | prev_hash 32 | status u8
const indexEntryBytes = 8 + chainhash.HashSize + 1

func encodeIndexEntry(e BlockIndexEntry) []byte {
	out := make([]byte, indexEntryBytes)
	binary.LittleEndian.PutUint64(out[0:8], e.Height)
	copy(out[8:40], e.PrevHash[:])
	out[40] = byte(e.Status)
	return out
}

func decodeIndexEntry(b []byte) (*BlockIndexEntry, error) {
	if len(b) != indexEntryBytes {
		return nil, fmt.Errorf("index: length %d", len(b))
	}
	e := &BlockIndexEntry{
		Height: binary.LittleEndian.Uint64(b[0:8]),
		Status: BlockStatus(b[40]),
	}
	copy(e.PrevHash[:], b[8:40])
	return e, nil
}
