package store

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BanEntry is a persisted ban keyed by host (no port).
type BanEntry struct {
	Host   string
	Until  time.Time
	Reason string
}

// Layout: until_unix u64le | reason bytes
func encodeBan(until time.Time, reason string) []byte {
	out := make([]byte, 8, 8+len(reason))
	binary.LittleEndian.PutUint64(out, uint64(until.Unix()))
	return append(out, reason...)
}

func decodeBan(host string, v []byte) (BanEntry, error) {
	if len(v) < 8 {
		return BanEntry{}, fmt.Errorf("ban %s: truncated", host)
	}
	return BanEntry{
		Host:   host,
		Until:  time.Unix(int64(binary.LittleEndian.Uint64(v[:8])), 0),
		Reason: string(v[8:]),
	}, nil
}

// Ban records host as banned until the given time. An existing ban is only
// ever extended.
func (d *DB) Ban(host string, until time.Time, reason string) error {
	if host == "" {
		return fmt.Errorf("ban: empty host")
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBans)
		if v := b.Get([]byte(host)); v != nil {
			prev, err := decodeBan(host, v)
			if err != nil {
				return err
			}
			if !until.After(prev.Until) {
				return nil
			}
		}
		return b.Put([]byte(host), encodeBan(until, reason))
	})
}

// IsBanned reports whether host has a ban that has not yet expired at now.
func (d *DB) IsBanned(host string, now time.Time) (bool, error) {
	var banned bool
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBans).Get([]byte(host))
		if v == nil {
			return nil
		}
		e, err := decodeBan(host, v)
		if err != nil {
			return err
		}
		banned = now.Before(e.Until)
		return nil
	})
	return banned, err
}

func (d *DB) Unban(host string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBans).Delete([]byte(host))
	})
}

// ListBans returns every stored ban, expired or not, sorted by host.
func (d *DB) ListBans() ([]BanEntry, error) {
	var out []BanEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBans).ForEach(func(k, v []byte) error {
			e, err := decodeBan(string(k), v)
			if err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out, err
}

// SweepBans deletes bans that expired at or before now and returns how many
// were removed.
func (d *DB) SweepBans(now time.Time) (int, error) {
	removed := 0
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBans)
		var expired [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			e, err := decodeBan(string(k), v)
			if err != nil {
				return err
			}
			if !now.Before(e.Until) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}
