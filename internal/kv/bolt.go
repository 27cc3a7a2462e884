package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "github.com/boltdb/bolt"
)

const bucketName = "kv"

// boltEntry is the stored form of one key. Deadline is absolute so TTL
// semantics survive process restarts.
type boltEntry struct {
	Value    string    `json:"v"`
	Deadline time.Time `json:"d,omitempty"`
}

// Bolt is a Store backed by a single-file BoltDB database. Every operation
// runs inside a Bolt transaction, which supplies the per-key atomicity the
// limiter requires. Expired keys are reaped lazily on access.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database file and ensures the bucket
// exists.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

// load reads and decodes the entry at key, deleting it if expired. Writable
// transactions reap; read-only ones just report absence.
func load(tx *bolt.Tx, key string) (*boltEntry, error) {
	bkt := tx.Bucket([]byte(bucketName))
	raw := bkt.Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	var e boltEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("corrupt entry at %q: %w", key, err)
	}
	if !e.Deadline.IsZero() && !time.Now().Before(e.Deadline) {
		if tx.Writable() {
			if err := bkt.Delete([]byte(key)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	return &e, nil
}

func put(tx *bolt.Tx, key string, e boltEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketName)).Put([]byte(key), raw)
}

func (b *Bolt) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		e, err := load(tx, key)
		if err != nil || e == nil {
			return err
		}
		value, found = e.Value, true
		return nil
	})
	return value, found, err
}

func (b *Bolt) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return put(tx, key, boltEntry{Value: value, Deadline: deadline(ttl)})
	})
}

func (b *Bolt) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var set bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		e, err := load(tx, key)
		if err != nil {
			return err
		}
		if e != nil {
			return nil
		}
		set = true
		return put(tx, key, boltEntry{Value: value, Deadline: deadline(ttl)})
	})
	return set, err
}

func (b *Bolt) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		e, err := load(tx, key)
		if err != nil {
			return err
		}
		if e == nil {
			n = 1
			return put(tx, key, boltEntry{Value: "1"})
		}
		n, err = strconv.ParseInt(e.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("incr on non-integer value at %q", key)
		}
		n++
		e.Value = strconv.FormatInt(n, 10)
		return put(tx, key, *e)
	})
	return n, err
}

func (b *Bolt) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		e, err := load(tx, key)
		if err != nil || e == nil {
			return err
		}
		e.Deadline = deadline(ttl)
		return put(tx, key, *e)
	})
}

func (b *Bolt) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	var ttl time.Duration
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		e, err := load(tx, key)
		if err != nil || e == nil {
			return err
		}
		if e.Deadline.IsZero() {
			return nil
		}
		ttl, ok = time.Until(e.Deadline), true
		return nil
	})
	return ttl, ok, err
}

func (b *Bolt) Del(ctx context.Context, keys ...string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketName))
		for _, k := range keys {
			if err := bkt.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
