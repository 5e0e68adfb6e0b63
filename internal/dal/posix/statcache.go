package posix

import (
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"
)

// statCache remembers, per relative directory path, the last time Verify
// confirmed the directory's ownership and mode were sound, so repeated
// Verify calls over a wide (pod,block,cap,scatter) hypercube don't have
// to re-stat every leaf directory on every pass. Grounded on the
// teacher's use of go.etcd.io/bbolt as the engine's embedded key/value
// store (internal/metadata/store.go in eniz1806-VaultS3).
type statCache struct {
	db  *bolt.DB
	ttl time.Duration
}

var verifiedBucket = []byte("verified_dirs")

func openStatCache(path string, ttl time.Duration) (*statCache, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(verifiedBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &statCache{db: db, ttl: ttl}, nil
}

func (c *statCache) Close() error {
	return c.db.Close()
}

// Fresh reports whether rel has a cache entry younger than the TTL.
// ok is false if there is no entry at all.
func (c *statCache) Fresh(rel string) (fresh bool, ok bool) {
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(verifiedBucket)
		v := b.Get([]byte(rel))
		if v == nil || len(v) < 8 {
			return nil
		}
		ok = true
		ts := int64(binary.BigEndian.Uint64(v))
		fresh = time.Since(time.Unix(ts, 0)) < c.ttl
		return nil
	})
	return fresh, ok
}

// MarkVerified records that rel was confirmed sound at t.
func (c *statCache) MarkVerified(rel string, t time.Time) {
	_ = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(verifiedBucket)
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, uint64(t.Unix()))
		return b.Put([]byte(rel), v)
	})
}
