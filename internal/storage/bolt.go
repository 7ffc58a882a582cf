// Package storage persists reputation lists and the URL classification
// cache in a single bbolt database with msgpack-encoded values.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/miradorsec/gatekeeper/internal/urlcheck"
)

const (
	bucketBlacklist = "blacklist"
	bucketWhitelist = "whitelist"
	bucketURLCache  = "url_cache"
)

type listEntry struct {
	AddedAt time.Time `msgpack:"added_at"`
}

// BoltStore implements urlcheck.Store plus janitor helpers. Cache entries
// expire after the configured TTL.
type BoltStore struct {
	db  *bolt.DB
	ttl time.Duration
}

// NewBoltStore opens (or creates) a bbolt database at dataDir/gatekeeper.db.
func NewBoltStore(dataDir string, cacheTTL time.Duration) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "gatekeeper.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketBlacklist, bucketWhitelist, bucketURLCache} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db, ttl: cacheTTL}, nil
}

// ---- URL cache -------------------------------------------------------------

// CacheHit returns the live entry for rawURL, incrementing its hit counter
// in the same transaction. Expired entries are deleted and reported absent.
func (s *BoltStore) CacheHit(rawURL string) (*urlcheck.CacheEntry, error) {
	var result *urlcheck.CacheEntry
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketURLCache))
		key := []byte(rawURL)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var entry urlcheck.CacheEntry
		if err := msgpack.Unmarshal(raw, &entry); err != nil {
			// Corrupt entries are dropped rather than surfaced per-request.
			return b.Delete(key)
		}
		if s.ttl > 0 && time.Since(entry.StoredAt) >= s.ttl {
			return b.Delete(key)
		}
		entry.Hits++
		data, err := msgpack.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal CacheEntry: %w", err)
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		result = &entry
		return nil
	})
	return result, err
}

func (s *BoltStore) CachePut(rawURL string, c urlcheck.Classification) error {
	entry := urlcheck.CacheEntry{
		Classification: c,
		StoredAt:       time.Now().UTC(),
	}
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal CacheEntry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketURLCache)).Put([]byte(rawURL), data)
	})
}

// ---- Reputation lists ------------------------------------------------------

func (s *BoltStore) ListAdd(list, domain string) error {
	bucket, err := listBucket(list)
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(listEntry{AddedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal listEntry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(domain), data)
	})
}

func (s *BoltStore) ListAll(list string) ([]string, error) {
	bucket, err := listBucket(list)
	if err != nil {
		return nil, err
	}
	var domains []string
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, _ []byte) error {
			domains = append(domains, string(k))
			return nil
		})
	})
	return domains, err
}

func listBucket(list string) (string, error) {
	switch list {
	case urlcheck.ListBlacklist:
		return bucketBlacklist, nil
	case urlcheck.ListWhitelist:
		return bucketWhitelist, nil
	default:
		return "", fmt.Errorf("unknown list %q", list)
	}
}

// ---- Janitor ---------------------------------------------------------------

func (s *BoltStore) PruneExpiredCache() (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.ttl)
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketURLCache))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var entry urlcheck.CacheEntry
			if err := msgpack.Unmarshal(v, &entry); err != nil {
				// drop corrupt entries too
			} else if entry.StoredAt.After(cutoff) {
				return nil
			}
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// ---- Utility ---------------------------------------------------------------

func (s *BoltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
