// Package store implements the persistent Mapping Store: original→fake
// PII mappings and the LLM extraction cache, both backed by a single
// embedded bbolt database file.
//
// Two logical tables map onto four bbolt buckets:
//
//	entityMappings         key = entityType 0x00 hash(original)   -> EntityMapping
//	entityMappingsByTime   key = zero-padded createdAt 0x00 id    -> entityMappings key (index for sweeps)
//	llmCache               key = textHash 0x00 modelName          -> LlmCacheEntry
//	llmCacheByTime         key = zero-padded createdAt 0x00 id    -> llmCache key (index for sweeps)
//
// bbolt's file lock is tied to the open file description and is not
// reentrant across separate *bolt.DB opens of the same path from within one
// process, so a single Store handle is shared by every worker in a proxy
// run; bbolt itself safely multiplexes their concurrent transactions.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"mcpconceal/internal/detector"
)

const (
	bucketEntityMappings       = "entity_mappings"
	bucketEntityMappingsByTime = "entity_mappings_by_time"
	bucketLLMCache             = "llm_cache"
	bucketLLMCacheByTime       = "llm_cache_by_time"

	// InMemoryPath requests a fresh, empty store backed by a new temporary
	// file; the file is not removed on Close.
	InMemoryPath = ":memory:"
)

// EntityMapping is one persisted original→fake row.
type EntityMapping struct {
	ID                string `json:"id"`
	EntityType        string `json:"entityType"`
	OriginalValueHash string `json:"originalValueHash"`
	FakeValue         string `json:"fakeValue"`
	CreatedAt         int64  `json:"createdAt"`
}

// LLMCacheEntry is one persisted LLM extraction result.
type LLMCacheEntry struct {
	ID           string                   `json:"id"`
	TextHash     string                   `json:"textHash"`
	OriginalText string                   `json:"originalText"`
	Entities     []detector.DetectedEntity `json:"entities"`
	ModelName    string                   `json:"modelName"`
	CreatedAt    int64                    `json:"createdAt"`
}

// Stats summarizes the current contents of the store.
type Stats struct {
	TotalMappings     int            `json:"totalMappings"`
	TotalCacheEntries int            `json:"totalCacheEntries"`
	ByType            map[string]int `json:"byType"`
	OldestMappingAge  *time.Duration `json:"-"`
}

// Store is a handle onto the embedded mapping database. A single Store is
// shared by every worker in a proxy run (see the package doc for why).
type Store struct {
	db            *bolt.DB
	retentionDays *int

	cache *mappingCache // optional in-memory accelerator, nil unless enabled
}

// EnableMappingCache turns on an in-memory S3-FIFO accelerator in front of
// the entity-mapping bucket, bounded to capacity resident entries. It is
// safe to call at most once per Store; a second call replaces the existing
// cache (losing its warm state).
func (s *Store) EnableMappingCache(capacity int) {
	s.cache = newMappingCache(capacity)
}

// Open opens (creating if absent) the bbolt database at path. If path is
// InMemoryPath it opens a new, empty database in a temporary file under
// os.TempDir(); that file stays on disk after Close. It creates the parent
// directory if needed, ensures all buckets exist, then runs an expiry
// sweep using retentionDays (nil or <=0 means "never expire").
func Open(path string, retentionDays *int) (*Store, error) {
	if path == InMemoryPath {
		f, err := os.CreateTemp("", "mcpconceal-mem-*.db")
		if err != nil {
			return nil, fmt.Errorf("create in-memory backing file: %w", err)
		}
		path = f.Name()
		f.Close() //nolint:errcheck // best-effort
	} else if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create mapping store directory %q: %w", dir, err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open mapping store %q: %w", path, err)
	}

	s := &Store{db: db, retentionDays: retentionDays}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketEntityMappings, bucketEntityMappingsByTime, bucketLLMCache, bucketLLMCacheByTime} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, err
	}

	if _, err := s.SweepExpired(); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("initial expiry sweep: %w", err)
	}

	return s, nil
}

// Close releases the underlying database file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// HashValue returns the lookup-key digest for v. It is a fast,
// non-cryptographic hash; the digest is used only to index rows, never to
// protect confidentiality (the store makes no cryptographic guarantees).
func HashValue(v string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(v))
}

func mappingKey(entityType, originalValueHash string) []byte {
	return []byte(entityType + "\x00" + originalValueHash)
}

func cacheKey(textHash, modelName string) []byte {
	return []byte(textHash + "\x00" + modelName)
}

func timeKey(createdAt int64, id string) []byte {
	return []byte(fmt.Sprintf("%020d\x00%s", createdAt, id))
}

// PutMapping inserts a fresh mapping row, keyed on (entityType,
// hash(originalValue)), if and only if no row for that key already exists.
// Implements I3: the first insertion wins silently.
func (s *Store) PutMapping(entityType, originalValue, fakeValue, mappingID string, now time.Time) error {
	winner := fakeValue
	err := s.db.Update(func(tx *bolt.Tx) error {
		w, err := putMappingLocked(tx, entityType, originalValue, fakeValue, mappingID, now)
		winner = w
		return err
	})
	if err == nil && s.cache != nil {
		s.cache.set(string(mappingKey(entityType, HashValue(originalValue))), winner)
	}
	return err
}

// putMappingLocked inserts the row if absent and returns the winning fake
// value: the caller's value on a fresh insert, or the already-persisted
// value if another writer beat it to this key (first insertion wins).
func putMappingLocked(tx *bolt.Tx, entityType, originalValue, fakeValue, mappingID string, now time.Time) (string, error) {
	b := tx.Bucket([]byte(bucketEntityMappings))
	hash := HashValue(originalValue)
	key := mappingKey(entityType, hash)
	if existing := b.Get(key); existing != nil {
		var row EntityMapping
		if err := json.Unmarshal(existing, &row); err == nil {
			return row.FakeValue, nil
		}
		return fakeValue, nil // corrupted existing row; treat as not found for caching purposes
	}

	row := EntityMapping{
		ID:                mappingID,
		EntityType:        entityType,
		OriginalValueHash: hash,
		FakeValue:         fakeValue,
		CreatedAt:         now.Unix(),
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fakeValue, fmt.Errorf("marshal mapping: %w", err)
	}
	if err := b.Put(key, data); err != nil {
		return fakeValue, err
	}
	idx := tx.Bucket([]byte(bucketEntityMappingsByTime))
	if err := idx.Put(timeKey(row.CreatedAt, row.ID), key); err != nil {
		return fakeValue, err
	}
	return fakeValue, nil
}

// PutMappingsBatch inserts every entity in one atomic transaction using the
// same insert-if-absent semantics as PutMapping. A failure anywhere aborts
// the entire batch.
func (s *Store) PutMappingsBatch(entries []AnonymizedEntity, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, e := range entries {
			if _, err := putMappingLocked(tx, e.EntityType, e.OriginalValue, e.FakeValue, e.MappingID, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// AnonymizedEntity mirrors detector/faker output for batch persistence,
// avoiding an import cycle with the faker package.
type AnonymizedEntity struct {
	EntityType    string
	OriginalValue string
	FakeValue     string
	MappingID     string
}

// GetMapping looks up the fake value for (entityType, originalValue),
// consulting the in-memory accelerator first if one is enabled.
func (s *Store) GetMapping(entityType, originalValue string) (fakeValue string, ok bool) {
	hash := HashValue(originalValue)
	key := mappingKey(entityType, hash)
	cacheKey := string(key)

	if s.cache != nil {
		if v, hit := s.cache.get(cacheKey); hit {
			return v, true
		}
	}

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEntityMappings))
		data := b.Get(key)
		if data == nil {
			return nil
		}
		var row EntityMapping
		if err := json.Unmarshal(data, &row); err != nil {
			return nil
		}
		fakeValue, ok = row.FakeValue, true
		return nil
	})
	if ok && s.cache != nil {
		s.cache.set(cacheKey, fakeValue)
	}
	return fakeValue, ok
}

// MappingLookup is one (entityType, originalValue) pair to resolve in bulk.
type MappingLookup struct {
	EntityType    string
	OriginalValue string
}

// GetMappingsBatch resolves many lookups in a single read transaction. The
// returned map omits misses.
func (s *Store) GetMappingsBatch(pairs []MappingLookup) map[string]string {
	out := make(map[string]string, len(pairs))
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEntityMappings))
		for _, p := range pairs {
			key := mappingKey(p.EntityType, HashValue(p.OriginalValue))
			data := b.Get(key)
			if data == nil {
				continue
			}
			var row EntityMapping
			if err := json.Unmarshal(data, &row); err != nil {
				continue
			}
			out[p.OriginalValue] = row.FakeValue
		}
		return nil
	})
	return out
}

// PutLLMCache upserts the extraction result for (text, model), replacing
// any existing row for that key. Implements I4: the cache holds the latest
// extraction.
func (s *Store) PutLLMCache(text string, entities []detector.DetectedEntity, model string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLLMCache))
		textHash := HashValue(text)
		key := cacheKey(textHash, model)

		idx := tx.Bucket([]byte(bucketLLMCacheByTime))
		id := uuid.NewString()
		if existing := b.Get(key); existing != nil {
			var prev LLMCacheEntry
			if err := json.Unmarshal(existing, &prev); err == nil && prev.ID != "" {
				id = prev.ID
				// Drop the replaced row's time-index entry so sweeps judge
				// this key by its new createdAt only.
				if err := idx.Delete(timeKey(prev.CreatedAt, prev.ID)); err != nil {
					return err
				}
			}
		}

		row := LLMCacheEntry{
			ID:           id,
			TextHash:     textHash,
			OriginalText: text,
			Entities:     entities,
			ModelName:    model,
			CreatedAt:    now.Unix(),
		}
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal cache entry: %w", err)
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		return idx.Put(timeKey(row.CreatedAt, row.ID), key)
	})
}

// GetLLMCache looks up the cached extraction for (text, model).
func (s *Store) GetLLMCache(text, model string) (entities []detector.DetectedEntity, ok bool) {
	key := cacheKey(HashValue(text), model)
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLLMCache))
		data := b.Get(key)
		if data == nil {
			return nil
		}
		var row LLMCacheEntry
		if err := json.Unmarshal(data, &row); err != nil {
			return nil
		}
		entities, ok = row.Entities, true
		return nil
	})
	return entities, ok
}

// SweepExpired deletes rows older than the configured retention from both
// tables and returns the total number deleted. A nil or non-positive
// retention means "never expire" and is a no-op.
func (s *Store) SweepExpired() (int, error) {
	if s.retentionDays == nil || *s.retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-time.Duration(*s.retentionDays) * 24 * time.Hour).Unix()

	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		n, err := sweepBucket(tx, bucketEntityMappings, bucketEntityMappingsByTime, cutoff)
		if err != nil {
			return err
		}
		deleted += n

		n, err = sweepBucket(tx, bucketLLMCache, bucketLLMCacheByTime, cutoff)
		if err != nil {
			return err
		}
		deleted += n
		return nil
	})
	if err == nil && deleted > 0 && s.cache != nil {
		s.cache = newMappingCache(s.cache.capacity)
	}
	return deleted, err
}

func sweepBucket(tx *bolt.Tx, dataBucket, timeBucket string, cutoff int64) (int, error) {
	idx := tx.Bucket([]byte(timeBucket))
	data := tx.Bucket([]byte(dataBucket))

	var toDelete [][]byte
	c := idx.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		createdAt, err := parseTimeKeyPrefix(k)
		if err != nil {
			continue
		}
		if createdAt >= cutoff {
			break // keys are lexically sorted by zero-padded timestamp
		}
		toDelete = append(toDelete, append([]byte(nil), k...))
		if v != nil {
			if err := data.Delete(v); err != nil {
				return 0, err
			}
		}
	}
	for _, k := range toDelete {
		if err := idx.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(toDelete), nil
}

func parseTimeKeyPrefix(key []byte) (int64, error) {
	for i, b := range key {
		if b == 0 {
			var v int64
			_, err := fmt.Sscanf(string(key[:i]), "%d", &v)
			return v, err
		}
	}
	return 0, fmt.Errorf("malformed time-index key")
}

// ClearMappings truncates the entity_mappings table and returns the number
// of rows removed.
func (s *Store) ClearMappings() (int, error) {
	n, err := s.clearBucketPair(bucketEntityMappings, bucketEntityMappingsByTime)
	if err == nil && s.cache != nil {
		s.cache = newMappingCache(s.cache.capacity)
	}
	return n, err
}

// ClearCache truncates the llm_cache table and returns the number of rows
// removed.
func (s *Store) ClearCache() (int, error) {
	return s.clearBucketPair(bucketLLMCache, bucketLLMCacheByTime)
}

func (s *Store) clearBucketPair(dataBucket, timeBucket string) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dataBucket))
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		if err := tx.DeleteBucket([]byte(dataBucket)); err != nil {
			return err
		}
		if _, err := tx.CreateBucket([]byte(dataBucket)); err != nil {
			return err
		}
		if err := tx.DeleteBucket([]byte(timeBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(timeBucket))
		return err
	})
	return count, err
}

// Stats returns a point-in-time summary of store contents.
func (s *Store) Stats() (Stats, error) {
	st := Stats{ByType: make(map[string]int)}
	var oldest *int64

	err := s.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket([]byte(bucketEntityMappings))
		c := mb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			st.TotalMappings++
			var row EntityMapping
			if err := json.Unmarshal(v, &row); err == nil {
				st.ByType[row.EntityType]++
				if oldest == nil || row.CreatedAt < *oldest {
					ca := row.CreatedAt
					oldest = &ca
				}
			}
		}

		cb := tx.Bucket([]byte(bucketLLMCache))
		cc := cb.Cursor()
		for k, _ := cc.First(); k != nil; k, _ = cc.Next() {
			st.TotalCacheEntries++
		}
		return nil
	})
	if err != nil {
		return st, err
	}

	if oldest != nil {
		age := time.Since(time.Unix(*oldest, 0))
		st.OldestMappingAge = &age
	}
	return st, nil
}
