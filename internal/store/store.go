// Package store adapts go.etcd.io/bbolt into the narrow key/value contract
// the rest of noidd needs: per-watch prefixed views over string keys holding
// fingerprint values, a float32 codec for the per-watch initialized sentinel,
// point-in-time snapshots for the deletion scanner, and pattern-filtered
// iteration in key order.
//
// On-disk layout: a single bucket holds every key. A key is
// "<watch_name>_<absolute_path>" mapping to a 16-hex fingerprint, or
// "<watch_name>_initialized" mapping to a 4-byte little-endian float holding
// the epoch seconds of the watch's first completed baseline pass.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"time"

	"go.etcd.io/bbolt"
)

// bucketName is the single bbolt bucket holding every noidd key.
const bucketName = "noidd"

// Separator joins a watch name to the key it namespaces.
const Separator = "_"

// SentinelKey is the reserved per-watch key marking that an initial baseline
// pass has completed. Its value is a float32 epoch timestamp, not a
// fingerprint.
const SentinelKey = "initialized"

// ErrEmptyPrefix is returned when a prefixed view or prefixed iteration is
// requested with an empty prefix, which would silently alias every watch's
// keys into one namespace.
var ErrEmptyPrefix = errors.New("store: prefix must be non-empty")

// Store owns the single bbolt database file backing noidd's fingerprint
// baseline. One Store is shared by every watch; each watch reads and writes
// through its own PrefixedView.
type Store struct {
	db   *bbolt.DB
	pool *workerPool
}

// Open opens (or creates) the bbolt database at path and ensures the bucket
// exists. When recreate is true, any existing file at path is removed first,
// so every watch re-baselines on the next scan.
func Open(path string, recreate bool, poolSize int) (*Store, error) {
	if recreate {
		if err := removeIfExists(path); err != nil {
			return nil, fmt.Errorf("store: recreate %s: %w", path, err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create bucket: %w", err)
	}

	return &Store{db: db, pool: newWorkerPool(poolSize)}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	s.pool.Close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// PrefixedView returns a View whose Get/Put/Delete transparently prepend
// "<prefix>_" to every key. The prefix is a watch name and must be non-empty.
func (s *Store) PrefixedView(prefix string) (*View, error) {
	if prefix == "" {
		return nil, ErrEmptyPrefix
	}
	return &View{store: s, prefix: prefix + Separator}, nil
}

// Snapshot opens a read-only transaction over the whole database, stable
// against concurrent writes for its lifetime. The caller must Close it.
func (s *Store) Snapshot() (*Snapshot, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("store: begin snapshot: %w", err)
	}
	return &Snapshot{tx: tx}, nil
}

// run dispatches fn onto the worker pool, respecting ctx cancellation, so a
// burst of concurrent watches never piles unbounded goroutines onto the
// single underlying file.
func (s *Store) run(ctx context.Context, fn func() error) error {
	return s.pool.Do(ctx, fn)
}

// View is a prefixed handle over the store, scoped to one watch. It carries
// no mutable state; concurrent use is safe.
type View struct {
	store  *Store
	prefix string
}

// Prefix returns the full key prefix, separator included, this view
// namespaces under.
func (v *View) Prefix() string { return v.prefix }

// Get returns the string value stored at key, and whether it existed.
func (v *View) Get(ctx context.Context, key string) (string, bool, error) {
	raw, found, err := v.getRaw(ctx, key)
	if err != nil {
		return "", false, err
	}
	return string(raw), found, nil
}

// Put writes a string value at key, overwriting any existing entry.
func (v *View) Put(ctx context.Context, key, value string) error {
	return v.putRaw(ctx, key, []byte(value))
}

// GetFloat32 reads a 4-byte little-endian IEEE-754 value stored at key.
func (v *View) GetFloat32(ctx context.Context, key string) (float32, bool, error) {
	raw, found, err := v.getRaw(ctx, key)
	if err != nil || !found {
		return 0, found, err
	}
	f, err := Float32Codec{}.Decode(raw)
	if err != nil {
		return 0, false, fmt.Errorf("store: get %s%s: %w", v.prefix, key, err)
	}
	return f, true, nil
}

// PutFloat32 writes value at key as 4 little-endian bytes.
func (v *View) PutFloat32(ctx context.Context, key string, value float32) error {
	return v.putRaw(ctx, key, Float32Codec{}.Encode(value))
}

// Delete removes key from the view. Deleting a nonexistent key is not an
// error.
func (v *View) Delete(ctx context.Context, key string) error {
	err := v.store.run(ctx, func() error {
		return v.store.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket([]byte(bucketName)).Delete([]byte(v.prefix + key))
		})
	})
	if err != nil {
		return fmt.Errorf("store: delete %s%s: %w", v.prefix, key, err)
	}
	return nil
}

func (v *View) getRaw(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := v.store.run(ctx, func() error {
		return v.store.db.View(func(tx *bbolt.Tx) error {
			raw := tx.Bucket([]byte(bucketName)).Get([]byte(v.prefix + key))
			if raw != nil {
				value = append([]byte(nil), raw...)
				found = true
			}
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: get %s%s: %w", v.prefix, key, err)
	}
	return value, found, nil
}

func (v *View) putRaw(ctx context.Context, key string, value []byte) error {
	err := v.store.run(ctx, func() error {
		return v.store.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket([]byte(bucketName)).Put([]byte(v.prefix+key), value)
		})
	})
	if err != nil {
		return fmt.Errorf("store: put %s%s: %w", v.prefix, key, err)
	}
	return nil
}

// Entry is one (key, value) pair yielded by Snapshot.Iterate. Key is the
// full stored key, prefix included.
type Entry struct {
	Key   string
	Value string
}

// Snapshot is a read-only view of the entire database, used by the deletion
// scanner to walk the previously recorded key set without racing concurrent
// writers.
type Snapshot struct {
	tx *bbolt.Tx
}

// Close releases the snapshot transaction. It must be called exactly once.
func (s *Snapshot) Close() error {
	return s.tx.Rollback()
}

// Iterate yields every entry, in key order, whose key matches all of the
// include patterns and none of the exclude patterns. When prefix is
// non-empty an include pattern of "^<prefix>.+" is added automatically, so
// callers restrict iteration to one watch by passing its key prefix. Passing
// both an empty prefix and no include patterns walks the whole store.
func (s *Snapshot) Iterate(includes, excludes []string, prefix string) ([]Entry, error) {
	if prefix != "" {
		includes = append([]string{"^" + regexp.QuoteMeta(prefix) + ".+"}, includes...)
	}
	includeRes, err := compilePatterns(includes)
	if err != nil {
		return nil, fmt.Errorf("store: include patterns: %w", err)
	}
	excludeRes, err := compilePatterns(excludes)
	if err != nil {
		return nil, fmt.Errorf("store: exclude patterns: %w", err)
	}

	var matched []Entry
	c := s.tx.Bucket([]byte(bucketName)).Cursor()
scan:
	for k, val := c.First(); k != nil; k, val = c.Next() {
		key := string(k)
		for _, re := range includeRes {
			if !re.MatchString(key) {
				continue scan
			}
		}
		for _, re := range excludeRes {
			if re.MatchString(key) {
				continue scan
			}
		}
		matched = append(matched, Entry{Key: key, Value: string(val)})
	}
	return matched, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		res = append(res, re)
	}
	return res, nil
}

// StringCodec maps Go strings to their UTF-8 byte encoding, the format every
// fingerprint value is stored in.
type StringCodec struct{}

func (StringCodec) Encode(s string) []byte { return []byte(s) }
func (StringCodec) Decode(b []byte) string { return string(b) }

// Float32Codec maps a float32 to its 4-byte little-endian IEEE-754 encoding.
// The initialized sentinel is stored this way; the 4-byte width is load
// bearing for compatibility with existing baselines.
type Float32Codec struct{}

func (Float32Codec) Encode(f float32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
	return b[:]
}

func (Float32Codec) Decode(b []byte) (float32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("float32 value must be 4 bytes, got %d", len(b))
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// removeIfExists deletes path, including any bbolt lock file, ignoring a
// not-exist error.
func removeIfExists(path string) error {
	for _, p := range []string{path, path + ".lock"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
