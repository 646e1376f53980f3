// Package store implements the local embedded record store: one bbolt
// bucket per syncable entity table, a canonical-ID index per table, and
// the persisted pull cursor. UI code writes here optimistically; the
// sync engine confirms rows remotely and applies pulled changes in a
// single transaction.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fieldcrew/crewsync/internal/record"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the data directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	metaBucket = []byte("meta")
	cursorKey  = []byte("cursor")
)

func tableBucket(t record.EntityType) []byte {
	return []byte("tbl:" + t)
}

func indexBucket(t record.EntityType) []byte {
	return []byte("idx:" + t)
}

func localKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)

	return k
}

// Confirmation records the outcome of one pushed row: the canonical ID
// the push stage resolved for it.
type Confirmation struct {
	LocalID     uint64
	CanonicalID string
}

// Store wraps a bbolt database holding all local record tables.
type Store struct {
	db *bolt.DB

	mu        sync.Mutex
	listeners map[record.EntityType]map[int]func()
	nextSub   int
}

// Load opens the store at the default path (~/.crewsync/records.db),
// creating it if it does not exist.
func Load() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}

	return LoadAt(filepath.Join(home, ".crewsync", "records.db"))
}

// LoadAt opens a store at the given path, creating it and all entity
// buckets if they do not exist. Useful for tests that need an isolated
// database.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening record db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}

		for _, t := range record.Types() {
			if _, err := tx.CreateBucketIfNotExists(tableBucket(t)); err != nil {
				return err
			}

			if _, err := tx.CreateBucketIfNotExists(indexBucket(t)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing record db: %w", err)
	}

	return &Store{
		db:        db,
		listeners: make(map[record.EntityType]map[int]func()),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores a new row with the given domain payload. The row gets a
// fresh local ID from the table sequence and starts Dirty with no
// canonical ID, which is the only legal state for an unpushed row.
func (s *Store) Insert(t record.EntityType, data json.RawMessage) (record.Record, error) {
	rec := record.Record{State: record.Dirty, Data: data}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tableBucket(t))

		id, err := b.NextSequence()
		if err != nil {
			return err
		}

		rec.LocalID = id

		return putRecord(b, rec)
	})
	if err != nil {
		return record.Record{}, fmt.Errorf("inserting %s row: %w", t, err)
	}

	s.notify(t)

	return rec, nil
}

// Update overwrites the domain payload of an existing row and marks it
// Dirty for the next push. The canonical ID, if any, is preserved.
func (s *Store) Update(t record.EntityType, localID uint64, data json.RawMessage) (record.Record, error) {
	var rec record.Record

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tableBucket(t))

		v := b.Get(localKey(localID))
		if v == nil {
			return fmt.Errorf("row %d not found", localID)
		}

		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		rec.Data = data
		rec.State = record.Dirty

		return putRecord(b, rec)
	})
	if err != nil {
		return record.Record{}, fmt.Errorf("updating %s row: %w", t, err)
	}

	s.notify(t)

	return rec, nil
}

// Get returns the row with the given local ID, or nil if not found.
func (s *Store) Get(t record.EntityType, localID uint64) (*record.Record, error) {
	var rec *record.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tableBucket(t)).Get(localKey(localID))
		if v == nil {
			return nil
		}

		rec = &record.Record{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// GetByCanonical returns the row with the given canonical ID, or nil if
// no local row carries it.
func (s *Store) GetByCanonical(t record.EntityType, canonicalID string) (*record.Record, error) {
	var rec *record.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		idKey := tx.Bucket(indexBucket(t)).Get([]byte(canonicalID))
		if idKey == nil {
			return nil
		}

		v := tx.Bucket(tableBucket(t)).Get(idKey)
		if v == nil {
			return nil
		}

		rec = &record.Record{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// List returns all rows in a table, in local-ID order.
func (s *Store) List(t record.EntityType) ([]record.Record, error) {
	var rows []record.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tableBucket(t)).ForEach(func(k, v []byte) error {
			var rec record.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			rows = append(rows, rec)

			return nil
		})
	})

	return rows, err
}

// Dirty returns all rows in a table awaiting push.
func (s *Store) Dirty(t record.EntityType) ([]record.Record, error) {
	rows, err := s.List(t)
	if err != nil {
		return nil, err
	}

	dirty := rows[:0]
	for _, rec := range rows {
		if rec.State == record.Dirty {
			dirty = append(dirty, rec)
		}
	}

	return dirty, nil
}

// MarkSynced flips the given rows to Synced and persists their resolved
// canonical IDs, all in one transaction. Called by the push stage after
// a batch commit succeeds; a row's UpdatedAt stays untouched until the
// server-assigned timestamp comes back on a later pull.
func (s *Store) MarkSynced(t record.EntityType, confirms []Confirmation) error {
	if len(confirms) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tableBucket(t))
		idx := tx.Bucket(indexBucket(t))

		for _, c := range confirms {
			v := b.Get(localKey(c.LocalID))
			if v == nil {
				return fmt.Errorf("row %d not found", c.LocalID)
			}

			var rec record.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			rec.State = record.Synced
			rec.CanonicalID = c.CanonicalID

			if err := putRecord(b, rec); err != nil {
				return err
			}

			if err := idx.Put([]byte(c.CanonicalID), localKey(c.LocalID)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("marking %s rows synced: %w", t, err)
	}

	s.notify(t)

	return nil
}

// SetCanonicalID persists a resolved canonical ID on a row without
// changing its sync state. The push stage calls this before the batch
// commit so a retried push resolves the same identifier instead of
// minting a duplicate remote document.
func (s *Store) SetCanonicalID(t record.EntityType, localID uint64, canonicalID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tableBucket(t))

		v := b.Get(localKey(localID))
		if v == nil {
			return fmt.Errorf("row %d not found", localID)
		}

		var rec record.Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		rec.CanonicalID = canonicalID

		if err := putRecord(b, rec); err != nil {
			return err
		}

		return tx.Bucket(indexBucket(t)).Put([]byte(canonicalID), localKey(localID))
	})
	if err != nil {
		return fmt.Errorf("setting %s canonical id: %w", t, err)
	}

	return nil
}

// Cursor returns the persisted pull cursor in Unix milliseconds, or
// zero when no successful full pull has completed (which forces a full
// resync).
func (s *Store) Cursor() (int64, error) {
	var cursor int64

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(cursorKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &cursor)
	})

	return cursor, err
}

// SetCursor persists the pull cursor.
func (s *Store) SetCursor(cursor int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cursor)
		if err != nil {
			return err
		}

		return tx.Bucket(metaBucket).Put(cursorKey, data)
	})
}

// ClearCursor removes the pull cursor, forcing the next pull to resync
// in full.
func (s *Store) ClearCursor() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Delete(cursorKey)
	})
}

// ApplyPull applies one pull's worth of remote changes atomically: an
// optional prune of Synced rows absent from the pulled set (full
// resync), the upsert of every pulled record, and the cursor advance
// all land in one transaction, so readers never observe a half-applied
// pull.
//
// Dirty rows are never pruned, even on a full resync: a device that has
// been offline for weeks keeps its unpushed edits when it finally
// reconnects. Incoming records are matched to local rows by canonical ID
// and overwritten in place, preserving the local ID so rows already
// referenced elsewhere are not re-keyed.
func (s *Store) ApplyPull(changes map[record.EntityType][]record.Record, fullResync bool, cursor int64) (int, error) {
	applied := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		if fullResync {
			for _, t := range record.Types() {
				incoming := make(map[string]struct{}, len(changes[t]))
				for _, rec := range changes[t] {
					incoming[rec.CanonicalID] = struct{}{}
				}

				if err := pruneSynced(tx, t, incoming); err != nil {
					return fmt.Errorf("pruning %s: %w", t, err)
				}
			}
		}

		for t, recs := range changes {
			b := tx.Bucket(tableBucket(t))
			idx := tx.Bucket(indexBucket(t))

			for _, incoming := range recs {
				rec := incoming
				rec.State = record.Synced

				if idKey := idx.Get([]byte(rec.CanonicalID)); idKey != nil {
					rec.LocalID = binary.BigEndian.Uint64(idKey)
				} else {
					id, err := b.NextSequence()
					if err != nil {
						return err
					}

					rec.LocalID = id
				}

				if err := putRecord(b, rec); err != nil {
					return err
				}

				if err := idx.Put([]byte(rec.CanonicalID), localKey(rec.LocalID)); err != nil {
					return err
				}

				applied++
			}
		}

		data, err := json.Marshal(cursor)
		if err != nil {
			return err
		}

		return tx.Bucket(metaBucket).Put(cursorKey, data)
	})
	if err != nil {
		return 0, fmt.Errorf("applying pull: %w", err)
	}

	if fullResync {
		for _, t := range record.Types() {
			s.notify(t)
		}
	} else {
		for t := range changes {
			s.notify(t)
		}
	}

	return applied, nil
}

// pruneSynced deletes every Synced row in a table along with its index
// entry, except rows whose canonical ID appears in keep: those are about
// to be overwritten in place by the same pull and must not lose their
// local ID. Dirty rows are untouched.
func pruneSynced(tx *bolt.Tx, t record.EntityType, keep map[string]struct{}) error {
	b := tx.Bucket(tableBucket(t))
	idx := tx.Bucket(indexBucket(t))

	var stale [][]byte

	err := b.ForEach(func(k, v []byte) error {
		var rec record.Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		if rec.State == record.Synced {
			if _, ok := keep[rec.CanonicalID]; ok {
				return nil
			}

			stale = append(stale, append([]byte(nil), k...))

			if rec.CanonicalID != "" {
				if err := idx.Delete([]byte(rec.CanonicalID)); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}

	return nil
}

// Watch registers fn to run after every committed mutation of the given
// table. This is the live-query surface: UI code re-reads the table when
// notified. The returned function unsubscribes; fn is never called after
// it returns.
func (s *Store) Watch(t record.EntityType, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listeners[t] == nil {
		s.listeners[t] = make(map[int]func())
	}

	id := s.nextSub
	s.nextSub++
	s.listeners[t][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners[t], id)
	}
}

func (s *Store) notify(t record.EntityType) {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.listeners[t]))
	for _, fn := range s.listeners[t] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func putRecord(b *bolt.Bucket, rec record.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return b.Put(localKey(rec.LocalID), data)
}
