package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fieldcrew/crewsync/internal/remote"
)

// DocStore is the storage behind the document API. Implementations
// assign the write timestamp at commit time, monotonic per write, and
// apply batches atomically with merge semantics.
type DocStore interface {
	Query(ctx context.Context, entity string, since int64) ([]remote.Doc, error)
	ApplyBatch(ctx context.Context, entity string, writes []remote.Write) error
}

// MergeDoc shallow-merges the fields of an incoming payload into an
// existing document: only the fields present in incoming overwrite,
// unrelated fields survive. A nil existing returns incoming unchanged.
func MergeDoc(existing, incoming json.RawMessage) (json.RawMessage, error) {
	if existing == nil {
		return incoming, nil
	}

	var base map[string]json.RawMessage
	if err := json.Unmarshal(existing, &base); err != nil {
		return nil, fmt.Errorf("decoding existing document: %w", err)
	}

	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(incoming, &overlay); err != nil {
		return nil, fmt.Errorf("decoding incoming payload: %w", err)
	}

	for k, v := range overlay {
		base[k] = v
	}

	return json.Marshal(base)
}

// MemDocs is the in-memory DocStore used by tests and the default
// crewsyncd mode.
type MemDocs struct {
	mu     sync.Mutex
	tables map[string]map[string]remote.Doc
	lastTS int64
}

// NewMemDocs creates an empty in-memory document store.
func NewMemDocs() *MemDocs {
	return &MemDocs{tables: make(map[string]map[string]remote.Doc)}
}

// Query returns all documents of an entity with a write timestamp
// strictly greater than since, ordered by timestamp. An entity that was
// never written behaves as an empty table.
func (m *MemDocs) Query(_ context.Context, entity string, since int64) ([]remote.Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var docs []remote.Doc
	for _, doc := range m.tables[entity] {
		if doc.UpdatedAt > since {
			docs = append(docs, doc)
		}
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].UpdatedAt < docs[j].UpdatedAt })

	return docs, nil
}

// ApplyBatch merges all writes into the entity table under one lock,
// assigning each write its own monotonic timestamp.
func (m *MemDocs) ApplyBatch(_ context.Context, entity string, writes []remote.Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := m.tables[entity]
	if table == nil {
		table = make(map[string]remote.Doc)
		m.tables[entity] = table
	}

	// Validate and merge everything before touching the table so a bad
	// payload fails the whole batch, not half of it.
	merged := make([]remote.Doc, 0, len(writes))
	for _, w := range writes {
		var data json.RawMessage
		if existing, ok := table[w.ID]; ok {
			var err error
			data, err = MergeDoc(existing.Data, w.Data)
			if err != nil {
				return fmt.Errorf("merging document %s: %w", w.ID, err)
			}
		} else {
			data = w.Data
		}

		merged = append(merged, remote.Doc{ID: w.ID, Data: data, UpdatedAt: m.nextTS()})
	}

	for _, doc := range merged {
		table[doc.ID] = doc
	}

	return nil
}

// nextTS returns a store-assigned timestamp guaranteed to be greater
// than every previously assigned one. Caller holds mu.
func (m *MemDocs) nextTS() int64 {
	ts := time.Now().UnixMilli()
	if ts <= m.lastTS {
		ts = m.lastTS + 1
	}
	m.lastTS = ts

	return ts
}
