// Package pg is the Postgres-backed document store for the reference
// backend. Merge semantics use the jsonb concatenation operator so only
// the fields present in a write overwrite the stored document.
package pg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fieldcrew/crewsync/internal/remote"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	entity     TEXT   NOT NULL,
	id         TEXT   NOT NULL,
	data       JSONB  NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (entity, id)
);
CREATE INDEX IF NOT EXISTS documents_entity_updated_at
	ON documents (entity, updated_at);
`

// Store is a pgx-pool-backed DocStore.
type Store struct {
	pool *pgxpool.Pool

	// lastTS keeps assigned write timestamps monotonic even when the
	// wall clock steps backwards between batches.
	mu     sync.Mutex
	lastTS int64
}

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Query returns all documents of an entity with a write timestamp
// strictly greater than since, ordered by timestamp.
func (s *Store) Query(ctx context.Context, entity string, since int64) ([]remote.Doc, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, data, updated_at
		 FROM documents
		 WHERE entity = $1 AND updated_at > $2
		 ORDER BY updated_at`,
		entity, since,
	)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []remote.Doc
	for rows.Next() {
		var doc remote.Doc
		if err := rows.Scan(&doc.ID, &doc.Data, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}

		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading documents: %w", err)
	}

	return docs, nil
}

// ApplyBatch upserts all writes in one transaction, each with its own
// monotonic store-assigned timestamp.
func (s *Store) ApplyBatch(ctx context.Context, entity string, writes []remote.Write) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, w := range writes {
			_, err := tx.Exec(ctx,
				`INSERT INTO documents (entity, id, data, updated_at)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (entity, id) DO UPDATE
				 SET data = documents.data || EXCLUDED.data,
				     updated_at = EXCLUDED.updated_at`,
				entity, w.ID, w.Data, s.nextTS(),
			)
			if err != nil {
				return fmt.Errorf("upserting document %s: %w", w.ID, err)
			}
		}

		return nil
	})
}

func (s *Store) nextTS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := time.Now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts

	return ts
}
