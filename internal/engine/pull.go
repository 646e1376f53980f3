package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldcrew/crewsync/internal/record"
	"golang.org/x/sync/errgroup"
)

// pullRemoteChanges fetches remote changes since the persisted cursor
// (or everything, on a full resync) and applies them in one local
// transaction. Per-entity queries run concurrently and are joined
// before the apply. The new cursor is the wall-clock instant the pull
// began, not the latest record's timestamp, so a write that commits
// remotely while the pull is in flight can never fall into a cursor
// gap through clock skew.
func (e *Engine) pullRemoteChanges(ctx context.Context, forceFull bool) (int, error) {
	cursor, err := e.store.Cursor()
	if err != nil {
		return 0, fmt.Errorf("reading cursor: %w", err)
	}

	full := forceFull || cursor == 0
	since := cursor
	if full {
		since = 0
	}

	began := time.Now().UnixMilli()

	var mu sync.Mutex
	changes := make(map[record.EntityType][]record.Record)

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range record.Types() {
		g.Go(func() error {
			docs, err := e.remote.Query(gctx, t, since)
			if err != nil {
				return fmt.Errorf("querying %s: %w", t, err)
			}

			if len(docs) == 0 {
				return nil
			}

			recs := make([]record.Record, len(docs))
			for i, d := range docs {
				recs[i] = record.Record{
					CanonicalID: d.ID,
					State:       record.Synced,
					UpdatedAt:   d.UpdatedAt,
					Data:        d.Data,
				}
			}

			mu.Lock()
			changes[t] = recs
			mu.Unlock()

			return nil
		})
	}

	// Any query failure abandons the whole pull: the cursor stays put
	// and the next cycle refetches.
	if err := g.Wait(); err != nil {
		return 0, err
	}

	applied, err := e.store.ApplyPull(changes, full, began)
	if err != nil {
		return 0, err
	}

	e.logger.Debug("pulled",
		slog.Int("records", applied),
		slog.Bool("full_resync", full),
	)

	return applied, nil
}
