package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fieldcrew/crewsync/internal/record"
	"github.com/fieldcrew/crewsync/internal/remote"
	"github.com/fieldcrew/crewsync/internal/store"
)

// pushLocalChanges pushes every dirty row to the remote store, one
// atomic batch per entity table. Tables are independent: a failed batch
// leaves its rows Dirty for the next cycle and does not roll back
// tables that already committed.
func (e *Engine) pushLocalChanges(ctx context.Context) error {
	var errs []error

	for _, t := range record.Types() {
		if err := e.pushTable(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("pushing %s: %w", t, err))
		}
	}

	return errors.Join(errs...)
}

// pushTable pushes one entity table's dirty rows. Canonical IDs are
// resolved before the commit (reuse an existing one, else derive from
// the entity's natural key, else allocate a fresh identifier) and
// persisted locally up front, so a retried push resolves identically
// instead of creating a duplicate remote document. The batch uses merge
// semantics: only the payload's fields overwrite the remote document.
func (e *Engine) pushTable(ctx context.Context, t record.EntityType) error {
	dirty, err := e.store.Dirty(t)
	if err != nil {
		return fmt.Errorf("scanning dirty rows: %w", err)
	}

	if len(dirty) == 0 {
		return nil
	}

	writes := make([]remote.Write, 0, len(dirty))
	confirms := make([]store.Confirmation, 0, len(dirty))

	for _, rec := range dirty {
		id := rec.CanonicalID
		if id == "" {
			id = record.DeriveCanonicalID(t, rec.Data)
		}
		if id == "" {
			id = e.remote.AllocateID()
		}

		if id != rec.CanonicalID {
			if err := e.store.SetCanonicalID(t, rec.LocalID, id); err != nil {
				return fmt.Errorf("persisting canonical id: %w", err)
			}
		}

		// The payload already excludes the local-only envelope fields;
		// the server assigns the write timestamp at commit time.
		writes = append(writes, remote.Write{ID: id, Data: rec.Data})
		confirms = append(confirms, store.Confirmation{LocalID: rec.LocalID, CanonicalID: id})
	}

	if err := e.remote.CommitBatch(ctx, t, writes); err != nil {
		return err
	}

	if err := e.store.MarkSynced(t, confirms); err != nil {
		return fmt.Errorf("confirming pushed rows: %w", err)
	}

	e.logger.Info("pushed",
		slog.String("entity", string(t)),
		slog.Int("rows", len(writes)),
	)

	return nil
}
