// Package engine implements the bidirectional sync cycle between the
// local record store and the remote structured store: a push stage that
// confirms dirty rows remotely, a pull stage that applies remote
// changes locally, and a single-flight orchestrator around both.
//
// Conflict policy is last-write-wins by the server-assigned timestamp.
// If two offline devices edit the same entity before either syncs, the
// second device's push overwrites the first's remote state with no merge
// or warning. This is a documented limitation, not an accident.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/fieldcrew/crewsync/internal/record"
	"github.com/fieldcrew/crewsync/internal/remote"
	"github.com/fieldcrew/crewsync/internal/store"
	"github.com/fieldcrew/crewsync/internal/syncerrors"
)

// RemoteStore is the slice of the document API client the engine needs.
type RemoteStore interface {
	Query(ctx context.Context, t record.EntityType, since int64) ([]remote.Doc, error)
	CommitBatch(ctx context.Context, t record.EntityType, writes []remote.Write) error
	AllocateID() string
}

// SyncResult is the outcome of one Synchronize call. Errors never
// propagate past the engine boundary; they land here.
type SyncResult struct {
	Success       bool
	Err           error
	SyncedRecords int

	// Skipped marks the no-op success returned when a cycle was
	// already in flight.
	Skipped bool
}

// Engine is the sync orchestrator. Construct one per process and inject
// it wherever the application lifecycle lives; Shutdown detaches its
// listeners.
type Engine struct {
	store   *store.Store
	remote  RemoteStore
	monitor *Monitor
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight bool
}

// New creates the engine.
func New(st *store.Store, rs RemoteStore, monitor *Monitor, logger *slog.Logger) *Engine {
	return &Engine{
		store:   st,
		remote:  rs,
		monitor: monitor,
		logger:  logger,
	}
}

// Subscribe registers a status listener on the underlying monitor.
func (e *Engine) Subscribe(fn StatusFunc) func() {
	return e.monitor.Subscribe(fn)
}

// Online reports whether the remote stores are reachable.
func (e *Engine) Online() bool {
	return e.monitor.Online()
}

// Shutdown detaches the status stream. In-flight work is not cancelled;
// callers cancel the context they passed to Synchronize.
func (e *Engine) Shutdown() {
	e.monitor.Close()
}

// Synchronize runs one push-then-pull cycle. At most one cycle runs
// process-wide: a second call while one is in flight returns success
// immediately without doing work (never queued; callers re-trigger if
// they need a fresher sync). Offline, the cycle aborts before touching
// the network.
//
// Push failures do not abort the pull: each push batch commit is
// independently atomic, so failed rows stay Dirty and retry next cycle
// while the pull still lands. The result carries the pull's outcome.
// Permission rejections are reported distinctly so callers can treat
// the session as effectively offline instead of retrying aggressively.
func (e *Engine) Synchronize(ctx context.Context, forceFull bool) SyncResult {
	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return SyncResult{Success: true, Skipped: true}
	}
	e.inFlight = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	if !e.monitor.Online() {
		return SyncResult{Err: syncerrors.ErrOffline}
	}

	e.monitor.addPending(1)
	defer e.monitor.addPending(-1)

	e.logger.Debug("sync cycle starting", slog.Bool("force_full", forceFull))

	if err := e.pushLocalChanges(ctx); err != nil {
		if errors.Is(err, syncerrors.ErrPermissionDenied) {
			return SyncResult{Err: syncerrors.ErrPermissionDenied}
		}

		e.logger.Warn("push stage failed, rows stay dirty for retry",
			slog.String("error", err.Error()),
		)
	}

	synced, err := e.pullRemoteChanges(ctx, forceFull)
	if err != nil {
		if errors.Is(err, syncerrors.ErrPermissionDenied) {
			return SyncResult{Err: syncerrors.ErrPermissionDenied}
		}

		e.logger.Warn("pull stage failed, cursor not advanced",
			slog.String("error", err.Error()),
		)

		return SyncResult{Err: err}
	}

	e.logger.Info("sync cycle complete", slog.Int("synced_records", synced))

	return SyncResult{Success: true, SyncedRecords: synced}
}
