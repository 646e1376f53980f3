package e2e_test

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldcrew/crewsync/internal/channels"
	"github.com/fieldcrew/crewsync/internal/engine"
	"github.com/fieldcrew/crewsync/internal/realtime"
	"github.com/fieldcrew/crewsync/internal/remote"
	"github.com/fieldcrew/crewsync/internal/server"
	"github.com/fieldcrew/crewsync/internal/store"
)

const (
	eventuallyTimeout = 5 * time.Second
	eventuallyTick    = 20 * time.Millisecond
)

// harness is the full e2e stack: the reference backend serving both the
// document API and the realtime tree over one HTTP server.
type harness struct {
	URL string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	srv := httptest.NewServer(server.New(server.NewMemDocs(), slog.Default()).Router())
	t.Cleanup(srv.Close)

	return &harness{URL: srv.URL}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.URL, "http") + "/v1/realtime"
}

// device is one simulated field device: its own local store, sync
// engine, realtime connection, and channel layer, all pointed at the
// shared backend.
type device struct {
	Store    *store.Store
	Engine   *engine.Engine
	RT       *realtime.Client
	Channels *channels.Channels

	stopListen context.CancelFunc
}

// newDevice brings a device online: local store in a temp dir, websocket
// connected, event loop running.
func (h *harness) newDevice(t *testing.T, principal, name string) *device {
	t.Helper()

	st, err := store.LoadAt(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rt := realtime.NewClient(h.wsURL(), principal, "e2e-device", slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Connect(ctx))

	listenCtx, stopListen := context.WithCancel(context.Background())
	go rt.Listen(listenCtx)

	eng := engine.New(st, remote.NewClient(h.URL, principal, nil), engine.NewMonitor(rt), slog.Default())
	ch := channels.New(rt, principal, name, slog.Default())

	d := &device{
		Store:      st,
		Engine:     eng,
		RT:         rt,
		Channels:   ch,
		stopListen: stopListen,
	}
	t.Cleanup(func() { d.stop() })

	require.Eventually(t, eng.Online, eventuallyTimeout, eventuallyTick,
		"device should come online once the event loop starts")

	return d
}

// stop takes the device down without triggering a reconnect, as if the
// app was killed. Safe to call twice.
func (d *device) stop() {
	d.stopListen()
	d.Channels.Close()
	d.Engine.Shutdown()
	d.RT.Close()
}
