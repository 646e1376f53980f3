package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/fieldcrew/crewsync/internal/realtime"
)

// treeSession is one connected realtime client: its websocket, its
// subscribed path prefixes, and the removal intents to honor when the
// connection drops.
type treeSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu         sync.Mutex
	subs       map[string]struct{}
	disconnect map[string]struct{}
}

func (s *treeSession) writeFrame(ctx context.Context, f realtime.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.conn.Write(ctx, websocket.MessageText, data)
}

// observes reports whether this session subscribed to a prefix covering
// path. Caller must not hold s.mu.
func (s *treeSession) observes(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs {
		if sub == path || strings.HasPrefix(path, sub+"/") {
			return true
		}
	}

	return false
}

// Tree is the realtime store: a flat map of slash-delimited paths to
// JSON values with live subscriptions and disconnect-triggered removal.
// The whole tree is session-scoped ephemeral state; nothing persists.
type Tree struct {
	logger *slog.Logger

	mu       sync.Mutex
	values   map[string]json.RawMessage
	sessions map[*treeSession]struct{}
	lastTS   int64
}

// NewTree creates an empty realtime tree.
func NewTree(logger *slog.Logger) *Tree {
	return &Tree{
		logger:   logger,
		values:   make(map[string]json.RawMessage),
		sessions: make(map[*treeSession]struct{}),
	}
}

// Handle upgrades the request to a websocket and serves the realtime
// protocol until the connection drops, then honors the session's
// removal intents.
func (t *Tree) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		t.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	sess := &treeSession{
		conn:       conn,
		subs:       make(map[string]struct{}),
		disconnect: make(map[string]struct{}),
	}

	ctx := r.Context()

	// First frame must be init.
	var init realtime.Frame
	if err := readFrame(ctx, conn, &init); err != nil || init.Op != "init" || init.Session == "" {
		conn.Close(websocket.StatusPolicyViolation, "init required")
		return
	}

	if err := sess.writeFrame(ctx, realtime.Frame{Res: "ok"}); err != nil {
		conn.Close(websocket.StatusInternalError, "init ack failed")
		return
	}

	t.mu.Lock()
	t.sessions[sess] = struct{}{}
	t.mu.Unlock()

	t.logger.Debug("realtime session opened",
		slog.String("session", init.Session),
		slog.String("device", init.Device),
	)

	t.serve(ctx, sess)

	// Connection gone, however it went: drop the session and honor its
	// removal intents (the lease expiry of the disconnect hook).
	t.mu.Lock()
	delete(t.sessions, sess)
	t.mu.Unlock()

	sess.mu.Lock()
	intents := make([]string, 0, len(sess.disconnect))
	for path := range sess.disconnect {
		intents = append(intents, path)
	}
	sess.mu.Unlock()

	for _, path := range intents {
		t.remove(path)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
}

func (t *Tree) serve(ctx context.Context, sess *treeSession) {
	for {
		var f realtime.Frame
		if err := readFrame(ctx, sess.conn, &f); err != nil {
			return
		}

		switch f.Op {
		case "ping":
			sess.writeFrame(ctx, realtime.Frame{Op: "pong"})

		case "set":
			t.set(f.Path, f.Value)

		case "remove":
			t.remove(f.Path)

		case "get":
			t.mu.Lock()
			value := t.values[f.Path]
			t.mu.Unlock()
			sess.writeFrame(ctx, realtime.Frame{Op: "result", Path: f.Path, Value: value})

		case "sub":
			sess.mu.Lock()
			sess.subs[f.Path] = struct{}{}
			sess.mu.Unlock()
			t.replay(ctx, sess, f.Path)

		case "unsub":
			sess.mu.Lock()
			delete(sess.subs, f.Path)
			sess.mu.Unlock()

		case "ondisconnect":
			sess.mu.Lock()
			sess.disconnect[f.Path] = struct{}{}
			sess.mu.Unlock()

		case "cancel_ondisconnect":
			sess.mu.Lock()
			delete(sess.disconnect, f.Path)
			sess.mu.Unlock()

		default:
			t.logger.Debug("unknown realtime op", slog.String("op", f.Op))
		}
	}
}

// replay sends the current state under a freshly subscribed prefix: one
// value event per existing key, or a single null event when nothing is
// set, so the subscriber always learns the current state immediately.
func (t *Tree) replay(ctx context.Context, sess *treeSession, path string) {
	t.mu.Lock()
	var existing []realtime.Frame
	for p, v := range t.values {
		if p == path || strings.HasPrefix(p, path+"/") {
			existing = append(existing, realtime.Frame{Op: "value", Path: p, Value: v})
		}
	}
	t.mu.Unlock()

	if len(existing) == 0 {
		existing = append(existing, realtime.Frame{Op: "value", Path: path})
	}

	for _, f := range existing {
		if err := sess.writeFrame(ctx, f); err != nil {
			return
		}
	}
}

// set stamps server timestamps into the value, stores it, and
// broadcasts to observers.
func (t *Tree) set(path string, value json.RawMessage) {
	if path == "" {
		return
	}

	stamped := t.stamp(value)

	t.mu.Lock()
	t.values[path] = stamped
	t.mu.Unlock()

	t.broadcast(path, stamped)
}

// remove deletes a path and broadcasts a null value to observers.
// Removing an absent path is a no-op.
func (t *Tree) remove(path string) {
	t.mu.Lock()
	_, ok := t.values[path]
	delete(t.values, path)
	t.mu.Unlock()

	if ok {
		t.broadcast(path, nil)
	}
}

func (t *Tree) broadcast(path string, value json.RawMessage) {
	t.mu.Lock()
	sessions := make([]*treeSession, 0, len(t.sessions))
	for sess := range t.sessions {
		sessions = append(sessions, sess)
	}
	t.mu.Unlock()

	frame := realtime.Frame{Op: "value", Path: path, Value: value}

	for _, sess := range sessions {
		if !sess.observes(path) {
			continue
		}

		writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := sess.writeFrame(writeCtx, frame); err != nil {
			t.logger.Debug("broadcast write failed", slog.String("path", path))
		}
		cancel()
	}
}

// stamp replaces server-timestamp placeholders with the store's clock:
// either the whole value, or any top-level object field.
func (t *Tree) stamp(value json.RawMessage) json.RawMessage {
	if realtime.IsServerTimestamp(value) {
		return t.nowJSON()
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(value, &fields); err != nil {
		return value // not an object, nothing to stamp
	}

	stamped := false
	for k, v := range fields {
		if realtime.IsServerTimestamp(v) {
			fields[k] = t.nowJSON()
			stamped = true
		}
	}

	if !stamped {
		return value
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return value
	}

	return out
}

// nowJSON returns the store clock as a JSON number, monotonic across
// calls.
func (t *Tree) nowJSON() json.RawMessage {
	t.mu.Lock()
	ts := time.Now().UnixMilli()
	if ts <= t.lastTS {
		ts = t.lastTS + 1
	}
	t.lastTS = ts
	t.mu.Unlock()

	data, _ := json.Marshal(ts)

	return data
}

func readFrame(ctx context.Context, conn *websocket.Conn, f *realtime.Frame) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, f)
}
