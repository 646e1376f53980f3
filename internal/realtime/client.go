// Package realtime is the client for the remote realtime store: a
// slash-delimited tree of JSON values with live subscriptions and
// "remove this value when my connection drops" registration. It carries
// the ephemeral chat state (typing, reactions, seen, unread) and the
// connectivity signal, and is independent of the structured-store sync
// pipeline.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 60 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin    = 1 * time.Second
	reconnectMax    = 60 * time.Second
	responseTimeout = 30 * time.Second
)

var errResponseTimeout = fmt.Errorf("timed out waiting for server response")

// wsConn is the subset of *websocket.Conn the client uses. Narrowed so
// tests can substitute a mock connection.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// inboundMsg wraps a message read from the websocket by the reader
// goroutine.
type inboundMsg struct {
	data []byte
	err  error
}

// clientOp is an operation submitted to the event loop by a caller.
// wantResult ops (get) block until the server's result frame arrives.
type clientOp struct {
	frame      Frame
	wantResult bool
	result     chan opResult
}

type opResult struct {
	value json.RawMessage
	err   error
}

// subscription is one registered live-query callback. A subscription on
// path P observes P and every descendant of P.
type subscription struct {
	path string
	fn   func(path string, value json.RawMessage)
}

// Client manages the websocket connection to the realtime store.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine (Listen) processes inbound frames, caller
// operations (opCh), and heartbeat ticks. All writes to the connection
// happen from the event loop, except during Connect and reconnect replay
// when no loop is running.
type Client struct {
	conn   wsConn
	logger *slog.Logger

	url     string
	session string
	device  string

	dial func(ctx context.Context) (wsConn, error)

	// opCh receives operations from callers. The event loop processes
	// them one at a time.
	opCh chan clientOp

	// inboundCh receives frames from the reader goroutine.
	inboundCh chan inboundMsg

	// subs holds live subscriptions by local ID. pathRefs counts active
	// subscriptions per path so sub/unsub frames are only sent on the
	// first and last. subsMu is held while dispatching callbacks, which
	// is what makes "no callbacks after Unsubscribe returns" hold.
	subs      map[int]*subscription
	pathRefs  map[string]int
	nextSubID int
	subsMu    sync.Mutex

	// disconnectPaths are the on-disconnect removal intents to replay
	// after a reconnect, since the server forgets them with the session.
	disconnectPaths map[string]struct{}
	disconnectMu    sync.Mutex

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	connected     bool
	connListeners map[int]func(online bool)
	nextConnID    int
	connectedMu   sync.Mutex

	// connCancel stops the reader goroutine of the current connection.
	connCancel context.CancelFunc
}

// NewClient creates a realtime client for the given websocket URL. The
// session principal and device name are sent in the init frame.
func NewClient(url, session, device string, logger *slog.Logger) *Client {
	c := &Client{
		logger:          logger,
		url:             url,
		session:         session,
		device:          device,
		opCh:            make(chan clientOp, 64),
		subs:            make(map[int]*subscription),
		pathRefs:        make(map[string]int),
		disconnectPaths: make(map[string]struct{}),
		connListeners:   make(map[int]func(bool)),
	}

	c.dial = func(ctx context.Context) (wsConn, error) {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, err
		}

		return conn, nil
	}

	return c
}

// Connect dials the websocket, sends init, and waits for the server's
// acknowledgement.
func (c *Client) Connect(ctx context.Context) error {
	if c.connCancel != nil {
		c.connCancel()
	}

	c.logger.Debug("connecting to realtime store", slog.String("url", c.url))

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}
	c.conn = conn
	c.touchLastMessage()

	init := Frame{Op: "init", Session: c.session, Device: c.device}
	if err := c.writeJSON(ctx, init); err != nil {
		c.conn.Close(websocket.StatusInternalError, "init failed")
		return fmt.Errorf("sending init: %w", err)
	}

	var resp Frame
	if err := c.readJSON(ctx, &resp); err != nil {
		c.conn.Close(websocket.StatusInternalError, "init read failed")
		return fmt.Errorf("reading init response: %w", err)
	}

	if resp.Res != "ok" {
		c.conn.Close(websocket.StatusNormalClosure, "init rejected")
		return fmt.Errorf("init rejected: %s", resp.Res)
	}

	c.logger.Info("realtime store connected", slog.String("session", c.session))

	return nil
}

// startReader launches a goroutine that reads from the websocket and
// feeds inboundCh. The goroutine captures ch by value so a stale reader
// from a previous connection cannot send into the new channel.
func (c *Client) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, 64)
	c.inboundCh = ch

	conn := c.conn
	go func() {
		for {
			_, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Listen is the event loop with automatic reconnection. It owns all
// writes to the connection. Returns only on context cancellation.
func (c *Client) Listen(ctx context.Context) error {
	backoff := reconnectMin

	connCtx, connCancel := context.WithCancel(ctx)
	c.connCancel = connCancel
	c.startReader(connCtx)
	c.setConnected(true)

	for {
		err := c.eventLoop(ctx, connCtx)
		if err == nil {
			return nil
		}

		c.setConnected(false)
		connCancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("realtime connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := c.reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			c.logger.Warn("realtime reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*2, reconnectMax)

			continue
		}

		connCtx, connCancel = context.WithCancel(ctx)
		c.connCancel = connCancel
		c.startReader(connCtx)
		c.setConnected(true)

		backoff = reconnectMin
		c.logger.Info("realtime store reconnected")
	}
}

// eventLoop is the single event loop for one connection. It selects on
// inbound frames, caller operations, and the heartbeat ticker. Returns
// on read error or context cancellation.
func (c *Client) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}
			c.touchLastMessage()
			c.handleInbound(msg.data)

		case op := <-c.opCh:
			if err := c.handleOp(ctx, op); err != nil {
				// Connection error during an op. The op already got its
				// result. Return to trigger reconnect.
				return err
			}

		case <-ticker.C:
			c.lastMsgMu.Lock()
			elapsed := time.Since(c.lastMessage)
			c.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				c.logger.Warn("realtime connection timed out, closing")
				c.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := c.writeJSON(ctx, Frame{Op: "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound routes a single server frame.
func (c *Client) handleInbound(data []byte) {
	switch gjson.GetBytes(data, "op").Str {
	case "pong":
		return

	case "value":
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("failed to decode value frame", slog.String("error", err.Error()))
			return
		}
		c.dispatch(f.Path, f.Value)

	case "result":
		// A result frame outside a pending get. Stale reply from a
		// timed-out op; drop it.
		c.logger.Debug("unmatched result frame")

	default:
		c.logger.Debug("unexpected realtime frame", slog.String("frame", string(data)))
	}
}

// handleOp writes one caller operation to the connection and, for gets,
// waits inline for the result frame. Connection-level errors are
// returned to trigger a reconnect; the op always receives its result
// first.
func (c *Client) handleOp(ctx context.Context, op clientOp) error {
	if err := c.writeJSON(ctx, op.frame); err != nil {
		op.result <- opResult{err: fmt.Errorf("sending %s: %w", op.frame.Op, err)}
		return err
	}

	if !op.wantResult {
		op.result <- opResult{}
		return nil
	}

	value, err := c.readResult(ctx)
	op.result <- opResult{value: value, err: err}
	if err != nil && err != errResponseTimeout {
		return err
	}

	return nil
}

// readResult reads from inboundCh until the server's result frame
// arrives. Value events and pongs that arrive while waiting are
// processed inline.
func (c *Client) readResult(ctx context.Context) (json.RawMessage, error) {
	timeout := time.NewTimer(responseTimeout)
	defer timeout.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return nil, fmt.Errorf("reading result: %w", msg.err)
			}
			c.touchLastMessage()

			op := gjson.GetBytes(msg.data, "op").Str
			if op == "result" {
				var f Frame
				if err := json.Unmarshal(msg.data, &f); err != nil {
					return nil, fmt.Errorf("decoding result frame: %w", err)
				}

				return f.Value, nil
			}

			c.handleInbound(msg.data)

		case <-timeout.C:
			return nil, errResponseTimeout

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// submit queues an operation for the event loop and waits for its
// result.
func (c *Client) submit(ctx context.Context, op clientOp) (json.RawMessage, error) {
	op.result = make(chan opResult, 1)

	select {
	case c.opCh <- op:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-op.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Set writes a JSON value at path, replacing any previous value.
// Subscribers of the path (and its ancestors) observe the new value.
func (c *Client) Set(ctx context.Context, path string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshalling value for %s: %w", path, err)
	}

	_, err = c.submit(ctx, clientOp{frame: Frame{Op: "set", Path: path, Value: data}})

	return err
}

// Remove deletes the value at path. Removing an absent path is a no-op.
func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.submit(ctx, clientOp{frame: Frame{Op: "remove", Path: path}})

	return err
}

// Get reads the value at path, or nil if absent.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.submit(ctx, clientOp{frame: Frame{Op: "get", Path: path}, wantResult: true})
}

// OnDisconnectRemove registers a removal intent for path: the server
// deletes the value when this session's connection drops, however it
// drops. The intent is replayed automatically after a reconnect.
func (c *Client) OnDisconnectRemove(ctx context.Context, path string) error {
	c.disconnectMu.Lock()
	c.disconnectPaths[path] = struct{}{}
	c.disconnectMu.Unlock()

	_, err := c.submit(ctx, clientOp{frame: Frame{Op: "ondisconnect", Path: path}})

	return err
}

// CancelOnDisconnect withdraws a previously registered removal intent.
func (c *Client) CancelOnDisconnect(ctx context.Context, path string) error {
	c.disconnectMu.Lock()
	delete(c.disconnectPaths, path)
	c.disconnectMu.Unlock()

	_, err := c.submit(ctx, clientOp{frame: Frame{Op: "cancel_ondisconnect", Path: path}})

	return err
}

// Subscribe registers a live callback for path and everything under it.
// The server immediately replays the current state (one value event per
// existing key, or a single null event when nothing is set), then sends
// an event on every change. The returned function unsubscribes; fn is
// not called after it returns. fn must not call Subscribe or the
// unsubscribe function itself.
func (c *Client) Subscribe(ctx context.Context, path string, fn func(path string, value json.RawMessage)) (func(), error) {
	c.subsMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = &subscription{path: path, fn: fn}
	c.pathRefs[path]++
	first := c.pathRefs[path] == 1
	c.subsMu.Unlock()

	if first {
		if _, err := c.submit(ctx, clientOp{frame: Frame{Op: "sub", Path: path}}); err != nil {
			c.dropSub(id, path, false)
			return nil, err
		}
	}

	unsubscribe := func() {
		last := c.dropSub(id, path, true)
		if last {
			// Best effort: the server drops all subscriptions with the
			// connection anyway.
			unsubCtx, cancel := context.WithTimeout(context.Background(), responseTimeout)
			defer cancel()

			if _, err := c.submit(unsubCtx, clientOp{frame: Frame{Op: "unsub", Path: path}}); err != nil {
				c.logger.Debug("unsubscribe frame failed",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	return unsubscribe, nil
}

// dropSub removes a local subscription and decrements the path
// refcount. Reports whether it was the last subscription on the path.
func (c *Client) dropSub(id int, path string, registered bool) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	delete(c.subs, id)
	c.pathRefs[path]--
	last := c.pathRefs[path] == 0 && registered
	if c.pathRefs[path] <= 0 {
		delete(c.pathRefs, path)
	}

	return last
}

// dispatch fans a value event out to every subscription whose path
// covers the event path. Callbacks run with subsMu held, so an
// unsubscribe that has returned is never followed by a callback.
func (c *Client) dispatch(path string, value json.RawMessage) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for _, sub := range c.subs {
		if covers(sub.path, path) {
			sub.fn(path, value)
		}
	}
}

// covers reports whether a subscription on subPath observes an event at
// eventPath.
func covers(subPath, eventPath string) bool {
	return subPath == eventPath || strings.HasPrefix(eventPath, subPath+"/")
}

// SubscribeConn registers a listener for the connection state. The
// listener fires immediately with the current state and again on every
// transition. This is the "reachable" signal the connectivity monitor
// consumes.
func (c *Client) SubscribeConn(fn func(online bool)) func() {
	c.connectedMu.Lock()
	id := c.nextConnID
	c.nextConnID++
	c.connListeners[id] = fn
	current := c.connected
	c.connectedMu.Unlock()

	fn(current)

	return func() {
		c.connectedMu.Lock()
		defer c.connectedMu.Unlock()
		delete(c.connListeners, id)
	}
}

// Connected reports whether the websocket connection is live.
func (c *Client) Connected() bool {
	c.connectedMu.Lock()
	defer c.connectedMu.Unlock()

	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.connectedMu.Lock()
	if c.connected == v {
		c.connectedMu.Unlock()
		return
	}
	c.connected = v
	fns := make([]func(bool), 0, len(c.connListeners))
	for _, fn := range c.connListeners {
		fns = append(fns, fn)
	}
	c.connectedMu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// reconnect dials a fresh websocket, re-sends init, and replays the
// session-scoped state the server forgot: active subscriptions and
// on-disconnect intents. No reader goroutine is running yet, so writes
// go directly to the connection.
func (c *Client) reconnect(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	c.subsMu.Lock()
	paths := make([]string, 0, len(c.pathRefs))
	for path := range c.pathRefs {
		paths = append(paths, path)
	}
	c.subsMu.Unlock()

	for _, path := range paths {
		if err := c.writeJSON(ctx, Frame{Op: "sub", Path: path}); err != nil {
			return fmt.Errorf("replaying subscription %s: %w", path, err)
		}
	}

	c.disconnectMu.Lock()
	intents := make([]string, 0, len(c.disconnectPaths))
	for path := range c.disconnectPaths {
		intents = append(intents, path)
	}
	c.disconnectMu.Unlock()

	for _, path := range intents {
		if err := c.writeJSON(ctx, Frame{Op: "ondisconnect", Path: path}); err != nil {
			return fmt.Errorf("replaying disconnect intent %s: %w", path, err)
		}
	}

	return nil
}

// Close cleanly shuts down the websocket connection.
func (c *Client) Close() error {
	if c.connCancel != nil {
		c.connCancel()
	}
	if c.conn != nil {
		return c.conn.Close(websocket.StatusNormalClosure, "bye")
	}

	return nil
}

func (c *Client) touchLastMessage() {
	c.lastMsgMu.Lock()
	c.lastMessage = time.Now()
	c.lastMsgMu.Unlock()
}

// writeJSON marshals v to JSON and writes it as a text frame. Called
// from the event loop, or during Connect/reconnect before the loop
// starts.
func (c *Client) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	return c.conn.Write(ctx, websocket.MessageText, data)
}

// readJSON reads a text frame and unmarshals it into v. Only called
// during Connect, before the reader goroutine starts.
func (c *Client) readJSON(ctx context.Context, v interface{}) error {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading frame: %w", err)
	}
	c.touchLastMessage()

	return json.Unmarshal(data, v)
}
