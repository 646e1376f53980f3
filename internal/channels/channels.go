// Package channels manages the ephemeral chat state that bypasses the
// structured-store sync pipeline: typing indicators, reaction sets, seen
// markers, and unread counters, all keyed paths in the realtime tree
// store. Write failures here are logged and swallowed; losing a typing
// flag is never worth surfacing to the user.
package channels

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// typingExpiry is the client-side inactivity window: if no further
// keystroke arrives, the typing entry is cleared without waiting for
// the disconnect hook.
const typingExpiry = 4 * time.Second

// TreeStore is the slice of the realtime client the channel layer
// needs.
type TreeStore interface {
	Set(ctx context.Context, path string, value interface{}) error
	Remove(ctx context.Context, path string) error
	Get(ctx context.Context, path string) (json.RawMessage, error)
	OnDisconnectRemove(ctx context.Context, path string) error
	CancelOnDisconnect(ctx context.Context, path string) error
	Subscribe(ctx context.Context, path string, fn func(path string, value json.RawMessage)) (func(), error)
}

// serverStamp is the placeholder the tree store replaces with its own
// clock at write time. Mirrors realtime.ServerTimestamp without
// importing the transport package, so tests can fake the store.
var serverStamp = json.RawMessage(`{".sv":"ts"}`)

// TypingEntry is one participant's live typing flag.
type TypingEntry struct {
	Name string `json:"name"`
	At   int64  `json:"at"`
}

// UnreadSummary is the per-channel unread state for one participant.
type UnreadSummary struct {
	Count       int    `json:"count"`
	LastPreview string `json:"last_preview,omitempty"`
	LastAt      int64  `json:"last_at"`
}

// Channels is the realtime channel layer for one local participant.
type Channels struct {
	rt     TreeStore
	self   string
	name   string
	logger *slog.Logger

	// typingTimers holds the per-channel inactivity timer that clears
	// the local typing entry.
	typingTimers map[string]*time.Timer
	mu           sync.Mutex
}

// New creates the channel layer. self is the participant identity from
// the authentication collaborator; name is the display name written
// into typing entries.
func New(rt TreeStore, self, name string, logger *slog.Logger) *Channels {
	return &Channels{
		rt:           rt,
		self:         self,
		name:         name,
		logger:       logger,
		typingTimers: make(map[string]*time.Timer),
	}
}

// Close stops all pending typing timers.
func (c *Channels) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for channel, timer := range c.typingTimers {
		timer.Stop()
		delete(c.typingTimers, channel)
	}
}

func typingPath(channel, participant string) string {
	return "typing/" + channel + "/" + participant
}

func reactionPath(channel, messageID, emoji string) string {
	return "reactions/" + channel + "/" + messageID + "/" + emoji
}

func seenPath(channel, participant string) string {
	return "seen/" + channel + "/" + participant
}

func unreadPath(participant, channel string) string {
	return "unread/" + participant + "/" + channel
}

// StartTyping publishes the local participant's typing flag for a
// channel and arms the inactivity timer. The entry carries a
// server-assigned timestamp and a registered removal intent, so a
// crashed client cannot leave a stale "is typing" flag behind.
func (c *Channels) StartTyping(ctx context.Context, channel string) {
	path := typingPath(channel, c.self)

	entry := map[string]interface{}{
		"name": c.name,
		"at":   serverStamp,
	}

	if err := c.rt.Set(ctx, path, entry); err != nil {
		c.logger.Warn("failed to set typing flag",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := c.rt.OnDisconnectRemove(ctx, path); err != nil {
		c.logger.Warn("failed to register typing cleanup",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if timer, ok := c.typingTimers[channel]; ok {
		timer.Reset(typingExpiry)
		return
	}

	c.typingTimers[channel] = time.AfterFunc(typingExpiry, func() {
		expireCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.StopTyping(expireCtx, channel)
	})
}

// StopTyping clears the local participant's typing flag, either because
// they stopped typing or because the message was sent.
func (c *Channels) StopTyping(ctx context.Context, channel string) {
	c.mu.Lock()
	if timer, ok := c.typingTimers[channel]; ok {
		timer.Stop()
		delete(c.typingTimers, channel)
	}
	c.mu.Unlock()

	path := typingPath(channel, c.self)

	if err := c.rt.Remove(ctx, path); err != nil {
		c.logger.Warn("failed to clear typing flag",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := c.rt.CancelOnDisconnect(ctx, path); err != nil {
		c.logger.Warn("failed to cancel typing cleanup",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// SubscribeTyping delivers the set of currently-typing participants for
// a channel, keyed by participant ID, on every change. The local
// participant's own entry is filtered out.
func (c *Channels) SubscribeTyping(ctx context.Context, channel string, fn func(map[string]TypingEntry)) (func(), error) {
	base := "typing/" + channel
	entries := make(map[string]TypingEntry)

	return c.rt.Subscribe(ctx, base, func(path string, value json.RawMessage) {
		participant := strings.TrimPrefix(path, base+"/")
		if participant == path || participant == "" {
			// Null event for the bare prefix: the channel has no typing
			// entries at all.
			fn(c.copyWithoutSelf(entries))
			return
		}

		if value == nil || string(value) == "null" {
			delete(entries, participant)
		} else {
			var entry TypingEntry
			if err := json.Unmarshal(value, &entry); err != nil {
				c.logger.Warn("malformed typing entry", slog.String("path", path))
				return
			}
			entries[participant] = entry
		}

		fn(c.copyWithoutSelf(entries))
	})
}

func (c *Channels) copyWithoutSelf(entries map[string]TypingEntry) map[string]TypingEntry {
	out := make(map[string]TypingEntry, len(entries))
	for participant, entry := range entries {
		if participant == c.self {
			continue
		}
		out[participant] = entry
	}

	return out
}

// ToggleReaction toggles the local participant's presence in the
// reaction set for (channel, message, emoji). Adding when present
// removes instead; a set that becomes empty is deleted outright so the
// emoji chip disappears rather than rendering a zero badge.
func (c *Channels) ToggleReaction(ctx context.Context, channel, messageID, emoji string) {
	path := reactionPath(channel, messageID, emoji)

	raw, err := c.rt.Get(ctx, path)
	if err != nil {
		c.logger.Warn("failed to read reaction set",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	var participants []string
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &participants); err != nil {
			c.logger.Warn("malformed reaction set", slog.String("path", path))
			return
		}
	}

	toggled := participants[:0]
	found := false
	for _, p := range participants {
		if p == c.self {
			found = true
			continue
		}
		toggled = append(toggled, p)
	}
	if !found {
		toggled = append(toggled, c.self)
	}

	if len(toggled) == 0 {
		err = c.rt.Remove(ctx, path)
	} else {
		err = c.rt.Set(ctx, path, toggled)
	}
	if err != nil {
		c.logger.Warn("failed to write reaction set",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// SubscribeReactions delivers the reaction sets of one message, keyed
// by emoji, on every change.
func (c *Channels) SubscribeReactions(ctx context.Context, channel, messageID string, fn func(map[string][]string)) (func(), error) {
	base := "reactions/" + channel + "/" + messageID
	sets := make(map[string][]string)

	return c.rt.Subscribe(ctx, base, func(path string, value json.RawMessage) {
		emoji := strings.TrimPrefix(path, base+"/")
		if emoji == path || emoji == "" {
			fn(copyReactions(sets))
			return
		}

		if value == nil || string(value) == "null" {
			delete(sets, emoji)
		} else {
			var participants []string
			if err := json.Unmarshal(value, &participants); err != nil {
				c.logger.Warn("malformed reaction set", slog.String("path", path))
				return
			}
			sets[emoji] = participants
		}

		fn(copyReactions(sets))
	})
}

// MarkSeen advances the local participant's seen marker for a channel
// to the server's current time. The marker is a high-water mark: a
// message is seen iff its timestamp is less than or equal to the
// marker, never compared for equality.
func (c *Channels) MarkSeen(ctx context.Context, channel string) {
	if err := c.rt.Set(ctx, seenPath(channel, c.self), serverStamp); err != nil {
		c.logger.Warn("failed to advance seen marker",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// SubscribeSeen delivers every participant's seen marker for a channel,
// keyed by participant ID, on every change.
func (c *Channels) SubscribeSeen(ctx context.Context, channel string, fn func(map[string]int64)) (func(), error) {
	base := "seen/" + channel
	markers := make(map[string]int64)

	return c.rt.Subscribe(ctx, base, func(path string, value json.RawMessage) {
		participant := strings.TrimPrefix(path, base+"/")
		if participant == path || participant == "" {
			fn(copySeen(markers))
			return
		}

		if value == nil || string(value) == "null" {
			delete(markers, participant)
		} else {
			var at int64
			if err := json.Unmarshal(value, &at); err != nil {
				c.logger.Warn("malformed seen marker", slog.String("path", path))
				return
			}
			markers[participant] = at
		}

		fn(copySeen(markers))
	})
}

// SeenBy reports whether a message with the given timestamp has been
// seen under the given marker.
func SeenBy(marker, messageAt int64) bool {
	return messageAt <= marker
}

// BumpUnread increments a recipient's unread summary for a channel.
// Called from the message-send path as a side effect of delivering a
// message; the recipient's own client clears it on open.
func (c *Channels) BumpUnread(ctx context.Context, recipient, channel, preview string) {
	path := unreadPath(recipient, channel)

	raw, err := c.rt.Get(ctx, path)
	if err != nil {
		c.logger.Warn("failed to read unread summary",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	var summary UnreadSummary
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &summary); err != nil {
			c.logger.Warn("malformed unread summary", slog.String("path", path))
			return
		}
	}

	value := map[string]interface{}{
		"count":        summary.Count + 1,
		"last_preview": preview,
		"last_at":      serverStamp,
	}

	if err := c.rt.Set(ctx, path, value); err != nil {
		c.logger.Warn("failed to bump unread summary",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// ClearUnread removes the local participant's unread summary for a
// channel. Called as a side effect of opening the channel.
func (c *Channels) ClearUnread(ctx context.Context, channel string) {
	if err := c.rt.Remove(ctx, unreadPath(c.self, channel)); err != nil {
		c.logger.Warn("failed to clear unread summary",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// SubscribeUnread delivers the local participant's unread summaries
// across all channels, keyed by channel, on every change.
func (c *Channels) SubscribeUnread(ctx context.Context, fn func(map[string]UnreadSummary)) (func(), error) {
	base := "unread/" + c.self
	summaries := make(map[string]UnreadSummary)

	return c.rt.Subscribe(ctx, base, func(path string, value json.RawMessage) {
		channel := strings.TrimPrefix(path, base+"/")
		if channel == path || channel == "" {
			fn(copyUnread(summaries))
			return
		}

		if value == nil || string(value) == "null" {
			delete(summaries, channel)
		} else {
			var summary UnreadSummary
			if err := json.Unmarshal(value, &summary); err != nil {
				c.logger.Warn("malformed unread summary", slog.String("path", path))
				return
			}
			summaries[channel] = summary
		}

		fn(copyUnread(summaries))
	})
}

func copyReactions(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}

	return out
}

func copySeen(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

func copyUnread(m map[string]UnreadSummary) map[string]UnreadSummary {
	out := make(map[string]UnreadSummary, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
