package realtime

import "encoding/json"

// Frame is the JSON message exchanged on the realtime websocket, both
// directions. Ops from the client: init, ping, set, remove, get, sub,
// unsub, ondisconnect, cancel_ondisconnect. Ops from the server: pong,
// value (live subscription event), result (reply to get).
type Frame struct {
	Op      string          `json:"op"`
	Path    string          `json:"path,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Session string          `json:"session,omitempty"`
	Device  string          `json:"device,omitempty"`
	Res     string          `json:"res,omitempty"`
}

// ServerTimestamp is the placeholder the server replaces with its own
// clock (Unix milliseconds) at write time. Embed it as a field value in
// a set payload; client clocks never reach the tree.
var ServerTimestamp = json.RawMessage(`{".sv":"ts"}`)

// IsServerTimestamp reports whether raw is the placeholder token.
func IsServerTimestamp(raw json.RawMessage) bool {
	return string(raw) == string(ServerTimestamp)
}
