package remote

import "encoding/json"

// Doc is one document returned by a range query against the structured
// store. UpdatedAt is the store-assigned write timestamp in Unix
// milliseconds, monotonic per write.
type Doc struct {
	ID        string          `json:"id"`
	UpdatedAt int64           `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// Write is one staged document write. Batches commit atomically with
// merge semantics: only the fields present in Data overwrite the remote
// document, unrelated remote fields survive.
type Write struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// QueryResponse is returned from GET /v1/{entity}.
type QueryResponse struct {
	Docs []Doc `json:"docs"`
}

// BatchRequest is the payload for POST /v1/{entity}/batch.
type BatchRequest struct {
	Writes []Write `json:"writes"`
}

// APIError represents an error response from the document API.
type APIError struct {
	Error string `json:"error"`
}
