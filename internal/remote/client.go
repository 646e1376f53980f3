// Package remote is the HTTP client for the remote structured store: a
// document API addressed by (entity-type, canonical ID) supporting
// incremental range queries over the server-assigned write timestamp
// and atomic merge-write batches.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/fieldcrew/crewsync/internal/record"
	"github.com/fieldcrew/crewsync/internal/syncerrors"
	"github.com/google/uuid"
)

// Client talks to the document API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	principal  string
}

// NewClient creates a document API client. If httpClient is nil,
// http.DefaultClient is used. The principal identifies the session to
// the store's own access rules; crewsync never enforces authorization
// itself.
func NewClient(baseURL, principal string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		principal:  principal,
	}
}

// Query returns all documents of one entity type with a write timestamp
// strictly greater than since. A zero since fetches everything (full
// resync). An entity type the store has never seen returns an empty
// slice, same as an empty table.
func (c *Client) Query(ctx context.Context, t record.EntityType, since int64) ([]Doc, error) {
	endpoint := "/v1/" + string(t)
	if since > 0 {
		endpoint += "?since=" + url.QueryEscape(strconv.FormatInt(since, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-Principal", c.principal)

	var resp QueryResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("querying %s: %w", t, err)
	}

	return resp.Docs, nil
}

// CommitBatch writes all staged documents of one entity type in a
// single atomic batch with merge semantics. The store assigns the write
// timestamp at commit time; client clocks are never trusted.
func (c *Client) CommitBatch(ctx context.Context, t record.EntityType, writes []Write) error {
	payload, err := json.Marshal(BatchRequest{Writes: writes})
	if err != nil {
		return fmt.Errorf("marshalling batch: %w", err)
	}

	endpoint := "/v1/" + string(t) + "/batch"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Principal", c.principal)

	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("committing %s batch: %w", t, err)
	}

	return nil
}

// AllocateID returns a fresh canonical identifier for an entity type
// with no deterministic key derivation. The ID is fixed before the
// write commits, so a retried push reuses it rather than minting a
// duplicate document.
func (c *Client) AllocateID() string {
	return uuid.NewString()
}

// do executes the request and decodes the JSON response into result.
// Permission rejections map to syncerrors.ErrPermissionDenied so the
// orchestrator can report them distinctly from transient failures.
func (c *Client) do(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", syncerrors.ErrRemoteRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w (status %d)", syncerrors.ErrPermissionDenied, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%w: status %d: %s", syncerrors.ErrRemoteResponse, resp.StatusCode, apiErr.Error)
		}

		return fmt.Errorf("%w: status %d: %s", syncerrors.ErrRemoteResponse, resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
