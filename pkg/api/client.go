package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vjranagit/historian/pkg/storeerr"
	"github.com/vjranagit/historian/pkg/types"
)

// Client is a store reached over HTTP.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the store served at baseURL. A nil
// httpClient uses one with a two minute timeout.
func NewClient(name, baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Name returns the remote store name.
func (c *Client) Name() string {
	return c.name
}

func (c *Client) post(ctx context.Context, path string, id *types.Identity, body, reply any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if name := id.Name(); name != "" {
		req.Header.Set(IdentityHeader, name)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return storeerr.New(storeerr.KindServiceUnavailable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := storeerr.KindStoreAccess
		if resp.StatusCode == http.StatusServiceUnavailable {
			kind = storeerr.KindServiceUnavailable
		}
		return storeerr.Errorf(kind, path, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		return storeerr.StoreAccess(path, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// Select sends the queries in one request. A failed request fails every
// query with its cause.
func (c *Client) Select(ctx context.Context, queries []*types.StoreValuesQuery, id *types.Identity) []*types.StoreValues {
	var reply selectResponse
	err := c.post(ctx, "/api/v1/select", id, selectRequest{Queries: queries}, &reply)
	if err == nil && len(reply.Responses) != len(queries) {
		err = storeerr.Errorf(storeerr.KindStoreAccess, "select", "%d responses for %d queries", len(reply.Responses), len(queries))
	}
	if err != nil {
		responses := make([]*types.StoreValues, len(queries))
		for i, q := range queries {
			if q != nil {
				responses[i] = types.Failed(q, err)
			}
		}
		return responses
	}

	// Responses echo the query; hand back the caller's own.
	for i, r := range reply.Responses {
		if r != nil {
			r.Query = queries[i]
		}
	}
	return reply.Responses
}

// Update sends the values in one request.
func (c *Client) Update(ctx context.Context, values []*types.VersionedValue, id *types.Identity) []error {
	var reply updateResponse
	err := c.post(ctx, "/api/v1/update", id, updateRequest{Values: values}, &reply)
	if err == nil && len(reply.Errors) != len(values) {
		err = storeerr.Errorf(storeerr.KindStoreAccess, "update", "%d results for %d values", len(reply.Errors), len(values))
	}

	errs := make([]error, len(values))
	for i, v := range values {
		switch {
		case v == nil:
		case err != nil:
			errs[i] = err
		default:
			errs[i] = reply.Errors[i].Err()
		}
	}
	return errs
}

// Pull waits on the remote store for changes matching q.
func (c *Client) Pull(ctx context.Context, q *types.StoreValuesQuery, timeout time.Duration, id *types.Identity) *types.StoreValues {
	var reply types.StoreValues
	if err := c.post(ctx, "/api/v1/pull", id, pullRequest{Query: q, Timeout: timeout.Milliseconds()}, &reply); err != nil {
		return types.Failed(q, err)
	}
	reply.Query = q
	return &reply
}

// Purge drops remote history of point inside interval.
func (c *Client) Purge(ctx context.Context, point types.PointRef, interval types.TimeInterval, id *types.Identity) (int, error) {
	payload, err := json.Marshal(purgeRequest{Point: point, Interval: interval})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/purge", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	if name := id.Name(); name != "" {
		req.Header.Set(IdentityHeader, name)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, storeerr.New(storeerr.KindServiceUnavailable, "purge", err)
	}
	defer resp.Body.Close()

	var reply purgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return 0, storeerr.StoreAccess("purge", fmt.Errorf("status %d: %w", resp.StatusCode, err))
	}
	return reply.Removed, reply.Error.Err()
}

// Probe reports whether the remote store answers its health check.
func (c *Client) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
