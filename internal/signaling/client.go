package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const maxResponseSize = 1 << 20

// HTTPClient talks to the relay's HTTP endpoints: POST for submission and
// GET /check for polling.
type HTTPClient struct {
	base *url.URL
	http *http.Client
}

// NewHTTPClient validates the relay endpoint. A nil hc uses a client with a
// 10 second timeout.
func NewHTTPClient(endpoint string, hc *http.Client) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid signaling endpoint: %s", endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("signaling endpoint must be http or https: %s", endpoint)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{base: u, http: hc}, nil
}

// Send posts e to /offer, /answer or /ice-candidate.
func (c *HTTPClient) Send(ctx context.Context, e Envelope) error {
	if err := e.Validate(); err != nil {
		return err
	}

	path := "/" + string(e.Kind)
	if e.Kind == KindCandidate {
		path = "/ice-candidate"
	}

	if err := c.postJSON(ctx, path, NewSignalRequest(e)); err != nil {
		return &TransportError{Op: "send " + string(e.Kind), Attempts: 1, Err: err}
	}
	return nil
}

// Check fetches the raw check document for peerID.
func (c *HTTPClient) Check(ctx context.Context, peerID string) (CheckResponse, error) {
	var resp CheckResponse
	if err := c.getJSON(ctx, "/check/"+url.PathEscape(peerID), &resp); err != nil {
		return resp, &TransportError{Op: "check", Attempts: 1, Err: err}
	}
	return resp, nil
}

// Poll returns every envelope the relay holds for peerID, in ascending
// sequence order. Envelopes that were already delivered are returned again;
// callers deduplicate.
func (c *HTTPClient) Poll(ctx context.Context, peerID string) ([]Envelope, error) {
	resp, err := c.Check(ctx, peerID)
	if err != nil {
		return nil, err
	}
	envs, err := resp.Envelopes()
	sort.SliceStable(envs, func(i, j int) bool { return envs[i].Sequence < envs[j].Sequence })
	return envs, err
}

// PushURL returns the WebSocket push URL for peerID.
func (c *HTTPClient) PushURL(peerID string) string {
	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = c.base.Path + "/ws/" + url.PathEscape(peerID)
	u.RawQuery = ""
	return u.String()
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func (c *HTTPClient) postJSON(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", req.URL.Path, err)
	}
	return nil
}
