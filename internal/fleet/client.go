package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Local calls an in-process shard directly.
type Local struct {
	ID      string
	Applier Applier
}

func (l Local) Name() string { return l.ID }

func (l Local) Apply(ctx context.Context, req UpdateRequest) (UpdateResponse, error) {
	if l.Applier == nil {
		return UpdateResponse{ShardID: l.ID}, nil
	}
	resp := l.Applier.Apply(ctx, req)
	if resp.ShardID == "" {
		resp.ShardID = l.ID
	}
	return resp, nil
}

// HTTPClient talks to a remote shard's fleet endpoint.
type HTTPClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewHTTPClient returns a client for the shard listening at baseURL.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Name() string { return c.BaseURL }

func (c *HTTPClient) Apply(ctx context.Context, req UpdateRequest) (UpdateResponse, error) {
	var out UpdateResponse
	err := c.postJSON(ctx, c.BaseURL+PathApply, req, &out)
	return out, err
}

// Status fetches the peer's status document.
func (c *HTTPClient) Status(ctx context.Context, out any) error {
	return c.getJSON(ctx, c.BaseURL+PathStatus, out)
}

func (c *HTTPClient) postJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, url, out)
}

func (c *HTTPClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, url, out)
}

func (c *HTTPClient) do(req *http.Request, url string, out any) error {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("http %s: %w", url, ErrUnauthorized)
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("http %s: %d %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
