package timestamps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/forPelevin/subsync/internal/ports"
	"github.com/forPelevin/subsync/internal/types"
)

const (
	wordTimestampsPath = "/word-timestamps/"
	progressPath       = "/generation-progress/"

	defaultRequestTimeout = 10 * time.Second
	maxErrorBody          = 400
)

// StatusError is a non-2xx, non-404 response from the backend.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned %d: %s", e.Code, e.Status)
	}
	return fmt.Sprintf("server returned %d: %s - %s", e.Code, e.Status, e.Body)
}

type Client struct {
	baseURL        string
	client         *http.Client
	requestTimeout time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// New returns a client for the backend at baseURL. The URL is normalized but
// not validated; call ValidateBaseURL first when it comes from user input.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        normalizeBaseURL(baseURL),
		client:         &http.Client{},
		requestTimeout: defaultRequestTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

// Fetch asks the backend for the current artifact's word timestamps. A 404
// is reported as ports.ErrNotReady.
func (c *Client) Fetch(ctx context.Context) (types.Transcript, error) {
	var tr types.Transcript
	if err := c.getJSON(ctx, wordTimestampsPath, &tr); err != nil {
		return types.Transcript{}, err
	}
	return tr, nil
}

// Progress reports how far the backend is with the current audio generation.
func (c *Client) Progress(ctx context.Context) (types.Progress, error) {
	var p types.Progress
	if err := c.getJSON(ctx, progressPath, &p); err != nil {
		return types.Progress{}, err
	}
	return p, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("GET %s: timeout after %s", path, c.requestTimeout)
		}
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return ports.ErrNotReady
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rb, readErr := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
		if readErr != nil {
			return fmt.Errorf("server returned %d and read body failed: %v", resp.StatusCode, readErr)
		}
		return &StatusError{
			Code:   resp.StatusCode,
			Status: http.StatusText(resp.StatusCode),
			Body:   truncate(string(rb), maxErrorBody),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var (
	_ ports.TimestampSource = (*Client)(nil)
	_ ports.ProgressSource  = (*Client)(nil)
)
