// Package mapgen is a Go client for the mapping generation HTTP API.
package mapgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mapgen/internal/api"
	"github.com/sells-group/mapgen/internal/model"
	"github.com/sells-group/mapgen/internal/scheduler"
	"github.com/sells-group/mapgen/internal/snapshot"
)

// DefaultPollInterval is used until the server advertises one.
const DefaultPollInterval = 2 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mapgen: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// IsConflict reports whether err is a 409 from an action endpoint, meaning
// the question already has a job in flight.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

type etagEntry struct {
	etag string
	snap *model.GenerationSnapshot
}

// Client talks to one mapgen server.
type Client struct {
	baseURL string
	http    *http.Client

	mu           sync.Mutex
	pollInterval time.Duration
	etags        map[string]etagEntry
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: 30 * time.Second},
		pollInterval: DefaultPollInterval,
		etags:        make(map[string]etagEntry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// PollInterval returns the interval last advertised by the server.
func (c *Client) PollInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollInterval
}

// RegisterQuestions sets the questions of a run. Questions that already have
// jobs cannot be dropped or edited; the server answers 409 (see IsConflict).
func (c *Client) RegisterQuestions(ctx context.Context, runID string, questions []model.Question) error {
	body := map[string]any{"questions": questions}
	return c.do(ctx, http.MethodPut, runPath(runID, "questions"), body, nil)
}

// ReplaceQuestions sets the questions of a run, dropping or editing questions
// that already have jobs. It still conflicts while a job is in flight.
func (c *Client) ReplaceQuestions(ctx context.Context, runID string, questions []model.Question) error {
	body := map[string]any{"questions": questions, "replace": true}
	return c.do(ctx, http.MethodPut, runPath(runID, "questions"), body, nil)
}

// GenerateOne requests generation for one question.
func (c *Client) GenerateOne(ctx context.Context, runID, questionID string, opts scheduler.Options) (*api.GenerateResponse, error) {
	var out api.GenerateResponse
	path := runPath(runID, "questions", questionID, "generate")
	if err := c.do(ctx, http.MethodPost, path, opts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateAll requests generation for every question of a run that has no
// job in flight.
func (c *Client) GenerateAll(ctx context.Context, runID string, opts scheduler.Options) (*api.GenerateAllResponse, error) {
	var out api.GenerateAllResponse
	if err := c.do(ctx, http.MethodPost, runPath(runID, "generate-all"), opts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Promotion fetches the promotion gate decision for a run.
func (c *Client) Promotion(ctx context.Context, runID string) (*snapshot.Decision, error) {
	var out snapshot.Decision
	if err := c.do(ctx, http.MethodGet, runPath(runID, "promotion"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Snapshot fetches the current snapshot of a run. Unchanged snapshots are
// served from the client's cache via If-None-Match.
func (c *Client) Snapshot(ctx context.Context, runID string) (*model.GenerationSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+runPath(runID, "generation-status"), nil)
	if err != nil {
		return nil, eris.Wrap(err, "mapgen: build snapshot request")
	}
	c.mu.Lock()
	cached, ok := c.etags[runID]
	c.mu.Unlock()
	if ok {
		req.Header.Set("If-None-Match", cached.etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "mapgen: fetch snapshot")
	}
	defer resp.Body.Close() //nolint:errcheck
	c.notePollInterval(resp)

	if resp.StatusCode == http.StatusNotModified && ok {
		return cached.snap, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}

	var snap model.GenerationSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, eris.Wrap(err, "mapgen: decode snapshot")
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		c.mu.Lock()
		c.etags[runID] = etagEntry{etag: etag, snap: &snap}
		c.mu.Unlock()
	}
	return &snap, nil
}

// Watch polls a run until every listed question (every question when none
// are listed) is terminal. interval <= 0 uses the server's advertised
// interval. onSnapshot, if set, sees each new snapshot version.
func (c *Client) Watch(ctx context.Context, runID string, questionIDs []string, interval time.Duration, onSnapshot func(*model.GenerationSnapshot)) (*model.GenerationSnapshot, error) {
	fetch := func(ctx context.Context) (*model.GenerationSnapshot, error) {
		return c.Snapshot(ctx, runID)
	}
	next := func() time.Duration {
		if interval > 0 {
			return interval
		}
		return c.PollInterval()
	}
	return poll(ctx, fetch, next, questionIDs, onSnapshot)
}

func (c *Client) notePollInterval(resp *http.Response) {
	secs, err := strconv.Atoi(resp.Header.Get("X-Poll-Interval"))
	if err != nil || secs <= 0 {
		return
	}
	c.mu.Lock()
	c.pollInterval = time.Duration(secs) * time.Second
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return eris.Wrap(err, "mapgen: encode request")
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return eris.Wrap(err, "mapgen: build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "mapgen: %s %s", method, path)
	}
	defer resp.Body.Close() //nolint:errcheck
	c.notePollInterval(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return eris.Wrapf(err, "mapgen: decode %s response", path)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

func runPath(runID string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/runs/")
	b.WriteString(url.PathEscape(runID))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}
