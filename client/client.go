// Package client talks to the board HTTP API.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/nkitajim/task-collabo/domain"
)

const (
	maxResponseSize = 4 << 20
	maxErrorBody    = 4 << 10

	headerIdempotencyKey = "Idempotency-Key"
)

// Options tunes a Client. Zero values select defaults.
type Options struct {
	HTTPClient   *http.Client
	Logger       *log.Logger
	Timeout      time.Duration
	Retries      int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Client issues board API requests. It is safe for concurrent use.
type Client struct {
	base   *url.URL
	cred   Credential
	http   *http.Client
	logger *log.Logger

	retries      int
	retryInitial time.Duration
	retryMax     time.Duration
}

// New creates a Client for the API rooted at baseURL.
func New(baseURL string, cred Credential, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api base: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api base %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("api base %q: missing host", baseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Client{
		base:         u,
		cred:         cred,
		http:         hc,
		logger:       logger,
		retries:      opts.Retries,
		retryInitial: opts.RetryInitial,
		retryMax:     opts.RetryMax,
	}, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() *url.URL {
	cp := *c.base
	return &cp
}

// Credential returns the credential presented on each request.
func (c *Client) Credential() Credential { return c.cred }

// FetchBoard loads the full board document.
func (c *Client) FetchBoard(ctx context.Context, boardID domain.ID) (domain.Board, error) {
	var b domain.Board
	err := c.do(ctx, call{
		method:     http.MethodGet,
		route:      "/boards/{id}/full",
		path:       "/boards/" + escape(boardID) + "/full",
		idempotent: true,
	}, &b)
	if err != nil {
		return domain.Board{}, err
	}
	if b.ID == "" {
		b.ID = boardID
	}
	return b, nil
}

// ListBoards lists the boards the credential is a member of.
func (c *Client) ListBoards(ctx context.Context) ([]domain.BoardSummary, error) {
	var out []domain.BoardSummary
	err := c.do(ctx, call{method: http.MethodGet, route: "/boards", path: "/boards", idempotent: true}, &out)
	return out, err
}

// CreateBoard creates a board owned by the credential's user.
func (c *Client) CreateBoard(ctx context.Context, title string) (domain.BoardSummary, error) {
	var resp struct {
		Board domain.BoardSummary `json:"board"`
	}
	err := c.do(ctx, call{
		method: http.MethodPost,
		route:  "/boards",
		path:   "/boards",
		body:   map[string]string{"title": title},
	}, &resp)
	return resp.Board, err
}

// CreateTask creates a task at the end of a column and returns the confirmed task.
func (c *Client) CreateTask(ctx context.Context, columnID domain.ID, draft domain.TaskDraft) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, call{
		method: http.MethodPost,
		route:  "/columns/{id}/tasks",
		path:   "/columns/" + escape(columnID) + "/tasks",
		body:   draft,
	}, &t)
	if err != nil {
		return domain.Task{}, err
	}
	if t.ColumnID == "" {
		t.ColumnID = columnID
	}
	return t, nil
}

// UpdateTask replaces the editable fields of a task.
func (c *Client) UpdateTask(ctx context.Context, taskID domain.ID, fields domain.TaskDraft) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, call{
		method:     http.MethodPut,
		route:      "/tasks/{id}",
		path:       "/tasks/" + escape(taskID),
		body:       fields,
		idempotent: true,
	}, &t)
	return t, err
}

// DeleteTask deletes a task.
func (c *Client) DeleteTask(ctx context.Context, taskID domain.ID) error {
	return c.do(ctx, call{
		method:     http.MethodDelete,
		route:      "/tasks/{id}",
		path:       "/tasks/" + escape(taskID),
		idempotent: true,
	}, nil)
}

// CreateColumn appends a column to a board.
func (c *Client) CreateColumn(ctx context.Context, boardID domain.ID, draft domain.ColumnDraft) (domain.Column, error) {
	var col domain.Column
	err := c.do(ctx, call{
		method: http.MethodPost,
		route:  "/boards/{id}/columns",
		path:   "/boards/" + escape(boardID) + "/columns",
		body:   draft,
	}, &col)
	if err != nil {
		return domain.Column{}, err
	}
	if col.BoardID == "" {
		col.BoardID = boardID
	}
	return col, nil
}

// DeleteColumn deletes a column and its tasks.
func (c *Client) DeleteColumn(ctx context.Context, boardID, columnID domain.ID) error {
	return c.do(ctx, call{
		method:     http.MethodDelete,
		route:      "/boards/{id}/columns/{column_id}",
		path:       "/boards/" + escape(boardID) + "/columns/" + escape(columnID),
		idempotent: true,
	}, nil)
}

// ReorderTasks sends the full per-column order of a board. Replaying the same
// order is harmless, so the call is retried like the idempotent verbs.
func (c *Client) ReorderTasks(ctx context.Context, req domain.ReorderRequest) error {
	cols := make([]domain.ColumnOrder, len(req.Columns))
	for i, c := range req.Columns {
		if c.TaskIDs == nil {
			c.TaskIDs = []domain.ID{}
		}
		cols[i] = c
	}
	req.Columns = cols
	return c.do(ctx, call{
		method:     http.MethodPost,
		route:      "/tasks/reorder",
		path:       "/tasks/reorder",
		body:       req,
		idempotent: true,
	}, nil)
}

type call struct {
	method     string
	route      string
	path       string
	body       any
	idempotent bool
}

func (c *Client) do(ctx context.Context, cl call, out any) error {
	metrics, ctx := newRequestMetrics(ctx, c.logger, cl.method, cl.route)

	var payload []byte
	if cl.body != nil {
		data, err := sonic.Marshal(cl.body)
		if err != nil {
			metrics.SetErrorStage("encode")
			metrics.Log(0, err)
			return fmt.Errorf("encode %s body: %w", cl.route, err)
		}
		payload = data
	}

	key := uuid.NewString()
	attempts := 1
	if cl.idempotent {
		attempts += c.retries
	}

	var (
		status int
		err    error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := Backoff(attempt, c.retryInitial, c.retryMax)
			c.logger.WithError(err).WithFields(log.Fields{
				"route":   cl.route,
				"attempt": attempt,
				"backoff": wait,
			}).Warn("retrying board api request")
			select {
			case <-ctx.Done():
				metrics.SetErrorStage("canceled")
				metrics.Log(status, ctx.Err())
				return &NetworkError{Method: cl.method, Path: cl.path, Err: ctx.Err()}
			case <-time.After(wait):
			}
		}
		metrics.ObserveAttempt()
		status, err = c.roundTrip(ctx, cl, key, payload, out)
		if err == nil {
			metrics.Log(status, nil)
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			break
		}
	}
	if status == 0 {
		metrics.SetErrorStage("transport")
	} else {
		metrics.SetErrorStage("response")
	}
	metrics.Log(status, err)
	return err
}

func (c *Client) roundTrip(ctx context.Context, cl call, key string, payload []byte, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.base.String()+cl.path, body)
	if err != nil {
		return 0, &NetworkError{Method: cl.method, Path: cl.path, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !c.cred.Empty() {
		req.Header.Set("Authorization", c.cred.Header())
	}
	req.Header.Set(headerIdempotencyKey, key)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &NetworkError{Method: cl.method, Path: cl.path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &StatusError{
			Method: cl.method,
			Path:   cl.path,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return resp.StatusCode, nil
	}
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(resp.Body, maxResponseSize))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return resp.StatusCode, nil
		}
		return resp.StatusCode, fmt.Errorf("decode %s response: %w", cl.route, err)
	}
	return resp.StatusCode, nil
}

func escape(id domain.ID) string {
	return url.PathEscape(string(id))
}

// Backoff returns the jittered delay before retry attempt (1-based): initial
// doubled per attempt and capped at max, +-20%. Zero durations select 200ms
// and 5s.
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	if attempt <= 0 {
		return initial
	}
	if max <= 0 {
		max = 5 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
