package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/nkitajim/task-collabo/domain"
	"github.com/nkitajim/task-collabo/stream"
)

type apiCall struct {
	op      string
	id      domain.ID
	task    domain.TaskDraft
	column  domain.ColumnDraft
	reorder domain.ReorderRequest
}

type fakeAPI struct {
	mu        sync.Mutex
	boards    map[domain.ID]domain.Board
	fetchErr  error
	fetches   int
	waiting   int
	fetchGate chan struct{}
	gate      chan struct{}
	fail      map[string]error
	calls     []apiCall
	nextID    int
}

func newFakeAPI(boards ...domain.Board) *fakeAPI {
	f := &fakeAPI{boards: map[domain.ID]domain.Board{}, fail: map[string]error{}, nextID: 500}
	for _, b := range boards {
		f.boards[b.ID] = b
	}
	return f
}

// hold makes every mutating call block until the returned release is called.
func (f *fakeAPI) hold() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gate = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeAPI) holdFetch() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.fetchGate = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeAPI) failOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

func (f *fakeAPI) setBoard(b domain.Board) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boards[b.ID] = b
}

func (f *fakeAPI) recorded() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func (f *fakeAPI) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// fetchesWaiting counts FetchBoard calls that reached the fetch gate.
func (f *fakeAPI) fetchesWaiting() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waiting
}

func (f *fakeAPI) enter(ctx context.Context, c apiCall) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.fail[c.op]
}

func (f *fakeAPI) id() domain.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := domain.ID(fmt.Sprint(f.nextID))
	f.nextID++
	return id
}

func (f *fakeAPI) FetchBoard(ctx context.Context, boardID domain.ID) (domain.Board, error) {
	f.mu.Lock()
	gate := f.fetchGate
	f.waiting++
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.Board{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return domain.Board{}, f.fetchErr
	}
	b, ok := f.boards[boardID]
	if !ok {
		return domain.Board{}, errors.New("board not found")
	}
	return b.Clone(), nil
}

func (f *fakeAPI) CreateTask(ctx context.Context, columnID domain.ID, draft domain.TaskDraft) (domain.Task, error) {
	if err := f.enter(ctx, apiCall{op: "create_task", id: columnID, task: draft}); err != nil {
		return domain.Task{}, err
	}
	return domain.NewTask(f.id(), columnID, draft), nil
}

func (f *fakeAPI) UpdateTask(ctx context.Context, taskID domain.ID, fields domain.TaskDraft) (domain.Task, error) {
	if err := f.enter(ctx, apiCall{op: "update_task", id: taskID, task: fields}); err != nil {
		return domain.Task{}, err
	}
	// The reference server answers with the changed fields only.
	return domain.Task{ID: taskID, Title: fields.Title}, nil
}

func (f *fakeAPI) DeleteTask(ctx context.Context, taskID domain.ID) error {
	return f.enter(ctx, apiCall{op: "delete_task", id: taskID})
}

func (f *fakeAPI) CreateColumn(ctx context.Context, boardID domain.ID, draft domain.ColumnDraft) (domain.Column, error) {
	if err := f.enter(ctx, apiCall{op: "create_column", id: boardID, column: draft}); err != nil {
		return domain.Column{}, err
	}
	return domain.Column{ID: f.id(), BoardID: boardID, Title: draft.Title, Position: draft.Position}, nil
}

func (f *fakeAPI) DeleteColumn(ctx context.Context, boardID, columnID domain.ID) error {
	return f.enter(ctx, apiCall{op: "delete_column", id: columnID})
}

func (f *fakeAPI) ReorderTasks(ctx context.Context, req domain.ReorderRequest) error {
	return f.enter(ctx, apiCall{op: "reorder_tasks", id: req.BoardID, reorder: req})
}

type fakeSub struct {
	boardID domain.ID
	h       stream.Handler

	mu     sync.Mutex
	closed bool
}

func (s *fakeSub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) emit(ev domain.Event) { s.h.OnEvent(ev) }

type fakeChannel struct {
	mu   sync.Mutex
	subs []*fakeSub
}

func (c *fakeChannel) Subscribe(boardID domain.ID, h stream.Handler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &fakeSub{boardID: boardID, h: h}
	c.subs = append(c.subs, sub)
	return sub
}

func (c *fakeChannel) last() *fakeSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return nil
	}
	return c.subs[len(c.subs)-1]
}

type fakeMirror struct {
	mu       sync.Mutex
	snapshot map[domain.ID]domain.Board
	offered  []domain.Board
}

func (m *fakeMirror) Offer(b domain.Board) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offered = append(m.offered, b)
}

func (m *fakeMirror) Load(ctx context.Context, id domain.ID) (domain.Board, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.snapshot[id]
	return b, ok
}

func (m *fakeMirror) offers() []domain.Board {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Board(nil), m.offered...)
}

func testLogger() (*log.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetOutput(io.Discard)
	logger.SetLevel(log.DebugLevel)
	return logger, hook
}

func fixtureBoard() domain.Board {
	return domain.Board{ID: "1", Title: "Board", Columns: []domain.Column{
		{ID: "10", Title: "To Do", Position: 0, Tasks: []domain.Task{
			{ID: "100", Title: "first", ColumnID: "10"},
			{ID: "101", Title: "second", ColumnID: "10"},
		}},
		{ID: "11", Title: "Doing", Position: 1, Tasks: []domain.Task{}},
	}}
}

func otherBoard() domain.Board {
	return domain.Board{ID: "2", Title: "Other", Columns: []domain.Column{
		{ID: "20", Title: "Backlog", Tasks: []domain.Task{
			{ID: "200", Title: "a", ColumnID: "20"},
			{ID: "201", Title: "b", ColumnID: "20"},
		}},
	}}
}

type harness struct {
	api     *fakeAPI
	channel *fakeChannel
	session *Session
	hook    *test.Hook
}

func newHarness(t *testing.T, opts Options, boards ...domain.Board) *harness {
	t.Helper()
	if len(boards) == 0 {
		boards = []domain.Board{fixtureBoard(), otherBoard()}
	}
	logger, hook := testLogger()
	if opts.Logger == nil {
		opts.Logger = logger
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	h := &harness{api: newFakeAPI(boards...), channel: &fakeChannel{}, hook: hook}
	h.session = New(h.api, h.channel, opts)
	t.Cleanup(h.session.Close)
	return h
}

func (h *harness) open(t *testing.T, id domain.ID) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.session.Open(ctx, id); err != nil {
		t.Fatalf("open %s: %v", id, err)
	}
}

func (h *harness) board(t *testing.T) domain.Board {
	t.Helper()
	b, ok := h.session.Board()
	if !ok {
		t.Fatalf("board not loaded")
	}
	if err := h.session.check(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	return b
}

func wait(t *testing.T, r *Receipt) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := r.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("receipt for %s did not complete", r.ID())
	}
	return err
}

func columnIDs(b domain.Board, columnID domain.ID) []domain.ID {
	c, ok := b.Column(columnID)
	if !ok {
		return nil
	}
	return c.TaskIDs()
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
