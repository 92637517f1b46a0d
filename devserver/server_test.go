package devserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/nkitajim/task-collabo/client"
	"github.com/nkitajim/task-collabo/domain"
	"github.com/nkitajim/task-collabo/stream"
)

var testSecret = []byte("dev-secret")

type fixture struct {
	srv    *Server
	http   *httptest.Server
	token  string
	client *client.Client
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	auth, err := NewAuth(AuthOptions{Secret: testSecret})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	opts.Auth = auth
	opts.Logger = logger
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	token, err := IssueToken(testSecret, "1", time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	c, err := client.New(hs.URL, client.NewCredential(token), client.Options{Logger: logger, RetryInitial: time.Millisecond})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return &fixture{srv: srv, http: hs, token: token, client: c}
}

func (f *fixture) listener(t *testing.T, token string) *stream.Listener {
	t.Helper()
	logger, _ := test.NewNullLogger()
	l, err := stream.NewListener(f.http.URL, client.NewCredential(token), stream.Options{
		Logger:           logger,
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("listener: %v", err)
	}
	return l
}

func TestRequestsNeedBearerToken(t *testing.T) {
	f := newFixture(t, Options{})
	resp, err := http.Get(f.http.URL + "/boards")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp, err = http.Get(f.http.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should be public, got %d", resp.StatusCode)
	}
}

func TestDemoSeed(t *testing.T) {
	f := newFixture(t, Options{SeedDemo: true})
	ctx := context.Background()

	boards, err := f.client.ListBoards(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(boards) != 1 || boards[0].Title != "Demo Board" {
		t.Fatalf("unexpected boards %+v", boards)
	}
	b, err := f.client.FetchBoard(ctx, boards[0].ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(b.Columns) != 3 || len(b.Columns[0].Tasks) != 2 || len(b.Columns[1].Tasks) != 1 || len(b.Columns[2].Tasks) != 0 {
		t.Fatalf("unexpected demo board %+v", b)
	}
	if b.Columns[0].Tasks[1].Position != 1 || b.Columns[0].Tasks[1].ColumnID != b.Columns[0].ID {
		t.Fatalf("unexpected task placement %+v", b.Columns[0].Tasks[1])
	}
}

func TestBoardLifecycle(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	board, err := f.client.CreateBoard(ctx, "Sprint")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	todo, err := f.client.CreateColumn(ctx, board.ID, domain.ColumnDraft{Title: "To Do"})
	if err != nil {
		t.Fatalf("create column: %v", err)
	}
	done, err := f.client.CreateColumn(ctx, board.ID, domain.ColumnDraft{Title: "Done", Position: 1})
	if err != nil {
		t.Fatalf("create column: %v", err)
	}
	a, err := f.client.CreateTask(ctx, todo.ID, domain.TaskDraft{Title: "a", Reward: 2.5})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	b, err := f.client.CreateTask(ctx, todo.ID, domain.TaskDraft{Title: "b"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if a.StartDate == nil || a.ColumnID != todo.ID {
		t.Fatalf("server should default start date and column: %+v", a)
	}

	fields := a.Draft()
	fields.Title = "a2"
	updated, err := f.client.UpdateTask(ctx, a.ID, fields)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "a2" || updated.Reward != 2.5 {
		t.Fatalf("unexpected update result %+v", updated)
	}

	err = f.client.ReorderTasks(ctx, domain.ReorderRequest{BoardID: board.ID, Columns: []domain.ColumnOrder{
		{ID: todo.ID, TaskIDs: []domain.ID{b.ID}},
		{ID: done.ID, TaskIDs: []domain.ID{a.ID}},
	}})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	full, err := f.client.FetchBoard(ctx, board.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got, _ := full.Column(done.ID); len(got.Tasks) != 1 || got.Tasks[0].ID != a.ID {
		t.Fatalf("reorder not persisted: %+v", full)
	}

	if err := f.client.DeleteTask(ctx, b.ID); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if err := f.client.DeleteTask(ctx, b.ID); !client.IsNotFound(err) {
		t.Fatalf("expected 404 for deleted task, got %v", err)
	}
	if err := f.client.DeleteColumn(ctx, board.ID, done.ID); err != nil {
		t.Fatalf("delete column: %v", err)
	}
	full, _ = f.client.FetchBoard(ctx, board.ID)
	if _, _, ok := full.FindTask(a.ID); ok || len(full.Columns) != 1 {
		t.Fatalf("column delete should drop its tasks: %+v", full)
	}
}

type inbox struct {
	mu     sync.Mutex
	events []domain.Event
	ready  chan bool
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{ready: make(chan bool, 8), signal: make(chan struct{}, 64)}
}

func (in *inbox) handler() stream.Handler {
	return stream.Handler{
		OnEvent: func(ev domain.Event) {
			in.mu.Lock()
			in.events = append(in.events, ev)
			in.mu.Unlock()
			in.signal <- struct{}{}
		},
		OnConnect: func(reconnect bool) { in.ready <- reconnect },
	}
}

func (in *inbox) next(t *testing.T) domain.Event {
	t.Helper()
	select {
	case <-in.signal:
	case <-time.After(2 * time.Second):
		t.Fatalf("no event received")
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	ev := in.events[0]
	in.events = in.events[1:]
	return ev
}

func waitConnected(t *testing.T, in *inbox) bool {
	t.Helper()
	select {
	case r := <-in.ready:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("push channel did not connect")
		return false
	}
}

func waitSubscribers(t *testing.T, srv *Server, boardID domain.ID, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.Subscribers(boardID) != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", n, srv.Subscribers(boardID))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPushChannelBroadcastsMutations(t *testing.T) {
	f := newFixture(t, Options{})
	boardID := f.srv.SeedDemo()
	b, _ := f.srv.Board(boardID)
	col := b.Columns[0]
	ctx := context.Background()

	in := newInbox()
	sub := f.listener(t, f.token).Subscribe(boardID, in.handler())
	defer sub.Close()
	waitConnected(t, in)
	waitSubscribers(t, f.srv, boardID, 1)

	created, err := f.client.CreateTask(ctx, col.ID, domain.TaskDraft{Title: "pushed"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ev, ok := in.next(t).(domain.TaskCreated)
	if !ok || ev.Task.ID != created.ID || ev.Task.ColumnID != col.ID {
		t.Fatalf("unexpected event %+v", ev)
	}

	if err := f.client.DeleteTask(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	del, ok := in.next(t).(domain.TaskDeleted)
	if !ok || del.TaskID != created.ID || del.ColumnID != col.ID {
		t.Fatalf("unexpected event %+v", del)
	}

	order := domain.ReorderRequest{BoardID: boardID, Columns: []domain.ColumnOrder{{ID: col.ID, TaskIDs: []domain.ID{col.Tasks[1].ID, col.Tasks[0].ID}}}}
	if err := f.client.ReorderTasks(ctx, order); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	re, ok := in.next(t).(domain.Reordered)
	if !ok || re.BoardID != boardID || len(re.Columns) != 1 || re.Columns[0].TaskIDs[0] != col.Tasks[1].ID {
		t.Fatalf("unexpected event %+v", re)
	}
}

func TestPushChannelRejectsBadToken(t *testing.T) {
	f := newFixture(t, Options{})
	boardID := f.srv.SeedDemo()

	wrong, _ := IssueToken([]byte("other"), "1", time.Hour)
	sub := f.listener(t, wrong).Subscribe(boardID, stream.Handler{})
	defer sub.Close()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription should stop on a policy violation")
	}
	if !errors.Is(sub.Err(), stream.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", sub.Err())
	}
}

func TestDisconnectTriggersReconnect(t *testing.T) {
	f := newFixture(t, Options{})
	boardID := f.srv.SeedDemo()

	in := newInbox()
	sub := f.listener(t, f.token).Subscribe(boardID, in.handler())
	defer sub.Close()
	if waitConnected(t, in) {
		t.Fatalf("first connect reported as reconnect")
	}
	waitSubscribers(t, f.srv, boardID, 1)
	f.srv.Disconnect(boardID)
	if !waitConnected(t, in) {
		t.Fatalf("expected reconnect")
	}
}

func TestIdempotentRetryReplaysResponse(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	f := newFixture(t, Options{Idempotency: NewRedisIdempotency(rc, time.Minute)})
	boardID := f.srv.SeedDemo()
	b, _ := f.srv.Board(boardID)

	post := func() string {
		req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/columns/"+string(b.Columns[2].ID)+"/tasks", strings.NewReader(`{"title":"once"}`))
		req.Header.Set("Authorization", "Bearer "+f.token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderIdempotencyKey, "retry-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
		}
		return string(body)
	}
	first, second := post(), post()
	if first != second {
		t.Fatalf("replay differs:\n%s\n%s", first, second)
	}
	after, _ := f.srv.Board(boardID)
	if got := len(after.Columns[2].Tasks); got != 1 {
		t.Fatalf("expected a single task, got %d", got)
	}
	if len(mr.Keys()) != 1 {
		t.Fatalf("expected one recorded response, got %v", mr.Keys())
	}
}

func TestInterceptFailsRequests(t *testing.T) {
	f := newFixture(t, Options{})
	boardID := f.srv.SeedDemo()
	f.srv.Intercept(func(r *http.Request) int {
		if r.Method == http.MethodPost {
			return http.StatusServiceUnavailable
		}
		return 0
	})

	_, err := f.client.CreateColumn(context.Background(), boardID, domain.ColumnDraft{Title: "x"})
	var se *client.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", err)
	}
	f.srv.Intercept(nil)
	if _, err := f.client.CreateColumn(context.Background(), boardID, domain.ColumnDraft{Title: "x"}); err != nil {
		t.Fatalf("create after intercept removed: %v", err)
	}
}
