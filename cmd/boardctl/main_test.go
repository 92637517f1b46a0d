package main

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/nkitajim/task-collabo/devserver"
	"github.com/nkitajim/task-collabo/domain"
)

type fixture struct {
	srv     *devserver.Server
	url     string
	token   string
	boardID domain.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	secret := []byte("cli-secret")
	auth, err := devserver.NewAuth(devserver.AuthOptions{Secret: secret})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	srv, err := devserver.New(devserver.Options{Auth: auth, Logger: logger})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	token, err := devserver.IssueToken(secret, "1", time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return &fixture{srv: srv, url: hs.URL, token: token, boardID: srv.SeedDemo()}
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{
		"--api-base", f.url,
		"--token", f.token,
		"--board", f.boardID.String(),
		"--log-level", "warn",
	}, args...))
	err := cmd.Execute()
	return strings.TrimSpace(stdout.String()), err
}

func (f *fixture) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := f.run(t, args...)
	if err != nil {
		t.Fatalf("boardctl %v: %v", args, err)
	}
	return out
}

func (f *fixture) board(t *testing.T) domain.Board {
	t.Helper()
	b, ok := f.srv.Board(f.boardID)
	if !ok {
		t.Fatalf("board %s missing", f.boardID)
	}
	return b
}

func TestShowJSON(t *testing.T) {
	f := newFixture(t)
	out := f.mustRun(t, "show", "--json")
	var b domain.Board
	if err := sonic.UnmarshalString(out, &b); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if b.Title != "Demo Board" || len(b.Columns) != 3 || len(b.Columns[0].Tasks) != 2 {
		t.Fatalf("unexpected board %+v", b)
	}
}

func TestShowRendersColumns(t *testing.T) {
	f := newFixture(t)
	out := f.mustRun(t, "show")
	for _, want := range []string{"Demo Board", "To Do", "Doing", "Done", "Research"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestBoardsListAndCreate(t *testing.T) {
	f := newFixture(t)
	id := f.mustRun(t, "boards", "create", "Roadmap")
	if id == "" {
		t.Fatalf("expected board id")
	}
	out := f.mustRun(t, "boards", "list")
	if !strings.Contains(out, "Roadmap") || !strings.Contains(out, "Demo Board") {
		t.Fatalf("unexpected listing:\n%s", out)
	}
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t)
	cols := f.board(t).Columns
	todo, done := cols[0].ID.String(), cols[2].ID.String()

	id := domain.ID(f.mustRun(t, "task", "add", todo, "Ship", "--assignee", "ana", "--end", "2026-11-01"))
	task, _, ok := f.board(t).FindTask(id)
	if !ok || task.Assignee != "ana" || task.EndDate == nil {
		t.Fatalf("task not created as requested: %+v", task)
	}

	f.mustRun(t, "task", "update", id.String(), "--title", "Shipped", "--reward", "3")
	task, _, _ = f.board(t).FindTask(id)
	if task.Title != "Shipped" || task.Reward != 3 || task.Assignee != "ana" {
		t.Fatalf("update did not apply: %+v", task)
	}

	f.mustRun(t, "task", "move", id.String(), done, "--index", "0")
	b := f.board(t)
	col, _ := b.Column(domain.ID(done))
	if len(col.Tasks) != 1 || col.Tasks[0].ID != id {
		t.Fatalf("task not moved: %+v", col)
	}

	f.mustRun(t, "task", "delete", id.String())
	if _, _, ok := f.board(t).FindTask(id); ok {
		t.Fatalf("task still present")
	}
}

func TestTaskReorder(t *testing.T) {
	f := newFixture(t)
	todo := f.board(t).Columns[0]
	first, second := todo.Tasks[0].ID, todo.Tasks[1].ID

	f.mustRun(t, "task", "reorder", todo.ID.String(), first.String(), second.String())
	col, _ := f.board(t).Column(todo.ID)
	if col.Tasks[0].ID != second || col.Tasks[1].ID != first {
		t.Fatalf("unexpected order %v", col.TaskIDs())
	}

	out := f.mustRun(t, "task", "reorder", todo.ID.String(), first.String(), first.String())
	if out != "order unchanged" {
		t.Fatalf("expected no-op message, got %q", out)
	}
}

func TestTaskCommandErrors(t *testing.T) {
	f := newFixture(t)
	if _, err := f.run(t, "task", "delete", "999"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.run(t, "task", "update", "999"); err == nil || !strings.Contains(err.Error(), "nothing to update") {
		t.Fatalf("expected empty patch error, got %v", err)
	}
	if _, err := f.run(t, "task", "add", "1", "x", "--start", "soon"); err == nil {
		t.Fatalf("expected date parse error")
	}
}

func TestColumnAddAndDelete(t *testing.T) {
	f := newFixture(t)
	id := domain.ID(f.mustRun(t, "column", "add", "Review"))
	b := f.board(t)
	col, ok := b.Column(id)
	if !ok || col.Title != "Review" || col.Position != 3 {
		t.Fatalf("column not appended: %+v", b.Columns)
	}

	f.mustRun(t, "column", "delete", id.String())
	if _, ok := f.board(t).Column(id); ok {
		t.Fatalf("column still present")
	}
}

func TestMissingBoardIsReported(t *testing.T) {
	f := newFixture(t)
	f.boardID = ""
	if _, err := f.run(t, "show"); err == nil || !strings.Contains(err.Error(), "board_id is required") {
		t.Fatalf("expected board requirement error, got %v", err)
	}
}
