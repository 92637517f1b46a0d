package devserver

import (
	"strconv"
	"sync"
	"time"

	"github.com/nkitajim/task-collabo/domain"
	"github.com/nkitajim/task-collabo/storage"
)

// state is the in-memory board database. Each board is kept in the same
// Store the client replicates into, so server and client order tasks the
// same way.
type state struct {
	mu     sync.Mutex
	nextID int
	boards map[domain.ID]*storage.Store
	order  []domain.ID
	now    func() time.Time
}

func newState() *state {
	return &state{
		nextID: 1,
		boards: map[domain.ID]*storage.Store{},
		now:    time.Now,
	}
}

func (s *state) id() domain.ID {
	id := domain.ID(strconv.Itoa(s.nextID))
	s.nextID++
	return id
}

func (s *state) listBoards() []domain.BoardSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BoardSummary, 0, len(s.order))
	for _, id := range s.order {
		b, _ := s.boards[id].Board()
		out = append(out, domain.BoardSummary{ID: b.ID, Title: b.Title})
	}
	return out
}

func (s *state) createBoard(title string) domain.BoardSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createBoardLocked(title)
}

func (s *state) createBoardLocked(title string) domain.BoardSummary {
	if title == "" {
		title = "New Board"
	}
	id := s.id()
	st := storage.NewStore()
	st.ReplaceBoard(domain.Board{ID: id, Title: title, Columns: []domain.Column{}})
	s.boards[id] = st
	s.order = append(s.order, id)
	return domain.BoardSummary{ID: id, Title: title}
}

func (s *state) board(id domain.ID) (domain.Board, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.boards[id]
	if !ok {
		return domain.Board{}, false
	}
	return st.Board()
}

func (s *state) hasBoard(id domain.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.boards[id]
	return ok
}

// boardOfColumn and boardOfTask must be called with mu held.
func (s *state) boardOfColumn(columnID domain.ID) (domain.ID, *storage.Store, bool) {
	for id, st := range s.boards {
		if st.HasColumn(columnID) {
			return id, st, true
		}
	}
	return "", nil, false
}

func (s *state) boardOfTask(taskID domain.ID) (domain.ID, *storage.Store, bool) {
	for id, st := range s.boards {
		if st.HasTask(taskID) {
			return id, st, true
		}
	}
	return "", nil, false
}

func (s *state) createColumn(boardID domain.ID, d domain.ColumnDraft) (domain.Column, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.boards[boardID]
	if !ok {
		return domain.Column{}, &domain.NotFoundError{Kind: "board", ID: boardID}
	}
	col := domain.Column{ID: s.id(), BoardID: boardID, Title: d.Title, Position: d.Position, Tasks: []domain.Task{}}
	st.InsertColumn(col)
	return col, nil
}

func (s *state) deleteColumn(boardID, columnID domain.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.boards[boardID]
	if !ok || !st.RemoveColumn(columnID) {
		return &domain.NotFoundError{Kind: "column", ID: columnID}
	}
	return nil
}

func (s *state) createTask(columnID domain.ID, d domain.TaskDraft) (domain.ID, domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	boardID, st, ok := s.boardOfColumn(columnID)
	if !ok {
		return "", domain.Task{}, &domain.NotFoundError{Kind: "column", ID: columnID}
	}
	t := domain.NewTask(s.id(), columnID, d)
	if t.StartDate == nil {
		t.StartDate = domain.NewDate(s.now())
	}
	st.InsertTask(t)
	created, _ := st.Task(t.ID)
	return boardID, created, nil
}

func (s *state) updateTask(taskID domain.ID, p domain.TaskPatch) (domain.ID, domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	boardID, st, ok := s.boardOfTask(taskID)
	if !ok {
		return "", domain.Task{}, &domain.NotFoundError{Kind: "task", ID: taskID}
	}
	cur, _ := st.Task(taskID)
	st.UpsertTask(p.Apply(cur))
	updated, _ := st.Task(taskID)
	return boardID, updated, nil
}

func (s *state) deleteTask(taskID domain.ID) (domain.ID, domain.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	boardID, st, ok := s.boardOfTask(taskID)
	if !ok {
		return "", "", &domain.NotFoundError{Kind: "task", ID: taskID}
	}
	t, _ := st.Task(taskID)
	st.RemoveTask(taskID, t.ColumnID)
	return boardID, t.ColumnID, nil
}

func (s *state) reorder(req domain.ReorderRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.boards[req.BoardID]
	if !ok {
		return &domain.NotFoundError{Kind: "board", ID: req.BoardID}
	}
	domain.Apply(st, domain.Reordered{BoardID: req.BoardID, Columns: req.Columns})
	return nil
}

// seedDemo creates the demo board with three columns and three tasks.
func (s *state) seedDemo() domain.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.createBoardLocked("Demo Board")
	st := s.boards[b.ID]
	var cols []domain.ID
	for i, title := range []string{"To Do", "Doing", "Done"} {
		id := s.id()
		st.InsertColumn(domain.Column{ID: id, BoardID: b.ID, Title: title, Position: i})
		cols = append(cols, id)
	}
	for _, seed := range []struct {
		col   int
		title string
	}{
		{0, "Research"},
		{0, "Design"},
		{1, "Implementation"},
	} {
		st.InsertTask(domain.Task{ID: s.id(), Title: seed.title, ColumnID: cols[seed.col], StartDate: domain.NewDate(s.now())})
	}
	return b.ID
}
