package storage

import (
	"fmt"

	"github.com/nkitajim/task-collabo/domain"
)

// Store holds the local replica of one board. It is not safe for concurrent
// use; the owning session serialises every call onto its loop goroutine.
type Store struct {
	board   *domain.Board
	version uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Loaded reports whether a board has been loaded.
func (s *Store) Loaded() bool { return s.board != nil }

// Version increases on every change and is used by watchers to detect updates.
func (s *Store) Version() uint64 { return s.version }

// BoardID returns the id of the loaded board.
func (s *Store) BoardID() domain.ID {
	if s.board == nil {
		return ""
	}
	return s.board.ID
}

// Board returns a deep copy of the loaded board.
func (s *Store) Board() (domain.Board, bool) {
	if s.board == nil {
		return domain.Board{}, false
	}
	return s.board.Clone(), true
}

// ReplaceBoard replaces the whole document. Task column ids are forced to the
// holding column, duplicate ids are dropped and positions renumbered.
func (s *Store) ReplaceBoard(b domain.Board) {
	cp := b.Clone()
	seenCols := make(map[domain.ID]struct{}, len(cp.Columns))
	seenTasks := make(map[domain.ID]struct{})
	cols := cp.Columns[:0]
	for _, col := range cp.Columns {
		if _, dup := seenCols[col.ID]; dup || col.ID == "" {
			continue
		}
		seenCols[col.ID] = struct{}{}
		tasks := col.Tasks[:0]
		for _, t := range col.Tasks {
			if _, dup := seenTasks[t.ID]; dup || t.ID == "" {
				continue
			}
			seenTasks[t.ID] = struct{}{}
			t.ColumnID = col.ID
			tasks = append(tasks, t)
		}
		col.Tasks = tasks
		if col.BoardID == "" {
			col.BoardID = cp.ID
		}
		renumber(&col)
		cols = append(cols, col)
	}
	cp.Columns = cols
	s.board = &cp
	s.version++
}

// Reset discards the loaded board.
func (s *Store) Reset() {
	if s.board == nil {
		return
	}
	s.board = nil
	s.version++
}

// HasTask reports whether a task with the id exists anywhere on the board.
func (s *Store) HasTask(id domain.ID) bool {
	_, _, ok := s.findTask(id)
	return ok
}

// HasColumn reports whether the column exists.
func (s *Store) HasColumn(id domain.ID) bool {
	return s.columnIndex(id) >= 0
}

// Task returns a copy of the task with the id.
func (s *Store) Task(id domain.ID) (domain.Task, bool) {
	ci, ti, ok := s.findTask(id)
	if !ok {
		return domain.Task{}, false
	}
	return s.board.Columns[ci].Tasks[ti].Clone(), true
}

// Column returns a copy of the column with the id.
func (s *Store) Column(id domain.ID) (domain.Column, bool) {
	ci := s.columnIndex(id)
	if ci < 0 {
		return domain.Column{}, false
	}
	return s.board.Columns[ci].Clone(), true
}

// ColumnOrders returns the ordered task ids of every column.
func (s *Store) ColumnOrders() []domain.ColumnOrder {
	if s.board == nil {
		return nil
	}
	out := make([]domain.ColumnOrder, len(s.board.Columns))
	for i, c := range s.board.Columns {
		out[i] = domain.ColumnOrder{ID: c.ID, TaskIDs: c.TaskIDs()}
	}
	return out
}

// InsertTask appends t to its column. It is a no-op when the column is
// unknown or a task with the same id already exists.
func (s *Store) InsertTask(t domain.Task) bool {
	ci := s.columnIndex(t.ColumnID)
	if ci < 0 || t.ID == "" || s.HasTask(t.ID) {
		return false
	}
	col := &s.board.Columns[ci]
	col.Tasks = append(col.Tasks, t.Clone())
	renumber(col)
	s.version++
	return true
}

// UpsertTask replaces the stored task with the same id. When the column id
// differs the task is moved to the end of the new column. Unknown ids and
// unknown target columns are no-ops.
func (s *Store) UpsertTask(t domain.Task) bool {
	ci, ti, ok := s.findTask(t.ID)
	if !ok {
		return false
	}
	target := s.columnIndex(t.ColumnID)
	if target < 0 {
		return false
	}
	if target == ci {
		col := &s.board.Columns[ci]
		next := t.Clone()
		next.Position = ti
		if col.Tasks[ti].Equal(next) {
			return false
		}
		col.Tasks[ti] = next
		s.version++
		return true
	}

	src := &s.board.Columns[ci]
	src.Tasks = append(src.Tasks[:ti], src.Tasks[ti+1:]...)
	renumber(src)
	dst := &s.board.Columns[target]
	dst.Tasks = append(dst.Tasks, t.Clone())
	renumber(dst)
	s.version++
	return true
}

// RemoveTask removes a task. The column id is a hint: when the task is not in
// that column it is removed from wherever it is held.
func (s *Store) RemoveTask(taskID, columnID domain.ID) bool {
	if ci := s.columnIndex(columnID); ci >= 0 {
		if ti := taskIndex(s.board.Columns[ci].Tasks, taskID); ti >= 0 {
			s.removeAt(ci, ti)
			return true
		}
	}
	ci, ti, ok := s.findTask(taskID)
	if !ok {
		return false
	}
	s.removeAt(ci, ti)
	return true
}

// InsertColumn appends a column. A known column id refreshes title and
// position only and keeps its tasks.
func (s *Store) InsertColumn(c domain.Column) bool {
	if s.board == nil || c.ID == "" {
		return false
	}
	if ci := s.columnIndex(c.ID); ci >= 0 {
		col := &s.board.Columns[ci]
		if col.Title == c.Title && col.Position == c.Position {
			return false
		}
		col.Title = c.Title
		col.Position = c.Position
		s.version++
		return true
	}
	col := domain.Column{ID: c.ID, BoardID: c.BoardID, Title: c.Title, Position: c.Position, Tasks: []domain.Task{}}
	if col.BoardID == "" {
		col.BoardID = s.board.ID
	}
	for _, t := range c.Tasks {
		if t.ID == "" || s.HasTask(t.ID) || taskIndex(col.Tasks, t.ID) >= 0 {
			continue
		}
		t = t.Clone()
		t.ColumnID = c.ID
		col.Tasks = append(col.Tasks, t)
	}
	renumber(&col)
	s.board.Columns = append(s.board.Columns, col)
	s.version++
	return true
}

// RemoveColumn removes a column together with its tasks.
func (s *Store) RemoveColumn(columnID domain.ID) bool {
	ci := s.columnIndex(columnID)
	if ci < 0 {
		return false
	}
	s.board.Columns = append(s.board.Columns[:ci], s.board.Columns[ci+1:]...)
	s.version++
	return true
}

// ReorderColumnTasks rebuilds a column from the listed task ids. Listed tasks
// held by other columns are moved here; unknown ids are skipped. Tasks of the
// column missing from the list keep their relative order after the listed ones.
func (s *Store) ReorderColumnTasks(columnID domain.ID, taskIDs []domain.ID) bool {
	ci := s.columnIndex(columnID)
	if ci < 0 {
		return false
	}
	before := s.board.Columns[ci].TaskIDs()

	listed := make(map[domain.ID]struct{}, len(taskIDs))
	next := make([]domain.Task, 0, len(taskIDs)+len(before))
	for _, id := range taskIDs {
		if _, dup := listed[id]; dup {
			continue
		}
		oc, ot, ok := s.findTask(id)
		if !ok {
			continue
		}
		listed[id] = struct{}{}
		t := s.board.Columns[oc].Tasks[ot]
		if oc != ci {
			src := &s.board.Columns[oc]
			src.Tasks = append(src.Tasks[:ot], src.Tasks[ot+1:]...)
			renumber(src)
			t.ColumnID = columnID
		}
		next = append(next, t)
	}
	for _, t := range s.board.Columns[ci].Tasks {
		if _, ok := listed[t.ID]; !ok {
			next = append(next, t)
		}
	}

	col := &s.board.Columns[ci]
	col.Tasks = next
	moved := len(next) != len(before)
	renumber(col)
	if !moved && idsEqual(before, col.TaskIDs()) {
		return false
	}
	s.version++
	return true
}

// RekeyTask replaces a provisional task id with the confirmed one. If the
// confirmed id is already present (the broadcast won the race) the
// provisional copy is dropped.
func (s *Store) RekeyTask(provisional domain.ID, confirmed domain.Task) bool {
	ci, ti, ok := s.findTask(provisional)
	if !ok {
		if s.HasTask(confirmed.ID) {
			return false
		}
		return s.InsertTask(confirmed)
	}
	if s.HasTask(confirmed.ID) {
		s.removeAt(ci, ti)
		return true
	}
	if confirmed.ColumnID == "" {
		confirmed.ColumnID = s.board.Columns[ci].ID
	}
	if target := s.columnIndex(confirmed.ColumnID); target >= 0 && target != ci {
		s.removeAt(ci, ti)
		return s.InsertTask(confirmed)
	}
	col := &s.board.Columns[ci]
	confirmed = confirmed.Clone()
	confirmed.ColumnID = col.ID
	confirmed.Position = ti
	col.Tasks[ti] = confirmed
	s.version++
	return true
}

// RekeyColumn replaces a provisional column id with the confirmed one.
func (s *Store) RekeyColumn(provisional domain.ID, confirmed domain.Column) bool {
	ci := s.columnIndex(provisional)
	if ci < 0 {
		return s.InsertColumn(confirmed)
	}
	if s.columnIndex(confirmed.ID) >= 0 {
		existing := &s.board.Columns[s.columnIndex(confirmed.ID)]
		for _, t := range s.board.Columns[ci].Tasks {
			if taskIndex(existing.Tasks, t.ID) < 0 {
				t.ColumnID = confirmed.ID
				existing.Tasks = append(existing.Tasks, t)
			}
		}
		renumber(existing)
		s.board.Columns = append(s.board.Columns[:ci], s.board.Columns[ci+1:]...)
		s.version++
		return true
	}
	col := &s.board.Columns[ci]
	col.ID = confirmed.ID
	if confirmed.Title != "" {
		col.Title = confirmed.Title
	}
	col.Position = confirmed.Position
	for i := range col.Tasks {
		col.Tasks[i].ColumnID = confirmed.ID
	}
	s.version++
	return true
}

// CheckInvariants verifies that every task sits in the column its ColumnID
// names, ids are unique and positions match indices.
func (s *Store) CheckInvariants() error {
	if s.board == nil {
		return nil
	}
	cols := make(map[domain.ID]struct{})
	tasks := make(map[domain.ID]domain.ID)
	for _, c := range s.board.Columns {
		if _, dup := cols[c.ID]; dup {
			return fmt.Errorf("duplicate column %s", c.ID)
		}
		cols[c.ID] = struct{}{}
		for i, t := range c.Tasks {
			if prev, dup := tasks[t.ID]; dup {
				return fmt.Errorf("task %s held by columns %s and %s", t.ID, prev, c.ID)
			}
			tasks[t.ID] = c.ID
			if t.ColumnID != c.ID {
				return fmt.Errorf("task %s in column %s claims column %s", t.ID, c.ID, t.ColumnID)
			}
			if t.Position != i {
				return fmt.Errorf("task %s at index %d has position %d", t.ID, i, t.Position)
			}
		}
	}
	return nil
}

func (s *Store) removeAt(ci, ti int) {
	col := &s.board.Columns[ci]
	col.Tasks = append(col.Tasks[:ti], col.Tasks[ti+1:]...)
	renumber(col)
	s.version++
}

func (s *Store) columnIndex(id domain.ID) int {
	if s.board == nil || id == "" {
		return -1
	}
	for i := range s.board.Columns {
		if s.board.Columns[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) findTask(id domain.ID) (int, int, bool) {
	if s.board == nil || id == "" {
		return -1, -1, false
	}
	for ci := range s.board.Columns {
		if ti := taskIndex(s.board.Columns[ci].Tasks, id); ti >= 0 {
			return ci, ti, true
		}
	}
	return -1, -1, false
}

func taskIndex(tasks []domain.Task, id domain.ID) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func renumber(col *domain.Column) {
	for i := range col.Tasks {
		col.Tasks[i].Position = i
	}
}

func idsEqual(a, b []domain.ID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
