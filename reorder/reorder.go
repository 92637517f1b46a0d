// Package reorder computes task orderings for drag interactions. It is pure:
// plans are derived from a board snapshot and applied by the caller.
package reorder

import "github.com/nkitajim/task-collabo/domain"

// MoveWithinSequence returns a copy of seq with the element at from moved to
// index to. Out of range indices and from == to yield an unchanged copy.
func MoveWithinSequence[T any](seq []T, from, to int) []T {
	out := make([]T, len(seq))
	copy(out, seq)
	if from == to || from < 0 || to < 0 || from >= len(seq) || to >= len(seq) {
		return out
	}
	item := out[from]
	out = append(out[:from], out[from+1:]...)
	out = append(out[:to], append([]T{item}, out[to:]...)...)
	return out
}

// Move describes a drop of the dragged task onto another task of the same column.
type Move struct {
	ColumnID domain.ID
	ActiveID domain.ID
	OverID   domain.ID
}

// Result is the outcome of a plan: the new order of the affected column and
// the ordered task ids of every column of the board, which is what the
// reorder endpoint receives.
type Result struct {
	ColumnID domain.ID
	TaskIDs  []domain.ID
	Columns  []domain.ColumnOrder
}

// Event converts the result into the reorder event applied locally.
func (r Result) Event(boardID domain.ID) domain.Reordered {
	return domain.Reordered{BoardID: boardID, Columns: r.Columns}
}

// Plan resolves a within-column move. It returns false when the drop has no
// effect: no target, target equals the dragged task, either id is missing from
// the column, or both resolve to the same index.
func Plan(b domain.Board, m Move) (Result, bool) {
	if m.OverID == "" || m.ActiveID == m.OverID {
		return Result{}, false
	}
	col, ok := b.Column(m.ColumnID)
	if !ok {
		return Result{}, false
	}
	order := col.TaskIDs()
	from, to := indexOf(order, m.ActiveID), indexOf(order, m.OverID)
	if from < 0 || to < 0 || from == to {
		return Result{}, false
	}
	next := MoveWithinSequence(order, from, to)
	return Result{
		ColumnID: m.ColumnID,
		TaskIDs:  next,
		Columns:  snapshotWith(b, map[domain.ID][]domain.ID{m.ColumnID: next}),
	}, true
}

// PlanTransfer moves a task into another column at index. A negative or too
// large index appends. Transfers within the same column behave like Plan.
func PlanTransfer(b domain.Board, taskID, toColumnID domain.ID, index int) (Result, bool) {
	_, from, ok := b.FindTask(taskID)
	if !ok {
		return Result{}, false
	}
	dst, ok := b.Column(toColumnID)
	if !ok {
		return Result{}, false
	}
	src := b.Columns[from]
	if src.ID == toColumnID {
		order := src.TaskIDs()
		cur := indexOf(order, taskID)
		if index < 0 || index >= len(order) {
			index = len(order) - 1
		}
		if cur == index {
			return Result{}, false
		}
		next := MoveWithinSequence(order, cur, index)
		return Result{
			ColumnID: toColumnID,
			TaskIDs:  next,
			Columns:  snapshotWith(b, map[domain.ID][]domain.ID{toColumnID: next}),
		}, true
	}

	srcOrder := remove(src.TaskIDs(), taskID)
	dstOrder := dst.TaskIDs()
	if index < 0 || index > len(dstOrder) {
		index = len(dstOrder)
	}
	dstOrder = append(dstOrder[:index], append([]domain.ID{taskID}, dstOrder[index:]...)...)
	return Result{
		ColumnID: toColumnID,
		TaskIDs:  dstOrder,
		Columns:  snapshotWith(b, map[domain.ID][]domain.ID{src.ID: srcOrder, toColumnID: dstOrder}),
	}, true
}

// Snapshot returns the ordered task ids of every column.
func Snapshot(b domain.Board) []domain.ColumnOrder {
	return snapshotWith(b, nil)
}

func snapshotWith(b domain.Board, override map[domain.ID][]domain.ID) []domain.ColumnOrder {
	out := make([]domain.ColumnOrder, len(b.Columns))
	for i, c := range b.Columns {
		if ids, ok := override[c.ID]; ok {
			out[i] = domain.ColumnOrder{ID: c.ID, TaskIDs: ids}
			continue
		}
		out[i] = domain.ColumnOrder{ID: c.ID, TaskIDs: c.TaskIDs()}
	}
	return out
}

func indexOf(ids []domain.ID, id domain.ID) int {
	for i := range ids {
		if ids[i] == id {
			return i
		}
	}
	return -1
}

func remove(ids []domain.ID, id domain.ID) []domain.ID {
	out := make([]domain.ID, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
