package session

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/nkitajim/task-collabo/client"
	"github.com/nkitajim/task-collabo/domain"
	"github.com/nkitajim/task-collabo/reorder"
)

// CreateTask appends a task to a column. The task is visible immediately under
// a provisional id, which the server id replaces once the request succeeds.
func (s *Session) CreateTask(columnID domain.ID, draft domain.TaskDraft) *Receipt {
	return s.command(func(r *Receipt) {
		columnID = s.resolve(columnID)
		if !s.store.HasColumn(columnID) {
			r.skip(&domain.NotFoundError{Kind: "column", ID: columnID})
			return
		}
		id := domain.NewProvisionalID()
		r.id = id
		s.rec.Apply(domain.TaskCreated{Task: domain.NewTask(id, columnID, draft)})
		s.notify()
		s.awaiting[id] = nil

		s.whenConfirmed(columnID, func(colID domain.ID, err error) {
			if err != nil {
				s.abandonTask(id)
				r.finish(err)
				return
			}
			if !s.store.HasTask(id) {
				// Removed locally together with its column before the column existed.
				s.abandonTask(id)
				r.skip(nil)
				return
			}
			var created domain.Task
			s.issue(r, "create_task",
				func(ctx context.Context) (err error) {
					created, err = s.api.CreateTask(ctx, colID, draft)
					return err
				},
				func() {
					s.confirmTask(id, created)
					r.confirm(created.ID)
				},
				func(error) { s.abandonTask(id) },
			)
		})
	})
}

// UpdateTask changes task fields. The whole merged task is sent so the server
// ends up with what is shown locally.
func (s *Session) UpdateTask(taskID domain.ID, patch domain.TaskPatch) *Receipt {
	return s.command(func(r *Receipt) {
		taskID = s.resolve(taskID)
		r.id = taskID
		cur, ok := s.store.Task(taskID)
		if !ok {
			r.skip(&domain.NotFoundError{Kind: "task", ID: taskID})
			return
		}
		if patch.Empty() {
			r.skip(nil)
			return
		}
		s.rec.Apply(domain.TaskUpdated{Task: patch.Apply(cur)})
		s.notify()

		s.whenConfirmed(taskID, func(id domain.ID, err error) {
			if err != nil {
				r.finish(err)
				return
			}
			latest, ok := s.store.Task(id)
			if !ok {
				r.skip(&domain.NotFoundError{Kind: "task", ID: id})
				return
			}
			fields := latest.Draft()
			var updated domain.Task
			s.issue(r, "update_task",
				func(ctx context.Context) (err error) {
					updated, err = s.api.UpdateTask(ctx, id, fields)
					return err
				},
				func() {
					if updated.ID != "" && updated.ColumnID != "" {
						s.rec.Apply(domain.TaskUpdated{Task: updated})
					}
				},
				nil,
			)
		})
	})
}

// DeleteTask removes a task. columnID is a hint and may be empty.
func (s *Session) DeleteTask(taskID, columnID domain.ID) *Receipt {
	return s.command(func(r *Receipt) {
		taskID = s.resolve(taskID)
		r.id = taskID
		cur, ok := s.store.Task(taskID)
		if !ok {
			r.skip(&domain.NotFoundError{Kind: "task", ID: taskID})
			return
		}
		if columnID == "" {
			columnID = cur.ColumnID
		}
		s.rec.Apply(domain.TaskDeleted{TaskID: taskID, ColumnID: s.resolve(columnID)})
		s.notify()
		if taskID.IsProvisional() {
			s.deleted[taskID] = struct{}{}
		}

		s.whenConfirmed(taskID, func(id domain.ID, err error) {
			if errors.Is(err, ErrDependencyFailed) {
				// Never created on the server, nothing left to delete.
				r.finish(nil)
				return
			}
			if err != nil {
				r.finish(err)
				return
			}
			s.taskTombs[id] = struct{}{}
			s.issue(r, "delete_task",
				func(ctx context.Context) error {
					err := s.api.DeleteTask(ctx, id)
					if client.IsNotFound(err) {
						return nil
					}
					return err
				},
				func() { s.store.RemoveTask(id, "") },
				func(error) { delete(s.taskTombs, id) },
			)
		})
	})
}

// CreateColumn appends a column to the board.
func (s *Session) CreateColumn(title string) *Receipt {
	return s.command(func(r *Receipt) {
		b, _ := s.store.Board()
		id := domain.NewProvisionalID()
		r.id = id
		draft := domain.ColumnDraft{Title: title, Position: len(b.Columns)}
		s.rec.Apply(domain.ColumnCreated{Column: domain.Column{
			ID:       id,
			BoardID:  s.boardID,
			Title:    draft.Title,
			Position: draft.Position,
			Tasks:    []domain.Task{},
		}})
		s.notify()
		s.awaiting[id] = nil

		boardID := s.boardID
		var created domain.Column
		s.issue(r, "create_column",
			func(ctx context.Context) (err error) {
				created, err = s.api.CreateColumn(ctx, boardID, draft)
				return err
			},
			func() {
				s.confirmColumn(id, created)
				r.confirm(created.ID)
			},
			func(error) { s.abandonColumn(id) },
		)
	})
}

// DeleteColumn removes a column and every task it holds.
func (s *Session) DeleteColumn(columnID domain.ID) *Receipt {
	return s.command(func(r *Receipt) {
		columnID = s.resolve(columnID)
		r.id = columnID
		if !s.store.HasColumn(columnID) {
			r.skip(&domain.NotFoundError{Kind: "column", ID: columnID})
			return
		}
		s.rec.Apply(domain.ColumnDeleted{ColumnID: columnID})
		s.notify()
		if columnID.IsProvisional() {
			s.deleted[columnID] = struct{}{}
		}

		boardID := s.boardID
		s.whenConfirmed(columnID, func(id domain.ID, err error) {
			if errors.Is(err, ErrDependencyFailed) {
				r.finish(nil)
				return
			}
			if err != nil {
				r.finish(err)
				return
			}
			s.columnTombs[id] = struct{}{}
			s.issue(r, "delete_column",
				func(ctx context.Context) error {
					err := s.api.DeleteColumn(ctx, boardID, id)
					if client.IsNotFound(err) {
						return nil
					}
					return err
				},
				func() { s.store.RemoveColumn(id) },
				func(error) { delete(s.columnTombs, id) },
			)
		})
	})
}

// ReorderTask drops activeID onto overID within a column. A drop without a
// target or onto itself does nothing and sends nothing.
func (s *Session) ReorderTask(columnID, activeID, overID domain.ID) *Receipt {
	return s.command(func(r *Receipt) {
		columnID = s.resolve(columnID)
		activeID = s.resolve(activeID)
		r.id = activeID
		if overID == "" {
			r.skip(nil)
			return
		}
		b, _ := s.store.Board()
		plan, ok := reorder.Plan(b, reorder.Move{ColumnID: columnID, ActiveID: activeID, OverID: s.resolve(overID)})
		if !ok {
			r.skip(nil)
			return
		}
		s.rec.Apply(plan.Event(s.boardID))
		s.notify()
		s.sendOrder(r, columnID)
	})
}

// MoveTask moves a task into toColumnID at index. A negative index appends.
func (s *Session) MoveTask(taskID, toColumnID domain.ID, index int) *Receipt {
	return s.command(func(r *Receipt) {
		taskID = s.resolve(taskID)
		toColumnID = s.resolve(toColumnID)
		r.id = taskID
		b, _ := s.store.Board()
		if _, _, ok := b.FindTask(taskID); !ok {
			r.skip(&domain.NotFoundError{Kind: "task", ID: taskID})
			return
		}
		plan, ok := reorder.PlanTransfer(b, taskID, toColumnID, index)
		if !ok {
			r.skip(nil)
			return
		}
		s.rec.Apply(plan.Event(s.boardID))
		s.notify()
		s.sendOrder(r, toColumnID)
	})
}

// sendOrder persists the ordering of every column once columnID is known to
// the server. The payload is taken when the request is issued so it reflects
// every local change made up to then.
func (s *Session) sendOrder(r *Receipt, columnID domain.ID) {
	boardID := s.boardID
	s.whenConfirmed(columnID, func(_ domain.ID, err error) {
		if err != nil {
			r.finish(err)
			return
		}
		req := domain.ReorderRequest{BoardID: boardID, Columns: confirmedOrders(s.store.ColumnOrders())}
		s.issue(r, "reorder_tasks",
			func(ctx context.Context) error {
				return s.api.ReorderTasks(ctx, req)
			},
			nil,
			nil,
		)
	})
}

// confirmedOrders drops provisional columns and task ids: the server does not
// know them yet.
func confirmedOrders(orders []domain.ColumnOrder) []domain.ColumnOrder {
	out := make([]domain.ColumnOrder, 0, len(orders))
	for _, o := range orders {
		if o.ID.IsProvisional() {
			continue
		}
		ids := make([]domain.ID, 0, len(o.TaskIDs))
		for _, id := range o.TaskIDs {
			if !id.IsProvisional() {
				ids = append(ids, id)
			}
		}
		out = append(out, domain.ColumnOrder{ID: o.ID, TaskIDs: ids})
	}
	return out
}

// command runs fn on the session goroutine with a fresh receipt.
func (s *Session) command(fn func(r *Receipt)) *Receipt {
	r := newReceipt()
	if err := s.loop.do(func() {
		switch {
		case s.closed:
			r.finish(ErrClosed)
		case !s.store.Loaded():
			r.finish(ErrNotLoaded)
		default:
			fn(r)
		}
	}); err != nil {
		r.finish(err)
	}
	return r
}

// issue runs call off the loop and hands the outcome back to it. Outcomes
// for a board that is no longer active are discarded.
func (s *Session) issue(r *Receipt, op string, call func(ctx context.Context) error, onSuccess func(), onFailure func(error)) {
	gen, boardID := s.gen, s.boardID
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		err := call(ctx)
		cancel()
		if !s.loop.post(func() { s.complete(r, op, gen, boardID, err, onSuccess, onFailure) }) {
			r.finish(ErrClosed)
		}
	}()
}

func (s *Session) complete(r *Receipt, op string, gen uint64, boardID domain.ID, err error, onSuccess func(), onFailure func(error)) {
	entry := s.logger.WithFields(log.Fields{
		"op":       op,
		"board_id": string(boardID),
	})
	if s.closed {
		r.finish(ErrClosed)
		return
	}
	if !s.current(gen, boardID) {
		entry.Debug("discarding response for inactive board")
		r.finish(ErrStale)
		return
	}
	if err != nil {
		entry = entry.WithError(err).WithField("network", client.IsNetworkFailure(err))
		if client.IsNetworkFailure(err) {
			entry.Warn("request failed")
		} else {
			entry.Error("request failed")
		}
		if onFailure != nil {
			onFailure(err)
		}
		if s.policy == ResyncOnFailure {
			s.resync(op + " failed")
		}
		s.notify()
		r.finish(err)
		return
	}
	if onSuccess != nil {
		onSuccess()
	}
	s.notify()
	entry.Debug("request confirmed")
	r.finish(nil)
}

// resolve maps a provisional id that has since been confirmed to its server id.
func (s *Session) resolve(id domain.ID) domain.ID {
	if confirmed, ok := s.resolved[id]; ok {
		return confirmed
	}
	return id
}

// whenConfirmed calls fn with the server id of id once it exists. Confirmed
// ids call back immediately.
func (s *Session) whenConfirmed(id domain.ID, fn func(confirmed domain.ID, err error)) {
	if !id.IsProvisional() {
		fn(id, nil)
		return
	}
	if confirmed, ok := s.resolved[id]; ok {
		fn(confirmed, nil)
		return
	}
	waiters, ok := s.awaiting[id]
	if !ok {
		fn("", ErrDependencyFailed)
		return
	}
	s.awaiting[id] = append(waiters, fn)
}

func (s *Session) settle(id, confirmed domain.ID, err error) {
	waiters := s.awaiting[id]
	delete(s.awaiting, id)
	if err == nil {
		s.resolved[id] = confirmed
	}
	for _, w := range waiters {
		w(confirmed, err)
	}
}

func (s *Session) confirmTask(id domain.ID, created domain.Task) {
	if created.ID == "" {
		s.abandonTask(id)
		return
	}
	if _, gone := s.deleted[id]; gone {
		delete(s.deleted, id)
		s.taskTombs[created.ID] = struct{}{}
		s.store.RemoveTask(created.ID, "")
	} else {
		next := created
		edited := false
		if local, ok := s.store.Task(id); ok && len(s.awaiting[id]) > 0 {
			// Edits made while the create was in flight are still to be sent.
			next = local
			next.ID = created.ID
			edited = true
		}
		if next.ColumnID == "" {
			if local, ok := s.store.Task(id); ok {
				next.ColumnID = local.ColumnID
			}
		}
		echoed := s.store.HasTask(created.ID)
		s.store.RekeyTask(id, next)
		if echoed && edited {
			// The broadcast inserted the server copy first; keep the local edits.
			s.store.UpsertTask(next)
		}
	}
	s.settle(id, created.ID, nil)
}

func (s *Session) abandonTask(id domain.ID) {
	s.store.RemoveTask(id, "")
	delete(s.deleted, id)
	s.settle(id, "", ErrDependencyFailed)
}

func (s *Session) confirmColumn(id domain.ID, created domain.Column) {
	if created.ID == "" {
		s.abandonColumn(id)
		return
	}
	if _, gone := s.deleted[id]; gone {
		delete(s.deleted, id)
		s.columnTombs[created.ID] = struct{}{}
		s.store.RemoveColumn(created.ID)
	} else {
		s.store.RekeyColumn(id, created)
	}
	s.settle(id, created.ID, nil)
}

func (s *Session) abandonColumn(id domain.ID) {
	s.store.RemoveColumn(id)
	delete(s.deleted, id)
	s.settle(id, "", ErrDependencyFailed)
}
