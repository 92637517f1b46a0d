package domain

import (
	log "github.com/sirupsen/logrus"
)

// Storage defines the document operations events are applied through.
// Every method reports whether the document changed; references to missing
// entities are no-ops.
type Storage interface {
	HasTask(id ID) bool
	InsertTask(t Task) bool
	UpsertTask(t Task) bool
	RemoveTask(taskID, columnID ID) bool
	InsertColumn(c Column) bool
	RemoveColumn(columnID ID) bool
	ReorderColumnTasks(columnID ID, taskIDs []ID) bool
}

// Reconciler is the single path through which optimistic and confirmed
// changes reach the document.
type Reconciler struct {
	store  Storage
	logger *log.Logger
}

// NewReconciler creates a Reconciler writing to st.
func NewReconciler(st Storage, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Reconciler{store: st, logger: logger}
}

// Apply applies ev and reports whether the document changed.
func (r *Reconciler) Apply(ev Event) bool {
	changed := Apply(r.store, ev)
	if !changed && ev != nil {
		r.logger.WithField("event", string(ev.Type())).Debug("event left board unchanged")
	}
	return changed
}

// Apply routes an event to the matching storage operation.
func Apply(st Storage, ev Event) bool {
	switch e := ev.(type) {
	case TaskCreated:
		if st.HasTask(e.Task.ID) {
			return st.UpsertTask(e.Task)
		}
		return st.InsertTask(e.Task)
	case TaskUpdated:
		return st.UpsertTask(e.Task)
	case TaskDeleted:
		return st.RemoveTask(e.TaskID, e.ColumnID)
	case ColumnCreated:
		return st.InsertColumn(e.Column)
	case ColumnDeleted:
		return st.RemoveColumn(e.ColumnID)
	case Reordered:
		changed := false
		for _, c := range e.Columns {
			if st.ReorderColumnTasks(c.ID, c.TaskIDs) {
				changed = true
			}
		}
		return changed
	default:
		return false
	}
}
