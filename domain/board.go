package domain

// Task is the canonical task schema shared by the board payload, the command
// responses and the push channel.
type Task struct {
	ID          ID      `json:"id"`
	Title       string  `json:"title"`
	Summary     string  `json:"summary,omitempty"`
	Description string  `json:"description,omitempty"`
	StartDate   *Date   `json:"start_date,omitempty"`
	EndDate     *Date   `json:"end_date,omitempty"`
	Owner       string  `json:"owner,omitempty"`
	Assignee    string  `json:"assignee,omitempty"`
	Reward      float64 `json:"reward,omitempty"`
	Position    int     `json:"position"`
	ColumnID    ID      `json:"column_id"`
}

// Column is an ordered list of tasks. The slice order is the display order.
type Column struct {
	ID       ID     `json:"id"`
	BoardID  ID     `json:"board_id,omitempty"`
	Title    string `json:"title"`
	Position int    `json:"position"`
	Tasks    []Task `json:"tasks"`
}

// Board is the full document a session replicates.
type Board struct {
	ID      ID       `json:"id"`
	Title   string   `json:"title"`
	Columns []Column `json:"columns"`
}

// BoardSummary is an entry of the board listing.
type BoardSummary struct {
	ID    ID     `json:"id"`
	Title string `json:"title"`
}

// ColumnOrder is the ordered task id snapshot of one column.
type ColumnOrder struct {
	ID      ID   `json:"id"`
	TaskIDs []ID `json:"task_ids"`
}

// ReorderRequest is the body of POST /tasks/reorder and the payload of the
// reorder broadcast.
type ReorderRequest struct {
	BoardID ID            `json:"board_id"`
	Columns []ColumnOrder `json:"columns"`
}

// TaskDraft is the body of a task creation request.
type TaskDraft struct {
	Title       string  `json:"title"`
	Summary     string  `json:"summary,omitempty"`
	Description string  `json:"description,omitempty"`
	StartDate   *Date   `json:"start_date,omitempty"`
	EndDate     *Date   `json:"end_date,omitempty"`
	Owner       string  `json:"owner,omitempty"`
	Assignee    string  `json:"assignee,omitempty"`
	Reward      float64 `json:"reward,omitempty"`
}

// TaskPatch carries the fields to change on a task. Nil fields are left as is.
type TaskPatch struct {
	Title       *string  `json:"title,omitempty"`
	Summary     *string  `json:"summary,omitempty"`
	Description *string  `json:"description,omitempty"`
	StartDate   *Date    `json:"start_date,omitempty"`
	EndDate     *Date    `json:"end_date,omitempty"`
	Owner       *string  `json:"owner,omitempty"`
	Assignee    *string  `json:"assignee,omitempty"`
	Reward      *float64 `json:"reward,omitempty"`
}

// ColumnDraft is the body of a column creation request.
type ColumnDraft struct {
	Title    string `json:"title"`
	Position int    `json:"position"`
}

// NewTask materialises a draft as a task in the given column.
func NewTask(id, columnID ID, d TaskDraft) Task {
	return Task{
		ID:          id,
		Title:       d.Title,
		Summary:     d.Summary,
		Description: d.Description,
		StartDate:   cloneDate(d.StartDate),
		EndDate:     cloneDate(d.EndDate),
		Owner:       d.Owner,
		Assignee:    d.Assignee,
		Reward:      d.Reward,
		ColumnID:    columnID,
	}
}

// Draft returns the editable fields of t.
func (t Task) Draft() TaskDraft {
	return TaskDraft{
		Title:       t.Title,
		Summary:     t.Summary,
		Description: t.Description,
		StartDate:   cloneDate(t.StartDate),
		EndDate:     cloneDate(t.EndDate),
		Owner:       t.Owner,
		Assignee:    t.Assignee,
		Reward:      t.Reward,
	}
}

// Apply returns a copy of t with the patch applied.
func (p TaskPatch) Apply(t Task) Task {
	out := t.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Summary != nil {
		out.Summary = *p.Summary
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.StartDate != nil {
		out.StartDate = cloneDate(p.StartDate)
	}
	if p.EndDate != nil {
		out.EndDate = cloneDate(p.EndDate)
	}
	if p.Owner != nil {
		out.Owner = *p.Owner
	}
	if p.Assignee != nil {
		out.Assignee = *p.Assignee
	}
	if p.Reward != nil {
		out.Reward = *p.Reward
	}
	return out
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Summary == nil && p.Description == nil &&
		p.StartDate == nil && p.EndDate == nil && p.Owner == nil &&
		p.Assignee == nil && p.Reward == nil
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	t.StartDate = cloneDate(t.StartDate)
	t.EndDate = cloneDate(t.EndDate)
	return t
}

// Equal compares every field including position.
func (t Task) Equal(o Task) bool {
	return t.ID == o.ID &&
		t.Title == o.Title &&
		t.Summary == o.Summary &&
		t.Description == o.Description &&
		datesEqual(t.StartDate, o.StartDate) &&
		datesEqual(t.EndDate, o.EndDate) &&
		t.Owner == o.Owner &&
		t.Assignee == o.Assignee &&
		t.Reward == o.Reward &&
		t.Position == o.Position &&
		t.ColumnID == o.ColumnID
}

// Clone returns a deep copy of the column.
func (c Column) Clone() Column {
	tasks := make([]Task, len(c.Tasks))
	for i := range c.Tasks {
		tasks[i] = c.Tasks[i].Clone()
	}
	c.Tasks = tasks
	return c
}

// TaskIDs lists the task ids of the column in order.
func (c Column) TaskIDs() []ID {
	ids := make([]ID, len(c.Tasks))
	for i := range c.Tasks {
		ids[i] = c.Tasks[i].ID
	}
	return ids
}

// Clone returns a deep copy of the board.
func (b Board) Clone() Board {
	cols := make([]Column, len(b.Columns))
	for i := range b.Columns {
		cols[i] = b.Columns[i].Clone()
	}
	b.Columns = cols
	return b
}

// Column returns the column with the given id.
func (b Board) Column(id ID) (Column, bool) {
	for _, c := range b.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// FindTask returns the task with the given id and the index of its column.
func (b Board) FindTask(id ID) (Task, int, bool) {
	for ci := range b.Columns {
		for _, t := range b.Columns[ci].Tasks {
			if t.ID == id {
				return t, ci, true
			}
		}
	}
	return Task{}, -1, false
}

func cloneDate(d *Date) *Date {
	if d == nil {
		return nil
	}
	cp := *d
	return &cp
}
