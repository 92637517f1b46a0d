package domain

type call struct {
	op   string
	task Task
	col  Column
	ids  []ID
	a, b ID
}

type fakeStore struct {
	tasks   map[ID]Task
	calls   []call
	changed bool
}

func newFakeStore(existing ...Task) *fakeStore {
	f := &fakeStore{tasks: map[ID]Task{}, changed: true}
	for _, t := range existing {
		f.tasks[t.ID] = t
	}
	return f
}

func (f *fakeStore) HasTask(id ID) bool {
	_, ok := f.tasks[id]
	return ok
}

func (f *fakeStore) InsertTask(t Task) bool {
	f.calls = append(f.calls, call{op: "insert", task: t})
	f.tasks[t.ID] = t
	return f.changed
}

func (f *fakeStore) UpsertTask(t Task) bool {
	f.calls = append(f.calls, call{op: "upsert", task: t})
	f.tasks[t.ID] = t
	return f.changed
}

func (f *fakeStore) RemoveTask(taskID, columnID ID) bool {
	f.calls = append(f.calls, call{op: "remove", a: taskID, b: columnID})
	delete(f.tasks, taskID)
	return f.changed
}

func (f *fakeStore) InsertColumn(c Column) bool {
	f.calls = append(f.calls, call{op: "insert-column", col: c})
	return f.changed
}

func (f *fakeStore) RemoveColumn(columnID ID) bool {
	f.calls = append(f.calls, call{op: "remove-column", a: columnID})
	return f.changed
}

func (f *fakeStore) ReorderColumnTasks(columnID ID, taskIDs []ID) bool {
	f.calls = append(f.calls, call{op: "reorder", a: columnID, ids: taskIDs})
	return f.changed
}
