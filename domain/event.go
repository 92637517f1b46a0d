package domain

import (
	"bytes"
	"fmt"

	"github.com/bytedance/sonic"
)

// EventType is the value of the envelope "type" field.
type EventType string

const (
	TaskCreatedType   EventType = "task_created"
	TaskUpdatedType   EventType = "task_updated"
	TaskDeletedType   EventType = "task_deleted"
	ColumnCreatedType EventType = "column_created"
	ColumnDeletedType EventType = "column_deleted"
	ReorderType       EventType = "reorder"
)

// Event is the closed set of board change notifications. The unexported
// marker keeps the set closed to this package.
type Event interface {
	Type() EventType
	isEvent()
}

type TaskCreated struct{ Task Task }

type TaskUpdated struct{ Task Task }

type TaskDeleted struct {
	TaskID   ID
	ColumnID ID
}

type ColumnCreated struct{ Column Column }

type ColumnDeleted struct{ ColumnID ID }

// Reordered carries the ordered task ids of some or all columns of a board.
type Reordered struct {
	BoardID ID
	Columns []ColumnOrder
}

func (TaskCreated) Type() EventType   { return TaskCreatedType }
func (TaskUpdated) Type() EventType   { return TaskUpdatedType }
func (TaskDeleted) Type() EventType   { return TaskDeletedType }
func (ColumnCreated) Type() EventType { return ColumnCreatedType }
func (ColumnDeleted) Type() EventType { return ColumnDeletedType }
func (Reordered) Type() EventType     { return ReorderType }

func (TaskCreated) isEvent()   {}
func (TaskUpdated) isEvent()   {}
func (TaskDeleted) isEvent()   {}
func (ColumnCreated) isEvent() {}
func (ColumnDeleted) isEvent() {}
func (Reordered) isEvent()     {}

// envelopeFields are the payload fields the server may place either at the
// top level of the envelope or nested under "payload".
type envelopeFields struct {
	ID       sonic.NoCopyRawMessage `json:"id"`
	Task     sonic.NoCopyRawMessage `json:"task"`
	Column   sonic.NoCopyRawMessage `json:"column"`
	TaskID   sonic.NoCopyRawMessage `json:"task_id"`
	ColumnID sonic.NoCopyRawMessage `json:"column_id"`
	BoardID  sonic.NoCopyRawMessage `json:"board_id"`
	Columns  sonic.NoCopyRawMessage `json:"columns"`
	Data     sonic.NoCopyRawMessage `json:"data"`
}

type envelope struct {
	Type    string                 `json:"type"`
	Payload sonic.NoCopyRawMessage `json:"payload"`
	envelopeFields
}

// DecodeEvent parses one push channel message. Unknown types yield an error
// wrapping ErrUnknownEvent; structurally invalid messages yield a
// *MalformedEventError.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := sonic.ConfigStd.Unmarshal(data, &env); err != nil {
		return nil, &MalformedEventError{Field: "envelope", Err: err}
	}
	if env.Type == "" {
		return nil, &MalformedEventError{Field: "type"}
	}

	f := env.envelopeFields
	var whole sonic.NoCopyRawMessage
	if present(env.Payload) {
		var nested envelopeFields
		if err := sonic.ConfigStd.Unmarshal(env.Payload, &nested); err != nil {
			return nil, &MalformedEventError{Type: env.Type, Field: "payload", Err: err}
		}
		f = overlay(f, nested)
		if present(nested.ID) {
			whole = env.Payload
		}
	}

	switch EventType(env.Type) {
	case TaskCreatedType, TaskUpdatedType:
		raw := pick(f.Task, whole, f.Data)
		task, err := decodeTask(env.Type, raw)
		if err != nil {
			return nil, err
		}
		if EventType(env.Type) == TaskCreatedType {
			return TaskCreated{Task: task}, nil
		}
		return TaskUpdated{Task: task}, nil

	case TaskDeletedType:
		taskID, err := decodeID(env.Type, "task_id", f.TaskID)
		if err != nil {
			return nil, err
		}
		if taskID == "" {
			if ref, ok := idFromObject(pick(f.Task, whole)); ok {
				taskID = ref
			}
		}
		if taskID == "" {
			return nil, &MalformedEventError{Type: env.Type, Field: "task_id"}
		}
		columnID, err := decodeID(env.Type, "column_id", f.ColumnID)
		if err != nil {
			return nil, err
		}
		return TaskDeleted{TaskID: taskID, ColumnID: columnID}, nil

	case ColumnCreatedType:
		raw := pick(f.Column, whole, f.Data)
		if !present(raw) {
			return nil, &MalformedEventError{Type: env.Type, Field: "column"}
		}
		var col Column
		if err := sonic.ConfigStd.Unmarshal(raw, &col); err != nil {
			return nil, &MalformedEventError{Type: env.Type, Field: "column", Err: err}
		}
		if col.ID == "" {
			return nil, &MalformedEventError{Type: env.Type, Field: "column.id"}
		}
		for i := range col.Tasks {
			col.Tasks[i].ColumnID = col.ID
		}
		return ColumnCreated{Column: col}, nil

	case ColumnDeletedType:
		columnID, err := decodeID(env.Type, "column_id", f.ColumnID)
		if err != nil {
			return nil, err
		}
		if columnID == "" {
			if ref, ok := idFromObject(pick(f.Column, whole)); ok {
				columnID = ref
			}
		}
		if columnID == "" {
			return nil, &MalformedEventError{Type: env.Type, Field: "column_id"}
		}
		return ColumnDeleted{ColumnID: columnID}, nil

	case ReorderType:
		return decodeReorder(env.Type, f)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Type)
	}
}

func decodeTask(typ string, raw sonic.NoCopyRawMessage) (Task, error) {
	if !present(raw) {
		return Task{}, &MalformedEventError{Type: typ, Field: "task"}
	}
	var task Task
	if err := sonic.ConfigStd.Unmarshal(raw, &task); err != nil {
		return Task{}, &MalformedEventError{Type: typ, Field: "task", Err: err}
	}
	if task.ID == "" {
		return Task{}, &MalformedEventError{Type: typ, Field: "task.id"}
	}
	if task.ColumnID == "" {
		return Task{}, &MalformedEventError{Type: typ, Field: "task.column_id"}
	}
	return task, nil
}

func decodeReorder(typ string, f envelopeFields) (Event, error) {
	req := ReorderRequest{}
	if present(f.Data) {
		if err := sonic.ConfigStd.Unmarshal(f.Data, &req); err != nil {
			return nil, &MalformedEventError{Type: typ, Field: "data", Err: err}
		}
	} else {
		if !present(f.Columns) {
			return nil, &MalformedEventError{Type: typ, Field: "columns"}
		}
		if err := sonic.ConfigStd.Unmarshal(f.Columns, &req.Columns); err != nil {
			return nil, &MalformedEventError{Type: typ, Field: "columns", Err: err}
		}
		id, err := decodeID(typ, "board_id", f.BoardID)
		if err != nil {
			return nil, err
		}
		req.BoardID = id
	}
	for i, c := range req.Columns {
		if c.ID == "" {
			return nil, &MalformedEventError{Type: typ, Field: fmt.Sprintf("columns[%d].id", i)}
		}
	}
	return Reordered{BoardID: req.BoardID, Columns: req.Columns}, nil
}

func decodeID(typ, field string, raw sonic.NoCopyRawMessage) (ID, error) {
	if !present(raw) {
		return "", nil
	}
	var id ID
	if err := id.UnmarshalJSON(raw); err != nil {
		return "", &MalformedEventError{Type: typ, Field: field, Err: err}
	}
	return id, nil
}

func idFromObject(raw sonic.NoCopyRawMessage) (ID, bool) {
	if !present(raw) {
		return "", false
	}
	var ref struct {
		ID ID `json:"id"`
	}
	if err := sonic.ConfigStd.Unmarshal(raw, &ref); err != nil || ref.ID == "" {
		return "", false
	}
	return ref.ID, true
}

func overlay(top, nested envelopeFields) envelopeFields {
	if !present(top.Task) {
		top.Task = nested.Task
	}
	if !present(top.Column) {
		top.Column = nested.Column
	}
	if !present(top.TaskID) {
		top.TaskID = nested.TaskID
	}
	if !present(top.ColumnID) {
		top.ColumnID = nested.ColumnID
	}
	if !present(top.BoardID) {
		top.BoardID = nested.BoardID
	}
	if !present(top.Columns) {
		top.Columns = nested.Columns
	}
	if !present(top.Data) {
		top.Data = nested.Data
	}
	return top
}

func pick(candidates ...sonic.NoCopyRawMessage) sonic.NoCopyRawMessage {
	for _, c := range candidates {
		if present(c) {
			return c
		}
	}
	return nil
}

func present(raw sonic.NoCopyRawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

type columnHeader struct {
	ID       ID     `json:"id"`
	Title    string `json:"title"`
	Position int    `json:"position"`
}

// EncodeEvent renders an event in the flat envelope shape broadcast by the server.
func EncodeEvent(ev Event) ([]byte, error) {
	var msg any
	switch e := ev.(type) {
	case TaskCreated:
		msg = struct {
			Type EventType `json:"type"`
			Task Task      `json:"task"`
		}{e.Type(), e.Task}
	case TaskUpdated:
		msg = struct {
			Type EventType `json:"type"`
			Task Task      `json:"task"`
		}{e.Type(), e.Task}
	case TaskDeleted:
		msg = struct {
			Type     EventType `json:"type"`
			TaskID   ID        `json:"task_id"`
			ColumnID ID        `json:"column_id"`
		}{e.Type(), e.TaskID, e.ColumnID}
	case ColumnCreated:
		msg = struct {
			Type   EventType    `json:"type"`
			Column columnHeader `json:"column"`
		}{e.Type(), columnHeader{ID: e.Column.ID, Title: e.Column.Title, Position: e.Column.Position}}
	case ColumnDeleted:
		msg = struct {
			Type     EventType `json:"type"`
			ColumnID ID        `json:"column_id"`
		}{e.Type(), e.ColumnID}
	case Reordered:
		msg = struct {
			Type EventType      `json:"type"`
			Data ReorderRequest `json:"data"`
		}{e.Type(), ReorderRequest{BoardID: e.BoardID, Columns: e.Columns}}
	default:
		return nil, fmt.Errorf("encode event: unsupported %T", ev)
	}
	return sonic.Marshal(msg)
}
