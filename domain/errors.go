package domain

import (
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned by DecodeEvent for envelope types outside the
// known set. Listeners ignore such events.
var ErrUnknownEvent = errors.New("unknown event type")

// MalformedEventError reports a push channel envelope that could not be
// decoded into a well-formed event.
type MalformedEventError struct {
	Type  string
	Field string
	Err   error
}

func (e *MalformedEventError) Error() string {
	msg := "malformed event"
	if e.Type != "" {
		msg += " " + e.Type
	}
	if e.Field != "" {
		msg += ": bad " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// NotFoundError reports a reference to an entity the local replica does not hold.
type NotFoundError struct {
	Kind string
	ID   ID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// IsMalformed reports whether err is a MalformedEventError.
func IsMalformed(err error) bool {
	var m *MalformedEventError
	return errors.As(err, &m)
}
