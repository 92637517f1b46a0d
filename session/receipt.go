package session

import (
	"context"
	"errors"
	"sync"

	"github.com/nkitajim/task-collabo/domain"
)

var (
	// ErrClosed is returned once the session has been closed.
	ErrClosed = errors.New("session closed")
	// ErrNotLoaded is returned for commands issued before a board is loaded.
	ErrNotLoaded = errors.New("board not loaded")
	// ErrStale marks a response discarded because the session moved to
	// another board while the request was in flight.
	ErrStale = errors.New("response belongs to a board that is no longer active")
	// ErrDependencyFailed is returned for commands that waited on a create
	// which the server rejected.
	ErrDependencyFailed = errors.New("entity was never confirmed by the server")
)

// Receipt tracks one command. The optimistic change is already visible when
// the receipt is returned; the receipt completes when the server answered.
type Receipt struct {
	id   domain.ID
	done chan struct{}

	mu        sync.Mutex
	noop      bool
	err       error
	confirmed domain.ID
	finished  bool
}

func newReceipt() *Receipt {
	return &Receipt{done: make(chan struct{})}
}

// ID is the id of the affected entity. For creates it is the provisional id.
func (r *Receipt) ID() domain.ID { return r.id }

// ConfirmedID is the server id after a create completed.
func (r *Receipt) ConfirmedID() domain.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmed
}

// Noop reports that the command had no effect and issued no request.
func (r *Receipt) Noop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.noop
}

// Done is closed when the command finished.
func (r *Receipt) Done() <-chan struct{} { return r.done }

// Err is the outcome once Done is closed.
func (r *Receipt) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait blocks until the command finished or ctx is done.
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Receipt) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finished = true
	r.err = err
	close(r.done)
}

// skip completes a command that issued no request. err explains why, if
// anything was wrong with it.
func (r *Receipt) skip(err error) {
	r.mu.Lock()
	r.noop = true
	r.mu.Unlock()
	r.finish(err)
}

func (r *Receipt) confirm(id domain.ID) {
	r.mu.Lock()
	r.confirmed = id
	r.mu.Unlock()
}
