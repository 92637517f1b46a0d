// Package session owns the local replica of the active board. All document
// changes, optimistic or confirmed, run on one goroutine and go through the
// domain Reconciler.
package session

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nkitajim/task-collabo/domain"
	"github.com/nkitajim/task-collabo/storage"
	"github.com/nkitajim/task-collabo/stream"
)

// API is the subset of the board HTTP API the session needs.
type API interface {
	FetchBoard(ctx context.Context, boardID domain.ID) (domain.Board, error)
	CreateTask(ctx context.Context, columnID domain.ID, draft domain.TaskDraft) (domain.Task, error)
	UpdateTask(ctx context.Context, taskID domain.ID, fields domain.TaskDraft) (domain.Task, error)
	DeleteTask(ctx context.Context, taskID domain.ID) error
	CreateColumn(ctx context.Context, boardID domain.ID, draft domain.ColumnDraft) (domain.Column, error)
	DeleteColumn(ctx context.Context, boardID, columnID domain.ID) error
	ReorderTasks(ctx context.Context, req domain.ReorderRequest) error
}

// Subscription is a live push channel bound to one board.
type Subscription interface {
	Close()
}

// Channel opens push channel subscriptions.
type Channel interface {
	Subscribe(boardID domain.ID, h stream.Handler) Subscription
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(boardID domain.ID, h stream.Handler) Subscription

func (f ChannelFunc) Subscribe(boardID domain.ID, h stream.Handler) Subscription {
	return f(boardID, h)
}

// FromListener adapts a stream.Listener to Channel.
func FromListener(l *stream.Listener) Channel {
	return ChannelFunc(func(boardID domain.ID, h stream.Handler) Subscription {
		return l.Subscribe(boardID, h)
	})
}

// Mirror receives every board snapshot and can serve one back when the API
// is unreachable at load time.
type Mirror interface {
	Offer(b domain.Board)
	Load(ctx context.Context, id domain.ID) (domain.Board, bool)
}

// FailurePolicy selects the compensation applied when a request fails.
type FailurePolicy string

const (
	// ResyncOnFailure re-fetches the board and replaces the replica.
	ResyncOnFailure FailurePolicy = "resync"
	// KeepOnFailure leaves optimistic changes in place.
	KeepOnFailure FailurePolicy = "keep"
)

// Options tunes a Session.
type Options struct {
	Logger         *log.Logger
	FailurePolicy  FailurePolicy
	RequestTimeout time.Duration
	Mirror         Mirror
}

const maxPendingEvents = 4096

// Session replicates one board at a time.
type Session struct {
	api     API
	channel Channel
	mirror  Mirror
	logger  *log.Logger
	policy  FailurePolicy
	timeout time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	loop     *loop
	inflight sync.WaitGroup

	// Everything below is owned by the loop goroutine.
	store     *storage.Store
	rec       *domain.Reconciler
	boardID   domain.ID
	gen       uint64
	sub       Subscription
	loading   bool
	refreshes int
	pending   []domain.Event
	overflow  bool
	resyncing bool
	again     bool
	closed    bool
	notified  uint64

	watchers  map[int]func(domain.Board)
	nextWatch int

	awaiting map[domain.ID][]func(confirmed domain.ID, err error)
	resolved map[domain.ID]domain.ID
	deleted  map[domain.ID]struct{}

	// Confirmed ids deleted locally whose delete broadcast has not been seen.
	// Echoes that would bring them back are dropped.
	taskTombs   map[domain.ID]struct{}
	columnTombs map[domain.ID]struct{}
}

// New creates a session. Call Open to load a board.
func New(api API, channel Channel, opts Options) *Session {
	if api == nil {
		panic("session.New: api is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	policy := opts.FailurePolicy
	if policy == "" {
		policy = ResyncOnFailure
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	store := storage.NewStore()
	return &Session{
		api:      api,
		channel:  channel,
		mirror:   opts.Mirror,
		logger:   logger,
		policy:   policy,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
		loop:     newLoop(),
		store:    store,
		rec:      domain.NewReconciler(store, logger),
		watchers: map[int]func(domain.Board){},
		awaiting: map[domain.ID][]func(domain.ID, error){},
		resolved: map[domain.ID]domain.ID{},
		deleted:  map[domain.ID]struct{}{},

		taskTombs:   map[domain.ID]struct{}{},
		columnTombs: map[domain.ID]struct{}{},
	}
}

// Open makes boardID the active board: the previous board's subscription is
// closed, the replica is reset, the new channel is subscribed and the board
// is fetched. Events that arrive while loading are applied after the fetch.
func (s *Session) Open(ctx context.Context, boardID domain.ID) error {
	var gen uint64
	if err := s.loop.do(func() {
		if s.closed {
			return
		}
		gen = s.switchTo(boardID)
	}); err != nil {
		return err
	}
	if gen == 0 {
		return ErrClosed
	}
	return s.load(ctx, gen, boardID, false)
}

// SwitchBoard is Open for a session that already shows a board.
func (s *Session) SwitchBoard(ctx context.Context, boardID domain.ID) error {
	return s.Open(ctx, boardID)
}

// Reload re-fetches the active board and replaces the replica.
func (s *Session) Reload(ctx context.Context) error {
	var (
		gen     uint64
		boardID domain.ID
	)
	if err := s.loop.do(func() {
		gen, boardID = s.gen, s.boardID
		if boardID != "" {
			s.refreshes++
		}
	}); err != nil {
		return err
	}
	if boardID == "" {
		return ErrNotLoaded
	}
	return s.load(ctx, gen, boardID, true)
}

// ActiveBoard returns the id of the board being replicated.
func (s *Session) ActiveBoard() domain.ID {
	var id domain.ID
	_ = s.loop.do(func() { id = s.boardID })
	return id
}

// Board returns a snapshot of the replica.
func (s *Session) Board() (domain.Board, bool) {
	var (
		b  domain.Board
		ok bool
	)
	_ = s.loop.do(func() { b, ok = s.store.Board() })
	return b, ok
}

// Watch registers fn to receive a snapshot after every change. fn runs on
// the session goroutine and must not call blocking session methods. The
// returned function unregisters it.
func (s *Session) Watch(fn func(domain.Board)) func() {
	var id int
	_ = s.loop.do(func() {
		s.nextWatch++
		id = s.nextWatch
		s.watchers[id] = fn
	})
	return func() {
		s.loop.post(func() { delete(s.watchers, id) })
	}
}

// Close stops the subscription, abandons in-flight requests and stops the loop.
func (s *Session) Close() {
	_ = s.loop.do(func() {
		if s.closed {
			return
		}
		s.closed = true
		s.gen++
		s.closeSubscription()
		s.failAwaiting(ErrClosed)
	})
	s.cancel()
	s.inflight.Wait()
	s.loop.stop()
}

func (s *Session) switchTo(boardID domain.ID) uint64 {
	s.gen++
	s.closeSubscription()
	s.failAwaiting(ErrStale)
	s.store.Reset()
	s.boardID = boardID
	s.loading = true
	s.refreshes = 0
	s.pending = nil
	s.overflow = false
	s.resyncing = false
	s.again = false
	s.resolved = map[domain.ID]domain.ID{}
	s.deleted = map[domain.ID]struct{}{}
	s.taskTombs = map[domain.ID]struct{}{}
	s.columnTombs = map[domain.ID]struct{}{}
	s.notify()

	if s.channel != nil {
		gen := s.gen
		s.sub = s.channel.Subscribe(boardID, stream.Handler{
			OnEvent: func(ev domain.Event) {
				s.loop.post(func() { s.onEvent(gen, boardID, ev) })
			},
			OnConnect: func(reconnect bool) {
				s.loop.post(func() { s.onConnect(gen, boardID, reconnect) })
			},
		})
	}
	s.logger.WithField("board_id", string(boardID)).Info("board opened")
	return s.gen
}

func (s *Session) closeSubscription() {
	if s.sub == nil {
		return
	}
	sub := s.sub
	s.sub = nil
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		sub.Close()
	}()
}

// load fetches boardID and installs it. refresh marks a re-fetch of a board
// that is already shown, counted in s.refreshes.
func (s *Session) load(ctx context.Context, gen uint64, boardID domain.ID, refresh bool) error {
	b, fetchErr := s.api.FetchBoard(ctx, boardID)
	var (
		snapshot domain.Board
		fromCopy bool
	)
	if fetchErr != nil && s.mirror != nil {
		snapshot, fromCopy = s.mirror.Load(ctx, boardID)
	}

	var result error
	if err := s.loop.do(func() {
		if !s.current(gen, boardID) {
			result = ErrStale
			return
		}
		if refresh {
			s.refreshDone()
		}
		switch {
		case fetchErr == nil:
			s.install(b)
		case fromCopy:
			s.logger.WithError(fetchErr).WithField("board_id", string(boardID)).
				Warn("board fetch failed, using mirrored snapshot")
			s.install(snapshot)
		default:
			s.loading = false
			if s.refreshes == 0 {
				s.pending = nil
				s.overflow = false
			}
			result = fetchErr
		}
	}); err != nil {
		return err
	}
	return result
}

// install replaces the replica with a fetched board, keeping local entities
// the server has not confirmed yet, then replays buffered events. Events are
// kept for replay while another re-fetch is still in flight, since its
// snapshot may predate them as well.
func (s *Session) install(b domain.Board) {
	var provisionalCols []domain.Column
	var provisionalTasks []domain.Task
	if current, ok := s.store.Board(); ok {
		for _, c := range current.Columns {
			if c.ID.IsProvisional() {
				provisionalCols = append(provisionalCols, c)
				continue
			}
			for _, t := range c.Tasks {
				if t.ID.IsProvisional() {
					provisionalTasks = append(provisionalTasks, t)
				}
			}
		}
	}

	s.store.ReplaceBoard(b)
	for id := range s.columnTombs {
		s.store.RemoveColumn(id)
	}
	for id := range s.taskTombs {
		s.store.RemoveTask(id, "")
	}
	for _, c := range provisionalCols {
		s.store.InsertColumn(c)
	}
	for _, t := range provisionalTasks {
		s.store.InsertTask(t)
	}

	pending := s.pending
	overflow := s.overflow
	s.loading = false
	if s.refreshes == 0 {
		s.pending = nil
		s.overflow = false
	}
	for _, ev := range pending {
		s.rec.Apply(ev)
	}
	s.notify()
	if overflow && s.refreshes == 0 {
		s.resync("event buffer overflow")
	}
}

func (s *Session) current(gen uint64, boardID domain.ID) bool {
	return !s.closed && gen == s.gen && boardID == s.boardID
}

func (s *Session) onEvent(gen uint64, boardID domain.ID, ev domain.Event) {
	if !s.current(gen, boardID) {
		s.logger.WithField("event", string(ev.Type())).Debug("dropping event from stale channel")
		return
	}
	if r, ok := ev.(domain.Reordered); ok && r.BoardID != "" && r.BoardID != boardID {
		s.logger.WithFields(log.Fields{
			"event":    string(ev.Type()),
			"board_id": string(r.BoardID),
		}).Debug("dropping reorder for another board")
		return
	}
	if s.buried(ev) {
		s.logger.WithField("event", string(ev.Type())).Debug("dropping echo of a deleted entity")
		return
	}
	if s.loading || s.refreshes > 0 {
		// A snapshot is being fetched and may not include ev.
		if len(s.pending) >= maxPendingEvents {
			s.overflow = true
		} else {
			s.pending = append(s.pending, ev)
		}
		if s.loading {
			return
		}
	}
	if s.rec.Apply(ev) {
		s.notify()
	}
	switch e := ev.(type) {
	case domain.TaskDeleted:
		delete(s.taskTombs, e.TaskID)
	case domain.ColumnDeleted:
		delete(s.columnTombs, e.ColumnID)
	}
}

func (s *Session) buried(ev domain.Event) bool {
	switch e := ev.(type) {
	case domain.TaskCreated:
		_, ok := s.taskTombs[e.Task.ID]
		return ok
	case domain.TaskUpdated:
		_, ok := s.taskTombs[e.Task.ID]
		return ok
	case domain.ColumnCreated:
		_, ok := s.columnTombs[e.Column.ID]
		return ok
	}
	return false
}

func (s *Session) onConnect(gen uint64, boardID domain.ID, reconnect bool) {
	if !s.current(gen, boardID) || s.loading {
		return
	}
	if reconnect || !s.store.Loaded() {
		s.resync("push channel reconnected")
	}
}

// resync re-fetches the active board in the background and installs it if
// the board is still active. Concurrent requests collapse into one follow-up.
func (s *Session) resync(reason string) {
	if s.closed || s.boardID == "" {
		return
	}
	if s.resyncing {
		s.again = true
		return
	}
	s.resyncing = true
	s.refreshes++
	gen, boardID := s.gen, s.boardID
	s.logger.WithFields(log.Fields{
		"board_id": string(boardID),
		"reason":   reason,
	}).Info("resynchronising board")

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		b, err := s.api.FetchBoard(ctx, boardID)
		cancel()
		s.loop.post(func() {
			if !s.current(gen, boardID) {
				return
			}
			s.resyncing = false
			s.refreshDone()
			if err != nil {
				s.logger.WithError(err).WithField("board_id", string(boardID)).Warn("resync failed")
				if s.refreshes == 0 && !s.loading {
					// Buffered events were applied as they arrived.
					s.pending = nil
					s.overflow = false
				}
			} else {
				s.install(b)
			}
			if s.again {
				s.again = false
				s.resync("follow-up")
			}
		})
	}()
}

func (s *Session) refreshDone() {
	if s.refreshes > 0 {
		s.refreshes--
	}
}

func (s *Session) notify() {
	v := s.store.Version()
	if v == s.notified {
		return
	}
	s.notified = v
	b, ok := s.store.Board()
	if !ok {
		b = domain.Board{ID: s.boardID}
	}
	if ok && s.mirror != nil {
		s.mirror.Offer(b)
	}
	for _, fn := range s.watchers {
		fn(b.Clone())
	}
}

func (s *Session) failAwaiting(err error) {
	for id, waiters := range s.awaiting {
		delete(s.awaiting, id)
		for _, w := range waiters {
			w("", err)
		}
	}
}

// check verifies the replica invariants.
func (s *Session) check() error {
	var err error
	if doErr := s.loop.do(func() { err = s.store.CheckInvariants() }); doErr != nil {
		return doErr
	}
	return err
}
