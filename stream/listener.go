// Package stream subscribes to the push channel of a board.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/nkitajim/task-collabo/client"
	"github.com/nkitajim/task-collabo/domain"
)

// ErrUnauthorized is returned when the server rejects the credential. The
// subscription stops instead of reconnecting.
var ErrUnauthorized = errors.New("push channel rejected credential")

// Handler receives subscription callbacks. Calls are serialised and never
// happen after Subscription.Close returns.
type Handler struct {
	// OnEvent receives each decoded event in delivery order.
	OnEvent func(domain.Event)
	// OnConnect fires after every successful dial. reconnect is false for the
	// first connection; after a reconnect events may have been missed.
	OnConnect func(reconnect bool)
}

// Options tunes a Listener. Zero values select defaults.
type Options struct {
	Dialer           *websocket.Dialer
	Logger           *log.Logger
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	PingInterval     time.Duration
}

// Listener opens board subscriptions against one API root.
type Listener struct {
	base   *url.URL
	cred   client.Credential
	dialer *websocket.Dialer
	logger *log.Logger

	reconnectInitial time.Duration
	reconnectMax     time.Duration
	pingInterval     time.Duration
}

// NewListener derives the push channel endpoint from the HTTP API root.
func NewListener(apiBase string, cred client.Credential, opts Options) (*Listener, error) {
	u, err := url.Parse(strings.TrimRight(apiBase, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api base: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("api base %q: unsupported scheme", apiBase)
	}
	d := opts.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	l := &Listener{
		base:             u,
		cred:             cred,
		dialer:           d,
		logger:           logger,
		reconnectInitial: opts.ReconnectInitial,
		reconnectMax:     opts.ReconnectMax,
		pingInterval:     opts.PingInterval,
	}
	if l.reconnectInitial <= 0 {
		l.reconnectInitial = 500 * time.Millisecond
	}
	if l.reconnectMax <= 0 {
		l.reconnectMax = 30 * time.Second
	}
	return l, nil
}

// URL returns the channel endpoint of a board, credential included.
func (l *Listener) URL(boardID domain.ID) string {
	u := *l.base
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/boards/" + url.PathEscape(string(boardID))
	if !l.cred.Empty() {
		q := u.Query()
		q.Set("token", l.cred.Token())
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Subscribe starts a subscription to one board. It returns immediately; the
// connection is established in the background and re-established when it drops.
func (l *Listener) Subscribe(boardID domain.ID, h Handler) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		boardID: boardID,
		l:       l,
		h:       h,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  l.logger.WithField("board_id", string(boardID)),
	}
	go s.run(ctx)
	return s
}

// Subscription is one live board channel.
type Subscription struct {
	boardID domain.ID
	l       *Listener
	h       Handler
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *log.Entry

	mu     sync.Mutex
	closed bool
	conn   *websocket.Conn
	err    error
}

// BoardID returns the board this subscription is bound to.
func (s *Subscription) BoardID() domain.ID { return s.boardID }

// Done is closed when the subscription has stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the terminal error, if the subscription stopped on its own.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the subscription and waits for it to finish. No handler call
// happens after Close returns.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	<-s.done
}

func (s *Subscription) deliver(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || fn == nil {
		return
	}
	fn()
}

func (s *Subscription) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	return true
}

func (s *Subscription) detach() {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	target := s.l.URL(s.boardID)
	connected := false
	attempt := 0

	for {
		conn, resp, err := s.l.dialer.DialContext(ctx, target, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				s.logger.WithField("status", resp.StatusCode).Error("push channel rejected credential")
				s.fail(ErrUnauthorized)
				return
			}
			attempt++
			if !s.sleep(ctx, attempt, err) {
				return
			}
			continue
		}
		if !s.attach(conn) {
			_ = conn.Close()
			return
		}
		attempt = 0
		reconnect := connected
		connected = true
		s.logger.WithField("reconnect", reconnect).Info("push channel connected")
		s.deliver(func() {
			if s.h.OnConnect != nil {
				s.h.OnConnect(reconnect)
			}
		})

		err = s.read(ctx, conn)
		s.detach()
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			s.logger.WithError(err).Error("push channel closed by policy")
			s.fail(ErrUnauthorized)
			return
		}
		attempt++
		if !s.sleep(ctx, attempt, err) {
			return
		}
	}
}

func (s *Subscription) sleep(ctx context.Context, attempt int, cause error) bool {
	wait := client.Backoff(attempt, s.l.reconnectInitial, s.l.reconnectMax)
	s.logger.WithError(cause).WithFields(log.Fields{
		"attempt": attempt,
		"backoff": wait,
	}).Warn("push channel unavailable, reconnecting")
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Subscription) read(ctx context.Context, conn *websocket.Conn) error {
	if s.l.pingInterval > 0 {
		deadline := 2 * s.l.pingInterval
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(deadline))
		})
		stop := make(chan struct{})
		defer close(stop)
		go s.ping(conn, stop)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if s.l.pingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * s.l.pingInterval))
		}
		ev, err := domain.DecodeEvent(data)
		switch {
		case errors.Is(err, domain.ErrUnknownEvent):
			s.logger.WithError(err).Debug("ignoring event")
			continue
		case domain.IsMalformed(err):
			s.logger.WithError(err).Warn("dropping malformed event")
			continue
		case err != nil:
			s.logger.WithError(err).Error("dropping undecodable event")
			continue
		}
		s.deliver(func() {
			if s.h.OnEvent != nil {
				s.h.OnEvent(ev)
			}
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *Subscription) ping(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(s.l.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.l.pingInterval)); err != nil {
				return
			}
		}
	}
}
