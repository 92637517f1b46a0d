// Package devserver is an in-memory implementation of the board API and its
// push channel, used for local development and end-to-end tests.
package devserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/nkitajim/task-collabo/domain"
)

const (
	maxBodySize  = 1 << 20
	subjectKey   = "subject"
	readDeadline = 60 * time.Second
)

// Options configures a Server.
type Options struct {
	Auth        *Auth
	Logger      *log.Logger
	Idempotency Idempotency
	// AllowOrigins lists CORS origins; empty allows any.
	AllowOrigins []string
	// SeedDemo creates the demo board on start.
	SeedDemo bool
}

// Server serves the board API.
type Server struct {
	e        *echo.Echo
	st       *state
	hub      *hub
	auth     *Auth
	idem     Idempotency
	logger   *log.Logger
	upgrader websocket.Upgrader

	intercept atomic.Pointer[func(*http.Request) int]
}

// New builds a Server with every route registered.
func New(opts Options) (*Server, error) {
	if opts.Auth == nil {
		return nil, errors.New("devserver: auth is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	origins := opts.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s := &Server{
		e:      echo.New(),
		st:     newState(),
		hub:    newHub(logger),
		auth:   opts.Auth,
		idem:   opts.Idempotency,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Use(middleware.Recover())
	s.e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, HeaderIdempotencyKey},
	}))
	s.e.Use(s.requestLog, s.faults)

	s.e.GET("/", s.root)
	s.e.GET("/healthz", s.healthz)
	s.e.GET("/ws/boards/:id", s.stream)

	api := s.e.Group("", s.authenticate, s.replay)
	api.GET("/boards", s.listBoards)
	api.POST("/boards", s.createBoard)
	api.GET("/boards/:id/full", s.fullBoard)
	api.POST("/boards/:id/columns", s.createColumn)
	api.DELETE("/boards/:id/columns/:cid", s.deleteColumn)
	api.POST("/columns/:cid/tasks", s.createTask)
	api.PUT("/tasks/:id", s.updateTask)
	api.DELETE("/tasks/:id", s.deleteTask)
	api.POST("/tasks/reorder", s.reorderTasks)
	api.POST("/_bootstrap_demo", s.bootstrapDemo)

	if opts.SeedDemo {
		id := s.st.seedDemo()
		logger.WithField("board_id", string(id)).Info("demo board seeded")
	}
	return s, nil
}

// ServeHTTP makes the server usable with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	err := s.e.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener and closes every push channel.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.mu.Lock()
	boards := make([]domain.ID, 0, len(s.hub.peers))
	for id := range s.hub.peers {
		boards = append(boards, id)
	}
	s.hub.mu.Unlock()
	for _, id := range boards {
		s.hub.disconnect(id)
	}
	return s.e.Shutdown(ctx)
}

// SeedDemo creates a demo board and returns its id.
func (s *Server) SeedDemo() domain.ID {
	return s.st.seedDemo()
}

// Board returns the server copy of a board.
func (s *Server) Board(id domain.ID) (domain.Board, bool) {
	return s.st.board(id)
}

// Broadcast sends ev to every subscriber of the board.
func (s *Server) Broadcast(boardID domain.ID, ev domain.Event) error {
	msg, err := domain.EncodeEvent(ev)
	if err != nil {
		return err
	}
	s.hub.broadcast(boardID, msg)
	return nil
}

// Subscribers reports how many sockets are attached to a board.
func (s *Server) Subscribers(boardID domain.ID) int {
	return s.hub.count(boardID)
}

// Disconnect drops every socket of a board, as a network failure would.
func (s *Server) Disconnect(boardID domain.ID) {
	s.hub.disconnect(boardID)
}

// Intercept installs fn in front of every request. A non-zero status answers
// the request with that status instead of handling it.
func (s *Server) Intercept(fn func(*http.Request) int) {
	if fn == nil {
		s.intercept.Store(nil)
		return
	}
	s.intercept.Store(&fn)
}

func (s *Server) faults(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if fn := s.intercept.Load(); fn != nil {
			if status := (*fn)(c.Request()); status != 0 {
				return c.String(status, http.StatusText(status))
			}
		}
		return next(c)
	}
}

func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		req := c.Request()
		entry := s.logger.WithFields(log.Fields{
			"method":   req.Method,
			"route":    c.Path(),
			"status":   c.Response().Status,
			"duration": time.Since(start).String(),
		})
		if c.Response().Status >= http.StatusInternalServerError {
			entry.Warn("request handled")
		} else {
			entry.Debug("request handled")
		}
		return nil
	}
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		sub, err := s.auth.SubjectFromHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"detail": err.Error()})
		}
		c.Set(subjectKey, sub)
		return next(c)
	}
}

// replay answers retried mutations with the recorded response.
func (s *Server) replay(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := s.idempotencyKey(c)
		if key == "" {
			return next(c)
		}
		rec, ok, err := s.idem.Lookup(c.Request().Context(), key)
		if err != nil {
			s.logger.WithError(err).Warn("idempotency lookup failed")
			return next(c)
		}
		if ok {
			return c.Blob(rec.Status, echo.MIMEApplicationJSON, rec.Body)
		}
		return next(c)
	}
}

func (s *Server) idempotencyKey(c echo.Context) string {
	if s.idem == nil || c.Request().Method == http.MethodGet {
		return ""
	}
	key := c.Request().Header.Get(HeaderIdempotencyKey)
	if key == "" {
		return ""
	}
	sub, _ := c.Get(subjectKey).(string)
	return sub + ":" + c.Request().Method + ":" + c.Request().URL.Path + ":" + key
}

// respond writes v as JSON and records it for idempotent replays.
func (s *Server) respond(c echo.Context, status int, v any) error {
	body, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return err
	}
	if key := s.idempotencyKey(c); key != "" {
		if err := s.idem.Remember(c.Request().Context(), key, Recorded{Status: status, Body: body}); err != nil {
			s.logger.WithError(err).Warn("idempotency record failed")
		}
	}
	return c.Blob(status, echo.MIMEApplicationJSON, body)
}

func (s *Server) fail(c echo.Context, err error) error {
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return c.JSON(http.StatusNotFound, map[string]string{"detail": err.Error()})
	}
	return c.JSON(http.StatusBadRequest, map[string]string{"detail": err.Error()})
}

func (s *Server) broadcast(boardID domain.ID, ev domain.Event) {
	if err := s.Broadcast(boardID, ev); err != nil {
		s.logger.WithError(err).WithField("board_id", string(boardID)).Error("broadcast failed")
	}
}

func decodeBody(c echo.Context, out any) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("empty body")
	}
	return sonic.ConfigStd.Unmarshal(body, out)
}

func (s *Server) root(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "msg": "task board backend running"})
}

func (s *Server) healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (s *Server) listBoards(c echo.Context) error {
	return s.respond(c, http.StatusOK, s.st.listBoards())
}

func (s *Server) createBoard(c echo.Context) error {
	var in struct {
		Title string `json:"title"`
	}
	if c.Request().ContentLength != 0 {
		if err := decodeBody(c, &in); err != nil {
			return s.fail(c, err)
		}
	}
	b := s.st.createBoard(in.Title)
	return s.respond(c, http.StatusOK, map[string]domain.BoardSummary{"board": b})
}

func (s *Server) fullBoard(c echo.Context) error {
	b, ok := s.st.board(domain.ID(c.Param("id")))
	if !ok {
		return s.fail(c, &domain.NotFoundError{Kind: "board", ID: domain.ID(c.Param("id"))})
	}
	return s.respond(c, http.StatusOK, b)
}

func (s *Server) createColumn(c echo.Context) error {
	boardID := domain.ID(c.Param("id"))
	var d domain.ColumnDraft
	if err := decodeBody(c, &d); err != nil {
		return s.fail(c, err)
	}
	if d.Title == "" {
		return s.fail(c, errors.New("title is required"))
	}
	col, err := s.st.createColumn(boardID, d)
	if err != nil {
		return s.fail(c, err)
	}
	col.Tasks = nil
	s.broadcast(boardID, domain.ColumnCreated{Column: col})
	return s.respond(c, http.StatusOK, map[string]any{"id": col.ID, "title": col.Title, "position": col.Position})
}

func (s *Server) deleteColumn(c echo.Context) error {
	boardID, columnID := domain.ID(c.Param("id")), domain.ID(c.Param("cid"))
	if err := s.st.deleteColumn(boardID, columnID); err != nil {
		return s.fail(c, err)
	}
	s.broadcast(boardID, domain.ColumnDeleted{ColumnID: columnID})
	return s.respond(c, http.StatusOK, map[string]string{"detail": "Column deleted"})
}

func (s *Server) createTask(c echo.Context) error {
	var d domain.TaskDraft
	if err := decodeBody(c, &d); err != nil {
		return s.fail(c, err)
	}
	if d.Title == "" {
		return s.fail(c, errors.New("title is required"))
	}
	boardID, t, err := s.st.createTask(domain.ID(c.Param("cid")), d)
	if err != nil {
		return s.fail(c, err)
	}
	s.broadcast(boardID, domain.TaskCreated{Task: t})
	return s.respond(c, http.StatusOK, t)
}

func (s *Server) updateTask(c echo.Context) error {
	var p domain.TaskPatch
	if err := decodeBody(c, &p); err != nil {
		return s.fail(c, err)
	}
	boardID, t, err := s.st.updateTask(domain.ID(c.Param("id")), p)
	if err != nil {
		return s.fail(c, err)
	}
	s.broadcast(boardID, domain.TaskUpdated{Task: t})
	return s.respond(c, http.StatusOK, t)
}

func (s *Server) deleteTask(c echo.Context) error {
	taskID := domain.ID(c.Param("id"))
	boardID, columnID, err := s.st.deleteTask(taskID)
	if err != nil {
		return s.fail(c, err)
	}
	s.broadcast(boardID, domain.TaskDeleted{TaskID: taskID, ColumnID: columnID})
	return s.respond(c, http.StatusOK, map[string]string{"detail": "Task deleted"})
}

func (s *Server) reorderTasks(c echo.Context) error {
	var req domain.ReorderRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, err)
	}
	if req.BoardID == "" {
		return s.fail(c, errors.New("board_id required"))
	}
	if err := s.st.reorder(req); err != nil {
		return s.fail(c, err)
	}
	s.broadcast(req.BoardID, domain.Reordered{BoardID: req.BoardID, Columns: req.Columns})
	return s.respond(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) bootstrapDemo(c echo.Context) error {
	return s.respond(c, http.StatusOK, map[string]domain.ID{"board_id": s.st.seedDemo()})
}

// stream upgrades the push channel. Bad credentials and unknown boards are
// answered with a policy violation close after the upgrade.
func (s *Server) stream(c echo.Context) error {
	boardID := domain.ID(c.Param("id"))
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return nil
	}

	_, authErr := s.auth.Subject(c.QueryParam("token"))
	if authErr != nil || !s.st.hasBoard(boardID) {
		reason := "unknown board"
		if authErr != nil {
			reason = authErr.Error()
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(writeWait))
		_ = conn.Close()
		return nil
	}

	p := s.hub.join(boardID, conn)
	defer s.hub.leave(boardID, p)
	conn.SetReadLimit(maxBodySize)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	}
}
