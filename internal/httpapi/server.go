// Package httpapi exposes the interrupt loops to a hosting web UI: a small
// REST API for badge and actions, and a WebSocket stream of loop events.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ritualbot/internal/interrupt"
	"ritualbot/internal/storage"
	logx "ritualbot/pkg/logx"
)

// Session is one user's loop and response flow.
type Session struct {
	Loop      *interrupt.Loop
	Responder *interrupt.Responder
}

type Config struct {
	Addr string
	// Health, when set, is embedded in /healthz.
	Health func() any
}

type Server struct {
	cfg Config
	log logx.Logger
	hub *Hub

	mu       sync.RWMutex
	sessions map[string]Session

	engine   *gin.Engine
	upgrader websocket.Upgrader
}

func New(cfg Config, hub *Hub, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if hub == nil {
		hub = NewHub(log)
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "http")),
		hub:      hub,
		sessions: map[string]Session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The UI may be served from another origin during development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Register(userID string, sess Session) {
	s.mu.Lock()
	s.sessions[userID] = sess
	s.mu.Unlock()
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), cors())

	r.GET("/healthz", s.health)
	api := r.Group("/api/users/:id", s.session())
	api.GET("/badge", s.badge)
	api.POST("/wake", s.wake)
	api.POST("/start", s.start)
	api.POST("/remind-later", s.remindLater)
	api.POST("/responses", s.respond)
	api.GET("/ws", s.stream)
	return r
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
	}
	return nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("dur", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Debug("request ok", fields...)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

const sessionKey = "session"

func (s *Server) session() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.RLock()
		sess, ok := s.sessions[c.Param("id")]
		s.mu.RUnlock()
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown user"})
			return
		}
		c.Set(sessionKey, sess)
		c.Next()
	}
}

func sessionOf(c *gin.Context) Session {
	v, _ := c.Get(sessionKey)
	sess, _ := v.(Session)
	return sess
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.cfg.Health != nil {
		body["runtime"] = s.cfg.Health()
	}
	c.JSON(http.StatusOK, body)
}

// BadgeResponse is the passive display state of one user.
type BadgeResponse struct {
	UserID    string           `json:"user_id"`
	Date      string           `json:"date"`
	Phase     interrupt.Phase  `json:"phase"`
	ModalOpen bool             `json:"modal_open"`
	Completed []int            `json:"completed"`
	Status    interrupt.Status `json:"status"`
	Text      string           `json:"text"`
}

func badgeOf(snap interrupt.Snapshot) BadgeResponse {
	completed := snap.Completed
	if completed == nil {
		completed = []int{}
	}
	return BadgeResponse{
		UserID:    snap.UserID,
		Date:      snap.State.ReferenceDate,
		Phase:     snap.Phase,
		ModalOpen: snap.State.ModalOpen,
		Completed: completed,
		Status:    snap.Status,
		Text:      interrupt.DescribeStatus(snap.Status),
	}
}

func (s *Server) badge(c *gin.Context) {
	sess := sessionOf(c)
	// ?refresh=1 runs a tick first so the answer reflects the store.
	if c.Query("refresh") != "" {
		if err := sess.Loop.Tick(c.Request.Context(), interrupt.WakeFocus); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, badgeOf(sess.Loop.Snapshot()))
}

type wakeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) wake(c *gin.Context) {
	var req wakeRequest
	if err := c.ShouldBindJSON(&req); err != nil || !validWake(req.Reason) {
		c.JSON(http.StatusBadRequest, gin.H{"error": `reason must be "visibility" or "focus"`})
		return
	}
	sessionOf(c).Loop.Wake(req.Reason)
	c.Status(http.StatusAccepted)
}

type startResponse struct {
	Slot   int              `json:"slot"`
	Prompt interrupt.Prompt `json:"prompt"`
}

func (s *Server) start(c *gin.Context) {
	sess := sessionOf(c)
	slot, err := sess.Loop.StartInterrupt(c.Request.Context())
	if errors.Is(err, interrupt.ErrNoPendingSlot) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, startResponse{Slot: slot, Prompt: sess.Responder.Prompt()})
}

func (s *Server) remindLater(c *gin.Context) {
	err := sessionOf(c).Loop.RemindLater(c.Request.Context())
	if errors.Is(err, interrupt.ErrModalNotOpen) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type respondRequest struct {
	PromptID string `json:"prompt_id"`
	Response string `json:"response"`
}

func (s *Server) respond(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	rec, err := sessionOf(c).Responder.Submit(c.Request.Context(), req.PromptID, req.Response)
	switch {
	case errors.Is(err, interrupt.ErrEmptyResponse):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, interrupt.ErrNoPendingSlot), errors.Is(err, storage.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		s.log.Warn("record response failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not record response"})
	default:
		c.JSON(http.StatusCreated, rec)
	}
}

func (s *Server) stream(c *gin.Context) {
	sess := sessionOf(c)
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	snap := sess.Loop.Snapshot()
	first := []WSMessage{{Type: interrupt.EventBadge, UserID: snap.UserID, Time: time.Now(), Payload: badgeOf(snap)}}
	// A reconnecting client gets the open prompt back.
	if snap.State.ModalOpen {
		if t, ok := triggerOf(sess.Loop, snap); ok {
			first = append(first, WSMessage{Type: MsgModalOpen, UserID: snap.UserID, Time: time.Now(), Payload: t})
		}
	}
	cl := &client{user: snap.UserID, conn: conn, send: make(chan WSMessage, sendBuffer), done: make(chan struct{})}
	s.hub.serve(cl, first, sess.Loop.Wake)
}

func triggerOf(loop *interrupt.Loop, snap interrupt.Snapshot) (interrupt.Trigger, bool) {
	slot, ok := loop.Table().Lookup(snap.State.LastTriggered)
	if !ok {
		return interrupt.Trigger{}, false
	}
	return interrupt.Trigger{
		UserID:      snap.UserID,
		Date:        snap.State.ReferenceDate,
		Slot:        slot.Number,
		DisplayTime: slot.Label,
		Overdue:     snap.Status.IsOverdue,
		Completed:   snap.Status.CompletedCount,
	}, true
}
