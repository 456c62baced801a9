package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/opsdesk/chatrouter/internal/config"
	"github.com/opsdesk/chatrouter/internal/engine"
	"github.com/opsdesk/chatrouter/internal/liveness"
	"github.com/opsdesk/chatrouter/internal/observability"
	"github.com/opsdesk/chatrouter/internal/registry"
	"github.com/opsdesk/chatrouter/internal/roster"
)

type Server struct {
	cfg      config.Config
	roster   *roster.Provider
	registry *registry.Store
	tracker  *liveness.Tracker
	engine   *engine.Engine
	bus      *engine.Bus
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func New(
	cfg config.Config,
	rp *roster.Provider,
	reg *registry.Store,
	tracker *liveness.Tracker,
	eng *engine.Engine,
	bus *engine.Bus,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		roster:   rp,
		registry: reg,
		tracker:  tracker,
		engine:   eng,
		bus:      bus,
		metrics:  metrics,
		log:      logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same origin
				// unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/chats", s.handleCreateChat)
	r.Get("/v1/chats/{id}", s.handleGetChat)
	r.Post("/v1/chats/{id}/poll", s.handlePoll)
	r.Post("/v1/chats/{id}/complete", s.handleComplete)
	r.Get("/v1/queue/status", s.handleQueueStatus)
	r.Get("/v1/teams", s.handleTeams)
	r.Get("/v1/monitor/stats", s.handleMonitorStats)
	r.Get("/v1/monitor/ws", s.handleMonitorWS)

	return r
}

type createChatRequest struct {
	CustomerID   string `json:"customer_id"`
	CustomerName string `json:"customer_name"`
}

type createChatResponse struct {
	ChatID         string          `json:"chat_id"`
	Status         registry.Status `json:"status"`
	Reason         string          `json:"reason"`
	QueuePosition  int             `json:"queue_position"`
	MaxQueueLength int             `json:"max_queue_length"`
	OverflowActive bool            `json:"overflow_active"`
	PollIntervalMS int64           `json:"poll_interval_ms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"queue_length":    s.registry.QueueLength(),
		"overflow_active": s.roster.OverflowActive(),
	})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		respondError(w, http.StatusBadRequest, "missing_customer_id", "customer_id is required")
		return
	}
	if strings.TrimSpace(req.CustomerName) == "" {
		req.CustomerName = "Customer"
	}

	sess, decision := s.engine.CreateSession(req.CustomerID, req.CustomerName)
	if !decision.Accepted {
		respondJSON(w, http.StatusTooManyRequests, map[string]any{
			"accepted":         false,
			"reason":           decision.Reason,
			"queue_length":     decision.QueueLength,
			"max_queue_length": decision.MaxQueueLength,
		})
		return
	}

	// The session may already be in progress if an agent was free at creation.
	current, err := s.registry.Get(sess.ID)
	if err != nil {
		current = sess
	}
	respondJSON(w, http.StatusCreated, createChatResponse{
		ChatID:         current.ID,
		Status:         current.Status,
		Reason:         decision.Reason,
		QueuePosition:  s.registry.QueuePosition(current.ID),
		MaxQueueLength: decision.MaxQueueLength,
		OverflowActive: decision.OverflowActive,
		PollIntervalMS: s.cfg.PollInterval.Milliseconds(),
	})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "chat_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type pollResponse struct {
	ChatID          string          `json:"chat_id"`
	Status          registry.Status `json:"status"`
	Active          bool            `json:"is_active"`
	QueuePosition   int             `json:"queue_position,omitempty"`
	EstimatedWaitMS int64           `json:"estimated_wait_ms,omitempty"`
	AgentID         int             `json:"agent_id,omitempty"`
	AgentName       string          `json:"agent_name,omitempty"`
	TeamID          string          `json:"team_id,omitempty"`
}

// handlePoll records a customer heartbeat and reports where the chat stands.
// Polls for an evicted session do not resurrect it; the customer is told the
// session is inactive and must open a new chat.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.registry.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "chat_not_found", err.Error())
		return
	}

	if !sess.Active {
		respondJSON(w, http.StatusGone, pollResponse{
			ChatID: sess.ID,
			Status: sess.Status,
			Active: false,
		})
		return
	}

	s.tracker.RecordPoll(sess.ID, sess.CustomerID)
	s.metrics.Polls.Inc()

	resp := pollResponse{ChatID: sess.ID, Status: sess.Status, Active: true}
	switch sess.Status {
	case registry.StatusQueued:
		pos := s.registry.QueuePosition(sess.ID)
		resp.QueuePosition = pos
		resp.EstimatedWaitMS = (time.Duration(pos) * s.cfg.WaitPerSlot).Milliseconds()
	case registry.StatusInProgress:
		resp.AgentID = sess.AssignedAgentID
		resp.TeamID = sess.TeamID
		if a, ok := s.roster.Agent(sess.AssignedAgentID); ok {
			resp.AgentName = a.Name
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.registry.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "chat_not_found", err.Error())
		return
	}
	if !s.engine.Complete(id) {
		respondError(w, http.StatusConflict, "not_in_progress", "chat session is not in progress")
		return
	}
	sess, err := s.registry.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "chat_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	queueLen := s.registry.QueueLength()
	decision := s.engine.Evaluate(queueLen)
	total, active, inactive := s.registry.Counts()

	respondJSON(w, http.StatusOK, map[string]any{
		"accepting":        decision.Accepted,
		"reason":           decision.Reason,
		"queue_length":     queueLen,
		"max_queue_length": decision.MaxQueueLength,
		"total_capacity":   s.roster.TotalActiveCapacity(),
		"office_hours":     s.roster.IsOfficeHours(),
		"overflow_active":  s.roster.OverflowActive(),
		"per_team":         s.teamViews(),
		"sessions": map[string]int{
			"total":    total,
			"active":   active,
			"inactive": inactive,
		},
	})
}

type agentView struct {
	roster.Agent
	MaxConcurrentChats int `json:"max_concurrent_chats"`
}

type teamView struct {
	roster.Team
	Agents         []agentView `json:"agents"`
	Capacity       int         `json:"capacity"`
	MaxQueueLength int         `json:"max_queue_length"`
	Active         bool        `json:"active"`
}

func (s *Server) teamViews() []teamView {
	active := make(map[string]bool)
	for _, t := range s.roster.ActiveTeams() {
		active[t.ID] = true
	}

	teams := s.roster.Teams()
	out := make([]teamView, 0, len(teams))
	for _, t := range teams {
		capacity := t.TotalCapacity()
		agents := make([]agentView, len(t.Agents))
		for i, a := range t.Agents {
			agents[i] = agentView{Agent: a, MaxConcurrentChats: a.MaxConcurrentChats()}
		}
		out = append(out, teamView{
			Team:           t,
			Agents:         agents,
			Capacity:       capacity,
			MaxQueueLength: roster.MaxQueueLen(capacity),
			Active:         active[t.ID] || (t.Overflow && s.roster.OverflowActive()),
		})
	}
	return out
}

func (s *Server) handleTeams(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"teams": s.teamViews()})
}

func (s *Server) handleMonitorStats(w http.ResponseWriter, _ *http.Request) {
	total, active, inactive := s.registry.Counts()
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": map[string]int{
			"total":    total,
			"active":   active,
			"inactive": inactive,
		},
		"queue_length":     s.registry.QueueLength(),
		"tracked_sessions": s.tracker.Len(),
		"polls":            s.tracker.Stats(),
	})
}

// handleMonitorWS streams engine events to a monitoring client. One goroutine
// owns all writes; the read loop only watches for the client going away.
func (s *Server) handleMonitorWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	conn.SetReadLimit(1 << 16)
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
