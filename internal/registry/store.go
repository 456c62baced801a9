package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
)

var (
	ErrNotFound      = errors.New("chat session not found")
	ErrNotQueued     = errors.New("chat session is not queued and active")
	ErrNotInProgress = errors.New("chat session is not in progress")
)

// ChatSession is the registry's record of one customer chat. Values returned
// by the store are copies; mutate only through store methods.
type ChatSession struct {
	ID              string     `json:"chat_id"`
	CustomerID      string     `json:"customer_id"`
	CustomerName    string     `json:"customer_name"`
	Status          Status     `json:"status"`
	AssignedAgentID int        `json:"assigned_agent_id,omitempty"`
	TeamID          string     `json:"team_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Active          bool       `json:"is_active"`
}

// AdmissionDecision is the read-only outcome of a capacity check.
type AdmissionDecision struct {
	Accepted       bool   `json:"accepted"`
	Reason         string `json:"reason"`
	QueueLength    int    `json:"queue_length"`
	MaxQueueLength int    `json:"max_queue_length"`
	OverflowActive bool   `json:"overflow_active"`
}

// Store owns all chat sessions and the FIFO queue of ids awaiting assignment.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*ChatSession
	queue    []string
	now      func() time.Time
	log      zerolog.Logger
}

func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		sessions: make(map[string]*ChatSession),
		now:      time.Now,
		log:      logger.With().Str("component", "registry").Logger(),
	}
}

// SetClock overrides the wall-clock source for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Admit runs the capacity check and, on acceptance, creates and enqueues the
// session — all under one lock, so two concurrent creates cannot both observe
// the same queue length and overshoot the bound. The check must not call back
// into the store or take other subsystem locks.
func (s *Store) Admit(customerID, customerName string, check func(queueLen int) AdmissionDecision) (*ChatSession, AdmissionDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	decision := check(len(s.queue))
	if !decision.Accepted {
		return nil, decision
	}

	sess := &ChatSession{
		ID:           uuid.NewString(),
		CustomerID:   customerID,
		CustomerName: customerName,
		Status:       StatusQueued,
		CreatedAt:    s.now(),
		Active:       true,
	}
	s.sessions[sess.ID] = sess
	s.queue = append(s.queue, sess.ID)
	return clone(sess), decision
}

func (s *Store) Get(chatID string) (*ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sess), nil
}

// QueuedSnapshot returns queued, still-active sessions in FIFO order.
func (s *Store) QueuedSnapshot() []*ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ChatSession, 0, len(s.queue))
	for _, id := range s.queue {
		sess, ok := s.sessions[id]
		if !ok || sess.Status != StatusQueued || !sess.Active {
			continue
		}
		out = append(out, clone(sess))
	}
	return out
}

// QueuePosition returns the 1-based position of the chat among queued active
// sessions, or 0 if it is not waiting.
func (s *Store) QueuePosition(chatID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := 0
	for _, id := range s.queue {
		sess, ok := s.sessions[id]
		if !ok || sess.Status != StatusQueued || !sess.Active {
			continue
		}
		pos++
		if id == chatID {
			return pos
		}
	}
	return 0
}

func (s *Store) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// MarkAssigned moves a queued, active session to in-progress and drops it
// from the queue.
func (s *Store) MarkAssigned(chatID string, agentID int, teamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[chatID]
	if !ok {
		return ErrNotFound
	}
	if sess.Status != StatusQueued || !sess.Active {
		return ErrNotQueued
	}
	now := s.now()
	sess.Status = StatusInProgress
	sess.AssignedAgentID = agentID
	sess.TeamID = teamID
	sess.AssignedAt = &now
	s.dequeueLocked(chatID)
	return nil
}

// MarkCompleted finishes an in-progress session and returns the agent that
// held it.
func (s *Store) MarkCompleted(chatID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[chatID]
	if !ok {
		return 0, ErrNotFound
	}
	if sess.Status != StatusInProgress {
		return 0, ErrNotInProgress
	}
	now := s.now()
	sess.Status = StatusCompleted
	sess.CompletedAt = &now
	return sess.AssignedAgentID, nil
}

// MarkInactive flips the liveness flag exactly once. Queued sessions are also
// abandoned and removed from the queue so they cannot consume an assignment
// slot. Reports whether this call performed the flip.
func (s *Store) MarkInactive(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[chatID]
	if !ok || !sess.Active {
		return false
	}
	sess.Active = false
	if sess.Status == StatusQueued {
		sess.Status = StatusAbandoned
		s.dequeueLocked(chatID)
	}
	return true
}

// Counts returns total, active and inactive session counts.
func (s *Store) Counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := 0
	for _, sess := range s.sessions {
		if sess.Active {
			active++
		}
	}
	return len(s.sessions), active, len(s.sessions) - active
}

func (s *Store) dequeueLocked(chatID string) {
	for i, id := range s.queue {
		if id == chatID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func clone(sess *ChatSession) *ChatSession {
	c := *sess
	return &c
}
