package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/opsdesk/chatrouter/internal/liveness"
	"github.com/opsdesk/chatrouter/internal/observability"
	"github.com/opsdesk/chatrouter/internal/registry"
	"github.com/opsdesk/chatrouter/internal/roster"
)

// Admission decision reasons. The set is fixed; the HTTP layer surfaces these
// verbatim.
const (
	ReasonCapacityAvailable   = "queue has available capacity"
	ReasonOverflowActivated   = "overflow team activated - queue has capacity"
	ReasonOverflowUnavailable = "main queue full, overflow unavailable outside office hours"
	ReasonAllQueuesFull       = "main and overflow queues at capacity"
)

// Engine decides whether chats enter the queue and which agent a queued chat
// is handed to. It owns no session or agent state of its own: it snapshots
// facts from one subsystem at a time and mutates through their narrow calls,
// so no two subsystem locks are ever held together.
type Engine struct {
	roster   *roster.Provider
	registry *registry.Store
	tracker  *liveness.Tracker
	metrics  *observability.Metrics
	bus      *Bus
	log      zerolog.Logger

	pollInterval time.Duration
	maxMissed    int
	now          func() time.Time
}

func New(
	rp *roster.Provider,
	reg *registry.Store,
	tracker *liveness.Tracker,
	metrics *observability.Metrics,
	bus *Bus,
	pollInterval time.Duration,
	maxMissed int,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		roster:       rp,
		registry:     reg,
		tracker:      tracker,
		metrics:      metrics,
		bus:          bus,
		log:          logger.With().Str("component", "engine").Logger(),
		pollInterval: pollInterval,
		maxMissed:    maxMissed,
		now:          time.Now,
	}
}

// Evaluate runs the admission rules against the given queue length without
// mutating anything. Repeated calls with unchanged state yield the same
// decision.
func (e *Engine) Evaluate(queueLen int) registry.AdmissionDecision {
	capacity := e.roster.TotalActiveCapacity()
	overflowCap := e.roster.OverflowCapacity()
	office := e.roster.IsOfficeHours()
	return decide(queueLen, capacity, overflowCap, office)
}

// decide is the pure admission rule. Overflow capacity only widens the bound
// during office hours, once the main queue is full.
func decide(queueLen, capacity, overflowCap int, officeHours bool) registry.AdmissionDecision {
	maxQ := roster.MaxQueueLen(capacity)
	if queueLen < maxQ {
		return registry.AdmissionDecision{
			Accepted:       true,
			Reason:         ReasonCapacityAvailable,
			QueueLength:    queueLen,
			MaxQueueLength: maxQ,
		}
	}
	if !officeHours {
		return registry.AdmissionDecision{
			Accepted:       false,
			Reason:         ReasonOverflowUnavailable,
			QueueLength:    queueLen,
			MaxQueueLength: maxQ,
		}
	}
	maxQWithOverflow := roster.MaxQueueLen(capacity + overflowCap)
	if queueLen < maxQWithOverflow {
		return registry.AdmissionDecision{
			Accepted:       true,
			Reason:         ReasonOverflowActivated,
			QueueLength:    queueLen,
			MaxQueueLength: maxQWithOverflow,
			OverflowActive: true,
		}
	}
	return registry.AdmissionDecision{
		Accepted:       false,
		Reason:         ReasonAllQueuesFull,
		QueueLength:    queueLen,
		MaxQueueLength: maxQWithOverflow,
		OverflowActive: true,
	}
}

// CreateSession admits a new chat. The queue-length check and the enqueue run
// under the registry lock as one unit; roster facts are gathered up front so
// the admission closure stays lock-free.
func (e *Engine) CreateSession(customerID, customerName string) (*registry.ChatSession, registry.AdmissionDecision) {
	e.roster.RefreshShiftStatus()

	capacity := e.roster.TotalActiveCapacity()
	overflowCap := e.roster.OverflowCapacity()
	office := e.roster.IsOfficeHours()

	sess, decision := e.registry.Admit(customerID, customerName, func(queueLen int) registry.AdmissionDecision {
		return decide(queueLen, capacity, overflowCap, office)
	})

	// The overflow branch was consulted; make sure the team is actually online.
	// Two concurrent creates may race here — activation is idempotent.
	if decision.OverflowActive {
		if e.roster.ActivateOverflow() {
			e.bus.Publish(Event{Type: EventOverflowActivated, TeamID: "OVERFLOW", At: e.now()})
		}
	}

	if !decision.Accepted {
		e.metrics.AdmissionDecisions.WithLabelValues("refused").Inc()
		e.bus.Publish(Event{Type: EventChatRefused, Reason: decision.Reason, At: e.now()})
		e.log.Info().Str("reason", decision.Reason).Int("queue_length", decision.QueueLength).Msg("chat refused")
		return nil, decision
	}

	e.metrics.AdmissionDecisions.WithLabelValues("accepted").Inc()
	e.bus.Publish(Event{Type: EventChatQueued, ChatID: sess.ID, Reason: decision.Reason, At: e.now()})
	e.log.Info().Str("chat_id", sess.ID).Str("customer_id", customerID).Msg("chat queued")

	// Hand the head of the queue to an agent right away if one is free.
	e.assignNext()
	e.updateGauges()
	return sess, decision
}

// TryAssign hands the chat to the first agent in the eligibility order. It
// re-checks every precondition, so callers may retry freely; false means the
// chat must wait for the next reconciliation pass.
func (e *Engine) TryAssign(chatID string) bool {
	sess, err := e.registry.Get(chatID)
	if err != nil || sess.Status != registry.StatusQueued || !sess.Active {
		return false
	}

	pool := e.roster.EligibleAgents(e.roster.OverflowActive())
	if len(pool) == 0 && e.roster.IsOfficeHours() {
		capacity := e.roster.TotalActiveCapacity()
		if e.registry.QueueLength() >= roster.MaxQueueLen(capacity) {
			if e.roster.ActivateOverflow() {
				e.bus.Publish(Event{Type: EventOverflowActivated, TeamID: "OVERFLOW", At: e.now()})
			}
			pool = e.roster.EligibleAgents(true)
		}
	}
	if len(pool) == 0 {
		return false
	}

	agent := pool[0]
	if err := e.roster.ReserveSlot(agent.ID); err != nil {
		// Lost a race with a concurrent assignment; the next pass retries.
		e.log.Debug().Int("agent_id", agent.ID).Err(err).Msg("slot reservation lost")
		return false
	}
	if err := e.registry.MarkAssigned(chatID, agent.ID, agent.TeamID); err != nil {
		_ = e.roster.ReleaseSlot(agent.ID)
		return false
	}

	e.metrics.Assignments.Inc()
	e.bus.Publish(Event{Type: EventChatAssigned, ChatID: chatID, AgentID: agent.ID, TeamID: agent.TeamID, At: e.now()})
	e.log.Info().Str("chat_id", chatID).Int("agent_id", agent.ID).Str("agent", agent.Name).Msg("chat assigned")
	e.updateGauges()
	return true
}

// Complete finishes an in-progress chat, frees the agent slot and immediately
// tries to drain one queued session into it.
func (e *Engine) Complete(chatID string) bool {
	agentID, err := e.registry.MarkCompleted(chatID)
	if err != nil {
		return false
	}
	e.tracker.Remove(chatID)
	if agentID != 0 {
		_ = e.roster.ReleaseSlot(agentID)
	}

	e.metrics.Completions.Inc()
	e.bus.Publish(Event{Type: EventChatCompleted, ChatID: chatID, AgentID: agentID, At: e.now()})
	e.log.Info().Str("chat_id", chatID).Int("agent_id", agentID).Msg("chat completed")

	e.assignNext()
	e.updateGauges()
	return true
}

// DrainQueue walks the FIFO queue assigning sessions until an attempt fails,
// which means no agent is free; later entries cannot do better. Returns the
// number of chats assigned.
func (e *Engine) DrainQueue() int {
	assigned := 0
	for _, sess := range e.registry.QueuedSnapshot() {
		if !e.TryAssign(sess.ID) {
			break
		}
		assigned++
	}
	return assigned
}

// EvictStale sweeps the liveness ledger and marks every silent session
// inactive exactly once, dropping its tracker record so the eviction is not
// re-fired on later sweeps. Returns the ids evicted by this call.
func (e *Engine) EvictStale() []string {
	ids := e.tracker.SweepForInactive(e.pollInterval, e.maxMissed)
	var evicted []string
	for _, id := range ids {
		flipped := e.registry.MarkInactive(id)
		e.tracker.Remove(id)
		if !flipped {
			continue
		}
		evicted = append(evicted, id)
		e.metrics.Evictions.Inc()
		e.bus.Publish(Event{Type: EventChatEvicted, ChatID: id, Reason: "missed polls", At: e.now()})
		e.log.Info().Str("chat_id", id).Msg("session evicted after missed polls")
	}
	if len(evicted) > 0 {
		e.updateGauges()
	}
	return evicted
}

func (e *Engine) assignNext() {
	if queued := e.registry.QueuedSnapshot(); len(queued) > 0 {
		e.TryAssign(queued[0].ID)
	}
}

func (e *Engine) updateGauges() {
	e.metrics.QueuedChats.Set(float64(e.registry.QueueLength()))
	e.metrics.TotalCapacity.Set(float64(e.roster.TotalActiveCapacity()))
	if e.roster.OverflowActive() {
		e.metrics.OverflowActive.Set(1)
	} else {
		e.metrics.OverflowActive.Set(0)
	}
}
