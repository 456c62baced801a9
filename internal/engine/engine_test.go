package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsdesk/chatrouter/internal/liveness"
	"github.com/opsdesk/chatrouter/internal/observability"
	"github.com/opsdesk/chatrouter/internal/registry"
	"github.com/opsdesk/chatrouter/internal/roster"
)

// promauto registers globally; one bundle is shared across this package's tests.
var testMetrics = observability.NewMetrics("enginetest")

// Tuesday 10:00 local is inside office hours; Tuesday 20:00 is outside.
var (
	officeTime = time.Date(2025, time.March, 4, 10, 0, 0, 0, time.Local)
	nightTime  = time.Date(2025, time.March, 4, 20, 0, 0, 0, time.Local)
)

type fixture struct {
	roster   *roster.Provider
	registry *registry.Store
	tracker  *liveness.Tracker
	engine   *Engine
}

func newFixture(at time.Time, teams []roster.Team, overflow roster.Team) *fixture {
	clock := func() time.Time { return at }
	rp := roster.NewProvider(zerolog.Nop())
	rp.SetClock(clock)
	rp.SeedTeams(teams, overflow)

	reg := registry.NewStore(zerolog.Nop())
	reg.SetClock(clock)
	tracker := liveness.NewTracker(100, zerolog.Nop())
	tracker.SetClock(clock)

	eng := New(rp, reg, tracker, testMetrics, NewBus(), time.Second, 3, zerolog.Nop())
	eng.now = clock
	return &fixture{roster: rp, registry: reg, tracker: tracker, engine: eng}
}

func agent(id int, s roster.Seniority, at time.Time) roster.Agent {
	return roster.Agent{
		ID:         id,
		Name:       s.String(),
		Seniority:  s,
		Status:     roster.StatusAvailable,
		ShiftStart: at.Add(-4 * time.Hour),
		ShiftEnd:   at.Add(4 * time.Hour),
	}
}

func offlineAgent(id int, s roster.Seniority, at time.Time) roster.Agent {
	a := agent(id, s, at)
	a.Status = roster.StatusOffline
	return a
}

func emptyOverflow() roster.Team {
	return roster.Team{ID: "OVERFLOW", Name: "Overflow Team", Overflow: true}
}

func TestRoundRobinSaturatesJuniorFirst(t *testing.T) {
	f := newFixture(officeTime, []roster.Team{{
		ID:   "TEAM_A",
		Name: "Team A",
		Agents: []roster.Agent{
			agent(2, roster.Senior, officeTime),
			agent(1, roster.Junior, officeTime),
		},
	}}, emptyOverflow())

	for i := 0; i < 5; i++ {
		sess, d := f.engine.CreateSession("c", "customer")
		if !d.Accepted {
			t.Fatalf("chat %d refused: %+v", i, d)
		}
		got, _ := f.registry.Get(sess.ID)
		if got.Status != registry.StatusInProgress {
			t.Fatalf("chat %d not assigned immediately: %+v", i, got)
		}
	}

	junior, _ := f.roster.Agent(1)
	senior, _ := f.roster.Agent(2)
	if junior.CurrentChatCount != 4 {
		t.Fatalf("junior chat count = %d, want 4", junior.CurrentChatCount)
	}
	if senior.CurrentChatCount != 1 {
		t.Fatalf("senior chat count = %d, want 1", senior.CurrentChatCount)
	}
	if junior.Status != roster.StatusBusy {
		t.Fatalf("junior status = %q, want busy", junior.Status)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	f := newFixture(officeTime, []roster.Team{{
		ID:     "TEAM_A",
		Agents: []roster.Agent{agent(1, roster.Junior, officeTime)},
	}}, emptyOverflow())

	first := f.engine.Evaluate(0)
	for i := 0; i < 5; i++ {
		if got := f.engine.Evaluate(0); got != first {
			t.Fatalf("Evaluate() changed without state change: %+v vs %+v", got, first)
		}
	}
	if !first.Accepted || first.Reason != ReasonCapacityAvailable {
		t.Fatalf("unexpected decision: %+v", first)
	}
	// Junior capacity 4 -> max queue 6.
	if first.MaxQueueLength != 6 {
		t.Fatalf("MaxQueueLength = %d, want 6", first.MaxQueueLength)
	}
}

func TestAdmissionActivatesOverflowDuringOfficeHours(t *testing.T) {
	f := newFixture(officeTime, []roster.Team{{
		ID:     "TEAM_A",
		Agents: []roster.Agent{offlineAgent(1, roster.Junior, officeTime)},
	}}, roster.Team{
		ID:       "OVERFLOW",
		Overflow: true,
		Agents:   []roster.Agent{offlineAgent(101, roster.Junior, officeTime)},
	})

	// Capacity 0 means the main queue is full at length 0.
	sess, d := f.engine.CreateSession("c1", "Alice")
	if !d.Accepted {
		t.Fatalf("chat should be accepted via overflow: %+v", d)
	}
	if !d.OverflowActive {
		t.Fatalf("decision should report overflow active: %+v", d)
	}
	if d.Reason != ReasonOverflowActivated {
		t.Fatalf("reason = %q, want %q", d.Reason, ReasonOverflowActivated)
	}
	if !f.roster.OverflowActive() {
		t.Fatalf("overflow team should have been activated")
	}
	// Overflow junior is online now, so the chat is assigned to them.
	got, _ := f.registry.Get(sess.ID)
	if got.Status != registry.StatusInProgress || got.AssignedAgentID != 101 {
		t.Fatalf("chat should be handled by overflow agent: %+v", got)
	}
}

func TestAdmissionRefusesOutsideOfficeHours(t *testing.T) {
	f := newFixture(nightTime, []roster.Team{{
		ID:     "TEAM_A",
		Agents: []roster.Agent{offlineAgent(1, roster.Junior, nightTime)},
	}}, roster.Team{
		ID:       "OVERFLOW",
		Overflow: true,
		Agents:   []roster.Agent{offlineAgent(101, roster.Junior, nightTime)},
	})

	_, d := f.engine.CreateSession("c1", "Alice")
	if d.Accepted {
		t.Fatalf("chat should be refused outside office hours: %+v", d)
	}
	if d.Reason != ReasonOverflowUnavailable {
		t.Fatalf("reason = %q, want %q", d.Reason, ReasonOverflowUnavailable)
	}
	if f.roster.OverflowActive() {
		t.Fatalf("overflow must not activate outside office hours")
	}
}

func TestAdmissionRefusesWhenOverflowAlsoFull(t *testing.T) {
	f := newFixture(officeTime, []roster.Team{{
		ID:     "TEAM_A",
		Agents: []roster.Agent{offlineAgent(1, roster.Junior, officeTime)},
	}}, emptyOverflow())

	_, d := f.engine.CreateSession("c1", "Alice")
	if d.Accepted {
		t.Fatalf("chat should be refused with zero total capacity: %+v", d)
	}
	if d.Reason != ReasonAllQueuesFull {
		t.Fatalf("reason = %q, want %q", d.Reason, ReasonAllQueuesFull)
	}
}

func TestQueueDrainsInFIFOOrder(t *testing.T) {
	f := newFixture(officeTime, []roster.Team{{
		ID:     "TEAM_A",
		Agents: []roster.Agent{agent(1, roster.Junior, officeTime)},
	}}, emptyOverflow())

	// Junior capacity 4, max queue 6: four chats are assigned on arrival,
	// the next two wait.
	var ids []string
	for i := 0; i < 6; i++ {
		sess, d := f.engine.CreateSession("c", "customer")
		if !d.Accepted {
			t.Fatalf("chat %d refused: %+v", i, d)
		}
		ids = append(ids, sess.ID)
	}
	if got := f.registry.QueueLength(); got != 2 {
		t.Fatalf("QueueLength() = %d, want 2", got)
	}

	if !f.engine.Complete(ids[0]) {
		t.Fatalf("Complete() failed")
	}
	fifth, _ := f.registry.Get(ids[4])
	sixth, _ := f.registry.Get(ids[5])
	if fifth.Status != registry.StatusInProgress {
		t.Fatalf("fifth chat should be assigned after a completion: %+v", fifth)
	}
	if sixth.Status != registry.StatusQueued {
		t.Fatalf("sixth chat should still be waiting: %+v", sixth)
	}
}

func TestDrainQueueStopsWhenNoAgentFree(t *testing.T) {
	f := newFixture(officeTime, []roster.Team{{
		ID:     "TEAM_A",
		Agents: []roster.Agent{agent(1, roster.Junior, officeTime)},
	}}, emptyOverflow())

	for i := 0; i < 6; i++ {
		f.engine.CreateSession("c", "customer")
	}
	// Agent is saturated; nothing more to drain.
	if got := f.engine.DrainQueue(); got != 0 {
		t.Fatalf("DrainQueue() = %d, want 0", got)
	}
}

func TestTryAssignRejectsInactiveSession(t *testing.T) {
	f := newFixture(officeTime, []roster.Team{{
		ID:     "TEAM_A",
		Agents: []roster.Agent{agent(1, roster.Junior, officeTime)},
	}}, emptyOverflow())

	for i := 0; i < 4; i++ {
		f.engine.CreateSession("c", "customer")
	}
	sess, _ := f.engine.CreateSession("c", "waiting") // queued
	f.registry.MarkInactive(sess.ID)

	if f.engine.TryAssign(sess.ID) {
		t.Fatalf("TryAssign() must refuse an inactive session")
	}
}

func TestCompleteRequiresInProgress(t *testing.T) {
	f := newFixture(officeTime, []roster.Team{{
		ID:     "TEAM_A",
		Agents: []roster.Agent{agent(1, roster.Junior, officeTime)},
	}}, emptyOverflow())

	if f.engine.Complete("missing") {
		t.Fatalf("Complete() on unknown id should fail")
	}

	sess, _ := f.engine.CreateSession("c", "customer")
	if !f.engine.Complete(sess.ID) {
		t.Fatalf("Complete() error on in-progress chat")
	}
	if f.engine.Complete(sess.ID) {
		t.Fatalf("Complete() must not succeed twice")
	}

	a, _ := f.roster.Agent(1)
	if a.CurrentChatCount != 0 {
		t.Fatalf("agent chat count = %d, want 0 after completion", a.CurrentChatCount)
	}
}

func TestCompleteAfterShiftEndDoesNotReassign(t *testing.T) {
	at := officeTime
	f := newFixture(at, []roster.Team{{
		ID:     "TEAM_A",
		Agents: []roster.Agent{agent(1, roster.Junior, at)},
	}}, emptyOverflow())
	f.roster.SetClock(func() time.Time { return at })

	var ids []string
	for i := 0; i < 5; i++ {
		sess, d := f.engine.CreateSession("c", "customer")
		if !d.Accepted {
			t.Fatalf("chat %d refused: %+v", i, d)
		}
		ids = append(ids, sess.ID)
	}

	// Shift ended at +4h. Completing a chat now frees a slot, but the agent
	// is winding down and must not receive the queued chat.
	at = at.Add(5 * time.Hour)
	if !f.engine.Complete(ids[0]) {
		t.Fatalf("Complete() failed")
	}

	waiting, _ := f.registry.Get(ids[4])
	if waiting.Status != registry.StatusQueued {
		t.Fatalf("queued chat assigned to an off-shift agent: %+v", waiting)
	}
	a, _ := f.roster.Agent(1)
	if a.Status != roster.StatusShiftEnding {
		t.Fatalf("agent status = %q, want %q", a.Status, roster.StatusShiftEnding)
	}
}

func TestEvictStaleIsExactlyOnce(t *testing.T) {
	at := officeTime
	f := newFixture(at, []roster.Team{{
		ID:     "TEAM_A",
		Agents: []roster.Agent{agent(1, roster.Junior, at)},
	}}, emptyOverflow())

	clock := func() time.Time { return at }
	f.tracker.SetClock(clock)

	for i := 0; i < 4; i++ {
		f.engine.CreateSession("c", "customer")
	}
	sess, _ := f.engine.CreateSession("c", "silent") // queued
	f.tracker.RecordPoll(sess.ID, "c")

	at = at.Add(5 * time.Second)
	evicted := f.engine.EvictStale()
	if len(evicted) != 1 || evicted[0] != sess.ID {
		t.Fatalf("evicted = %v, want [%s]", evicted, sess.ID)
	}
	got, _ := f.registry.Get(sess.ID)
	if got.Active || got.Status != registry.StatusAbandoned {
		t.Fatalf("evicted session state: %+v", got)
	}

	// Second sweep must not re-report the same session.
	at = at.Add(5 * time.Second)
	if again := f.engine.EvictStale(); len(again) != 0 {
		t.Fatalf("eviction re-fired: %v", again)
	}
}

func TestBusSubscribersSeeAssignments(t *testing.T) {
	f := newFixture(officeTime, []roster.Team{{
		ID:     "TEAM_A",
		Agents: []roster.Agent{agent(1, roster.Junior, officeTime)},
	}}, emptyOverflow())

	ch, cancel := f.engine.bus.Subscribe()
	defer cancel()

	sess, _ := f.engine.CreateSession("c1", "Alice")

	var types []EventType
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	wantQueued, wantAssigned := false, false
	for _, ty := range types {
		if ty == EventChatQueued {
			wantQueued = true
		}
		if ty == EventChatAssigned {
			wantAssigned = true
		}
	}
	if !wantQueued || !wantAssigned {
		t.Fatalf("events = %v, want queued and assigned for %s", types, sess.ID)
	}
}
