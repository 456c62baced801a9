package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func acceptAll(queueLen int) AdmissionDecision {
	return AdmissionDecision{Accepted: true, Reason: "queue has available capacity", QueueLength: queueLen}
}

func TestAdmitCreatesQueuedSession(t *testing.T) {
	s := NewStore(zerolog.Nop())
	sess, d := s.Admit("c1", "Alice", acceptAll)
	if !d.Accepted {
		t.Fatalf("decision not accepted: %+v", d)
	}
	if sess.ID == "" {
		t.Fatalf("session ID should not be empty")
	}
	if sess.Status != StatusQueued || !sess.Active {
		t.Fatalf("unexpected session state: %+v", sess)
	}
	if s.QueueLength() != 1 {
		t.Fatalf("QueueLength() = %d, want 1", s.QueueLength())
	}
}

func TestAdmitRefusalDoesNotEnqueue(t *testing.T) {
	s := NewStore(zerolog.Nop())
	sess, d := s.Admit("c1", "Alice", func(queueLen int) AdmissionDecision {
		return AdmissionDecision{Accepted: false, Reason: "main and overflow queues at capacity", QueueLength: queueLen}
	})
	if sess != nil {
		t.Fatalf("refused admit returned a session")
	}
	if d.Accepted {
		t.Fatalf("decision should be refused")
	}
	if s.QueueLength() != 0 {
		t.Fatalf("QueueLength() = %d, want 0", s.QueueLength())
	}
}

func TestAdmitCheckAndEnqueueAreAtomic(t *testing.T) {
	s := NewStore(zerolog.Nop())
	const limit = 5

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Admit("c", "n", func(queueLen int) AdmissionDecision {
				return AdmissionDecision{Accepted: queueLen < limit, QueueLength: queueLen}
			})
		}()
	}
	wg.Wait()

	if got := s.QueueLength(); got != limit {
		t.Fatalf("QueueLength() = %d, want exactly %d", got, limit)
	}
}

func TestQueuedSnapshotIsFIFO(t *testing.T) {
	s := NewStore(zerolog.Nop())
	base := time.Date(2025, time.March, 4, 10, 0, 0, 0, time.UTC)
	tick := 0
	s.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	first, _ := s.Admit("c1", "first", acceptAll)
	second, _ := s.Admit("c2", "second", acceptAll)
	third, _ := s.Admit("c3", "third", acceptAll)

	snap := s.QueuedSnapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot length = %d, want 3", len(snap))
	}
	if snap[0].ID != first.ID || snap[1].ID != second.ID || snap[2].ID != third.ID {
		t.Fatalf("snapshot not in FIFO order")
	}
	for i := 1; i < len(snap); i++ {
		if snap[i].CreatedAt.Before(snap[i-1].CreatedAt) {
			t.Fatalf("createdAt out of order at index %d", i)
		}
	}
	if got := s.QueuePosition(second.ID); got != 2 {
		t.Fatalf("QueuePosition(second) = %d, want 2", got)
	}
}

func TestMarkAssignedGuardsAndDequeues(t *testing.T) {
	s := NewStore(zerolog.Nop())
	sess, _ := s.Admit("c1", "Alice", acceptAll)

	if err := s.MarkAssigned(sess.ID, 4, "TEAM_A"); err != nil {
		t.Fatalf("MarkAssigned() error = %v", err)
	}
	got, err := s.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusInProgress || got.AssignedAgentID != 4 || got.AssignedAt == nil {
		t.Fatalf("unexpected session after assign: %+v", got)
	}
	if s.QueueLength() != 0 {
		t.Fatalf("assigned session still queued")
	}

	// Assigning again must be rejected.
	if err := s.MarkAssigned(sess.ID, 5, "TEAM_B"); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("second MarkAssigned() error = %v, want ErrNotQueued", err)
	}
}

func TestMarkCompletedRequiresInProgress(t *testing.T) {
	s := NewStore(zerolog.Nop())
	sess, _ := s.Admit("c1", "Alice", acceptAll)

	if _, err := s.MarkCompleted(sess.ID); !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("MarkCompleted() on queued session error = %v, want ErrNotInProgress", err)
	}
	if err := s.MarkAssigned(sess.ID, 4, "TEAM_A"); err != nil {
		t.Fatalf("MarkAssigned() error = %v", err)
	}
	agentID, err := s.MarkCompleted(sess.ID)
	if err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if agentID != 4 {
		t.Fatalf("agentID = %d, want 4", agentID)
	}
	got, _ := s.Get(sess.ID)
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("unexpected session after complete: %+v", got)
	}

	if _, err := s.MarkCompleted("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkCompleted(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMarkInactiveIsExactlyOnce(t *testing.T) {
	s := NewStore(zerolog.Nop())
	sess, _ := s.Admit("c1", "Alice", acceptAll)

	if !s.MarkInactive(sess.ID) {
		t.Fatalf("first MarkInactive() should report the flip")
	}
	if s.MarkInactive(sess.ID) {
		t.Fatalf("second MarkInactive() must be a no-op")
	}

	got, _ := s.Get(sess.ID)
	if got.Active {
		t.Fatalf("session still active after MarkInactive")
	}
	if got.Status != StatusAbandoned {
		t.Fatalf("queued session status = %q, want %q", got.Status, StatusAbandoned)
	}
	if s.QueueLength() != 0 {
		t.Fatalf("abandoned session still occupies the queue")
	}
}

func TestMarkInactiveInProgressKeepsStatus(t *testing.T) {
	s := NewStore(zerolog.Nop())
	sess, _ := s.Admit("c1", "Alice", acceptAll)
	if err := s.MarkAssigned(sess.ID, 4, "TEAM_A"); err != nil {
		t.Fatalf("MarkAssigned() error = %v", err)
	}
	if !s.MarkInactive(sess.ID) {
		t.Fatalf("MarkInactive() should flip in-progress session")
	}
	got, _ := s.Get(sess.ID)
	if got.Status != StatusInProgress {
		t.Fatalf("in-progress status = %q, want unchanged", got.Status)
	}
}
