package liveness

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PollRecord is the per-session heartbeat ledger entry.
type PollRecord struct {
	ChatID            string
	CustomerID        string
	CreatedAt         time.Time
	FirstPoll         time.Time // zero until the first poll lands
	LastPoll          time.Time
	TotalPolls        int
	ConsecutiveMissed int
	History           []time.Time
}

// PollStats is the read-only view served to monitoring endpoints.
type PollStats struct {
	ChatID            string        `json:"chat_id"`
	CustomerID        string        `json:"customer_id"`
	TotalPolls        int           `json:"total_polls"`
	MissedPolls       int           `json:"missed_polls"`
	LastPoll          time.Time     `json:"last_poll"`
	TimeSinceLastPoll time.Duration `json:"time_since_last_poll_ms"`
	PollsPerMinute    float64       `json:"polls_per_minute"`
}

// Tracker records customer heartbeats and reports sessions that have gone
// silent. It never mutates session state itself; eviction is the caller's job.
type Tracker struct {
	mu         sync.Mutex
	records    map[string]*PollRecord
	historyCap int
	now        func() time.Time
	log        zerolog.Logger
}

func NewTracker(historyCap int, logger zerolog.Logger) *Tracker {
	if historyCap <= 0 {
		historyCap = 100
	}
	return &Tracker{
		records:    make(map[string]*PollRecord),
		historyCap: historyCap,
		now:        time.Now,
		log:        logger.With().Str("component", "liveness").Logger(),
	}
}

// SetClock overrides the wall-clock source for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// RecordPoll upserts the ledger entry for the chat: resets the missed-poll
// counter, bumps totals and appends to the bounded history ring. A poll for an
// already-evicted session is accepted here (harmless) but does not resurrect
// the session; the registry's inactive flag is one-way.
func (t *Tracker) RecordPoll(chatID, customerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	rec, ok := t.records[chatID]
	if !ok {
		rec = &PollRecord{
			ChatID:     chatID,
			CustomerID: customerID,
			CreatedAt:  now,
		}
		t.records[chatID] = rec
	}

	rec.LastPoll = now
	rec.TotalPolls++
	rec.ConsecutiveMissed = 0
	if rec.FirstPoll.IsZero() {
		rec.FirstPoll = now
	}
	rec.History = append(rec.History, now)
	if len(rec.History) > t.historyCap {
		rec.History = rec.History[len(rec.History)-t.historyCap:]
	}
}

// SweepForInactive recomputes each record's missed-poll count from elapsed
// time (floor(elapsed / pollInterval), never lowering it) and returns the ids
// at or above maxMissed. Pure query: no session state changes here.
func (t *Tracker) SweepForInactive(pollInterval time.Duration, maxMissed int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	var stale []string
	for _, rec := range t.records {
		elapsed := now.Sub(rec.LastPoll)
		if elapsed > pollInterval {
			missed := int(elapsed / pollInterval)
			if missed > rec.ConsecutiveMissed {
				rec.ConsecutiveMissed = missed
			}
		}
		if rec.ConsecutiveMissed >= maxMissed {
			stale = append(stale, rec.ChatID)
		}
	}
	return stale
}

// Remove drops the record. Unknown ids are a no-op.
func (t *Tracker) Remove(chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, chatID)
}

func (t *Tracker) Record(chatID string) (PollRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[chatID]
	if !ok {
		return PollRecord{}, false
	}
	out := *rec
	out.History = append([]time.Time(nil), rec.History...)
	return out, true
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Stats returns per-session poll statistics for the monitoring surface.
func (t *Tracker) Stats() []PollStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	out := make([]PollStats, 0, len(t.records))
	for _, rec := range t.records {
		perMinute := 0.0
		if rec.TotalPolls > 0 && !rec.FirstPoll.IsZero() {
			if mins := now.Sub(rec.CreatedAt).Minutes(); mins > 0 {
				perMinute = float64(rec.TotalPolls) / mins
			}
		}
		out = append(out, PollStats{
			ChatID:            rec.ChatID,
			CustomerID:        rec.CustomerID,
			TotalPolls:        rec.TotalPolls,
			MissedPolls:       rec.ConsecutiveMissed,
			LastPoll:          rec.LastPoll,
			TimeSinceLastPoll: now.Sub(rec.LastPoll),
			PollsPerMinute:    perMinute,
		})
	}
	return out
}
