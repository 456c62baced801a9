package roster

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrUnknownAgent     = errors.New("unknown agent")
	ErrAgentUnavailable = errors.New("agent cannot take a new chat")
)

type team struct {
	id       string
	name     string
	shift    *Shift
	overflow bool
	agents   []*Agent
}

func (t *team) totalCapacity() int {
	total := 0
	for _, a := range t.agents {
		if a.Status != StatusOffline {
			total += a.MaxConcurrentChats()
		}
	}
	return total
}

func (t *team) activeAt(now time.Time) bool {
	return t.shift == nil || t.shift.ActiveAt(now)
}

// Provider owns the team/agent directory. All mutable agent state lives
// behind its single mutex; callers only ever see copies.
type Provider struct {
	mu       sync.Mutex
	teams    []*team
	overflow *team
	agents   map[int]*Agent
	now      func() time.Time
	log      zerolog.Logger
}

func NewProvider(logger zerolog.Logger) *Provider {
	p := &Provider{
		now: time.Now,
		log: logger.With().Str("component", "roster").Logger(),
	}
	p.Reseed()
	return p
}

// SetClock overrides the wall-clock source. Tests use it to drive shift and
// office-hours math; call Reseed afterwards so shift windows follow the clock.
func (p *Provider) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Teams returns snapshots of every team, overflow included.
func (p *Provider) Teams() []Team {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Team, 0, len(p.teams)+1)
	for _, t := range p.teams {
		out = append(out, snapshotTeam(t))
	}
	out = append(out, snapshotTeam(p.overflow))
	return out
}

// ActiveTeams returns snapshots of the main teams whose shift window covers
// the current time. The overflow team is never included here.
func (p *Provider) ActiveTeams() []Team {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var out []Team
	for _, t := range p.teams {
		if t.activeAt(now) {
			out = append(out, snapshotTeam(t))
		}
	}
	return out
}

func (p *Provider) OverflowTeam() Team {
	p.mu.Lock()
	defer p.mu.Unlock()
	return snapshotTeam(p.overflow)
}

// OverflowActive reports whether any overflow agent has been brought online.
func (p *Provider) OverflowActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overflowActiveLocked()
}

func (p *Provider) overflowActiveLocked() bool {
	for _, a := range p.overflow.agents {
		if a.Status != StatusOffline {
			return true
		}
	}
	return false
}

// ActivateOverflow brings every offline overflow agent online with an 8-hour
// shift starting now. Idempotent; reports whether anything changed.
func (p *Provider) ActivateOverflow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	changed := false
	for _, a := range p.overflow.agents {
		if a.Status == StatusOffline {
			a.Status = StatusAvailable
			a.ShiftStart = now
			a.ShiftEnd = now.Add(8 * time.Hour)
			changed = true
		}
	}
	if changed {
		p.log.Info().Int("agents", len(p.overflow.agents)).Msg("overflow team activated")
	}
	return changed
}

// RefreshShiftStatus moves agents through shift-boundary transitions:
// past shift end with no active chats they go offline, within 30 minutes of
// shift end available agents stop receiving new work.
func (p *Provider) RefreshShiftStatus() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	all := append(append([]*team{}, p.teams...), p.overflow)
	for _, t := range all {
		for _, a := range t.agents {
			switch {
			case !now.Before(a.ShiftEnd):
				if a.CurrentChatCount == 0 && (a.Status == StatusAvailable || a.Status == StatusShiftEnding) {
					a.Status = StatusOffline
				} else if a.Status == StatusAvailable {
					a.Status = StatusShiftEnding
				}
			case !now.Before(a.ShiftEnd.Add(-30 * time.Minute)):
				if a.Status == StatusAvailable {
					a.Status = StatusShiftEnding
				}
			}
		}
	}
}

// IsOfficeHours reports Monday-Friday 08:00-18:00 local time.
func (p *Provider) IsOfficeHours() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	wd := now.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	h := now.Hour()
	return h >= 8 && h < 18
}

// TotalActiveCapacity sums capacity over shift-active main teams.
func (p *Provider) TotalActiveCapacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	total := 0
	for _, t := range p.teams {
		if t.activeAt(now) {
			total += t.totalCapacity()
		}
	}
	return total
}

// OverflowCapacity is the capacity admission gains from the overflow team:
// the online capacity when active, otherwise the capacity activation would
// bring online.
func (p *Provider) OverflowCapacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.overflowActiveLocked() {
		return p.overflow.totalCapacity()
	}
	total := 0
	for _, a := range p.overflow.agents {
		total += a.MaxConcurrentChats()
	}
	return total
}

// EligibleAgents returns the assignment pool: agents that can take a new chat
// from shift-active main teams (plus overflow when requested), ordered by
// seniority ascending, then current chat count, then id.
func (p *Provider) EligibleAgents(includeOverflow bool) []Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var pool []Agent
	for _, t := range p.teams {
		if !t.activeAt(now) {
			continue
		}
		for _, a := range t.agents {
			if a.CanTakeNewChat() {
				pool = append(pool, *a)
			}
		}
	}
	if includeOverflow {
		for _, a := range p.overflow.agents {
			if a.CanTakeNewChat() {
				pool = append(pool, *a)
			}
		}
	}
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].Seniority != pool[j].Seniority {
			return pool[i].Seniority < pool[j].Seniority
		}
		if pool[i].CurrentChatCount != pool[j].CurrentChatCount {
			return pool[i].CurrentChatCount < pool[j].CurrentChatCount
		}
		return pool[i].ID < pool[j].ID
	})
	return pool
}

// ReserveSlot claims one concurrent-chat slot on the agent. It refuses
// ineligible agents; the engine never offers one, so an error here is the
// invariant guard tripping.
func (p *Provider) ReserveSlot(agentID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	if !a.CanTakeNewChat() {
		return ErrAgentUnavailable
	}
	a.CurrentChatCount++
	if a.CurrentChatCount >= a.MaxConcurrentChats() {
		a.Status = StatusBusy
	}
	return nil
}

// ReleaseSlot frees one slot. Busy agents with headroom become available
// again unless their shift has already ended, in which case they wind down
// instead of taking new work; shift-ending agents with no remaining chats go
// offline.
func (p *Provider) ReleaseSlot(agentID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	if a.CurrentChatCount > 0 {
		a.CurrentChatCount--
	}
	if a.Status == StatusBusy && a.CurrentChatCount < a.MaxConcurrentChats() {
		if !p.now().Before(a.ShiftEnd) {
			a.Status = StatusShiftEnding
		} else {
			a.Status = StatusAvailable
		}
	}
	if a.Status == StatusShiftEnding && a.CurrentChatCount == 0 {
		a.Status = StatusOffline
	}
	return nil
}

func (p *Provider) Agent(agentID int) (Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

func snapshotTeam(t *team) Team {
	out := Team{
		ID:       t.id,
		Name:     t.name,
		Overflow: t.overflow,
		Agents:   make([]Agent, len(t.agents)),
	}
	if t.shift != nil {
		s := *t.shift
		out.Shift = &s
	}
	for i, a := range t.agents {
		out.Agents[i] = *a
	}
	return out
}
