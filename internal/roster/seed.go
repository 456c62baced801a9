package roster

import (
	"fmt"
	"time"
)

// Reseed rebuilds the static roster. Shift windows are stamped relative to
// the current clock, so call this again after changing the clock in tests.
func (p *Provider) Reseed() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	current := CurrentShift(now)
	night := ShiftNight

	teamA := &team{
		id:   "TEAM_A",
		name: "Team A",
		agents: []*Agent{
			newAgent(1, "TeamLead A1", TeamLead, "TEAM_A", current, now),
			newAgent(2, "MidLevel A1", MidLevel, "TEAM_A", current, now),
			newAgent(3, "MidLevel A2", MidLevel, "TEAM_A", current, now),
			newAgent(4, "Junior A1", Junior, "TEAM_A", current, now),
		},
	}
	teamB := &team{
		id:   "TEAM_B",
		name: "Team B",
		agents: []*Agent{
			newAgent(5, "Senior B1", Senior, "TEAM_B", current, now),
			newAgent(6, "MidLevel B1", MidLevel, "TEAM_B", current, now),
			newAgent(7, "Junior B1", Junior, "TEAM_B", current, now),
			newAgent(8, "Junior B2", Junior, "TEAM_B", current, now),
		},
	}
	teamC := &team{
		id:    "TEAM_C",
		name:  "Team C (Night Shift)",
		shift: &night,
		agents: []*Agent{
			newAgent(9, "MidLevel C1", MidLevel, "TEAM_C", ShiftNight, now),
			newAgent(10, "MidLevel C2", MidLevel, "TEAM_C", ShiftNight, now),
		},
	}

	overflowAgents := make([]*Agent, 0, 6)
	for i := 1; i <= 6; i++ {
		a := newAgent(100+i, fmt.Sprintf("Overflow Agent %d", i), Junior, "OVERFLOW", current, now)
		a.Status = StatusOffline
		a.Overflow = true
		overflowAgents = append(overflowAgents, a)
	}

	p.teams = []*team{teamA, teamB, teamC}
	p.overflow = &team{
		id:       "OVERFLOW",
		name:     "Overflow Team",
		overflow: true,
		agents:   overflowAgents,
	}

	p.agents = make(map[int]*Agent)
	for _, t := range append(append([]*team{}, p.teams...), p.overflow) {
		for _, a := range t.agents {
			p.agents[a.ID] = a
		}
	}
}

// SeedTeams replaces the roster with the given main teams and overflow pool.
// Used by tests and demo tooling that need a directory other than the static
// default.
func (p *Provider) SeedTeams(teams []Team, overflow Team) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.teams = make([]*team, 0, len(teams))
	for i := range teams {
		p.teams = append(p.teams, internTeam(teams[i]))
	}
	p.overflow = internTeam(overflow)
	p.overflow.overflow = true

	p.agents = make(map[int]*Agent)
	for _, t := range append(append([]*team{}, p.teams...), p.overflow) {
		for _, a := range t.agents {
			p.agents[a.ID] = a
		}
	}
}

func internTeam(t Team) *team {
	out := &team{id: t.ID, name: t.Name, overflow: t.Overflow}
	if t.Shift != nil {
		s := *t.Shift
		out.shift = &s
	}
	out.agents = make([]*Agent, len(t.Agents))
	for i := range t.Agents {
		a := t.Agents[i]
		if a.TeamID == "" {
			a.TeamID = t.ID
		}
		a.Overflow = a.Overflow || t.Overflow
		out.agents[i] = &a
	}
	return out
}

func newAgent(id int, name string, s Seniority, teamID string, shift Shift, now time.Time) *Agent {
	start, end := shift.Window(now)
	return &Agent{
		ID:         id,
		Name:       name,
		Seniority:  s,
		Status:     StatusAvailable,
		ShiftStart: start,
		ShiftEnd:   end,
		TeamID:     teamID,
	}
}
