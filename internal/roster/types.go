package roster

import (
	"encoding/json"
	"time"
)

// Seniority orders agents for assignment: juniors are saturated first so
// senior bandwidth stays free for escalations.
type Seniority int

const (
	Junior Seniority = iota
	MidLevel
	Senior
	TeamLead
)

func (s Seniority) String() string {
	switch s {
	case Junior:
		return "junior"
	case MidLevel:
		return "mid_level"
	case Senior:
		return "senior"
	case TeamLead:
		return "team_lead"
	default:
		return "junior"
	}
}

func (s Seniority) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Multiplier is the fixed efficiency constant per tier. Capacity is derived
// from a base of 10 concurrent chats.
func (s Seniority) Multiplier() float64 {
	switch s {
	case Junior:
		return 0.4
	case MidLevel:
		return 0.6
	case Senior:
		return 0.8
	case TeamLead:
		return 0.5
	default:
		return 0.4
	}
}

func (s Seniority) MaxConcurrentChats() int {
	return int(10 * s.Multiplier())
}

type AgentStatus string

const (
	StatusAvailable   AgentStatus = "available"
	StatusBusy        AgentStatus = "busy"
	StatusShiftEnding AgentStatus = "shift_ending"
	StatusOffline     AgentStatus = "offline"
)

type Shift string

const (
	ShiftMorning Shift = "morning" // 08:00-16:00
	ShiftEvening Shift = "evening" // 16:00-24:00
	ShiftNight   Shift = "night"   // 00:00-08:00
)

// ActiveAt reports whether the shift window covers the given wall-clock time.
func (s Shift) ActiveAt(t time.Time) bool {
	h := t.Hour()
	switch s {
	case ShiftMorning:
		return h >= 8 && h < 16
	case ShiftEvening:
		return h >= 16
	case ShiftNight:
		return h < 8
	default:
		return true
	}
}

// Window returns the shift start and end for the day containing t.
func (s Shift) Window(t time.Time) (time.Time, time.Time) {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	switch s {
	case ShiftMorning:
		return day.Add(8 * time.Hour), day.Add(16 * time.Hour)
	case ShiftEvening:
		return day.Add(16 * time.Hour), day.Add(24 * time.Hour)
	case ShiftNight:
		return day, day.Add(8 * time.Hour)
	default:
		return day.Add(8 * time.Hour), day.Add(16 * time.Hour)
	}
}

// CurrentShift maps a wall-clock time to the shift in effect.
func CurrentShift(t time.Time) Shift {
	switch h := t.Hour(); {
	case h >= 8 && h < 16:
		return ShiftMorning
	case h >= 16:
		return ShiftEvening
	default:
		return ShiftNight
	}
}

type Agent struct {
	ID               int         `json:"id"`
	Name             string      `json:"name"`
	Seniority        Seniority   `json:"seniority"`
	Status           AgentStatus `json:"status"`
	CurrentChatCount int         `json:"current_chat_count"`
	ShiftStart       time.Time   `json:"shift_start"`
	ShiftEnd         time.Time   `json:"shift_end"`
	TeamID           string      `json:"team_id"`
	Overflow         bool        `json:"overflow,omitempty"`
}

func (a Agent) MaxConcurrentChats() int {
	return a.Seniority.MaxConcurrentChats()
}

// CanTakeNewChat reports assignment eligibility: available and under capacity.
func (a Agent) CanTakeNewChat() bool {
	return a.Status == StatusAvailable && a.CurrentChatCount < a.MaxConcurrentChats()
}

// Team is a point-in-time copy of a team and its agents, safe to hold without
// the provider lock.
type Team struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Shift    *Shift  `json:"shift,omitempty"`
	Overflow bool    `json:"overflow,omitempty"`
	Agents   []Agent `json:"agents"`
}

// TotalCapacity sums max concurrent chats over non-offline agents.
func (t Team) TotalCapacity() int {
	total := 0
	for _, a := range t.Agents {
		if a.Status != StatusOffline {
			total += a.MaxConcurrentChats()
		}
	}
	return total
}

// MaxQueueLen is the single authoritative queue bound formula. Admission and
// status reporting both go through it so they cannot diverge.
func MaxQueueLen(capacity int) int {
	return int(float64(capacity) * 1.5)
}
