package models

import (
	"fmt"
	"strings"
	"time"
)

type RotationPolicy string

const (
	RotationRoundRobin RotationPolicy = "round-robin"
	RotationRandom     RotationPolicy = "random"
	RotationFIFO       RotationPolicy = "fifo"
	RotationLoadBased  RotationPolicy = "load-based"
)

func (p RotationPolicy) Valid() bool {
	switch p {
	case RotationRoundRobin, RotationRandom, RotationFIFO, RotationLoadBased:
		return true
	default:
		return false
	}
}

type Queue struct {
	QueueID          string         `json:"queue_id"`
	Name             string         `json:"name"`
	Color            string         `json:"color"`
	Rotation         RotationPolicy `json:"rotation"`
	CapacityPerAgent int            `json:"capacity_per_agent"`
	ActiveHours      *HoursWindow   `json:"active_hours,omitempty"`
	AutoAssign       bool           `json:"auto_assign"`
	BotOrder         int            `json:"bot_order"`
	Greeting         string         `json:"greeting,omitempty"`
	Active           bool           `json:"active"`
	Archived         bool           `json:"archived"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Routable reports whether the queue takes part in routing decisions.
func (q Queue) Routable() bool {
	return q.Active && !q.Archived
}

// HasCapacity reports whether an agent holding accepted tickets may take one more.
// A capacity of zero means unlimited.
func (q Queue) HasCapacity(accepted int) bool {
	return q.CapacityPerAgent <= 0 || accepted < q.CapacityPerAgent
}

type QueueMembership struct {
	QueueID   string    `json:"queue_id"`
	AgentID   string    `json:"agent_id"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// HoursWindow is a daily window in HH:MM local to Timezone. An empty Weekdays
// list means every day. End before Start wraps past midnight.
type HoursWindow struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Weekdays []int  `json:"weekdays,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

func (w HoursWindow) Validate() error {
	if _, err := parseClock(w.Start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if _, err := parseClock(w.End); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	for _, day := range w.Weekdays {
		if day < 0 || day > 6 {
			return fmt.Errorf("weekday %d out of range", day)
		}
	}
	if w.Timezone != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	return nil
}

func (w HoursWindow) Contains(at time.Time) bool {
	loc := time.UTC
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	local := at.In(loc)
	start, err := parseClock(w.Start)
	if err != nil {
		return true
	}
	end, err := parseClock(w.End)
	if err != nil {
		return true
	}
	minute := local.Hour()*60 + local.Minute()

	day := int(local.Weekday())
	if start > end && minute < end {
		// still inside the window opened the previous day
		day = (day + 6) % 7
	}
	if len(w.Weekdays) > 0 && !containsInt(w.Weekdays, day) {
		return false
	}
	if start == end {
		return true
	}
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func parseClock(value string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func containsInt(values []int, value int) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}
