// Package capacity decides whether new work may start and announces
// when previously blocked work becomes eligible again, either because
// usage dropped, the time-of-day mode switched, or the daily budget
// reset at midnight.
package capacity

import (
	"math"
	"time"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
)

// Mode is the time-of-day classification determining which thresholds
// apply.
type Mode string

const (
	ModeDay      Mode = "day"
	ModeNight    Mode = "night"
	ModeOffHours Mode = "off-hours"
)

// Limits are the hard resource caps for one mode.
type Limits struct {
	MaxConcurrentTasks int
	MaxTokensPerTask   int64
	MaxCostPerTask     task.Money
	DailyBudget        task.Money
}

// min returns the per-axis minimum of two limit sets. Off-hours uses
// the conservative combination of day and night.
func (l Limits) min(other Limits) Limits {
	out := l
	if other.MaxConcurrentTasks < out.MaxConcurrentTasks {
		out.MaxConcurrentTasks = other.MaxConcurrentTasks
	}
	if other.MaxTokensPerTask < out.MaxTokensPerTask {
		out.MaxTokensPerTask = other.MaxTokensPerTask
	}
	if other.MaxCostPerTask < out.MaxCostPerTask {
		out.MaxCostPerTask = other.MaxCostPerTask
	}
	if other.DailyBudget < out.DailyBudget {
		out.DailyBudget = other.DailyBudget
	}
	return out
}

// Thresholds are the soft caps actually enforced: a fraction of the
// hard limits so tasks do not run into absolute ceilings mid-stage.
type Thresholds struct {
	Tokens      int64
	Cost        task.Money
	Budget      task.Money
	Concurrency int
}

// DefaultThresholdRatio is the fraction of each hard cap used as the
// enforcement threshold.
const DefaultThresholdRatio = 0.8

func thresholdsFor(l Limits, ratio float64) Thresholds {
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultThresholdRatio
	}
	return Thresholds{
		Tokens:      int64(math.Floor(float64(l.MaxTokensPerTask) * ratio)),
		Cost:        task.Money(math.Floor(float64(l.MaxCostPerTask) * ratio)),
		Budget:      task.Money(math.Floor(float64(l.DailyBudget) * ratio)),
		Concurrency: l.MaxConcurrentTasks,
	}
}

// AnyAxisNotLower reports whether at least one axis of t is at or above
// the corresponding axis of prev. Mode switches announce restored
// capacity only when this holds; a switch that strictly lowers every
// axis is silent.
func (t Thresholds) AnyAxisNotLower(prev Thresholds) bool {
	return t.Tokens >= prev.Tokens ||
		t.Cost >= prev.Cost ||
		t.Budget >= prev.Budget ||
		t.Concurrency >= prev.Concurrency
}

// Usage is the monitor's view of current consumption.
type Usage struct {
	CurrentTokens int64
	CurrentCost   task.Money
	ActiveTasks   int
	DailySpent    task.Money
}

// Estimate is the projected footprint of a task asking to start.
type Estimate struct {
	Tokens int64
	Cost   task.Money
}

// Decision is the verdict on whether a task may start. When denied,
// WouldPauseAs carries the pause reason the scheduler should apply.
type Decision struct {
	Allowed      bool
	Reason       string
	WouldPauseAs task.PauseReason
}

// ModeInfo describes the current mode and the next two wall-clock
// anchors the monitor wakes at.
type ModeInfo struct {
	Mode           Mode
	Hours          []int
	NextModeSwitch time.Time
	NextMidnight   time.Time
}

// Schedule is the hour-membership classifier for modes. Hours are
// local-zone hour numbers; hours in neither list are off-hours.
type Schedule struct {
	Location   *time.Location
	DayHours   []int
	NightHours []int
}

func (s Schedule) classify(hour int) Mode {
	for _, h := range s.DayHours {
		if h == hour {
			return ModeDay
		}
	}
	for _, h := range s.NightHours {
		if h == hour {
			return ModeNight
		}
	}
	return ModeOffHours
}

func (s Schedule) hours(m Mode) []int {
	switch m {
	case ModeDay:
		return s.DayHours
	case ModeNight:
		return s.NightHours
	}
	return nil
}

// ModeAt classifies the given instant.
func (s Schedule) ModeAt(t time.Time) Mode {
	return s.classify(t.In(s.location()).Hour())
}

// InfoAt computes the full ModeInfo for the given instant: current
// mode, its hour list, the next hour boundary where the classification
// changes, and the next local midnight.
func (s Schedule) InfoAt(now time.Time) ModeInfo {
	local := now.In(s.location())
	mode := s.classify(local.Hour())

	// Scan forward hour by hour for the next classification change.
	// 25 steps covers a full day plus the current partial hour.
	boundary := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, s.location())
	next := boundary
	for i := 0; i < 25; i++ {
		next = next.Add(time.Hour)
		if s.classify(next.Hour()) != mode {
			break
		}
	}

	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.location()).AddDate(0, 0, 1)

	return ModeInfo{
		Mode:           mode,
		Hours:          s.hours(mode),
		NextModeSwitch: next,
		NextMidnight:   midnight,
	}
}

func (s Schedule) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}
