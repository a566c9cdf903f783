package capacity

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/common/clock"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/common/logger"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/events"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
)

// wakeBuffer is added to every wall-clock anchor so the timer never
// fires before the boundary it is waiting for.
const wakeBuffer = time.Second

// Publisher is the slice of the event bus the monitor needs.
type Publisher interface {
	Publish(events.Event)
}

// Config assembles the monitor's limits and schedule.
type Config struct {
	// Base limits apply when time-based usage is disabled and as the
	// fallback for modes without an override.
	Base Limits
	// Day and Night override Base per mode when TimeBasedUsage is on.
	Day   *Limits
	Night *Limits

	TimeBasedUsage bool
	Schedule       Schedule

	// ThresholdRatio defaults to DefaultThresholdRatio when zero.
	ThresholdRatio float64
}

func (c Config) limitsFor(mode Mode) Limits {
	if !c.TimeBasedUsage {
		return c.Base
	}
	day, night := c.Base, c.Base
	if c.Day != nil {
		day = *c.Day
	}
	if c.Night != nil {
		night = *c.Night
	}
	switch mode {
	case ModeDay:
		return day
	case ModeNight:
		return night
	}
	// Off-hours: the conservative per-axis minimum of both modes.
	return day.min(night)
}

// Monitor samples usage against the current mode's thresholds and runs
// the wall-clock wake-up loop for mode switches and the midnight budget
// reset.
type Monitor struct {
	cfg    Config
	clk    clock.Clock
	pub    Publisher
	logger *logger.Logger

	mu         sync.RWMutex
	usage      Usage
	mode       ModeInfo
	thresholds Thresholds
	wasOver    bool
	running    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. The clock is injected so tests can
// drive mode switches deterministically.
func NewMonitor(cfg Config, clk clock.Clock, pub Publisher, log *logger.Logger) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logger.Default()
	}
	m := &Monitor{
		cfg:    cfg,
		clk:    clk,
		pub:    pub,
		logger: log.WithFields(zap.String("component", "capacity-monitor")),
	}
	m.mode = cfg.Schedule.InfoAt(clk.Now())
	m.thresholds = thresholdsFor(cfg.limitsFor(m.mode.Mode), cfg.ThresholdRatio)
	return m
}

// Start arms the wake-up timer loop; idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.wakeLoop()
}

// Stop disarms the timer loop; idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}

// IsCapacityAvailable decides whether a task with the given footprint
// may start under the current mode's thresholds. Denial reasons map
// directly to pause reasons.
func (m *Monitor) IsCapacityAvailable(est Estimate) Decision {
	m.mu.RLock()
	defer m.mu.RUnlock()

	th := m.thresholds
	u := m.usage

	if u.ActiveTasks >= th.Concurrency {
		return Decision{Reason: "concurrency limit reached", WouldPauseAs: task.PauseReasonCapacity}
	}
	if u.CurrentTokens+est.Tokens > th.Tokens {
		return Decision{Reason: "token threshold exceeded", WouldPauseAs: task.PauseReasonUsageLimit}
	}
	if u.CurrentCost+est.Cost > th.Cost {
		return Decision{Reason: "cost threshold exceeded", WouldPauseAs: task.PauseReasonUsageLimit}
	}
	if u.DailySpent+est.Cost > th.Budget {
		return Decision{Reason: "daily budget threshold exceeded", WouldPauseAs: task.PauseReasonBudget}
	}
	return Decision{Allowed: true}
}

// OnUsageUpdate replaces the tokens/cost/active snapshot. When the
// previous evaluation was over a threshold and the new one is under,
// the monitor emits capacity:restored with reason capacity_dropped.
func (m *Monitor) OnUsageUpdate(tokens int64, cost task.Money, activeTasks int) {
	m.mu.Lock()
	m.usage.CurrentTokens = tokens
	m.usage.CurrentCost = cost
	m.usage.ActiveTasks = activeTasks
	restored := m.recheckLocked()
	m.mu.Unlock()

	if restored {
		m.emitRestored(events.RestoreCapacityDropped)
	}
}

// AddDailySpend accumulates spend against the daily budget.
func (m *Monitor) AddDailySpend(delta task.Money) {
	m.mu.Lock()
	m.usage.DailySpent += delta
	restored := m.recheckLocked()
	m.mu.Unlock()

	if restored {
		m.emitRestored(events.RestoreCapacityDropped)
	}
}

// Snapshot returns the current usage view.
func (m *Monitor) Snapshot() Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage
}

// ModeInfo returns the current mode and wake anchors.
func (m *Monitor) ModeInfo() ModeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Thresholds returns the currently enforced thresholds.
func (m *Monitor) Thresholds() Thresholds {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.thresholds
}

// overLocked reports whether any axis is at or over its threshold.
func (m *Monitor) overLocked() bool {
	return m.usage.ActiveTasks >= m.thresholds.Concurrency ||
		m.usage.CurrentTokens > m.thresholds.Tokens ||
		m.usage.CurrentCost > m.thresholds.Cost ||
		m.usage.DailySpent > m.thresholds.Budget
}

// recheckLocked updates the over/under edge detector and reports
// whether an over -> under transition happened.
func (m *Monitor) recheckLocked() bool {
	over := m.overLocked()
	restored := m.wasOver && !over
	m.wasOver = over
	return restored
}

func (m *Monitor) emitRestored(reason events.RestoreReason) {
	m.logger.Info("capacity restored", zap.String("reason", string(reason)))
	if m.pub != nil {
		m.pub.Publish(events.Event{
			Type:    events.CapacityRestored,
			Payload: events.CapacityRestoredPayload{Reason: reason},
		})
	}
}

// wakeLoop arms a single absolute-deadline timer at the earlier of the
// next mode switch and the next midnight, plus a small buffer, and
// re-arms after every fire from the refreshed ModeInfo.
func (m *Monitor) wakeLoop() {
	defer m.wg.Done()

	for {
		m.mu.RLock()
		next := m.mode.NextModeSwitch
		if m.mode.NextMidnight.Before(next) {
			next = m.mode.NextMidnight
		}
		stopCh := m.stopCh
		m.mu.RUnlock()

		timer := m.clk.NewTimer(next.Add(wakeBuffer))
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C():
			m.handleWake()
		}
	}
}

// handleWake recomputes mode info at the current instant, applies the
// midnight reset and/or mode switch, and emits the corresponding
// capacity:restored events.
func (m *Monitor) handleWake() {
	now := m.clk.Now()

	m.mu.Lock()
	prevInfo := m.mode
	prevThresholds := m.thresholds

	info := m.cfg.Schedule.InfoAt(now)
	m.mode = info
	m.thresholds = thresholdsFor(m.cfg.limitsFor(info.Mode), m.cfg.ThresholdRatio)

	crossedMidnight := !now.Before(prevInfo.NextMidnight)
	modeSwitched := info.Mode != prevInfo.Mode
	var emitModeSwitch bool
	if modeSwitched {
		emitModeSwitch = m.thresholds.AnyAxisNotLower(prevThresholds)
	}
	if crossedMidnight {
		m.usage.DailySpent = 0
	}
	// Re-seed the edge detector against the new thresholds so the next
	// usage drop is measured from here.
	m.wasOver = m.overLocked()
	mode := info.Mode
	m.mu.Unlock()

	if modeSwitched {
		m.logger.Info("mode switched",
			zap.String("from", string(prevInfo.Mode)),
			zap.String("to", string(mode)),
			zap.Bool("capacity_restored", emitModeSwitch))
	}

	// Budget reset always emits; mode switch only on an upswing.
	if crossedMidnight {
		m.logger.Info("daily budget reset")
		m.emitRestored(events.RestoreBudgetReset)
	}
	if emitModeSwitch {
		m.emitRestored(events.RestoreModeSwitch)
	}
}
