// Package orchestrator provides the facade that ties the task store,
// workflow registry, capacity monitor, scheduler, and auto-resume
// coordinator together behind one lifecycle. It manages:
//
//   - Task submission, pause/resume, and cancellation
//   - Capacity-gated dispatch via the Scheduler
//   - Event propagation, including the optional NATS mirror
//   - Auto-resume sweeps when capacity is restored
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/agent"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/capacity"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/common/config"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/common/logger"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/events"
	extbus "github.com/JoshuaAFerguson/APEX-sub021/internal/events/bus"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/orchestrator/autoresume"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/orchestrator/scheduler"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task/store"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/workflow"
)

// Common errors
var (
	ErrServiceAlreadyRunning = errors.New("service is already running")
	ErrServiceNotRunning     = errors.New("service is not running")
)

// ServiceConfig holds orchestrator service configuration.
type ServiceConfig struct {
	Scheduler      scheduler.Config
	EventQueueSize int
	// SubjectPrefix namespaces mirrored events on the external bus.
	SubjectPrefix string
}

// DefaultServiceConfig returns default configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Scheduler:      scheduler.DefaultConfig(),
		EventQueueSize: events.DefaultQueueSize,
		SubjectPrefix:  "apex",
	}
}

// Service is the orchestrator facade.
type Service struct {
	config   ServiceConfig
	store    *store.Store
	registry *workflow.Registry
	monitor  *capacity.Monitor
	bus      *events.Bus
	fanout   extbus.EventBus

	scheduler *scheduler.Scheduler
	resume    *autoresume.Coordinator
	logger    *logger.Logger

	mu         sync.RWMutex
	running    bool
	mirrorSubs []events.Subscription
}

// NewService assembles the facade. The fan-out bus is optional; nil
// keeps all events in-process.
func NewService(
	cfg ServiceConfig,
	st *store.Store,
	registry *workflow.Registry,
	monitor *capacity.Monitor,
	runtime agent.Runtime,
	bus *events.Bus,
	fanout extbus.EventBus,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.Default()
	}
	s := &Service{
		config:   cfg,
		store:    st,
		registry: registry,
		monitor:  monitor,
		bus:      bus,
		fanout:   fanout,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
	}
	s.scheduler = scheduler.New(st, registry, runtime, monitor, bus, log, cfg.Scheduler)
	s.resume = autoresume.New(st, bus, s.scheduler, log)
	return s
}

// Start brings the monitor, scheduler, and auto-resume coordinator up
// and installs the external mirror.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrServiceAlreadyRunning
	}

	s.monitor.Start()
	if err := s.scheduler.Start(ctx); err != nil {
		s.monitor.Stop()
		return err
	}
	if err := s.resume.Start(ctx); err != nil {
		_ = s.scheduler.Stop()
		s.monitor.Stop()
		return err
	}
	s.installMirrorLocked()

	s.running = true
	s.logger.Info("orchestrator started",
		zap.Bool("external_bus", s.fanout != nil))
	return nil
}

// Stop drains in-flight work and shuts the components down in reverse
// order. Returns scheduler.ErrDrainExceeded when running stages had to
// be cancelled.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrServiceNotRunning
	}
	s.running = false

	if err := s.resume.Stop(); err != nil {
		s.logger.Warn("auto-resume coordinator stop failed", zap.Error(err))
	}
	drainErr := s.scheduler.Stop()
	if drainErr != nil && !errors.Is(drainErr, scheduler.ErrDrainExceeded) {
		s.logger.Warn("scheduler stop failed", zap.Error(drainErr))
	}
	s.monitor.Stop()

	for _, sub := range s.mirrorSubs {
		s.bus.Unsubscribe(sub)
	}
	s.mirrorSubs = nil
	s.bus.Drain()

	s.logger.Info("orchestrator stopped",
		zap.Bool("drain_exceeded", errors.Is(drainErr, scheduler.ErrDrainExceeded)))
	if errors.Is(drainErr, scheduler.ErrDrainExceeded) {
		return drainErr
	}
	return nil
}

// IsRunning returns true if the facade is active.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// On subscribes a handler to one event type on the internal bus.
func (s *Service) On(t events.Type, h events.Handler) events.Subscription {
	return s.bus.Subscribe(t, h)
}

// Off removes a subscription installed with On.
func (s *Service) Off(sub events.Subscription) {
	s.bus.Unsubscribe(sub)
}

// Stats returns the scheduler counters.
func (s *Service) Stats() scheduler.Stats {
	return s.scheduler.Stats()
}

// CapacitySnapshot returns the monitor's current usage view.
func (s *Service) CapacitySnapshot() capacity.Usage {
	return s.monitor.Snapshot()
}

// CapacityMode returns the current mode and its wall-clock anchors.
func (s *Service) CapacityMode() capacity.ModeInfo {
	return s.monitor.ModeInfo()
}

// CapacityThresholds returns the thresholds currently enforced.
func (s *Service) CapacityThresholds() capacity.Thresholds {
	return s.monitor.Thresholds()
}

// Workflows returns the registered workflow names.
func (s *Service) Workflows() []string {
	return s.registry.Names()
}

// GetWorkflow resolves one workflow definition by name.
func (s *Service) GetWorkflow(name string) (*workflow.Workflow, error) {
	return s.registry.Get(name)
}

// installMirrorLocked forwards every internal event to the external
// fan-out bus under <prefix>.<event-name> subjects.
func (s *Service) installMirrorLocked() {
	if s.fanout == nil {
		return
	}
	prefix := s.config.SubjectPrefix
	if prefix == "" {
		prefix = "apex"
	}
	for _, t := range events.AllTypes() {
		subject := prefix + "." + strings.ReplaceAll(string(t), ":", ".")
		sub := s.bus.Subscribe(t, func(ev events.Event) {
			if err := s.fanout.Publish(context.Background(), subject, extbus.NewEvent(string(ev.Type), "orchestrator", ev)); err != nil {
				s.logger.Debug("event mirror publish failed",
					zap.String("subject", subject), zap.Error(err))
			}
		})
		s.mirrorSubs = append(s.mirrorSubs, sub)
	}
}

// CapacityConfig maps the loaded application configuration onto the
// capacity monitor's limits and schedule.
func CapacityConfig(cfg *config.Config) capacity.Config {
	loc := clockLocation(cfg.TimeBasedUsage.Timezone)
	out := capacity.Config{
		Base:           limitsFrom(cfg.Limits),
		TimeBasedUsage: cfg.TimeBasedUsage.Enabled,
		Schedule: capacity.Schedule{
			Location:   loc,
			DayHours:   cfg.TimeBasedUsage.DayModeHours,
			NightHours: cfg.TimeBasedUsage.NightModeHours,
		},
	}
	if cfg.TimeBasedUsage.DayModeThresholds != nil {
		day := limitsFrom(*cfg.TimeBasedUsage.DayModeThresholds)
		out.Day = &day
	}
	if cfg.TimeBasedUsage.NightModeThresholds != nil {
		night := limitsFrom(*cfg.TimeBasedUsage.NightModeThresholds)
		out.Night = &night
	}
	return out
}

func limitsFrom(l config.LimitsConfig) capacity.Limits {
	return capacity.Limits{
		MaxConcurrentTasks: l.MaxConcurrentTasks,
		MaxTokensPerTask:   l.MaxTokensPerTask,
		MaxCostPerTask:     task.MoneyFromDollars(l.MaxCostPerTask),
		DailyBudget:        task.MoneyFromDollars(l.DailyBudget),
	}
}

func clockLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
