package progression

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/pipeline/internal/logger"
)

// DefaultLeadTimeout bounds a single lead's signal read and transition so a
// stalled provider becomes a recorded per-lead error instead of a stuck
// sweep.
const DefaultLeadTimeout = 10 * time.Second

// Config wires an Engine to its collaborators. Rules, Leads, Signals, and
// Audit are required; the rest defaults.
type Config struct {
	// TenantID labels logs and metrics. It does not scope the stores;
	// tenant scoping is baked into the store implementations themselves.
	TenantID string

	Pipeline *Pipeline
	Rules    RuleStore
	Leads    LeadStore
	Signals  SignalProvider
	Audit    AuditSink

	// Cache holds the enabled-rule snapshot between sweeps. Defaults to an
	// in-memory cache with mutation-driven invalidation.
	Cache RulesCache

	// Metrics is optional; nil disables instrumentation.
	Metrics *Metrics

	// LeadTimeout bounds each lead's evaluation. Defaults to
	// DefaultLeadTimeout.
	LeadTimeout time.Duration
}

// Engine is the lead auto-progression composition root. It owns the
// scheduler, the concurrency guard, the evaluator, and the transition
// executor, and exposes the control surface the HTTP layer (or a CLI, or a
// test) calls.
//
// One engine serves one tenant. Construct it explicitly and hand it to
// whoever needs it; there is no ambient global instance.
type Engine struct {
	tenantID    string
	pipeline    *Pipeline
	rules       RuleStore
	cache       RulesCache
	leads       LeadStore
	signals     SignalProvider
	audit       AuditSink
	evaluator   *Evaluator
	executor    *TransitionExecutor
	guard       *ConcurrencyGuard
	scheduler   *Scheduler
	metrics     *Metrics
	leadTimeout time.Duration

	mu                 sync.Mutex
	totalSweeps        int64
	skippedSweeps      int64
	lastSweepStartedAt *time.Time
	lastSweepStats     *SweepResult
}

// NewEngine constructs a stopped engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Rules == nil || cfg.Leads == nil || cfg.Signals == nil || cfg.Audit == nil {
		return nil, validationf("engine requires rule store, lead store, signal provider, and audit sink")
	}

	pipeline := cfg.Pipeline
	if pipeline == nil {
		pipeline = DefaultPipeline()
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewInMemoryRulesCache(DefaultCacheConfig())
	}
	leadTimeout := cfg.LeadTimeout
	if leadTimeout <= 0 {
		leadTimeout = DefaultLeadTimeout
	}

	e := &Engine{
		tenantID:    cfg.TenantID,
		pipeline:    pipeline,
		rules:       cfg.Rules,
		cache:       cache,
		leads:       cfg.Leads,
		signals:     cfg.Signals,
		audit:       cfg.Audit,
		evaluator:   NewEvaluator(pipeline),
		executor:    NewTransitionExecutor(cfg.Leads, cfg.Audit),
		guard:       &ConcurrencyGuard{},
		metrics:     cfg.Metrics,
		leadTimeout: leadTimeout,
	}
	e.scheduler = NewScheduler(e.scheduledSweep)
	return e, nil
}

// Start begins periodic sweeps every intervalMinutes. Starting a running
// engine is a no-op; the original interval stays in force.
func (e *Engine) Start(intervalMinutes int) error {
	if intervalMinutes <= 0 {
		return ErrInvalidInterval
	}

	interval, started := e.scheduler.Start(time.Duration(intervalMinutes) * time.Minute)
	if !started {
		logger.Info("progression engine already running",
			"tenant", e.tenantID,
			"intervalMinutes", int(interval.Minutes()))
		return nil
	}

	if e.metrics != nil {
		e.metrics.EngineRunning.WithLabelValues(e.tenantID).Set(1)
	}
	logger.Info("progression engine started",
		"tenant", e.tenantID,
		"intervalMinutes", int(interval.Minutes()))
	return nil
}

// Stop halts future sweeps. A sweep in flight finishes on its own; Stop is
// idempotent and never fails.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	if e.metrics != nil {
		e.metrics.EngineRunning.WithLabelValues(e.tenantID).Set(0)
	}
	logger.Info("progression engine stopped", "tenant", e.tenantID)
}

func (e *Engine) scheduledSweep() {
	if _, err := e.ProcessAllLeads(context.Background()); err != nil {
		logger.Error("scheduled sweep failed", "tenant", e.tenantID, "error", err)
	}
}

// ProcessAllLeads runs one sweep: read the rule snapshot, evaluate every
// active lead against it, and apply each selected transition. A lead's
// failure is recorded and contained; it never aborts the sweep for the
// others. The whole sweep fails only when the rule snapshot or lead list
// cannot be loaded at all.
//
// If another sweep holds the guard the call returns immediately with a
// result marked Skipped and no error.
func (e *Engine) ProcessAllLeads(ctx context.Context) (*SweepResult, error) {
	if !e.guard.TryAcquire() {
		e.mu.Lock()
		e.skippedSweeps++
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.SweepsSkipped.WithLabelValues(e.tenantID).Inc()
		}
		logger.Debug("sweep trigger skipped, sweep already in flight", "tenant", e.tenantID)
		return &SweepResult{Skipped: true}, nil
	}
	defer e.guard.Release()

	startedAt := time.Now()
	result := &SweepResult{
		SweepID:   uuid.NewString(),
		StartedAt: startedAt,
	}

	e.mu.Lock()
	e.lastSweepStartedAt = &startedAt
	e.mu.Unlock()

	// One snapshot per sweep: rules edited from here on apply to the next
	// sweep, never this one.
	snapshot := e.cache.Get()
	if snapshot == nil {
		var err error
		snapshot, err = e.rules.ListEnabled()
		if err != nil {
			return nil, &PersistenceError{Op: "load rule snapshot", Err: err}
		}
		e.cache.Set(snapshot)
	}

	leadIDs, err := e.leads.ListActiveLeads(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list active leads", Err: err}
	}

	for _, leadID := range leadIDs {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, SweepError{LeadID: leadID, Message: ctx.Err().Error()})
			break
		}
		e.processLead(ctx, leadID, startedAt, snapshot, result)
	}

	duration := time.Since(startedAt)
	result.Duration = duration.String()

	e.mu.Lock()
	e.totalSweeps++
	e.lastSweepStats = result
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SweepsTotal.WithLabelValues(e.tenantID).Inc()
		e.metrics.TransitionsTotal.WithLabelValues(e.tenantID).Add(float64(result.LeadsTransitioned))
		e.metrics.LeadErrorsTotal.WithLabelValues(e.tenantID).Add(float64(len(result.Errors)))
		e.metrics.SweepDurationSecs.WithLabelValues(e.tenantID).Observe(duration.Seconds())
	}

	logger.Info("sweep completed",
		"tenant", e.tenantID,
		"sweepId", result.SweepID,
		"evaluated", result.LeadsEvaluated,
		"transitioned", result.LeadsTransitioned,
		"skipped", result.LeadsSkipped,
		"errors", len(result.Errors),
		"duration", result.Duration)

	return result, nil
}

func (e *Engine) processLead(ctx context.Context, leadID string, now time.Time, rules []*Rule, result *SweepResult) {
	leadCtx, cancel := context.WithTimeout(ctx, e.leadTimeout)
	defer cancel()

	result.LeadsEvaluated++

	state, err := e.signals.GetSignals(leadCtx, leadID)
	if err != nil {
		spErr := &SignalProviderError{LeadID: leadID, Err: err}
		result.Errors = append(result.Errors, SweepError{LeadID: leadID, Message: spErr.Error()})
		return
	}

	if e.pipeline.IsTerminal(state.Stage) {
		result.LeadsSkipped++
		return
	}

	decision := e.evaluator.Select(state.Stage, state.Signals, now, rules)
	if decision == nil {
		return
	}

	record, applied, err := e.executor.Apply(leadCtx, leadID, state.Stage, decision, result.SweepID)
	if applied {
		result.LeadsTransitioned++
		logger.Debug("lead transitioned",
			"tenant", e.tenantID,
			"leadId", leadID,
			"from", record.FromStage,
			"to", record.ToStage,
			"ruleId", record.RuleID)
	}
	if err != nil {
		result.Errors = append(result.Errors, SweepError{LeadID: leadID, Message: err.Error()})
	}
}

// CreateRule validates the rule against the pipeline, assigns an ID when the
// caller left it empty, and stores it. Returns the rule ID.
func (e *Engine) CreateRule(rule *Rule) (string, error) {
	if err := ValidateRule(rule, e.pipeline); err != nil {
		return "", err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := e.rules.Create(rule); err != nil {
		return "", err
	}
	e.cache.Invalidate()
	return rule.ID, nil
}

// UpdateRule validates and replaces an existing rule.
func (e *Engine) UpdateRule(rule *Rule) error {
	if err := ValidateRule(rule, e.pipeline); err != nil {
		return err
	}
	if err := e.rules.Update(rule); err != nil {
		return err
	}
	e.cache.Invalidate()
	return nil
}

// DisableRule marks a rule disabled; its audit history stays intact.
func (e *Engine) DisableRule(id string) error {
	if err := e.rules.Disable(id); err != nil {
		return err
	}
	e.cache.Invalidate()
	return nil
}

// GetRule retrieves a rule by ID.
func (e *Engine) GetRule(id string) (*Rule, error) { return e.rules.Get(id) }

// ListRules returns every rule for the tenant, enabled or not.
func (e *Engine) ListRules() ([]*Rule, error) { return e.rules.List() }

// Transitions returns a lead's audit trail, oldest first.
func (e *Engine) Transitions(ctx context.Context, leadID string) ([]*TransitionRecord, error) {
	return e.audit.ListByLead(ctx, leadID)
}

// Pipeline returns the stage definition the engine was built with.
func (e *Engine) Pipeline() *Pipeline { return e.pipeline }

// Stats returns a read-only snapshot of the engine's lifecycle counters and
// the last completed sweep. The sweep result is copied; mutating the
// returned snapshot never reaches engine state.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := EngineStats{
		IsRunning:     e.scheduler.Running(),
		IntervalMs:    e.scheduler.Interval().Milliseconds(),
		TotalSweeps:   e.totalSweeps,
		SkippedSweeps: e.skippedSweeps,
	}
	if e.lastSweepStartedAt != nil {
		startedAt := *e.lastSweepStartedAt
		stats.LastSweepStartedAt = &startedAt
	}
	if e.lastSweepStats != nil {
		last := *e.lastSweepStats
		last.Errors = append([]SweepError(nil), e.lastSweepStats.Errors...)
		stats.LastSweepStats = &last
	}
	return stats
}
