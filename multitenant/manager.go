// Package multitenant hosts one progression engine per CRM tenant and keeps
// the set in sync with the tenants and pipelines tables.
package multitenant

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/liamcoop/pipeline/internal/logger"
	"github.com/liamcoop/pipeline/progression"
)

// TenantEngine pairs an engine with the pipeline definition it was built
// for.
type TenantEngine struct {
	TenantID string
	Pipeline *progression.Pipeline
	Engine   *progression.Engine
}

// Manager owns the tenantID → engine map. Engines are constructed once per
// tenant and swapped atomically when the tenant's pipeline definition
// changes.
type Manager struct {
	db      *sql.DB
	metrics *progression.Metrics
	engines map[string]*TenantEngine
	mu      sync.RWMutex
}

// NewManager creates an empty manager. Metrics may be nil.
func NewManager(db *sql.DB, metrics *progression.Metrics) *Manager {
	return &Manager{
		db:      db,
		metrics: metrics,
		engines: make(map[string]*TenantEngine),
	}
}

// LoadAllTenants boots an engine for every tenant with an active pipeline.
func (m *Manager) LoadAllTenants() error {
	rows, err := m.db.Query(`
		SELECT t.id, p.definition
		FROM tenants t
		JOIN pipelines p ON p.tenant_id = t.id
		WHERE p.active = true
	`)
	if err != nil {
		return fmt.Errorf("failed to fetch tenants: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var tenantID string
		var definitionJSON []byte
		if err := rows.Scan(&tenantID, &definitionJSON); err != nil {
			return fmt.Errorf("failed to scan tenant row: %w", err)
		}

		var pipeline progression.Pipeline
		if err := json.Unmarshal(definitionJSON, &pipeline); err != nil {
			return fmt.Errorf("invalid pipeline for tenant %s: %w", tenantID, err)
		}

		if err := m.CreateTenant(tenantID, &pipeline); err != nil {
			return fmt.Errorf("failed to initialize tenant %s: %w", tenantID, err)
		}
		loaded++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tenant rows: %w", err)
	}

	logger.Info("tenants loaded", "count", loaded)
	return nil
}

// CreateTenant builds and registers an engine for a tenant. The pipeline
// must already be validated and persisted; pass nil to use the default.
func (m *Manager) CreateTenant(tenantID string, pipeline *progression.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(tenantID, pipeline)
}

func (m *Manager) createLocked(tenantID string, pipeline *progression.Pipeline) error {
	if pipeline == nil {
		pipeline = progression.DefaultPipeline()
	}

	engine, err := progression.NewEngine(progression.Config{
		TenantID: tenantID,
		Pipeline: pipeline,
		Rules:    progression.NewPostgresRuleStore(m.db, tenantID),
		Leads:    progression.NewPostgresLeadStore(m.db, tenantID),
		Signals:  progression.NewPostgresLeadStore(m.db, tenantID),
		Audit:    progression.NewPostgresAuditSink(m.db, tenantID),
		Metrics:  m.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	m.engines[tenantID] = &TenantEngine{
		TenantID: tenantID,
		Pipeline: pipeline,
		Engine:   engine,
	}
	return nil
}

// GetEngine retrieves the engine for a tenant.
func (m *Manager) GetEngine(tenantID string) (*progression.Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	te, exists := m.engines[tenantID]
	if !exists {
		return nil, &progression.NotFoundError{Kind: "tenant", ID: tenantID}
	}
	return te.Engine, nil
}

// GetPipeline returns the pipeline definition a tenant's engine runs on.
func (m *Manager) GetPipeline(tenantID string) (*progression.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	te, exists := m.engines[tenantID]
	if !exists {
		return nil, &progression.NotFoundError{Kind: "tenant", ID: tenantID}
	}
	return te.Pipeline, nil
}

// UpdateTenantPipeline persists a new pipeline version for the tenant and
// swaps in a freshly built engine. The old engine's scheduler is stopped; if
// it was running, the replacement is started at the same interval so the
// change is hands-off for the tenant.
func (m *Manager) UpdateTenantPipeline(tenantID string, pipeline *progression.Pipeline) error {
	if err := ValidatePipeline(pipeline); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.engines[tenantID]

	if _, err := m.db.Exec(`
		UPDATE pipelines
		SET active = false
		WHERE tenant_id = $1
	`, tenantID); err != nil {
		return fmt.Errorf("failed to deactivate old pipelines: %w", err)
	}

	definitionJSON, err := json.Marshal(pipeline)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline: %w", err)
	}

	var newVersion int
	err = m.db.QueryRow(`
		INSERT INTO pipelines (tenant_id, version, definition, active, created_at)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, true, NOW()
		FROM pipelines
		WHERE tenant_id = $1
		RETURNING version
	`, tenantID, definitionJSON).Scan(&newVersion)
	if err != nil {
		return fmt.Errorf("failed to save new pipeline: %w", err)
	}

	// Carry the scheduler state across the swap before stopping the old
	// engine.
	var runningInterval int
	if exists {
		stats := existing.Engine.Stats()
		if stats.IsRunning {
			runningInterval = int(stats.IntervalMs / 60000)
		}
		existing.Engine.Stop()
	}

	if err := m.createLocked(tenantID, pipeline); err != nil {
		return err
	}

	if runningInterval > 0 {
		if err := m.engines[tenantID].Engine.Start(runningInterval); err != nil {
			return err
		}
	}

	logger.Info("tenant pipeline updated", "tenant", tenantID, "version", newVersion)
	return nil
}

// ListTenants returns all loaded tenant IDs.
func (m *Manager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]string, 0, len(m.engines))
	for tenantID := range m.engines {
		tenants = append(tenants, tenantID)
	}
	return tenants
}

// DeleteTenant stops a tenant's engine and drops it from the map. Database
// rows are left alone.
func (m *Manager) DeleteTenant(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	te, exists := m.engines[tenantID]
	if !exists {
		return &progression.NotFoundError{Kind: "tenant", ID: tenantID}
	}

	te.Engine.Stop()
	delete(m.engines, tenantID)
	return nil
}

// StopAll stops every engine's scheduler. Called on graceful shutdown;
// sweeps in flight finish on their own.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, te := range m.engines {
		te.Engine.Stop()
	}
}
