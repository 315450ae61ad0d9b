package progression

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL, scoped to one
// tenant. Conditions are stored as JSONB.
type PostgresRuleStore struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresRuleStore creates a PostgreSQL-backed RuleStore for a tenant.
func NewPostgresRuleStore(db *sql.DB, tenantID string) *PostgresRuleStore {
	return &PostgresRuleStore{db: db, tenantID: tenantID}
}

// Create inserts a new rule.
func (s *PostgresRuleStore) Create(rule *Rule) error {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM rules WHERE id = $1 AND tenant_id = $2)
	`, rule.ID, s.tenantID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return validationf("rule with ID %s already exists", rule.ID)
	}

	conditionJSON, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("failed to marshal condition: %w", err)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO rules (id, tenant_id, name, enabled, priority, from_stage, to_stage, condition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rule.ID, s.tenantID, rule.Name, rule.Enabled, rule.Priority,
		nullableStage(rule.FromStage), string(rule.ToStage), conditionJSON,
		rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// Get retrieves a rule by ID.
func (s *PostgresRuleStore) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`
		SELECT id, name, enabled, priority, from_stage, to_stage, condition, created_at, updated_at
		FROM rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)

	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "rule", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns every rule for the tenant.
func (s *PostgresRuleStore) List() ([]*Rule, error) {
	return s.list(`
		SELECT id, name, enabled, priority, from_stage, to_stage, condition, created_at, updated_at
		FROM rules
		WHERE tenant_id = $1
		ORDER BY created_at ASC
	`)
}

// ListEnabled returns the rules a sweep should evaluate.
func (s *PostgresRuleStore) ListEnabled() ([]*Rule, error) {
	return s.list(`
		SELECT id, name, enabled, priority, from_stage, to_stage, condition, created_at, updated_at
		FROM rules
		WHERE tenant_id = $1 AND enabled = true
		ORDER BY created_at ASC
	`)
}

func (s *PostgresRuleStore) list(query string) ([]*Rule, error) {
	rows, err := s.db.Query(query, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return out, nil
}

// Update modifies an existing rule.
func (s *PostgresRuleStore) Update(rule *Rule) error {
	conditionJSON, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("failed to marshal condition: %w", err)
	}

	rule.UpdatedAt = time.Now()

	result, err := s.db.Exec(`
		UPDATE rules
		SET name = $1, enabled = $2, priority = $3, from_stage = $4, to_stage = $5, condition = $6, updated_at = $7
		WHERE id = $8 AND tenant_id = $9
	`, rule.Name, rule.Enabled, rule.Priority, nullableStage(rule.FromStage),
		string(rule.ToStage), conditionJSON, rule.UpdatedAt, rule.ID, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	return requireRow(result, &NotFoundError{Kind: "rule", ID: rule.ID})
}

// Disable marks a rule disabled.
func (s *PostgresRuleStore) Disable(id string) error {
	result, err := s.db.Exec(`
		UPDATE rules
		SET enabled = false, updated_at = $1
		WHERE id = $2 AND tenant_id = $3
	`, time.Now(), id, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to disable rule: %w", err)
	}
	return requireRow(result, &NotFoundError{Kind: "rule", ID: id})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var rule Rule
	var fromStage sql.NullString
	var toStage string
	var conditionJSON []byte

	err := row.Scan(&rule.ID, &rule.Name, &rule.Enabled, &rule.Priority,
		&fromStage, &toStage, &conditionJSON, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if fromStage.Valid {
		rule.FromStage = Stage(fromStage.String)
	}
	rule.ToStage = Stage(toStage)
	if err := json.Unmarshal(conditionJSON, &rule.Condition); err != nil {
		return nil, fmt.Errorf("invalid condition for rule %s: %w", rule.ID, err)
	}
	return &rule, nil
}

func nullableStage(stage Stage) sql.NullString {
	if stage == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(stage), Valid: true}
}

func requireRow(result sql.Result, missing error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return missing
	}
	return nil
}

// PostgresLeadStore implements LeadStore and SignalProvider against the
// leads table, scoped to one tenant. The signal columns are written by the
// external AI analysis pipeline; this store only ever reads them.
type PostgresLeadStore struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresLeadStore creates a PostgreSQL-backed lead store for a tenant.
func NewPostgresLeadStore(db *sql.DB, tenantID string) *PostgresLeadStore {
	return &PostgresLeadStore{db: db, tenantID: tenantID}
}

// ListActiveLeads returns the IDs of every non-archived lead.
func (s *PostgresLeadStore) ListActiveLeads(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM leads
		WHERE tenant_id = $1 AND archived = false
		ORDER BY created_at ASC
	`, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list leads: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan lead id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating leads: %w", err)
	}
	return ids, nil
}

// WriteStage moves a lead to a new pipeline stage.
func (s *PostgresLeadStore) WriteStage(ctx context.Context, leadID string, stage Stage) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE leads
		SET stage = $1, updated_at = $2
		WHERE id = $3 AND tenant_id = $4
	`, string(stage), time.Now(), leadID, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to write stage: %w", err)
	}
	return requireRow(result, &NotFoundError{Kind: "lead", ID: leadID})
}

// GetSignals reads a lead's stage and signal columns.
func (s *PostgresLeadStore) GetSignals(ctx context.Context, leadID string) (*LeadState, error) {
	var state LeadState
	var stage string
	var lastContactedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, stage, qualification_score, sentiment, last_contacted_at, created_at
		FROM leads
		WHERE id = $1 AND tenant_id = $2
	`, leadID, s.tenantID).Scan(
		&state.LeadID,
		&stage,
		&state.Signals.QualificationScore,
		&state.Signals.Sentiment,
		&lastContactedAt,
		&state.Signals.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "lead", ID: leadID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead signals: %w", err)
	}

	state.Stage = Stage(stage)
	if lastContactedAt.Valid {
		t := lastContactedAt.Time
		state.Signals.LastContactedAt = &t
	}
	return &state, nil
}

// PostgresAuditSink implements AuditSink against the transitions table,
// scoped to one tenant. A unique index on (tenant_id, lead_id, sweep_id)
// backs the one-transition-per-sweep invariant at the storage level too.
type PostgresAuditSink struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresAuditSink creates a PostgreSQL-backed audit sink for a tenant.
func NewPostgresAuditSink(db *sql.DB, tenantID string) *PostgresAuditSink {
	return &PostgresAuditSink{db: db, tenantID: tenantID}
}

// Append inserts a transition record.
func (s *PostgresAuditSink) Append(ctx context.Context, record *TransitionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (id, tenant_id, lead_id, from_stage, to_stage, rule_id, sweep_id, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, record.ID, s.tenantID, record.LeadID, string(record.FromStage),
		string(record.ToStage), record.RuleID, record.SweepID, record.AppliedAt)
	if err != nil {
		return fmt.Errorf("failed to append transition record: %w", err)
	}
	return nil
}

// Find returns the record for (leadID, sweepID), nil when absent.
func (s *PostgresAuditSink) Find(ctx context.Context, leadID, sweepID string) (*TransitionRecord, error) {
	record, err := scanTransition(s.db.QueryRowContext(ctx, `
		SELECT id, lead_id, from_stage, to_stage, rule_id, sweep_id, applied_at
		FROM transitions
		WHERE tenant_id = $1 AND lead_id = $2 AND sweep_id = $3
	`, s.tenantID, leadID, sweepID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transition record: %w", err)
	}
	return record, nil
}

// ListByLead returns a lead's transition history, oldest first.
func (s *PostgresAuditSink) ListByLead(ctx context.Context, leadID string) ([]*TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lead_id, from_stage, to_stage, rule_id, sweep_id, applied_at
		FROM transitions
		WHERE tenant_id = $1 AND lead_id = $2
		ORDER BY applied_at ASC
	`, s.tenantID, leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transition records: %w", err)
	}
	defer rows.Close()

	var out []*TransitionRecord
	for rows.Next() {
		record, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition record: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transition records: %w", err)
	}
	return out, nil
}

func scanTransition(row rowScanner) (*TransitionRecord, error) {
	var record TransitionRecord
	var fromStage, toStage string
	err := row.Scan(&record.ID, &record.LeadID, &fromStage, &toStage,
		&record.RuleID, &record.SweepID, &record.AppliedAt)
	if err != nil {
		return nil, err
	}
	record.FromStage = Stage(fromStage)
	record.ToStage = Stage(toStage)
	return &record, nil
}
