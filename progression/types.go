package progression

import "time"

// Stage is a named position in a tenant's lead pipeline.
type Stage string

// Default pipeline stages. Tenants may define their own set; these are used
// when a tenant has no pipeline definition of its own.
const (
	StageNew         Stage = "new"
	StageContacted   Stage = "contacted"
	StageQualified   Stage = "qualified"
	StageNegotiating Stage = "negotiating"
	StageWon         Stage = "won"
	StageLost        Stage = "lost"
)

// StageDef describes one stage in a pipeline definition. Terminal stages are
// never auto-progressed away from.
type StageDef struct {
	Name     Stage `json:"name"`
	Terminal bool  `json:"terminal,omitempty"`
}

// Pipeline is a tenant's ordered stage set.
type Pipeline struct {
	Stages []StageDef `json:"stages"`
}

// DefaultPipeline returns the stock sales pipeline.
func DefaultPipeline() *Pipeline {
	return &Pipeline{Stages: []StageDef{
		{Name: StageNew},
		{Name: StageContacted},
		{Name: StageQualified},
		{Name: StageNegotiating},
		{Name: StageWon, Terminal: true},
		{Name: StageLost, Terminal: true},
	}}
}

// Contains reports whether the stage is part of the pipeline.
func (p *Pipeline) Contains(stage Stage) bool {
	for _, s := range p.Stages {
		if s.Name == stage {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the stage is terminal. Unknown stages are
// treated as terminal so a lead in an unrecognized stage is left alone.
func (p *Pipeline) IsTerminal(stage Stage) bool {
	for _, s := range p.Stages {
		if s.Name == stage {
			return s.Terminal
		}
	}
	return true
}

// NonTerminalStages returns the stages a lead can be auto-progressed from.
func (p *Pipeline) NonTerminalStages() []Stage {
	var out []Stage
	for _, s := range p.Stages {
		if !s.Terminal {
			out = append(out, s.Name)
		}
	}
	return out
}

// Signal field names usable in rule conditions. Temporal signals are
// materialized to whole-day counts before comparison so conditions stay
// plain numeric comparisons.
const (
	FieldQualificationScore = "qualification_score"
	FieldSentiment          = "sentiment"
	FieldDaysSinceContact   = "days_since_contact"
	FieldDaysSinceCreated   = "days_since_created"
)

// Signals are the AI-derived attributes of a lead the engine reads. The
// engine never computes these; an external analysis pipeline owns them.
type Signals struct {
	QualificationScore float64    `json:"qualificationScore"`
	Sentiment          float64    `json:"sentiment"`
	LastContactedAt    *time.Time `json:"lastContactedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// Values materializes the signals into comparable numbers at a fixed
// reference time. A lead that has never been contacted counts its staleness
// from creation.
func (s Signals) Values(now time.Time) map[string]float64 {
	contactRef := s.CreatedAt
	if s.LastContactedAt != nil {
		contactRef = *s.LastContactedAt
	}
	return map[string]float64{
		FieldQualificationScore: s.QualificationScore,
		FieldSentiment:          s.Sentiment,
		FieldDaysSinceContact:   daysBetween(contactRef, now),
		FieldDaysSinceCreated:   daysBetween(s.CreatedAt, now),
	}
}

func daysBetween(from, to time.Time) float64 {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return float64(int(d.Hours() / 24))
}

// LeadState is what the SignalProvider reports for one lead: where it sits
// in the pipeline and its current signals.
type LeadState struct {
	LeadID  string  `json:"leadId"`
	Stage   Stage   `json:"stage"`
	Signals Signals `json:"signals"`
}

// Operator is a comparison operator in a rule condition.
type Operator string

const (
	OpGTE Operator = ">="
	OpLTE Operator = "<="
	OpEQ  Operator = "=="
	OpNEQ Operator = "!="
)

// Comparison is a single field/operator/value test against a lead's signals.
type Comparison struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value float64  `json:"value"`
}

// Condition is a conjunction of comparisons. It is data, not code: stored
// as-is, validated up front, and replayed deterministically.
type Condition struct {
	All []Comparison `json:"all"`
}

// Rule maps a condition to a candidate stage transition. Higher Priority
// wins when several rules match; ties fall back to the lowest rule ID.
type Rule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Priority  int       `json:"priority"`
	FromStage Stage     `json:"fromStage,omitempty"` // empty = any non-terminal stage
	ToStage   Stage     `json:"toStage"`
	Condition Condition `json:"condition"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Decision is the evaluator's chosen transition for one lead in one sweep.
type Decision struct {
	RuleID  string `json:"ruleId"`
	ToStage Stage  `json:"toStage"`
}

// TransitionRecord is one row of the append-only audit trail. At most one
// record exists per (leadID, sweepID).
type TransitionRecord struct {
	ID        string    `json:"id"`
	LeadID    string    `json:"leadId"`
	FromStage Stage     `json:"fromStage"`
	ToStage   Stage     `json:"toStage"`
	RuleID    string    `json:"ruleId"`
	SweepID   string    `json:"sweepId"`
	AppliedAt time.Time `json:"appliedAt"`
}

// SweepError records a single lead's failure inside an otherwise healthy
// sweep.
type SweepError struct {
	LeadID  string `json:"leadId"`
	Message string `json:"message"`
}

// SweepResult summarizes one full pass over the active leads.
type SweepResult struct {
	SweepID           string       `json:"sweepId"`
	StartedAt         time.Time    `json:"startedAt"`
	Duration          string       `json:"duration"`
	Skipped           bool         `json:"skipped"` // guard was held by another sweep
	LeadsEvaluated    int          `json:"leadsEvaluated"`
	LeadsTransitioned int          `json:"leadsTransitioned"`
	LeadsSkipped      int          `json:"leadsSkipped"`
	Errors            []SweepError `json:"errors,omitempty"`
}

// EngineStats is a read-only snapshot of the engine's lifecycle state and
// the last completed sweep.
type EngineStats struct {
	IsRunning          bool         `json:"isRunning"`
	IntervalMs         int64        `json:"intervalMs"`
	LastSweepStartedAt *time.Time   `json:"lastSweepStartedAt,omitempty"`
	LastSweepStats     *SweepResult `json:"lastSweepStats,omitempty"`
	TotalSweeps        int64        `json:"totalSweeps"`
	SkippedSweeps      int64        `json:"skippedSweeps"`
}
