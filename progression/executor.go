package progression

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/pipeline/internal/logger"
)

// TransitionExecutor applies an evaluator decision to a lead: it writes the
// new stage, appends the audit record, and keeps the pair idempotent per
// (lead, sweep).
type TransitionExecutor struct {
	leads LeadStore
	audit AuditSink
}

// NewTransitionExecutor wires an executor to the lead store and audit sink.
func NewTransitionExecutor(leads LeadStore, audit AuditSink) *TransitionExecutor {
	return &TransitionExecutor{leads: leads, audit: audit}
}

// Apply executes a decision for one lead within one sweep. The applied
// return reports whether this call wrote the transition; a replay returns
// the existing record with applied=false.
//
// If a record for (leadID, sweepID) already exists, that record is returned
// unchanged and nothing is written: replaying the same decision is benign.
// Otherwise the stage write happens first, then the audit append. The stage
// write is the source of truth; a failed audit append is retried once and
// then surfaced as a PersistenceError alongside the record that should have
// been written, so the caller can report the inconsistency instead of
// silently losing it.
func (x *TransitionExecutor) Apply(ctx context.Context, leadID string, from Stage, decision *Decision, sweepID string) (record *TransitionRecord, applied bool, err error) {
	existing, err := x.audit.Find(ctx, leadID, sweepID)
	if err != nil {
		return nil, false, &PersistenceError{Op: "lookup transition record", Err: err}
	}
	if existing != nil {
		return existing, false, nil
	}

	if err := x.leads.WriteStage(ctx, leadID, decision.ToStage); err != nil {
		return nil, false, &PersistenceError{Op: fmt.Sprintf("write stage %s for lead %s", decision.ToStage, leadID), Err: err}
	}

	record = &TransitionRecord{
		ID:        uuid.NewString(),
		LeadID:    leadID,
		FromStage: from,
		ToStage:   decision.ToStage,
		RuleID:    decision.RuleID,
		SweepID:   sweepID,
		AppliedAt: time.Now(),
	}

	if err := x.audit.Append(ctx, record); err != nil {
		// Stage write is already committed; retry the audit append once
		// before giving up.
		if retryErr := x.audit.Append(ctx, record); retryErr != nil {
			logger.Error("transition applied but audit record lost",
				"leadId", leadID,
				"sweepId", sweepID,
				"toStage", decision.ToStage,
				"error", retryErr)
			return record, true, &PersistenceError{Op: "append transition record", Err: retryErr}
		}
	}

	return record, true, nil
}
