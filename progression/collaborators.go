package progression

import "context"

// LeadStore is the engine's window onto the external lead records. The
// engine reads identity and writes stage; everything else about a lead
// belongs to the CRM proper.
type LeadStore interface {
	// ListActiveLeads returns the IDs of every lead eligible for a sweep.
	ListActiveLeads(ctx context.Context) ([]string, error)

	// WriteStage moves a lead to a new pipeline stage.
	WriteStage(ctx context.Context, leadID string, stage Stage) error
}

// SignalProvider supplies the current stage and AI-derived signals for a
// lead. The engine only reads from it.
type SignalProvider interface {
	GetSignals(ctx context.Context, leadID string) (*LeadState, error)
}

// AuditSink owns the append-only transition trail. Records are never
// updated or deleted by the engine.
type AuditSink interface {
	// Append stores a new transition record.
	Append(ctx context.Context, record *TransitionRecord) error

	// Find returns the record for (leadID, sweepID), or nil when none
	// exists.
	Find(ctx context.Context, leadID, sweepID string) (*TransitionRecord, error)

	// ListByLead returns a lead's transition history, oldest first.
	ListByLead(ctx context.Context, leadID string) ([]*TransitionRecord, error)
}
