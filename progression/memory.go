package progression

import (
	"context"
	"sort"
	"sync"
)

// InMemoryLeadStore implements LeadStore and SignalProvider over a
// mutex-guarded map. Used in tests and single-process deployments.
type InMemoryLeadStore struct {
	leads map[string]*LeadState
	mu    sync.RWMutex
}

// NewInMemoryLeadStore creates an empty lead store.
func NewInMemoryLeadStore() *InMemoryLeadStore {
	return &InMemoryLeadStore{leads: make(map[string]*LeadState)}
}

// Put inserts or replaces a lead's state.
func (s *InMemoryLeadStore) Put(state *LeadState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *state
	s.leads[state.LeadID] = &copied
}

// ListActiveLeads returns all lead IDs in a stable order.
func (s *InMemoryLeadStore) ListActiveLeads(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.leads))
	for id := range s.leads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// WriteStage moves a lead to a new stage.
func (s *InMemoryLeadStore) WriteStage(ctx context.Context, leadID string, stage Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, exists := s.leads[leadID]
	if !exists {
		return &NotFoundError{Kind: "lead", ID: leadID}
	}
	lead.Stage = stage
	return nil
}

// GetSignals returns a copy of the lead's current state.
func (s *InMemoryLeadStore) GetSignals(ctx context.Context, leadID string) (*LeadState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lead, exists := s.leads[leadID]
	if !exists {
		return nil, &NotFoundError{Kind: "lead", ID: leadID}
	}
	copied := *lead
	return &copied, nil
}

// InMemoryAuditSink implements AuditSink over an append-only slice.
type InMemoryAuditSink struct {
	records []*TransitionRecord
	mu      sync.RWMutex
}

// NewInMemoryAuditSink creates an empty audit sink.
func NewInMemoryAuditSink() *InMemoryAuditSink {
	return &InMemoryAuditSink{}
}

// Append stores a record.
func (s *InMemoryAuditSink) Append(ctx context.Context, record *TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	s.records = append(s.records, &copied)
	return nil
}

// Find returns the record for (leadID, sweepID), nil when absent.
func (s *InMemoryAuditSink) Find(ctx context.Context, leadID, sweepID string) (*TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.records {
		if r.LeadID == leadID && r.SweepID == sweepID {
			copied := *r
			return &copied, nil
		}
	}
	return nil, nil
}

// ListByLead returns a lead's transitions in append order.
func (s *InMemoryAuditSink) ListByLead(ctx context.Context, leadID string) ([]*TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TransitionRecord
	for _, r := range s.records {
		if r.LeadID == leadID {
			copied := *r
			out = append(out, &copied)
		}
	}
	return out, nil
}

// Len returns the total number of audit records.
func (s *InMemoryAuditSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
