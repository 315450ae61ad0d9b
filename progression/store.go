package progression

import (
	"sync"
	"time"
)

// RuleStore manages progression rule persistence and retrieval. All
// operations are synchronous with respect to the caller; the engine reads
// one snapshot per sweep, so edits made while a sweep runs only take effect
// on the next sweep.
type RuleStore interface {
	// Create stores a new rule.
	Create(rule *Rule) error

	// Get retrieves a rule by ID.
	Get(id string) (*Rule, error)

	// List returns every rule, enabled or not.
	List() ([]*Rule, error)

	// ListEnabled returns the rules the evaluator should consider.
	ListEnabled() ([]*Rule, error)

	// Update replaces an existing rule.
	Update(rule *Rule) error

	// Disable marks a rule as disabled without removing its history.
	Disable(id string) error
}

// ValidateRule checks a rule definition against a pipeline before storage.
func ValidateRule(r *Rule, pipeline *Pipeline) error {
	if r.Name == "" {
		return validationf("rule name is required")
	}
	if r.ToStage == "" {
		return validationf("toStage is required")
	}
	if !pipeline.Contains(r.ToStage) {
		return validationf("toStage %q is not a pipeline stage", r.ToStage)
	}
	if r.FromStage != "" {
		if !pipeline.Contains(r.FromStage) {
			return validationf("fromStage %q is not a pipeline stage", r.FromStage)
		}
		if pipeline.IsTerminal(r.FromStage) {
			return validationf("fromStage %q is terminal and can never progress", r.FromStage)
		}
		if r.FromStage == r.ToStage {
			return validationf("toStage must differ from fromStage %q", r.FromStage)
		}
	} else {
		// Unrestricted rules apply from any non-terminal stage; the target
		// must leave at least one stage the rule can actually move.
		movable := false
		for _, s := range pipeline.NonTerminalStages() {
			if s != r.ToStage {
				movable = true
				break
			}
		}
		if !movable {
			return validationf("toStage %q equals every possible fromStage", r.ToStage)
		}
	}
	for _, cmp := range r.Condition.All {
		switch cmp.Field {
		case FieldQualificationScore, FieldSentiment, FieldDaysSinceContact, FieldDaysSinceCreated:
		default:
			return validationf("unknown condition field %q", cmp.Field)
		}
		switch cmp.Op {
		case OpGTE, OpLTE, OpEQ, OpNEQ:
		default:
			return validationf("unknown operator %q", cmp.Op)
		}
	}
	return nil
}

// InMemoryRuleStore implements RuleStore with a mutex-guarded map. Used in
// tests and single-process deployments without a database.
type InMemoryRuleStore struct {
	rules map[string]*Rule
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates an empty in-memory rule store.
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{rules: make(map[string]*Rule)}
}

// Create stores a new rule, rejecting duplicate IDs.
func (s *InMemoryRuleStore) Create(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return validationf("rule with ID %s already exists", rule.ID)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

// Get retrieves a rule by ID.
func (s *InMemoryRuleStore) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, &NotFoundError{Kind: "rule", ID: id}
	}
	return cloneRule(rule), nil
}

// List returns all rules.
func (s *InMemoryRuleStore) List() ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		out = append(out, cloneRule(rule))
	}
	return out, nil
}

// ListEnabled returns only enabled rules.
func (s *InMemoryRuleStore) ListEnabled() ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, rule := range s.rules {
		if rule.Enabled {
			out = append(out, cloneRule(rule))
		}
	}
	return out, nil
}

// Update replaces an existing rule, preserving its creation timestamp.
func (s *InMemoryRuleStore) Update(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return &NotFoundError{Kind: "rule", ID: rule.ID}
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

// Disable marks a rule disabled.
func (s *InMemoryRuleStore) Disable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return &NotFoundError{Kind: "rule", ID: id}
	}
	rule.Enabled = false
	rule.UpdatedAt = time.Now()
	return nil
}

// cloneRule copies a rule so callers never share mutable state with the
// store. Conditions are copied too; a snapshot taken at sweep start must not
// change under a concurrent edit.
func cloneRule(r *Rule) *Rule {
	c := *r
	c.Condition.All = make([]Comparison, len(r.Condition.All))
	copy(c.Condition.All, r.Condition.All)
	return &c
}
