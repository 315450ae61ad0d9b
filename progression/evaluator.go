package progression

import "time"

// Evaluator selects at most one transition for a lead from a rule snapshot.
// Selection is a pure function of its inputs: identical (stage, signals,
// now, rules) always yields the identical decision, which is what makes
// replay and idempotence testing possible.
type Evaluator struct {
	pipeline *Pipeline
}

// NewEvaluator creates an evaluator bound to a pipeline definition.
func NewEvaluator(pipeline *Pipeline) *Evaluator {
	if pipeline == nil {
		pipeline = DefaultPipeline()
	}
	return &Evaluator{pipeline: pipeline}
}

// Select returns the transition to apply for a lead, or nil when no enabled
// rule matches. The reference time is fixed by the caller at sweep start so
// every lead in a sweep sees the same clock.
//
// Matching rules are ranked by Priority (higher wins); ties are broken by
// the lowest rule ID so the outcome never depends on list order.
func (ev *Evaluator) Select(stage Stage, signals Signals, now time.Time, rules []*Rule) *Decision {
	if ev.pipeline.IsTerminal(stage) {
		return nil
	}

	values := signals.Values(now)

	var best *Rule
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if r.FromStage != "" && r.FromStage != stage {
			continue
		}
		// A rule that would leave the lead where it is never fires.
		if r.ToStage == stage {
			continue
		}
		if !matchCondition(r.Condition, values) {
			continue
		}
		if best == nil || r.Priority > best.Priority ||
			(r.Priority == best.Priority && r.ID < best.ID) {
			best = r
		}
	}

	if best == nil {
		return nil
	}
	return &Decision{RuleID: best.ID, ToStage: best.ToStage}
}

// matchCondition evaluates a conjunction of comparisons. An empty
// conjunction matches everything; an unknown field matches nothing.
func matchCondition(c Condition, values map[string]float64) bool {
	for _, cmp := range c.All {
		v, ok := values[cmp.Field]
		if !ok {
			return false
		}
		if !compare(v, cmp.Op, cmp.Value) {
			return false
		}
	}
	return true
}

func compare(v float64, op Operator, want float64) bool {
	switch op {
	case OpGTE:
		return v >= want
	case OpLTE:
		return v <= want
	case OpEQ:
		return v == want
	case OpNEQ:
		return v != want
	default:
		return false
	}
}
