package multitenant

import (
	"fmt"
	"regexp"

	"github.com/liamcoop/pipeline/progression"
)

const (
	maxStages         = 50
	maxStageNameChars = 100
)

var validStageName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidatePipeline validates a tenant pipeline definition before it is
// persisted or handed to an engine.
//
// A usable pipeline needs at least one stage leads can sit in and progress
// from, at least one terminal stage for them to land in, and unambiguous
// stage names.
func ValidatePipeline(p *progression.Pipeline) error {
	if p == nil || len(p.Stages) == 0 {
		return validationError("pipeline must contain at least one stage")
	}
	if len(p.Stages) > maxStages {
		return validationErrorf("pipeline contains %d stages, maximum allowed is %d", len(p.Stages), maxStages)
	}

	seen := make(map[progression.Stage]bool, len(p.Stages))
	nonTerminal := 0
	terminal := 0

	for _, s := range p.Stages {
		if err := validateStageName(string(s.Name)); err != nil {
			return err
		}
		if seen[s.Name] {
			return validationErrorf("duplicate stage %q", s.Name)
		}
		seen[s.Name] = true

		if s.Terminal {
			terminal++
		} else {
			nonTerminal++
		}
	}

	if nonTerminal == 0 {
		return validationError("pipeline needs at least one non-terminal stage for leads to progress from")
	}
	if terminal == 0 {
		return validationError("pipeline needs at least one terminal stage for leads to land in")
	}
	return nil
}

func validateStageName(name string) error {
	if name == "" {
		return validationError("stage name cannot be empty")
	}
	if len(name) > maxStageNameChars {
		return validationErrorf("stage name %q exceeds %d characters", name, maxStageNameChars)
	}
	if !validStageName.MatchString(name) {
		return validationErrorf("stage name %q must be lowercase and match ^[a-z][a-z0-9_]*$", name)
	}
	return nil
}

func validationError(msg string) error {
	return &progression.ValidationError{Msg: msg}
}

func validationErrorf(format string, args ...any) error {
	return &progression.ValidationError{Msg: fmt.Sprintf(format, args...)}
}
