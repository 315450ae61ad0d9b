package multitenant

import (
	"strings"
	"testing"

	"github.com/liamcoop/pipeline/progression"
)

func pipelineOf(stages ...progression.StageDef) *progression.Pipeline {
	return &progression.Pipeline{Stages: stages}
}

func TestValidatePipeline_NilOrEmpty(t *testing.T) {
	for _, p := range []*progression.Pipeline{nil, {}, pipelineOf()} {
		err := ValidatePipeline(p)
		if err == nil {
			t.Error("Expected error for empty pipeline, got nil")
		}
		if err != nil && !progression.IsValidation(err) {
			t.Errorf("Expected ValidationError, got: %v", err)
		}
	}
}

func TestValidatePipeline_Valid(t *testing.T) {
	p := pipelineOf(
		progression.StageDef{Name: "new"},
		progression.StageDef{Name: "contacted"},
		progression.StageDef{Name: "qualified"},
		progression.StageDef{Name: "won", Terminal: true},
		progression.StageDef{Name: "lost", Terminal: true},
	)

	if err := ValidatePipeline(p); err != nil {
		t.Errorf("Expected valid pipeline to pass, got error: %v", err)
	}
}

func TestValidatePipeline_DefaultPipeline(t *testing.T) {
	if err := ValidatePipeline(progression.DefaultPipeline()); err != nil {
		t.Errorf("Default pipeline failed validation: %v", err)
	}
}

func TestValidatePipeline_DuplicateStage(t *testing.T) {
	p := pipelineOf(
		progression.StageDef{Name: "new"},
		progression.StageDef{Name: "new"},
		progression.StageDef{Name: "won", Terminal: true},
	)

	err := ValidatePipeline(p)
	if err == nil {
		t.Fatal("Expected error for duplicate stage, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("Expected error message about duplicate stage, got: %v", err)
	}
}

func TestValidatePipeline_NeedsNonTerminalStage(t *testing.T) {
	p := pipelineOf(
		progression.StageDef{Name: "won", Terminal: true},
		progression.StageDef{Name: "lost", Terminal: true},
	)

	err := ValidatePipeline(p)
	if err == nil {
		t.Fatal("Expected error for all-terminal pipeline, got nil")
	}
	if !strings.Contains(err.Error(), "non-terminal") {
		t.Errorf("Expected error message about non-terminal stages, got: %v", err)
	}
}

func TestValidatePipeline_NeedsTerminalStage(t *testing.T) {
	p := pipelineOf(
		progression.StageDef{Name: "new"},
		progression.StageDef{Name: "contacted"},
	)

	err := ValidatePipeline(p)
	if err == nil {
		t.Fatal("Expected error for pipeline without a terminal stage, got nil")
	}
	if !strings.Contains(err.Error(), "terminal") {
		t.Errorf("Expected error message about terminal stages, got: %v", err)
	}
}

func TestValidatePipeline_StageNames(t *testing.T) {
	tests := []struct {
		name      string
		stageName string
		shouldErr bool
	}{
		{"simple lowercase", "new", false},
		{"with digits", "stage2", false},
		{"with underscore", "in_review", false},
		{"single char", "a", false},
		{"max length 100", strings.Repeat("a", 100), false},
		{"too long 101", strings.Repeat("a", 101), true},
		{"empty", "", true},
		{"uppercase", "New", true},
		{"starts with digit", "2nd_touch", true},
		{"starts with underscore", "_hidden", true},
		{"contains hyphen", "follow-up", true},
		{"contains space", "in review", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := pipelineOf(
				progression.StageDef{Name: progression.Stage(tt.stageName)},
				progression.StageDef{Name: "done", Terminal: true},
			)

			err := ValidatePipeline(p)
			if tt.shouldErr && err == nil {
				t.Errorf("Expected error for stage name %q, got nil", tt.stageName)
			}
			if !tt.shouldErr && err != nil {
				t.Errorf("Expected stage name %q to be valid, got: %v", tt.stageName, err)
			}
		})
	}
}

func TestValidatePipeline_StageCountBoundaries(t *testing.T) {
	build := func(n int) *progression.Pipeline {
		p := &progression.Pipeline{}
		for i := 0; i < n-1; i++ {
			name := "stage_" + string(rune('a'+i%26)) + string(rune('0'+i/26))
			p.Stages = append(p.Stages, progression.StageDef{Name: progression.Stage(name)})
		}
		p.Stages = append(p.Stages, progression.StageDef{Name: "done", Terminal: true})
		return p
	}

	t.Run("exactly 50 stages", func(t *testing.T) {
		if err := ValidatePipeline(build(50)); err != nil {
			t.Errorf("Expected 50 stages to be valid, got error: %v", err)
		}
	})

	t.Run("51 stages", func(t *testing.T) {
		err := ValidatePipeline(build(51))
		if err == nil {
			t.Fatal("Expected error for 51 stages, got nil")
		}
		if !strings.Contains(err.Error(), "50") {
			t.Errorf("Expected error message about the 50 stage maximum, got: %v", err)
		}
	})
}

func TestValidatePipeline_NoPanic(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("ValidatePipeline panicked: %v", r)
		}
	}()

	inputs := []*progression.Pipeline{
		nil,
		{},
		pipelineOf(progression.StageDef{}),
		pipelineOf(progression.StageDef{Name: ""}),
	}
	for _, p := range inputs {
		_ = ValidatePipeline(p)
	}
}

func BenchmarkValidatePipeline(b *testing.B) {
	p := progression.DefaultPipeline()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ValidatePipeline(p)
	}
}
