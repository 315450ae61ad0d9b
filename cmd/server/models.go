package main

import (
	"time"

	"github.com/liamcoop/pipeline/progression"
)

// API request and response models.

// CreateTenantRequest creates a tenant; Pipeline is optional and defaults to
// the stock sales pipeline.
type CreateTenantRequest struct {
	Name     string                `json:"name" example:"Acme Corp"`
	Pipeline *progression.Pipeline `json:"pipeline,omitempty"`
} // @name CreateTenantRequest

// TenantResponse represents a tenant in API responses.
type TenantResponse struct {
	ID        string    `json:"id" example:"123e4567-e89b-12d3-a456-426614174000"`
	Name      string    `json:"name" example:"Acme Corp"`
	CreatedAt time.Time `json:"createdAt" example:"2025-01-15T10:30:00Z"`
	UpdatedAt time.Time `json:"updatedAt" example:"2025-01-15T10:30:00Z"`
} // @name TenantResponse

// UpdatePipelineRequest replaces a tenant's pipeline definition.
type UpdatePipelineRequest struct {
	Definition *progression.Pipeline `json:"definition"`
} // @name UpdatePipelineRequest

// PipelineResponse represents a pipeline in API responses.
type PipelineResponse struct {
	Version    int                   `json:"version" example:"1"`
	Definition *progression.Pipeline `json:"definition"`
} // @name PipelineResponse

// CreateRuleRequest creates or replaces a progression rule.
type CreateRuleRequest struct {
	Name      string                `json:"name" example:"Promote hot leads"`
	Enabled   bool                  `json:"enabled" example:"true"`
	Priority  int                   `json:"priority" example:"10"`
	FromStage progression.Stage     `json:"fromStage,omitempty" example:"new"`
	ToStage   progression.Stage     `json:"toStage" example:"qualified"`
	Condition progression.Condition `json:"condition"`
} // @name CreateRuleRequest

// StartEngineRequest starts periodic sweeps for a tenant.
type StartEngineRequest struct {
	IntervalMinutes int `json:"intervalMinutes" example:"15"`
} // @name StartEngineRequest

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error" example:"validation failed: toStage is required"`
	Details string `json:"details,omitempty"`
} // @name ErrorResponse

func ruleResponse(rule *progression.Rule, id string) map[string]any {
	return map[string]any{
		"id":        id,
		"name":      rule.Name,
		"enabled":   rule.Enabled,
		"priority":  rule.Priority,
		"fromStage": rule.FromStage,
		"toStage":   rule.ToStage,
		"condition": rule.Condition,
	}
}
