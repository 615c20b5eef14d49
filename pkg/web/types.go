// Package web provides HTTP request and response types for the workflow API.
package web

import "github.com/dukex/stepflow/pkg/models"

// CreateWorkflowRequest represents the request body for submitting a workflow.
type CreateWorkflowRequest struct {
	ClientID   string                     `json:"client_id"  validate:"required"`
	Definition *models.WorkflowDefinition `json:"definition" validate:"required"`
}

// WorkflowsResponse wraps the workflow listing.
type WorkflowsResponse struct {
	Workflows  []*models.Workflow `json:"workflows"`
	TotalCount int                `json:"total_count"`
}
