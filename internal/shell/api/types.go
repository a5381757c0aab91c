package api

import "github.com/artpar/dockpilot/internal/core/domain"

// =============================================================================
// Response Types
// =============================================================================

// HealthResponse is the response for the liveness endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response for the readiness endpoint.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HistoryResponse lists recorded attempts, most recent first.
type HistoryResponse struct {
	Deployments []domain.Attempt `json:"deployments"`
	Count       int              `json:"count"`
}

// DeploymentAcceptedResponse acknowledges a deployment request.
type DeploymentAcceptedResponse struct {
	Container string          `json:"container"`
	Strategy  domain.Strategy `json:"strategy"`
	Status    string          `json:"status"`
}

// DeploymentStatusResponse reports whether a container is being deployed and
// its latest recorded attempt.
type DeploymentStatusResponse struct {
	Container string          `json:"container"`
	InFlight  bool            `json:"in_flight"`
	Latest    *domain.Attempt `json:"latest,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
