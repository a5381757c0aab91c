package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Deployment Error Taxonomy
// =============================================================================

var (
	// ErrBuildFailure means the image build step failed. No container was touched.
	ErrBuildFailure = errors.New("image build failed")

	// ErrEngineFailure means the container engine rejected an operation.
	ErrEngineFailure = errors.New("container engine rejected operation")

	// ErrHealthCheckExhausted means the candidate never became healthy within its retries.
	ErrHealthCheckExhausted = errors.New("health check retries exhausted")

	// ErrCutoverFailure means the previous container was already removed (or stopped
	// for port release) and the new one could not be confirmed live. Requires an operator.
	ErrCutoverFailure = errors.New("cutover failed after previous container was released")

	// ErrConfiguration means the deployment spec is malformed or incomplete.
	ErrConfiguration = errors.New("invalid deployment configuration")

	// ErrDeploymentInProgress is returned when another attempt holds the container name.
	ErrDeploymentInProgress = errors.New("deployment already in progress for container")

	// ErrCanceled is returned when the caller cancelled the deployment.
	ErrCanceled = errors.New("deployment canceled")

	// ErrAttemptSealed is returned when mutating an attempt after its outcome is known.
	ErrAttemptSealed = errors.New("deployment attempt is sealed")

	// ErrInvalidTransition is returned for a phase change the strategy does not allow.
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// DeployError records the phase a deployment failed in, the taxonomy kind and the cause.
type DeployError struct {
	Phase Phase
	Kind  error
	Err   error
}

func (e *DeployError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Phase, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Phase, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *DeployError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewDeployError creates a new DeployError.
func NewDeployError(phase Phase, kind, err error) *DeployError {
	return &DeployError{
		Phase: phase,
		Kind:  kind,
		Err:   err,
	}
}

// ConfigError describes a single invalid field of a deployment spec.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
