package docker

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Container errors
	ErrContainerNotFound       = errors.New("container not found")
	ErrContainerAlreadyExists  = errors.New("container already exists")
	ErrContainerNotRunning     = errors.New("container is not running")
	ErrContainerAlreadyRunning = errors.New("container is already running")
	ErrPortAlreadyAllocated    = errors.New("port is already allocated")

	// Image errors
	ErrImageNotFound   = errors.New("image not found")
	ErrImagePullFailed = errors.New("image pull failed")
	ErrImageBuild      = errors.New("image build failed")

	// Engine errors
	ErrConnectionFailed = errors.New("docker connection failed")
	ErrUnknownOperation = errors.New("unknown container operation")
)

// DockerError records which gateway call failed and on what.
type DockerError struct {
	Op      string // Gateway method, e.g. "StopContainer"
	Entity  string // "container" or "image"
	ID      string // Container name, image reference or ID
	Message string
	Err     error
}

func (e *DockerError) Error() string {
	switch {
	case e.ID != "":
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	case e.Entity != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *DockerError) Unwrap() error {
	return e.Err
}

// NewDockerError creates a new DockerError.
func NewDockerError(op, entity, id, message string, err error) *DockerError {
	return &DockerError{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: message,
		Err:     err,
	}
}

// IsGone reports whether err means the container is already absent or
// stopped, which cleanup treats as done.
func IsGone(err error) bool {
	return errors.Is(err, ErrContainerNotFound) || errors.Is(err, ErrContainerNotRunning)
}

// IsConflict reports whether err means a name or host port is taken by
// another container.
func IsConflict(err error) bool {
	return errors.Is(err, ErrContainerAlreadyExists) || errors.Is(err, ErrPortAlreadyAllocated)
}
