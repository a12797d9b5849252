package runtime

import (
	"context"

	"toolgate/internal/fault"
)

// UnavailableRuntime is the fallback used when no container engine is
// reachable at startup. Every operation fails with RuntimeUnavailable so
// container-backed backends degrade cleanly while local-process backends
// keep working.
type UnavailableRuntime struct {
	reason error
}

// NewUnavailableRuntime records why the real runtime could not be used.
func NewUnavailableRuntime(reason error) *UnavailableRuntime {
	return &UnavailableRuntime{reason: reason}
}

func (u *UnavailableRuntime) err() error {
	return fault.Wrap(fault.RuntimeUnavailable, u.reason, "container runtime is not available")
}

func (u *UnavailableRuntime) BuildImage(ctx context.Context, tag string, spec BuildSpec) error {
	return u.err()
}

func (u *UnavailableRuntime) StartContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	return "", u.err()
}

func (u *UnavailableRuntime) StopContainer(ctx context.Context, containerID string) error {
	return u.err()
}

func (u *UnavailableRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	return u.err()
}

func (u *UnavailableRuntime) ContainerExists(ctx context.Context, name string) (string, bool, error) {
	return "", false, u.err()
}

func (u *UnavailableRuntime) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	return false, u.err()
}

func (u *UnavailableRuntime) ContainerPort(ctx context.Context, containerID string, containerPort int) (int, error) {
	return 0, u.err()
}

func (u *UnavailableRuntime) LogsTail(ctx context.Context, containerID string, lines int) (string, error) {
	return "", u.err()
}
