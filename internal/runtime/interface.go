package runtime

import (
	"context"
)

// ContainerRuntime defines the operations the lifecycle manager needs from
// a container engine. The production implementation shells out to the
// engine CLI; a no-op implementation stands in when no engine is
// reachable so the gateway can degrade instead of crashing.
type ContainerRuntime interface {
	// BuildImage builds (or refreshes) the image for a backend. The tag is
	// deterministic per definition id so repeated builds reuse layers.
	BuildImage(ctx context.Context, tag string, spec BuildSpec) error

	// StartContainer starts a container and returns its runtime id.
	StartContainer(ctx context.Context, cfg ContainerConfig) (string, error)

	// StopContainer stops a running container.
	StopContainer(ctx context.Context, containerID string) error

	// RemoveContainer removes a container.
	RemoveContainer(ctx context.Context, containerID string) error

	// ContainerExists reports whether a container with the given name
	// exists, returning its id when it does.
	ContainerExists(ctx context.Context, name string) (string, bool, error)

	// IsContainerRunning checks container liveness.
	IsContainerRunning(ctx context.Context, containerID string) (bool, error)

	// ContainerPort resolves the host port mapped to a container port.
	ContainerPort(ctx context.Context, containerID string, containerPort int) (int, error)

	// LogsTail returns the last lines of the container's log stream.
	// Best-effort: implementations return what they can.
	LogsTail(ctx context.Context, containerID string, lines int) (string, error)
}

// BuildSpec describes the image to build for one backend definition.
type BuildSpec struct {
	BaseImage string
	Command   string
	Args      []string
}

// ContainerConfig holds configuration for starting a container.
type ContainerConfig struct {
	Name  string            // Deterministic container name
	Image string            // Image tag built by BuildImage
	Env   map[string]string // Environment variables (paths, never secret values)
	// SecretsHostDir is mounted read-only at SecretMountPath when set.
	SecretsHostDir string
	// Port is the container-side HTTP port to publish on an ephemeral
	// loopback host port.
	Port int
}

// SecretMountPath is the fixed path where materialized secret files appear
// inside a backend's container. Environment variables handed to the
// backend reference files under this path. Stable contract.
const SecretMountPath = "/run/toolgate/secrets"
