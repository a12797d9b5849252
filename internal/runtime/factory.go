package runtime

import (
	"toolgate/pkg/logging"
)

// NewContainerRuntime returns a runtime for the configured engine, or the
// no-op fallback when the engine is unreachable. The gateway never refuses
// to start because a container engine is down; container-backed backends
// simply report RuntimeUnavailable until it comes back.
func NewContainerRuntime(engine string) ContainerRuntime {
	rt, err := NewDockerRuntime(engine)
	if err != nil {
		logging.Warn("Runtime", "Container engine unavailable, degrading: %v", err)
		return NewUnavailableRuntime(err)
	}
	return rt
}
