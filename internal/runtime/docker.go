package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"toolgate/pkg/logging"
)

const dockerSubsystem = "Docker"

// DockerRuntime implements ContainerRuntime by shelling out to a
// docker-compatible engine CLI (docker or podman).
type DockerRuntime struct {
	engine string
}

// execCommandContext is a variable to allow mocking in tests
var execCommandContext = exec.CommandContext

// NewDockerRuntime creates a runtime for the given engine binary,
// verifying that the daemon is reachable.
func NewDockerRuntime(engine string) (*DockerRuntime, error) {
	if engine == "" {
		engine = "docker"
	}
	if _, err := exec.LookPath(engine); err != nil {
		return nil, fmt.Errorf("%s command not found in PATH: %w", engine, err)
	}

	cmd := execCommandContext(context.Background(), engine, "info")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s daemon not accessible: %w", engine, err)
	}

	return &DockerRuntime{engine: engine}, nil
}

// BuildImage generates a minimal build context wrapping the backend
// command and builds it under the deterministic tag. The engine's layer
// cache makes repeated builds for an unchanged definition cheap.
func (d *DockerRuntime) BuildImage(ctx context.Context, tag string, spec BuildSpec) error {
	buildDir, err := os.MkdirTemp("", "toolgate-build-")
	if err != nil {
		return fmt.Errorf("creating build context: %w", err)
	}
	defer os.RemoveAll(buildDir)

	dockerfile := renderDockerfile(spec)
	if err := os.WriteFile(filepath.Join(buildDir, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
		return fmt.Errorf("writing Dockerfile: %w", err)
	}

	logging.Info(dockerSubsystem, "Building image %s from %s", tag, spec.BaseImage)

	cmd := execCommandContext(ctx, d.engine, "build", "-t", tag, buildDir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("building image %s: %w\nOutput: %s", tag, err, tailOf(string(output), 20))
	}
	return nil
}

// StartContainer starts a container with the given configuration.
func (d *DockerRuntime) StartContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	args := []string{"run", "-d", "--name", cfg.Name}

	for k, v := range cfg.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}

	if cfg.SecretsHostDir != "" {
		args = append(args, "-v", fmt.Sprintf("%s:%s:ro", cfg.SecretsHostDir, SecretMountPath))
	}

	if cfg.Port > 0 {
		// Ephemeral loopback port; resolved afterwards via ContainerPort.
		args = append(args, "-p", fmt.Sprintf("127.0.0.1:0:%d", cfg.Port))
	}

	args = append(args, cfg.Image)

	logging.Debug(dockerSubsystem, "Starting container: %s %s", d.engine, strings.Join(args, " "))

	cmd := execCommandContext(ctx, d.engine, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("starting container %s: %w\nOutput: %s", cfg.Name, err, string(output))
	}

	containerID := strings.TrimSpace(string(output))
	logging.Info(dockerSubsystem, "Started container %s with id %s", cfg.Name, logging.TruncateID(containerID))
	return containerID, nil
}

// StopContainer stops a running container.
func (d *DockerRuntime) StopContainer(ctx context.Context, containerID string) error {
	logging.Info(dockerSubsystem, "Stopping container %s", logging.TruncateID(containerID))

	cmd := execCommandContext(ctx, d.engine, "stop", containerID)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("stopping container %s: %w", logging.TruncateID(containerID), err)
	}
	return nil
}

// RemoveContainer removes a container.
func (d *DockerRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	logging.Debug(dockerSubsystem, "Removing container %s", logging.TruncateID(containerID))

	cmd := execCommandContext(ctx, d.engine, "rm", "-f", containerID)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("removing container %s: %w", logging.TruncateID(containerID), err)
	}
	return nil
}

// ContainerExists reports whether a container with the given name exists.
func (d *DockerRuntime) ContainerExists(ctx context.Context, name string) (string, bool, error) {
	cmd := execCommandContext(ctx, d.engine, "ps", "-a", "-q", "--filter", "name=^"+name+"$")
	output, err := cmd.Output()
	if err != nil {
		return "", false, fmt.Errorf("listing containers: %w", err)
	}
	id := strings.TrimSpace(string(output))
	return id, id != "", nil
}

// IsContainerRunning checks if a container is running.
func (d *DockerRuntime) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	cmd := execCommandContext(ctx, d.engine, "inspect", "-f", "{{.State.Running}}", containerID)
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("inspecting container %s: %w", logging.TruncateID(containerID), err)
	}
	return strings.TrimSpace(string(output)) == "true", nil
}

// ContainerPort resolves the ephemeral host port published for a
// container port.
func (d *DockerRuntime) ContainerPort(ctx context.Context, containerID string, containerPort int) (int, error) {
	cmd := execCommandContext(ctx, d.engine, "port", containerID, strconv.Itoa(containerPort))
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("resolving port mapping for %s:%d: %w", logging.TruncateID(containerID), containerPort, err)
	}

	// Output looks like "127.0.0.1:32768" (possibly with an IPv6 line).
	portOutput := strings.TrimSpace(string(output))
	if portOutput == "" {
		return 0, fmt.Errorf("no port mapping found for %s:%d", logging.TruncateID(containerID), containerPort)
	}
	firstLine := strings.SplitN(portOutput, "\n", 2)[0]
	parts := strings.Split(firstLine, ":")
	if len(parts) < 2 {
		return 0, fmt.Errorf("unexpected port output format: %s", firstLine)
	}

	port, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0, fmt.Errorf("unexpected port output format: %s", firstLine)
	}
	return port, nil
}

// LogsTail returns the last lines of a container's combined log output.
func (d *DockerRuntime) LogsTail(ctx context.Context, containerID string, lines int) (string, error) {
	cmd := execCommandContext(ctx, d.engine, "logs", "--tail", strconv.Itoa(lines), containerID)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("fetching logs for %s: %w", logging.TruncateID(containerID), err)
	}
	return string(output), nil
}

func renderDockerfile(spec BuildSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", spec.BaseImage)
	b.WriteString("ENTRYPOINT [")
	parts := append([]string{spec.Command}, spec.Args...)
	for i, p := range parts {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q", p)
	}
	b.WriteString("]\n")
	return b.String()
}

func tailOf(s string, lines int) string {
	all := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(all) <= lines {
		return s
	}
	return strings.Join(all[len(all)-lines:], "\n")
}
