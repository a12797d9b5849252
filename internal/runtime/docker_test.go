package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	execCommandContext = mockExecCommandContext
}

func mockExecCommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	cs := []string{"-test.run=TestHelperProcess", "--", name}
	cs = append(cs, args...)
	cmd := exec.Command(os.Args[0], cs...)
	cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
	return cmd
}

// TestHelperProcess impersonates the engine CLI for the mocked commands.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) < 2 || args[0] != "docker" {
		fmt.Fprintln(os.Stderr, "unexpected command")
		os.Exit(2)
	}

	switch args[1] {
	case "info":
		os.Exit(0)
	case "build":
		os.Exit(0)
	case "run":
		fmt.Println("f00dfeedfacedeadbeef00112233445566778899aabbccddeeff001122334455")
		os.Exit(0)
	case "stop", "rm":
		os.Exit(0)
	case "ps":
		// Only the known name yields an id.
		for _, a := range args {
			if strings.Contains(a, "toolgate-known") {
				fmt.Println("cafe0123")
				os.Exit(0)
			}
		}
		os.Exit(0)
	case "inspect":
		fmt.Println("true")
		os.Exit(0)
	case "port":
		fmt.Println("127.0.0.1:32768")
		fmt.Println("[::1]:32768")
		os.Exit(0)
	case "logs":
		fmt.Println("line one")
		fmt.Println("line two")
		os.Exit(0)
	}
	os.Exit(1)
}

func TestRenderDockerfile(t *testing.T) {
	spec := BuildSpec{
		BaseImage: "node:22-slim",
		Command:   "npx",
		Args:      []string{"-y", "weather-server"},
	}

	dockerfile := renderDockerfile(spec)
	assert.Equal(t, "FROM node:22-slim\nENTRYPOINT [\"npx\", \"-y\", \"weather-server\"]\n", dockerfile)
}

func TestDockerStartContainer(t *testing.T) {
	d := &DockerRuntime{engine: "docker"}

	id, err := d.StartContainer(context.Background(), ContainerConfig{
		Name:  "toolgate-weather",
		Image: "toolgate-weather:latest",
		Port:  8080,
	})
	require.NoError(t, err)
	assert.Equal(t, "f00dfeedfacedeadbeef00112233445566778899aabbccddeeff001122334455", id)
}

func TestDockerContainerPortParsing(t *testing.T) {
	d := &DockerRuntime{engine: "docker"}

	port, err := d.ContainerPort(context.Background(), "cafe0123", 8080)
	require.NoError(t, err)
	assert.Equal(t, 32768, port)
}

func TestDockerContainerExists(t *testing.T) {
	d := &DockerRuntime{engine: "docker"}

	id, exists, err := d.ContainerExists(context.Background(), "toolgate-known")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "cafe0123", id)

	_, exists, err = d.ContainerExists(context.Background(), "toolgate-missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDockerIsContainerRunning(t *testing.T) {
	d := &DockerRuntime{engine: "docker"}

	running, err := d.IsContainerRunning(context.Background(), "cafe0123")
	require.NoError(t, err)
	assert.True(t, running)
}

func TestDockerLogsTail(t *testing.T) {
	d := &DockerRuntime{engine: "docker"}

	logs, err := d.LogsTail(context.Background(), "cafe0123", 50)
	require.NoError(t, err)
	assert.Contains(t, logs, "line one")
	assert.Contains(t, logs, "line two")
}

func TestTailOf(t *testing.T) {
	s := "a\nb\nc\nd\n"
	assert.Equal(t, "c\nd", tailOf(s, 2))
	assert.Equal(t, s, tailOf(s, 10))
}
