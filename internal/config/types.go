package config

// RuntimeKind selects how a backend server is launched.
type RuntimeKind string

const (
	// RuntimeContainer runs the backend command inside a managed container.
	RuntimeContainer RuntimeKind = "container"
	// RuntimeNpx spawns the backend locally via npx.
	RuntimeNpx RuntimeKind = "npx"
	// RuntimeUvx spawns the backend locally via uvx.
	RuntimeUvx RuntimeKind = "uvx"
)

// IsLocal reports whether the kind runs as a local process rather than a
// managed container.
func (k RuntimeKind) IsLocal() bool {
	return k == RuntimeNpx || k == RuntimeUvx
}

// SecretSlot declares one credential file a server definition needs at
// runtime. Name refers to a secret previously stored in the secret store;
// EnvVar is exported to the backend pointing at the materialized path.
type SecretSlot struct {
	Name   string `yaml:"name"`
	EnvVar string `yaml:"envVar"`
}

// ServerDefinition describes one backend tool server. Definitions are
// immutable per version: editing a definition file produces a new version
// that replaces the old one on reload.
//
// The ID is globally unique and is the stable input to the deterministic
// image and container name derivation, so it must never be reused for a
// different backend.
type ServerDefinition struct {
	ID      string            `yaml:"id"`
	Name    string            `yaml:"name,omitempty"`
	Runtime RuntimeKind       `yaml:"runtime"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// BaseImage is the image the containerized command is layered onto.
	// Only meaningful for RuntimeContainer; defaults to node:22-slim.
	BaseImage string `yaml:"baseImage,omitempty"`
	// Port is the HTTP port the backend listens on inside its container.
	// Published to an ephemeral host port at start. Default 8080.
	Port int `yaml:"port,omitempty"`

	Secrets      []SecretSlot `yaml:"secrets,omitempty"`
	EnabledTools []string     `yaml:"enabledTools,omitempty"`
}

// ToolEnabled reports whether a backend-native tool name passes the
// definition's allow-list. An empty allow-list enables every tool.
func (d *ServerDefinition) ToolEnabled(name string) bool {
	if len(d.EnabledTools) == 0 {
		return true
	}
	for _, t := range d.EnabledTools {
		if t == name {
			return true
		}
	}
	return false
}

// GatewayConfig is the top-level configuration for the toolgate server.
type GatewayConfig struct {
	Host      string          `yaml:"host,omitempty"`
	Port      int             `yaml:"port,omitempty"`
	Transport string          `yaml:"transport,omitempty"`
	DataDir   string          `yaml:"dataDir,omitempty"`
	Runtime   RuntimeConfig   `yaml:"runtime,omitempty"`
	Store     StoreConfig     `yaml:"store,omitempty"`
	Lifecycle LifecycleConfig `yaml:"lifecycle,omitempty"`
}

// RuntimeConfig configures the container runtime integration.
type RuntimeConfig struct {
	// Engine names the container engine binary (default: docker).
	Engine string `yaml:"engine,omitempty"`
	// PreserveOnRemove keeps stopped containers around for faster restarts
	// instead of tearing them down on removal.
	PreserveOnRemove bool `yaml:"preserveOnRemove,omitempty"`
}

// StoreConfig configures the persistent reconciliation store. An empty DSN
// disables persistence; the gateway then starts from a clean slate.
type StoreConfig struct {
	DSN string `yaml:"dsn,omitempty"`
}

// LifecycleConfig tunes instance health checking and idle shutdown.
// IdleTimeoutSeconds of zero disables the idle sweep entirely.
type LifecycleConfig struct {
	ProbeIntervalSeconds int `yaml:"probeIntervalSeconds,omitempty"`
	ProbeFailureLimit    int `yaml:"probeFailureLimit,omitempty"`
	IdleTimeoutSeconds   int `yaml:"idleTimeoutSeconds,omitempty"`
	SweepIntervalSeconds int `yaml:"sweepIntervalSeconds,omitempty"`
}

const (
	// TransportStreamableHTTP is the streamable HTTP transport.
	TransportStreamableHTTP = "streamable-http"
	// TransportStdio is the standard I/O transport.
	TransportStdio = "stdio"
)
