package config

import (
	"fmt"
	"regexp"
)

// Definition ids feed deterministic image and container names, so the
// charset is restricted to what container engines accept in names.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// ValidateDefinition checks a server definition for structural problems.
func ValidateDefinition(def *ServerDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("missing id")
	}
	if !idPattern.MatchString(def.ID) {
		return fmt.Errorf("invalid id %q: must match %s", def.ID, idPattern)
	}

	switch def.Runtime {
	case RuntimeContainer, RuntimeNpx, RuntimeUvx:
	case "":
		return fmt.Errorf("missing runtime kind")
	default:
		return fmt.Errorf("unknown runtime kind %q", def.Runtime)
	}

	if def.Command == "" {
		return fmt.Errorf("missing command")
	}

	for _, slot := range def.Secrets {
		if slot.Name == "" {
			return fmt.Errorf("secret slot without a name")
		}
		if slot.EnvVar == "" {
			return fmt.Errorf("secret %q: missing envVar", slot.Name)
		}
	}

	return nil
}

// ValidateGatewayConfig checks the top-level configuration.
func ValidateGatewayConfig(cfg *GatewayConfig) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	switch cfg.Transport {
	case TransportStreamableHTTP, TransportStdio:
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if cfg.Lifecycle.ProbeFailureLimit < 1 {
		return fmt.Errorf("probeFailureLimit must be at least 1")
	}
	if cfg.Lifecycle.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("idleTimeoutSeconds must not be negative")
	}
	return nil
}
