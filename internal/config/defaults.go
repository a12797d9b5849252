package config

import (
	"os"
	"path/filepath"
)

const (
	userConfigDir  = ".config/toolgate"
	configFileName = "config.yaml"
	serversDirName = "servers"
)

// GetDefaultConfigPath returns the per-user configuration directory.
func GetDefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// GetDefaultConfig returns the built-in defaults applied before any file
// or environment overrides.
func GetDefaultConfig() GatewayConfig {
	return GatewayConfig{
		Host:      "localhost",
		Port:      8090,
		Transport: TransportStreamableHTTP,
		DataDir:   defaultDataDir(),
		Runtime: RuntimeConfig{
			Engine: "docker",
		},
		Lifecycle: LifecycleConfig{
			ProbeIntervalSeconds: 10,
			ProbeFailureLimit:    3,
			SweepIntervalSeconds: 30,
			// IdleTimeoutSeconds stays zero: idle shutdown is opt-in.
		},
	}
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".toolgate"
	}
	return filepath.Join(homeDir, ".local", "share", "toolgate")
}
