package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"toolgate/pkg/logging"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads the gateway configuration from a directory. The
// directory holds config.yaml plus a servers/ subdirectory with one YAML
// file per server definition. A missing config.yaml falls back to
// defaults; a malformed one is an error.
//
// A .env file in the directory, if present, is loaded into the process
// environment first so that ${VAR} expansion in definitions and the
// TOOLGATE_STORE_DSN override can pick it up.
func LoadConfig(configPath string) (GatewayConfig, error) {
	configPath, err := resolveConfigPath(configPath)
	if err != nil {
		return GatewayConfig{}, err
	}

	if envPath := filepath.Join(configPath, ".env"); fileExists(envPath) {
		if err := godotenv.Load(envPath); err != nil {
			return GatewayConfig{}, fmt.Errorf("loading %s: %w", envPath, err)
		}
		logging.Debug("ConfigLoader", "Loaded environment overlay from %s", envPath)
	}

	cfg := GetDefaultConfig()

	configFilePath := filepath.Join(configPath, configFileName)
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
		} else {
			return GatewayConfig{}, fmt.Errorf("reading %s: %w", configFilePath, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return GatewayConfig{}, fmt.Errorf("parsing %s: %w", configFilePath, err)
		}
		logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	}

	if dsn := os.Getenv("TOOLGATE_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}

	return cfg, nil
}

// LoadServerDefinitions reads every *.yaml file in the servers/
// subdirectory of configPath. Files that fail to parse or validate are
// skipped with a warning so one broken definition never takes down the
// rest of the catalog.
func LoadServerDefinitions(configPath string) ([]ServerDefinition, error) {
	configPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	dir := ServersDir(configPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No servers directory at %s", dir)
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	var defs []ServerDefinition
	seen := make(map[string]string)

	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		def, err := loadDefinitionFile(path)
		if err != nil {
			logging.Warn("ConfigLoader", "Skipping %s: %v", path, err)
			continue
		}

		if prev, dup := seen[def.ID]; dup {
			logging.Warn("ConfigLoader", "Skipping %s: duplicate server id %q (already defined in %s)", path, def.ID, prev)
			continue
		}
		seen[def.ID] = path
		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })

	logging.Info("ConfigLoader", "Loaded %d server definitions from %s", len(defs), dir)
	return defs, nil
}

// ServersDir returns the server definition directory under configPath.
func ServersDir(configPath string) string {
	return filepath.Join(configPath, serversDirName)
}

// resolveConfigPath substitutes the per-user default directory when no
// explicit path was given.
func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return GetDefaultConfigPath()
}

func loadDefinitionFile(path string) (ServerDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerDefinition{}, err
	}

	var def ServerDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return ServerDefinition{}, fmt.Errorf("parse: %w", err)
	}

	// Expand ${VAR} references against the process environment. Secret
	// values never travel this way; only paths and plain settings do.
	def.Command = os.ExpandEnv(def.Command)
	for i, arg := range def.Args {
		def.Args[i] = os.ExpandEnv(arg)
	}
	for k, v := range def.Env {
		def.Env[k] = os.ExpandEnv(v)
	}

	if err := ValidateDefinition(&def); err != nil {
		return ServerDefinition{}, err
	}
	return def, nil
}

func isYAMLFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
