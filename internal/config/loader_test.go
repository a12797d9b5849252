package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8090, cfg.Port)
	assert.Equal(t, TransportStreamableHTTP, cfg.Transport)
	assert.Equal(t, "docker", cfg.Runtime.Engine)
	assert.Equal(t, 3, cfg.Lifecycle.ProbeFailureLimit)
	assert.Zero(t, cfg.Lifecycle.IdleTimeoutSeconds)
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), `
host: 0.0.0.0
port: 9000
lifecycle:
  idleTimeoutSeconds: 300
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 300, cfg.Lifecycle.IdleTimeoutSeconds)
	// Untouched sections keep defaults.
	assert.Equal(t, "docker", cfg.Runtime.Engine)
}

func TestLoadConfigMalformed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), "port: [not a port")

	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestLoadConfigEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".env"), "TOOLGATE_STORE_DSN=postgres://gate@localhost/gate\n")
	t.Setenv("TOOLGATE_STORE_DSN", "")
	os.Unsetenv("TOOLGATE_STORE_DSN")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "postgres://gate@localhost/gate", cfg.Store.DSN)
}

func TestLoadServerDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "servers", "github.yaml"), `
id: github
runtime: container
command: node
args: ["server.js"]
secrets:
  - name: github-token
    envVar: GITHUB_TOKEN_FILE
`)
	writeFile(t, filepath.Join(dir, "servers", "fetch.yaml"), `
id: fetch
runtime: uvx
command: mcp-server-fetch
enabledTools: ["fetch"]
`)

	defs, err := LoadServerDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	// Sorted by id.
	assert.Equal(t, "fetch", defs[0].ID)
	assert.Equal(t, "github", defs[1].ID)

	assert.True(t, defs[0].ToolEnabled("fetch"))
	assert.False(t, defs[0].ToolEnabled("crawl"))
	assert.True(t, defs[1].ToolEnabled("anything"))
	assert.Equal(t, "GITHUB_TOKEN_FILE", defs[1].Secrets[0].EnvVar)
}

func TestLoadServerDefinitionsSkipsBroken(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "servers", "good.yaml"), `
id: good
runtime: npx
command: mcp-server-good
`)
	writeFile(t, filepath.Join(dir, "servers", "broken.yaml"), "id: [')")
	writeFile(t, filepath.Join(dir, "servers", "invalid.yaml"), `
id: "Bad ID!"
runtime: npx
command: x
`)

	defs, err := LoadServerDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "good", defs[0].ID)
}

func TestLoadServerDefinitionsDuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "servers", "a.yaml"), "id: dup\nruntime: npx\ncommand: one\n")
	writeFile(t, filepath.Join(dir, "servers", "b.yaml"), "id: dup\nruntime: npx\ncommand: two\n")

	defs, err := LoadServerDefinitions(dir)
	require.NoError(t, err)
	assert.Len(t, defs, 1)
}

func TestLoadServerDefinitionsEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TG_TEST_HOME", "/srv/data")
	writeFile(t, filepath.Join(dir, "servers", "fs.yaml"), `
id: fs
runtime: npx
command: mcp-server-filesystem
args: ["${TG_TEST_HOME}"]
env:
  ROOT: ${TG_TEST_HOME}/root
`)

	defs, err := LoadServerDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "/srv/data", defs[0].Args[0])
	assert.Equal(t, "/srv/data/root", defs[0].Env["ROOT"])
}

func TestValidateDefinition(t *testing.T) {
	tests := []struct {
		name    string
		def     ServerDefinition
		wantErr string
	}{
		{
			name:    "missing id",
			def:     ServerDefinition{Runtime: RuntimeNpx, Command: "x"},
			wantErr: "missing id",
		},
		{
			name:    "bad id charset",
			def:     ServerDefinition{ID: "My Server", Runtime: RuntimeNpx, Command: "x"},
			wantErr: "invalid id",
		},
		{
			name:    "missing runtime",
			def:     ServerDefinition{ID: "a", Command: "x"},
			wantErr: "missing runtime",
		},
		{
			name:    "unknown runtime",
			def:     ServerDefinition{ID: "a", Runtime: "vm", Command: "x"},
			wantErr: "unknown runtime",
		},
		{
			name:    "missing command",
			def:     ServerDefinition{ID: "a", Runtime: RuntimeContainer},
			wantErr: "missing command",
		},
		{
			name: "secret without envVar",
			def: ServerDefinition{
				ID: "a", Runtime: RuntimeContainer, Command: "x",
				Secrets: []SecretSlot{{Name: "tok"}},
			},
			wantErr: "missing envVar",
		},
		{
			name: "valid",
			def:  ServerDefinition{ID: "a-1", Runtime: RuntimeContainer, Command: "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDefinition(&tt.def)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateGatewayConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.NoError(t, ValidateGatewayConfig(&cfg))

	bad := cfg
	bad.Port = 0
	assert.Error(t, ValidateGatewayConfig(&bad))

	bad = cfg
	bad.Transport = "carrier-pigeon"
	assert.Error(t, ValidateGatewayConfig(&bad))

	bad = cfg
	bad.Lifecycle.IdleTimeoutSeconds = -1
	assert.Error(t, ValidateGatewayConfig(&bad))
}
