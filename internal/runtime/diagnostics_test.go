package runtime

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiagnose(t *testing.T) {
	tests := []struct {
		name string
		tail string
		want string
	}{
		{
			name: "empty tail yields empty diagnosis",
			tail: "   \n\t",
			want: "",
		},
		{
			name: "missing env var",
			tail: "starting up\nFATAL: missing environment variable GITHUB_PAT\n",
			want: "missing credential or environment variable: missing environment variable GITHUB_PAT",
		},
		{
			name: "node missing module",
			tail: "node:internal/modules\nError: Cannot find module 'express'\n    at Function._resolveFilename",
			want: "node module not found: express",
		},
		{
			name: "python missing module",
			tail: "Traceback (most recent call last):\nModuleNotFoundError: No module named 'httpx'",
			want: "python module not found: httpx",
		},
		{
			name: "port in use",
			tail: "Error: listen EADDRINUSE: address already in use :::8080",
			want: "port already in use: listen EADDRINUSE: address already in use :::8080",
		},
		{
			name: "executable missing",
			tail: `exec: "uvx": executable file not found in $PATH`,
			want: `command not found: executable file not found in $PATH`,
		},
		{
			name: "oom kill",
			tail: "server started\nprocess was OOM-killed by the kernel",
			want: "process killed: out of memory",
		},
		{
			name: "go panic",
			tail: "panic: runtime error: invalid memory address or nil pointer dereference\ngoroutine 1 [running]:",
			want: "panic: runtime error: invalid memory address or nil pointer dereference",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Diagnose(tt.tail))
		})
	}
}

func TestDiagnoseFallbackTruncates(t *testing.T) {
	tail := strings.Repeat("all work and no play makes a dull backend\n", 30)
	got := Diagnose(tail)

	assert.True(t, strings.HasPrefix(got, "..."))
	assert.LessOrEqual(t, len(got), diagnoseTailLimit+3)
}

func TestDiagnoseFirstMatchWins(t *testing.T) {
	// Both the env-var and panic matchers could fire; order decides.
	tail := "FATAL: API token is required\npanic: giving up"
	got := Diagnose(tail)

	assert.Contains(t, got, "missing credential or environment variable")
}
