package runtime

import (
	"regexp"
	"strings"
)

// Diagnostics turn an instance's log tail into a short human-readable
// cause. Matchers run in order, most specific first, first match wins.
// The whole extraction is best-effort and pure: no match is not an error,
// the (truncated) raw tail is returned instead.

type logMatcher struct {
	pattern *regexp.Regexp
	// cause renders the diagnosis from the submatches.
	cause func(match []string) string
}

var logMatchers = []logMatcher{
	{
		pattern: regexp.MustCompile(`(?i)(?:missing|not set|undefined)[^\n]*\b(?:env(?:ironment)? var(?:iable)?|API[ _]?key|token)\b[^\n]*|(?:env(?:ironment)? var(?:iable)?|API[ _]?key|token)\b[^\n]*\b(?:missing|not set|is required|undefined)[^\n]*`),
		cause: func(m []string) string {
			return "missing credential or environment variable: " + strings.TrimSpace(m[0])
		},
	},
	{
		pattern: regexp.MustCompile(`Error: Cannot find module '([^']+)'`),
		cause: func(m []string) string {
			return "node module not found: " + m[1]
		},
	},
	{
		pattern: regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`),
		cause: func(m []string) string {
			return "python module not found: " + m[1]
		},
	},
	{
		pattern: regexp.MustCompile(`(?i)listen (?:EADDRINUSE|tcp[^\n:]*): .*address already in use[^\n]*|EADDRINUSE[^\n]*`),
		cause: func(m []string) string {
			return "port already in use: " + strings.TrimSpace(m[0])
		},
	},
	{
		pattern: regexp.MustCompile(`(?i)permission denied[^\n]*`),
		cause: func(m []string) string {
			return "permission denied: " + strings.TrimSpace(m[0])
		},
	},
	{
		pattern: regexp.MustCompile(`(?i)(?:command not found|executable file not found)[^\n]*`),
		cause: func(m []string) string {
			return "command not found: " + strings.TrimSpace(m[0])
		},
	},
	{
		pattern: regexp.MustCompile(`(?i)out of memory|oom[- ]killed?`),
		cause: func(m []string) string {
			return "process killed: out of memory"
		},
	},
	{
		pattern: regexp.MustCompile(`panic: [^\n]+`),
		cause: func(m []string) string {
			return strings.TrimSpace(m[0])
		},
	},
	{
		pattern: regexp.MustCompile(`(?i)connection refused[^\n]*`),
		cause: func(m []string) string {
			return "upstream connection refused: " + strings.TrimSpace(m[0])
		},
	},
}

// diagnoseTailLimit caps the fallback excerpt length.
const diagnoseTailLimit = 400

// Diagnose extracts a short failure cause from a log tail. Never fails;
// an empty tail yields an empty diagnosis.
func Diagnose(logTail string) string {
	if strings.TrimSpace(logTail) == "" {
		return ""
	}

	for _, m := range logMatchers {
		if match := m.pattern.FindStringSubmatch(logTail); match != nil {
			return m.cause(match)
		}
	}

	// No pattern matched: hand back the truncated raw tail.
	tail := strings.TrimSpace(logTail)
	if len(tail) > diagnoseTailLimit {
		tail = "..." + tail[len(tail)-diagnoseTailLimit:]
	}
	return tail
}
