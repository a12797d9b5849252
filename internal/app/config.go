package app

// Config carries the process-level options handed down from the CLI.
type Config struct {
	// Debug enables debug-level logging.
	Debug bool
	// Silent suppresses all log output. Required for the stdio transport,
	// where stdout belongs to the protocol.
	Silent bool
	// ConfigPath overrides the default configuration directory.
	ConfigPath string
	// Transport overrides the configured transport when non-empty.
	Transport string
	// NoWatch disables the definition hot-reload watcher.
	NoWatch bool
}
