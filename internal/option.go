package internal

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config      *Config
	target      string
	optionsFile string
	watch       bool
	mcp         bool
	verbose     bool
	debug       bool
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithTarget sets the file or directory to ingest.
func WithTarget(path string) Option {
	return func(a *application) {
		a.target = path
	}
}

// WithOptionsFile sets an explicit task options file.
func WithOptionsFile(path string) Option {
	return func(a *application) {
		a.optionsFile = path
	}
}

// WithWatch keeps watching the target directory after the initial pass.
func WithWatch(watch bool) Option {
	return func(a *application) {
		a.watch = watch
	}
}

// WithVerbose lowers the log level to Info.
func WithVerbose(v bool) Option {
	return func(a *application) {
		a.verbose = v
	}
}

// WithDebug lowers the log level to Debug.
func WithDebug(v bool) Option {
	return func(a *application) {
		a.debug = v
	}
}

// WithMCP serves MCP tools on stdio over the target directory instead of
// running a one-shot ingestion.
func WithMCP(v bool) Option {
	return func(a *application) {
		a.mcp = v
	}
}
