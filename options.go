package idxr

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	logger          *slog.Logger
	version         string
	embedder        Embedder
	clients         []Client
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (IDXR_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (IDXR_DATABASE_URL env var). An empty URL selects the in-memory
// store.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for
// LISTEN/NOTIFY (IDXR_NOTIFY_URL env var). Set this when using a
// connection pooler (e.g. PgBouncer) for queries; LISTEN/NOTIFY
// requires a direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint
// and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbedder replaces the auto-detected embedding provider
// (Ollama/OpenAI/noop).
func WithEmbedder(p Embedder) Option {
	return func(o *resolvedOptions) { o.embedder = p }
}

// WithClient seeds an API client into the registry at startup.
// Multiple clients may be registered; each can exchange its API key
// for a bearer token at POST /auth/token.
func WithClient(c Client) Option {
	return func(o *resolvedOptions) { o.clients = append(o.clients, c) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to
// run after the embedded migrations. Multiple filesystems may be
// registered; they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
