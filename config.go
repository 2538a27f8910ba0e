package possync

import (
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/CharlySistemas23/possync/internal/store"
)

// Config configures the sync client.
type Config struct {
	// LocalPath is the path to the local SQLite database.
	// If empty, it is derived from Branch.
	LocalPath string

	// Branch is the retail branch this client operates for.
	// If empty, resolved using branch resolution (explicit > POSSYNC_BRANCH env > "default").
	Branch string

	// ServerURL is the base URL of the server of record.
	// If empty, operates in offline-only mode: mutations queue but never drain.
	ServerURL string

	// Identity and Secret are used for the one automatic re-authentication
	// attempt when no stored token is available.
	Identity string
	Secret   string

	// DeviceID identifies this terminal in fallback identity mode.
	// Defaults to hostname if not set.
	DeviceID string

	// AllowFallback permits syncing with branch/device headers when no bearer
	// token can be obtained.
	AllowFallback bool

	// SyncInterval is the periodic drain interval. Defaults to 10 seconds.
	SyncInterval time.Duration

	// RetryCeiling is the number of transient failures after which an entry is
	// dropped. Defaults to 5.
	RetryCeiling int

	// RateLimitCooldown is used when the server rate-limits without a
	// Retry-After hint. Defaults to 60 seconds.
	RateLimitCooldown time.Duration

	// EnqueueDebounce delays the drain triggered by an enqueue so bursts of
	// writes drain in a single pass. Defaults to 500ms.
	EnqueueDebounce time.Duration

	// RequestTimeout bounds each remote call. Defaults to 30 seconds.
	RequestTimeout time.Duration

	// RequestsPerSecond paces outgoing requests. Zero disables pacing.
	RequestsPerSecond float64

	// AutoSync enables the background drain loop.
	AutoSync bool

	// Debug enables debug-level logging including request and response bodies.
	Debug bool

	// LogPath is where logs are written. Defaults to stderr if empty.
	LogPath string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		Branch:            "default",
		LocalPath:         store.BranchDBPath("default"),
		DeviceID:          hostname,
		AllowFallback:     true,
		SyncInterval:      DefaultSyncInterval,
		RetryCeiling:      DefaultRetryCeiling,
		RateLimitCooldown: DefaultRateLimitCooldown,
		EnqueueDebounce:   DefaultEnqueueDebounce,
		RequestTimeout:    DefaultRequestTimeout,
		AutoSync:          true,
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	POSSYNC_DB_PATH        → LocalPath
//	POSSYNC_BRANCH         → Branch
//	POSSYNC_SERVER_URL     → ServerURL
//	POSSYNC_IDENTITY       → Identity
//	POSSYNC_SECRET         → Secret
//	POSSYNC_DEVICE_ID      → DeviceID
//	POSSYNC_SYNC_INTERVAL  → SyncInterval (Go duration)
//	POSSYNC_RETRY_CEILING  → RetryCeiling
//	POSSYNC_DEBUG          → Debug (any non-empty value enables)
//	POSSYNC_LOG            → LogPath
func ConfigFromEnv() Config {
	cfg := Config{
		LocalPath: os.Getenv("POSSYNC_DB_PATH"),
		Branch:    os.Getenv("POSSYNC_BRANCH"),
		ServerURL: os.Getenv("POSSYNC_SERVER_URL"),
		Identity:  os.Getenv("POSSYNC_IDENTITY"),
		Secret:    os.Getenv("POSSYNC_SECRET"),
		DeviceID:  os.Getenv("POSSYNC_DEVICE_ID"),
		Debug:     os.Getenv("POSSYNC_DEBUG") != "",
		LogPath:   os.Getenv("POSSYNC_LOG"),
	}
	if v := os.Getenv("POSSYNC_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SyncInterval = d
		}
	}
	if v := os.Getenv("POSSYNC_RETRY_CEILING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryCeiling = n
		}
	}
	return cfg
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.LocalPath == "" {
		return &ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	}

	if c.Branch != "" {
		if err := store.ValidateBranchID(c.Branch); err != nil {
			return &ValidationError{Field: "Branch", Message: err.Error()}
		}
	}

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &ValidationError{Field: "ServerURL", Message: "must be an absolute URL"}
		}
	}

	if c.Secret != "" && c.Identity == "" {
		return &ValidationError{Field: "Identity", Message: "required when Secret is set"}
	}

	if c.SyncInterval < 0 {
		return &ValidationError{Field: "SyncInterval", Message: "must be non-negative"}
	}
	if c.RetryCeiling < 0 {
		return &ValidationError{Field: "RetryCeiling", Message: "must be non-negative"}
	}
	if c.RateLimitCooldown < 0 {
		return &ValidationError{Field: "RateLimitCooldown", Message: "must be non-negative"}
	}
	if c.RequestsPerSecond < 0 {
		return &ValidationError{Field: "RequestsPerSecond", Message: "must be non-negative"}
	}

	return nil
}

// IsOffline returns true if the client operates in offline-only mode.
func (c *Config) IsOffline() bool {
	return c.ServerURL == ""
}

// WithDefaults fills in default values for unset fields.
// Branch resolution: explicit Branch field > POSSYNC_BRANCH env > "default".
// LocalPath is derived from the resolved branch if not explicitly set.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Branch == "" {
		resolved, err := store.ResolveBranch("")
		if err == nil {
			c.Branch = resolved
		} else {
			c.Branch = "default"
		}
	}

	if c.LocalPath == "" {
		c.LocalPath = store.BranchDBPath(c.Branch)
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = defaults.SyncInterval
	}
	if c.RetryCeiling == 0 {
		c.RetryCeiling = defaults.RetryCeiling
	}
	if c.RateLimitCooldown == 0 {
		c.RateLimitCooldown = defaults.RateLimitCooldown
	}
	if c.EnqueueDebounce == 0 {
		c.EnqueueDebounce = defaults.EnqueueDebounce
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.DeviceID == "" {
		c.DeviceID = defaults.DeviceID
	}

	return c
}
