package possync_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/CharlySistemas23/possync"
)

func TestConfig_Validate_ValidLocalOnly(t *testing.T) {
	cfg := possync.Config{LocalPath: "/tmp/test.db"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() returned error for valid local-only config: %v", err)
	}
}

func TestConfig_Validate_ValidWithServer(t *testing.T) {
	cfg := possync.Config{
		LocalPath: "/tmp/test.db",
		ServerURL: "https://pos.example.com",
		Identity:  "cashier",
		Secret:    "pw",
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() returned error for valid config: %v", err)
	}
}

func TestConfig_Validate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		cfg   possync.Config
		field string
	}{
		{"missing local path", possync.Config{}, "LocalPath"},
		{"bad branch", possync.Config{LocalPath: "x.db", Branch: "Bad Branch"}, "Branch"},
		{"relative server url", possync.Config{LocalPath: "x.db", ServerURL: "pos.local"}, "ServerURL"},
		{"secret without identity", possync.Config{LocalPath: "x.db", Secret: "pw"}, "Identity"},
		{"negative interval", possync.Config{LocalPath: "x.db", SyncInterval: -time.Second}, "SyncInterval"},
		{"negative ceiling", possync.Config{LocalPath: "x.db", RetryCeiling: -1}, "RetryCeiling"},
		{"negative cooldown", possync.Config{LocalPath: "x.db", RateLimitCooldown: -time.Second}, "RateLimitCooldown"},
		{"negative rps", possync.Config{LocalPath: "x.db", RequestsPerSecond: -1}, "RequestsPerSecond"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			var ve *possync.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() returned %v, want *ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("ValidationError.Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestConfig_IsOffline(t *testing.T) {
	if !(&possync.Config{}).IsOffline() {
		t.Error("IsOffline() = false without a server URL")
	}
	if (&possync.Config{ServerURL: "http://pos:8080"}).IsOffline() {
		t.Error("IsOffline() = true with a server URL")
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Setenv("POSSYNC_HOME", t.TempDir())
	t.Setenv("POSSYNC_BRANCH", "")

	cfg := possync.Config{Branch: "norte"}.WithDefaults()

	if cfg.SyncInterval != possync.DefaultSyncInterval {
		t.Errorf("SyncInterval = %v, want %v", cfg.SyncInterval, possync.DefaultSyncInterval)
	}
	if cfg.RetryCeiling != possync.DefaultRetryCeiling {
		t.Errorf("RetryCeiling = %d, want %d", cfg.RetryCeiling, possync.DefaultRetryCeiling)
	}
	if cfg.RateLimitCooldown != possync.DefaultRateLimitCooldown {
		t.Errorf("RateLimitCooldown = %v, want %v", cfg.RateLimitCooldown, possync.DefaultRateLimitCooldown)
	}
	if filepath.Base(filepath.Dir(cfg.LocalPath)) != "norte" {
		t.Errorf("LocalPath = %q, want it under the norte branch directory", cfg.LocalPath)
	}
}

func TestConfig_WithDefaults_ResolvesBranchFromEnv(t *testing.T) {
	t.Setenv("POSSYNC_HOME", t.TempDir())
	t.Setenv("POSSYNC_BRANCH", "sur")

	cfg := possync.Config{}.WithDefaults()
	if cfg.Branch != "sur" {
		t.Errorf("Branch = %q, want sur", cfg.Branch)
	}
}

func TestConfig_WithDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := possync.Config{
		LocalPath:    "/data/pos.db",
		Branch:       "centro",
		SyncInterval: time.Minute,
		RetryCeiling: 9,
	}.WithDefaults()

	if cfg.LocalPath != "/data/pos.db" || cfg.SyncInterval != time.Minute || cfg.RetryCeiling != 9 {
		t.Errorf("WithDefaults overrode explicit values: %+v", cfg)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("POSSYNC_DB_PATH", "/tmp/pos.db")
	t.Setenv("POSSYNC_BRANCH", "centro")
	t.Setenv("POSSYNC_SERVER_URL", "https://pos.example.com")
	t.Setenv("POSSYNC_IDENTITY", "cashier")
	t.Setenv("POSSYNC_SECRET", "pw")
	t.Setenv("POSSYNC_DEVICE_ID", "till-3")
	t.Setenv("POSSYNC_SYNC_INTERVAL", "30s")
	t.Setenv("POSSYNC_RETRY_CEILING", "7")
	t.Setenv("POSSYNC_DEBUG", "1")

	cfg := possync.ConfigFromEnv()

	if cfg.LocalPath != "/tmp/pos.db" || cfg.Branch != "centro" || cfg.ServerURL != "https://pos.example.com" {
		t.Errorf("paths = %+v", cfg)
	}
	if cfg.Identity != "cashier" || cfg.Secret != "pw" || cfg.DeviceID != "till-3" {
		t.Errorf("identity = %+v", cfg)
	}
	if cfg.SyncInterval != 30*time.Second || cfg.RetryCeiling != 7 || !cfg.Debug {
		t.Errorf("tuning = %+v", cfg)
	}
}
