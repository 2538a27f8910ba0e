package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/CharlySistemas23/possync"
	"github.com/CharlySistemas23/possync/adapter"
	"github.com/CharlySistemas23/possync/internal/remote"
	"github.com/CharlySistemas23/possync/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile    string
	outputJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "possync",
	Short: "possync - offline-first point-of-sale sync",
	Long: `possync keeps a branch's local point-of-sale database in step with the
server of record.

Sales, customers and inventory changes are written locally first and queued.
The queue drains to the server whenever it is reachable, in the order the
changes were made.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $POSSYNC_HOME/config.yaml)")
	pf.BoolVar(&outputJSON, "json", false, "output in JSON format")
	pf.String("db-path", "", "path to the local SQLite database (default: derived from branch)")
	pf.String("branch", "", "branch id (default: $POSSYNC_BRANCH or \"default\")")
	pf.String("server-url", "", "base URL of the server of record (empty: offline)")
	pf.String("identity", "", "login identity for automatic re-authentication")
	pf.String("secret", "", "login secret for automatic re-authentication")
	pf.String("device-id", "", "terminal id sent in fallback mode (default: hostname)")
	pf.Bool("allow-fallback", true, "sync with branch/device headers when no token is available")
	pf.Duration("sync-interval", possync.DefaultSyncInterval, "background drain interval")
	pf.Int("retry-ceiling", possync.DefaultRetryCeiling, "transient failures before an entry is dropped")
	pf.Duration("rate-limit-cooldown", possync.DefaultRateLimitCooldown, "pause after a rate-limited pass without Retry-After")
	pf.Duration("request-timeout", possync.DefaultRequestTimeout, "timeout for each remote request")
	pf.Float64("rps", 0, "maximum outgoing requests per second (0: unlimited)")
	pf.Bool("debug", false, "enable debug logging")
	pf.String("log", "", "log file (default: stderr)")
}

// newViper layers flags over POSSYNC_* environment variables over the
// config file.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("POSSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(store.DefaultRoot())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func loadConfig(cmd *cobra.Command) (possync.Config, error) {
	v, err := newViper(cmd)
	if err != nil {
		return possync.Config{}, err
	}

	cfg := possync.Config{
		LocalPath:         v.GetString("db-path"),
		Branch:            v.GetString("branch"),
		ServerURL:         v.GetString("server-url"),
		Identity:          v.GetString("identity"),
		Secret:            v.GetString("secret"),
		DeviceID:          v.GetString("device-id"),
		AllowFallback:     v.GetBool("allow-fallback"),
		SyncInterval:      v.GetDuration("sync-interval"),
		RetryCeiling:      v.GetInt("retry-ceiling"),
		RateLimitCooldown: v.GetDuration("rate-limit-cooldown"),
		RequestTimeout:    v.GetDuration("request-timeout"),
		RequestsPerSecond: v.GetFloat64("rps"),
		Debug:             v.GetBool("debug"),
		LogPath:           v.GetString("log"),
	}
	if cfg.LocalPath != "" {
		cfg.LocalPath = filepath.Clean(cfg.LocalPath)
	}
	return cfg.WithDefaults(), nil
}

// openClient builds a client with the retail adapters wired to the HTTP
// transport, then starts its background loop if cfg.AutoSync is set. Extra
// options are appended after the defaults.
func openClient(cfg possync.Config, opts ...possync.Option) (*possync.Client, *zap.Logger, error) {
	logger, err := possync.NewLogger(cfg.Debug, cfg.LogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}

	rc := remote.NewHTTPClient(cfg.ServerURL,
		remote.WithTimeout(cfg.RequestTimeout),
		remote.WithRateLimit(cfg.RequestsPerSecond),
		remote.WithLogger(logger.Named("remote")),
	)

	base := []possync.Option{
		possync.WithAuthenticator(rc),
		possync.WithLogger(logger),
	}
	client, err := possync.New(cfg, append(base, opts...)...)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("initialize client: %w", err)
	}

	rc.WithCredentials(client.Session())
	if err := adapter.RegisterRetail(client.Registry(), rc); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("register adapters: %w", err)
	}
	client.Start()
	return client, logger, nil
}

// withClient opens a client for a one-shot command with the background
// loop disabled.
func withClient(cmd *cobra.Command, fn func(possync.Config, *possync.Client) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.AutoSync = false

	client, logger, err := openClient(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer client.Close()

	return fn(cfg, client)
}

// commandTimeout bounds a one-shot command that talks to the server.
func commandTimeout(cfg possync.Config) time.Duration {
	return cfg.RequestTimeout * 4
}
