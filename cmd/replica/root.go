package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omnii/replica/internal/config"
	"github.com/omnii/replica/internal/credentials"
	"github.com/omnii/replica/internal/logging"
	"github.com/omnii/replica/internal/replica/cache"
	"github.com/omnii/replica/internal/replica/connector"
	"github.com/omnii/replica/internal/replica/daemon"
	"github.com/omnii/replica/internal/replica/db"
	"github.com/omnii/replica/internal/replica/metrics"
	"github.com/omnii/replica/internal/replica/outbox"
)

// credentialSkew is how long before expiry a session stops being used.
const credentialSkew = 30 * time.Second

// app carries flags and lazily opened components for one invocation.
type app struct {
	configFile string
	dataDir    string
	remoteURL  string
	logLevel   string
	jsonOut    bool

	cfg    *config.Config
	logger *zap.Logger
	flush  func()

	store   *db.DB
	metrics *metrics.Collector
	outbox  *outbox.Outbox
	cache   *cache.Cache
	conn    *connector.HTTPConnector
}

// run executes the CLI with args and releases everything it opened.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root, a := newRootCmd()
	defer a.close()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}

	root := &cobra.Command{
		Use:   "replica",
		Short: "Local-first replica of the remote graph store",
		Long: `replica keeps a local SQLite copy of the remote graph store.

Reads are served from the local store or the policy-driven query cache.
Local writes are applied immediately and queued in an outbox; the sync
loop uploads them, polls remote changes and applies them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (default: replica.yaml in . or ~/.replica)")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "directory holding the local store")
	root.PersistentFlags().StringVar(&a.remoteURL, "remote", "", "remote base URL")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print JSON")

	root.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	root.AddCommand(
		newSyncCmd(a),
		newDaemonCmd(a),
		newStatusCmd(a),
		newResetCmd(a),
		newLoginCmd(a),
		newLogoutCmd(a),

		newPutCmd(a),
		newDeleteCmd(a),
		newQueryCmd(a),
		newGetCmd(a),
		newOutboxCmd(a),

		newPolicyCmd(a),
		newCacheCmd(a),
		newRemoteSimCmd(a),
		newLoadtestCmd(a),
	)
	return root, a
}

// setup loads the configuration and builds the logger.
func (a *app) setup(_ context.Context) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if a.remoteURL != "" {
		cfg.Remote.BaseURL = a.remoteURL
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logger, flush, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	a.logger, a.flush = logger, flush
	return nil
}

// openStore opens the local store, the outbox and the cache.
func (a *app) openStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	store, recovered, err := db.OpenOrRecover(ctx, a.cfg.DBPath(), db.Options{Logger: a.logger})
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	if recovered {
		a.logger.Warn("local store was unreadable and has been re-created; the next sync repopulates it")
	}
	if a.cfg.DeviceID != "" {
		if err := store.SetDeviceID(ctx, a.cfg.DeviceID); err != nil {
			_ = store.Close()
			return err
		}
	}

	table, err := a.cfg.Policies()
	if err != nil {
		_ = store.Close()
		return err
	}

	a.store = store
	a.metrics = metrics.New()
	a.outbox = outbox.New(store, outbox.Options{
		Logger:      a.logger,
		Metrics:     a.metrics,
		MaxAttempts: a.cfg.Sync.MaxUploadAttempts,
	})
	a.cache = cache.New(store, table, cache.Options{
		Logger:       a.logger,
		Metrics:      a.metrics,
		FetchTimeout: a.cfg.Cache.FetchTimeout,
		RefreshAhead: a.cfg.Cache.RefreshAhead,
	})
	return nil
}

// credentialSource prefers a configured static token over the session file.
func (a *app) credentialSource() credentials.Source {
	if a.cfg.Remote.Token != "" {
		return credentials.Static(a.cfg.Remote.Token, time.Time{})
	}
	return credentials.FileSource{Path: a.cfg.CredentialsPath()}
}

func (a *app) openRemote() error {
	if a.conn != nil {
		return nil
	}
	conn, err := connector.NewHTTP(credentials.NewCache(a.credentialSource(), credentialSkew), connector.Options{
		BaseURL:         a.cfg.Remote.BaseURL,
		RequestTimeout:  a.cfg.Remote.RequestTimeout,
		MaxRetries:      a.cfg.Remote.MaxRetries,
		BreakerFailures: uint32(a.cfg.Remote.BreakerFailures),
		BreakerTimeout:  a.cfg.Remote.BreakerTimeout,
		Logger:          a.logger,
	})
	if err != nil {
		return err
	}
	a.conn = conn
	return nil
}

// newDaemon opens everything a sync cycle needs.
func (a *app) newDaemon(ctx context.Context) (*daemon.Daemon, error) {
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openRemote(); err != nil {
		return nil, err
	}
	return daemon.New(a.store, a.outbox, a.conn, a.cache, daemon.Config{
		Interval:       a.cfg.Sync.Interval,
		BatchSize:      a.cfg.Sync.BatchSize,
		PollLimit:      a.cfg.Sync.PollLimit,
		MaxRetries:     a.cfg.Sync.MaxRetries,
		InitialBackoff: a.cfg.Sync.InitialBackoff,
		MaxBackoff:     a.cfg.Sync.MaxBackoff,
		Logger:         a.logger,
		Metrics:        a.metrics,
	})
}

func (a *app) close() {
	if a.cache != nil {
		a.cache.Wait()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.flush != nil {
		a.flush()
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
