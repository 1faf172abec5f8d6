package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omnii/replica/internal/config"
	"github.com/omnii/replica/internal/credentials"
	"github.com/omnii/replica/internal/replica/dashboard"
	"github.com/omnii/replica/internal/replica/policy"
	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
	"github.com/omnii/replica/internal/ui"
)

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "sync",
		GroupID: "sync",
		Short:   "Run one sync cycle",
		Long: `Run one reconciliation cycle against the remote:
  1. Upload pending outbox records
  2. Poll remote changes since the stored checkpoint
  3. Apply them together with the new checkpoint
  4. Invalidate eager cache categories touched by the changes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := a.newDaemon(ctx)
			if err != nil {
				return err
			}

			report, err := d.RunOnce(ctx)
			if a.jsonOut {
				if jerr := writeJSON(cmd.OutOrStdout(), map[string]any{"report": report, "status": d.Status()}); jerr != nil {
					return jerr
				}
				return err
			}

			p := ui.New(cmd.OutOrStdout())
			if err != nil {
				p.Field("State", p.SyncState(d.Status()), 12)
				if syncerr.IsAuth(err) {
					p.Errorf("Not signed in. Run 'replica login' first.")
				}
				return err
			}
			p.Successf("Sync complete in %v", report.Duration.Round(time.Millisecond))
			p.Field("Uploaded", report.Uploaded, 12)
			if report.Rejected > 0 {
				p.Field("Rejected", report.Rejected, 12)
			}
			p.Field("Applied", report.Applied, 12)
			if report.Invalid > 0 {
				p.Field("Skipped", fmt.Sprintf("%d invalid", report.Invalid), 12)
			}
			p.Field("Checkpoint", report.Checkpoint, 12)
			if len(report.Invalidated) > 0 {
				p.Field("Invalidated", joinCategories(report.Invalidated), 12)
			}
			return nil
		},
	}
}

func newDaemonCmd(a *app) *cobra.Command {
	var (
		withDashboard bool
		port          int
	)
	cmd := &cobra.Command{
		Use:     "daemon",
		GroupID: "sync",
		Short:   "Run the sync loop in the foreground",
		Long: `Run the reconciliation loop until interrupted.

With --dashboard the process also serves:
  ws://localhost:<port>/ws?collection=...   live query results and sync status
  http://localhost:<port>/health
  http://localhost:<port>/status
  http://localhost:<port>/metrics

When cache.policy_file is configured it is watched and hot-reloaded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := a.newDaemon(ctx)
			if err != nil {
				return err
			}

			if a.cfg.Cache.PolicyFile != "" {
				w, err := config.WatchPolicy(a.cfg.Cache.PolicyFile, func(t *policy.Table) {
					a.cache.SetPolicies(t)
				}, a.logger)
				if err != nil {
					return err
				}
				defer func() { _ = w.Stop() }()
			}

			var server *dashboard.Server
			if withDashboard {
				if !cmd.Flags().Changed("port") {
					port = a.cfg.Dashboard.Port
				}
				server = dashboard.NewServer(a.store, d, &dashboard.Config{
					Port:    port,
					Logger:  a.logger,
					Metrics: a.metrics,
				})
				if err := server.Start(); err != nil {
					return fmt.Errorf("failed to start dashboard: %w", err)
				}
			}

			if err := d.Start(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Syncing with %s every %v\n", a.cfg.Remote.BaseURL, a.cfg.Sync.Interval)
			if server != nil {
				fmt.Fprintf(out, "Dashboard on http://%s (ws endpoint /ws)\n", server.Addr())
			}
			fmt.Fprintln(out, "Press Ctrl+C to stop...")

			<-ctx.Done()

			fmt.Fprintln(out, "\nShutting down...")
			d.Stop()
			if server != nil {
				if err := server.Stop(); err != nil {
					a.logger.Warn("dashboard shutdown failed", zap.Error(err))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withDashboard, "dashboard", false, "serve the dashboard")
	cmd.Flags().IntVar(&port, "port", 8080, "dashboard port (default from config)")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	var checkRemote bool
	cmd := &cobra.Command{
		Use:     "status",
		GroupID: "sync",
		Short:   "Show local store and outbox status",
		Long: `Display the local replica status:
  - store location and size
  - record counts per collection
  - outbox depth and parked records
  - sync checkpoint
  - remote reachability (with --remote-check)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.openStore(ctx); err != nil {
				return err
			}
			stats, err := a.store.Stats(ctx)
			if err != nil {
				return err
			}
			deviceID, err := a.store.DeviceID(ctx)
			if err != nil {
				return err
			}

			var remoteErr error
			if checkRemote {
				if err := a.openRemote(); err != nil {
					return err
				}
				remoteErr = a.conn.Health(ctx)
			}

			if a.jsonOut {
				body := map[string]any{"deviceId": deviceID, "store": stats}
				if checkRemote {
					body["remoteReachable"] = remoteErr == nil
				}
				return writeJSON(cmd.OutOrStdout(), body)
			}

			p := ui.New(cmd.OutOrStdout())
			p.Header("Local store")
			p.Field("Path", stats.Path, 12)
			p.Field("Size", formatBytes(stats.SizeBytes), 12)
			p.Field("Device", deviceID, 12)
			for _, c := range schema.Collections {
				p.Field(capitalize(string(c)), stats.Records[c], 12)
			}
			p.Field("Cached", stats.CacheEntries, 12)

			p.Header("Sync")
			checkpoint := stats.Checkpoint
			if checkpoint == "" {
				checkpoint = "(never synced)"
			}
			p.Field("Checkpoint", checkpoint, 12)
			p.Field("Pending", stats.Outbox[schema.StatePending]+stats.Outbox[schema.StateUploading], 12)
			if parked := stats.Outbox[schema.StateFailed]; parked > 0 {
				p.Warnf("%d outbox records parked after repeated rejection; see 'replica outbox list'", parked)
			}
			if checkRemote {
				if remoteErr != nil {
					p.Errorf("Remote %s unreachable: %v", a.cfg.Remote.BaseURL, remoteErr)
				} else {
					p.Successf("Remote %s reachable", a.cfg.Remote.BaseURL)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkRemote, "remote-check", false, "check that the remote answers")
	return cmd
}

func newResetCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:     "reset",
		GroupID: "sync",
		Short:   "Clear the local store",
		Long: `Delete every replicated record, cached result, outbox record and the
sync checkpoint. Unsynced local writes are lost. The next sync re-populates
the store from the remote.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("reset discards unsynced writes; pass --yes to confirm")
			}
			ctx := cmd.Context()
			d, err := a.newDaemon(ctx)
			if err != nil {
				return err
			}
			if err := d.Reset(ctx); err != nil {
				return err
			}
			ui.New(cmd.OutOrStdout()).Successf("Local store cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm")
	return cmd
}

func newLoginCmd(a *app) *cobra.Command {
	var (
		token     string
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:     "login",
		GroupID: "sync",
		Short:   "Store a session token for the remote",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				token = os.Getenv("REPLICA_TOKEN")
			}
			if token == "" {
				return errors.New("--token is required")
			}
			s := credentials.Session{AccessToken: token}
			if expiresIn > 0 {
				s.ExpiresAt = time.Now().Add(expiresIn).UTC()
			}
			src := credentials.FileSource{Path: a.cfg.CredentialsPath()}
			if err := src.Save(s); err != nil {
				return err
			}
			ui.New(cmd.OutOrStdout()).Successf("Session saved to %s", src.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default $REPLICA_TOKEN)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "session lifetime; zero never expires")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "logout",
		GroupID: "sync",
		Short:   "Forget the session and clear the local store",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := a.newDaemon(ctx)
			if err != nil {
				return err
			}
			if err := (credentials.FileSource{Path: a.cfg.CredentialsPath()}).Clear(); err != nil {
				return err
			}
			if err := d.Reset(ctx); err != nil {
				return err
			}
			ui.New(cmd.OutOrStdout()).Successf("Signed out and cleared the local store")
			return nil
		},
	}
}

func joinCategories(cats []policy.Category) string {
	parts := make([]string, len(cats))
	for i, c := range cats {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
