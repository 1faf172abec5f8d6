package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omnii/replica/internal/replica/cache"
	"github.com/omnii/replica/internal/replica/loadtest"
	"github.com/omnii/replica/internal/replica/policy"
	"github.com/omnii/replica/internal/replica/remotesim"
	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/ui"
)

func newPolicyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "policy",
		GroupID: "advanced",
		Short:   "Inspect the cache policy table",
	}

	var format string
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print the active policy table",
		Long: `Print the active policy table in a format cache.policy_file accepts.
Redirect the output to a file to start customizing policies.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := a.cfg.Policies()
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), table.Policies())
			}
			data, err := policy.Encode(table, policy.Format(format))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	dump.Flags().StringVar(&format, "format", string(policy.FormatYAML), "yaml or toml")

	show := &cobra.Command{
		Use:   "show",
		Short: "Summarize the active policy table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := a.cfg.Policies()
			if err != nil {
				return err
			}
			var rows [][]string
			for _, p := range table.Policies() {
				rows = append(rows, []string{
					string(p.Category),
					p.TTL.String(),
					string(p.Strategy),
					string(p.Volatility),
				})
			}
			ui.New(cmd.OutOrStdout()).Table([]string{"CATEGORY", "TTL", "STRATEGY", "VOLATILITY"}, rows)
			return nil
		},
	}

	cmd.AddCommand(dump, show)
	return cmd
}

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cache",
		GroupID: "advanced",
		Short:   "Invalidate or purge cached query results",
	}

	var (
		scopes []string
		window string
		all    bool
	)
	invalidate := &cobra.Command{
		Use:   "invalidate <category>",
		Short: "Mark cached results stale",
		Long: `Mark cached results of a category stale. They are refetched on the next
read and still serve as a fallback while the remote is unavailable. Without
--scope or --window every scope of the category is invalidated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			category := policy.Category(args[0])
			if err := a.openStore(ctx); err != nil {
				return err
			}
			if _, err := a.cache.Policies().Lookup(category); err != nil {
				return err
			}
			scopeKey := ""
			if len(scopes) > 0 || window != "" {
				scope, err := buildScope(scopes, window, time.Now())
				if err != nil {
					return err
				}
				scopeKey = cache.ScopeKey(scope)
			}
			n, err := a.cache.Invalidate(ctx, category, scopeKey)
			if err != nil {
				return err
			}
			ui.New(cmd.OutOrStdout()).Successf("%d cached %s results marked stale", n, category)
			return nil
		},
	}
	invalidate.Flags().StringArrayVar(&scopes, "scope", nil, "scope parameter key=value (repeatable)")
	invalidate.Flags().StringVar(&window, "window", "", "natural-language day, as for get")

	purge := &cobra.Command{
		Use:   "purge [category]",
		Short: "Delete cached results",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 0 && !all {
				return errors.New("name a category or pass --all")
			}
			if err := a.openStore(ctx); err != nil {
				return err
			}
			var category policy.Category
			if len(args) == 1 {
				category = policy.Category(args[0])
				if _, err := a.cache.Policies().Lookup(category); err != nil {
					return err
				}
			}
			n, err := a.cache.Purge(ctx, category)
			if err != nil {
				return err
			}
			ui.New(cmd.OutOrStdout()).Successf("%d cached results deleted", n)
			return nil
		},
	}
	purge.Flags().BoolVar(&all, "all", false, "purge every category")

	cmd.AddCommand(invalidate, purge)
	return cmd
}

func newRemoteSimCmd(a *app) *cobra.Command {
	var (
		addr     string
		token    string
		pageSize int
		seed     int
		latency  time.Duration
	)
	cmd := &cobra.Command{
		Use:     "remote-sim",
		GroupID: "advanced",
		Short:   "Serve an in-memory remote for local testing",
		Long: `Serve the sync and query API from memory. Useful for trying the
replica without a deployed remote:

  replica remote-sim --token dev --seed 50 &
  replica login --token dev
  replica sync`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sim := remotesim.New(remotesim.Options{
				Token:    token,
				PageSize: pageSize,
				Logger:   a.logger,
			})
			if latency > 0 {
				sim.SetLatency(latency)
			}
			if err := seedRemote(sim, seed); err != nil {
				return err
			}

			server := &http.Server{
				Addr:              addr,
				Handler:           sim.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			fmt.Fprintf(cmd.OutOrStdout(), "Remote simulator listening on %s\n", addr)
			a.logger.Info("remote simulator started", zap.String("addr", addr), zap.Int("seeded", seed))

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("remote simulator failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return err
			}
			stats := sim.Stats()
			a.logger.Info("remote simulator stopped",
				zap.Int64("uploads", stats.Uploads),
				zap.Int64("polls", stats.Polls),
				zap.Int64("queries", stats.Queries))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7420", "listen address")
	cmd.Flags().StringVar(&token, "token", "", "required bearer token (empty disables auth)")
	cmd.Flags().IntVar(&pageSize, "page-size", 100, "changes per poll response")
	cmd.Flags().IntVar(&seed, "seed", 0, "number of entities to create at startup")
	cmd.Flags().DurationVar(&latency, "latency", 0, "delay added to every request")
	return cmd
}

func newLoadtestCmd(a *app) *cobra.Command {
	var (
		clients  int
		reads    int
		scopes   int
		entities int
		latency  time.Duration
		seed     int64
	)
	cmd := &cobra.Command{
		Use:     "loadtest",
		GroupID: "advanced",
		Short:   "Measure cache-first read latency under concurrency",
		Long: `Run concurrent cache-first reads against an in-process remote simulator
and report latency percentiles, cache hit ratio and how many concurrent
misses were coalesced into a single remote request.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := a.cfg.Policies()
			if err != nil {
				return err
			}
			dir, err := os.MkdirTemp("", "replica-loadtest-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)

			h, err := loadtest.NewHarness(dir, loadtest.Config{
				Clients:        clients,
				ReadsPerClient: reads,
				Scopes:         scopes,
				Entities:       entities,
				RemoteLatency:  latency,
				Policies:       table,
				Seed:           seed,
				Logger:         a.logger,
			})
			if err != nil {
				return err
			}
			defer h.Close()

			res, err := h.Run(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				data, err := res.JSON()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			res.Print(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().IntVar(&clients, "clients", 50, "concurrent readers")
	cmd.Flags().IntVar(&reads, "reads", 20, "reads per client")
	cmd.Flags().IntVar(&scopes, "scopes", 4, "distinct scopes per category")
	cmd.Flags().IntVar(&entities, "entities", 300, "entities seeded on the remote")
	cmd.Flags().DurationVar(&latency, "latency", 20*time.Millisecond, "simulated remote latency (negative disables)")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed")
	return cmd
}

var seedTypes = []schema.EntityType{schema.EntityTask, schema.EntityContact, schema.EntityConcept}

func seedRemote(sim *remotesim.Server, n int) error {
	rng := rand.New(rand.NewSource(int64(n)))
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		typ := seedTypes[rng.Intn(len(seedTypes))]
		if _, err := sim.CreateEntity(typ, fmt.Sprintf("%s %d", typ, i+1), now); err != nil {
			return err
		}
	}
	return nil
}
