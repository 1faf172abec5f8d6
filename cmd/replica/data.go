package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/omnii/replica/internal/replica/cache"
	"github.com/omnii/replica/internal/replica/dashboard"
	"github.com/omnii/replica/internal/replica/policy"
	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/ui"
)

func newPutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "put <collection> [json]",
		GroupID: "data",
		Short:   "Write a record locally and queue it for upload",
		Long: `Write a record to the local store and append it to the outbox in one
transaction. The record is read from the argument or, when absent or "-",
from stdin. A missing updatedAt is set to the current time.

Examples:
  replica put entities '{"id":"t1","entityType":"task","name":"write report"}'
  replica put relationships '{"fromEntityId":"t1","toEntityId":"c1","relationshipType":"assigned_to"}'
  cat event.json | replica put events`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			collection, err := parseCollection(args[0])
			if err != nil {
				return err
			}

			var payload []byte
			if len(args) == 2 && args[1] != "-" {
				payload = []byte(args[1])
			} else if payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return fmt.Errorf("failed to read record from stdin: %w", err)
			}
			if !json.Valid(payload) {
				return errors.New("record is not valid JSON")
			}

			if err := a.openStore(ctx); err != nil {
				return err
			}
			rec, err := a.outbox.Enqueue(ctx, collection, schema.KindUpsert, "", payload)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), rec)
			}
			ui.New(cmd.OutOrStdout()).Successf("Saved %s %s (op %d pending upload)", collection, rec.EntityID, rec.OpID)
			return nil
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <collection> <id>",
		GroupID: "data",
		Short:   "Delete a record locally and queue the deletion",
		Long: `Delete a record from the local store and queue the deletion for upload.
Relationship ids have the form from--type--to.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			collection, err := parseCollection(args[0])
			if err != nil {
				return err
			}
			if err := a.openStore(ctx); err != nil {
				return err
			}
			rec, err := a.outbox.Enqueue(ctx, collection, schema.KindDelete, args[1], nil)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), rec)
			}
			ui.New(cmd.OutOrStdout()).Successf("Deleted %s %s (op %d pending upload)", collection, rec.EntityID, rec.OpID)
			return nil
		},
	}
}

func newQueryCmd(a *app) *cobra.Command {
	var (
		where []string
		order string
		desc  bool
		limit int
	)
	cmd := &cobra.Command{
		Use:     "query <collection>",
		GroupID: "data",
		Short:   "Query the local store",
		Long: `Query records in the local store. Conditions are field=op:value with op
one of eq, ne, lt, lte, gt, gte, prefix; a value without op compares for
equality. Time fields take RFC 3339 values.

Examples:
  replica query entities --where entityType=task --order name
  replica query events --where startTime=gte:2026-03-01T00:00:00Z --limit 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			values := url.Values{"collection": {args[0]}}
			for _, w := range where {
				field, cond, ok := strings.Cut(w, "=")
				if !ok || field == "" {
					return fmt.Errorf("invalid condition %q, want field=op:value", w)
				}
				values.Add(field, cond)
			}
			if order != "" {
				values.Set("order", order)
			}
			if desc {
				values.Set("desc", "true")
			}
			if limit > 0 {
				values.Set("limit", strconv.Itoa(limit))
			}
			q, err := dashboard.ParseQuery(values)
			if err != nil {
				return err
			}

			if err := a.openStore(ctx); err != nil {
				return err
			}
			records, err := a.store.Query(ctx, q)
			if err != nil {
				return err
			}
			if a.jsonOut {
				if records == nil {
					records = []schema.Record{}
				}
				return writeJSON(cmd.OutOrStdout(), records)
			}
			printRecords(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&where, "where", "w", nil, "condition field=op:value (repeatable)")
	cmd.Flags().StringVar(&order, "order", "", "sort field")
	cmd.Flags().BoolVar(&desc, "desc", false, "sort descending")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	var (
		scopes  []string
		window  string
		refresh bool
	)
	cmd := &cobra.Command{
		Use:     "get <category>",
		GroupID: "data",
		Short:   "Cache-first read of a remote query",
		Long: `Read a query result through the policy-driven cache. A fresh cached
result is returned without contacting the remote; otherwise the remote is
queried and the result cached for the category's TTL. When the remote is
unavailable a stale cached result is served and marked as such.

--window takes a natural-language day ("today", "next friday") and scopes
the query to that day.

Examples:
  replica get contacts
  replica get events --window tomorrow
  replica get tasks --scope project=alpha`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			category := policy.Category(args[0])

			scope, err := buildScope(scopes, window, time.Now())
			if err != nil {
				return err
			}

			if err := a.openStore(ctx); err != nil {
				return err
			}
			if err := a.openRemote(); err != nil {
				return err
			}

			scopeKey := cache.ScopeKey(scope)
			if refresh {
				if _, err := a.cache.Invalidate(ctx, category, scopeKey); err != nil {
					return err
				}
			}
			res, err := a.cache.Get(ctx, category, scopeKey, func(ctx context.Context) ([]byte, error) {
				return a.conn.Query(ctx, string(category), scope)
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.jsonOut {
				return writeJSON(out, map[string]any{
					"source":    res.Source,
					"stale":     res.Stale,
					"fetchedAt": res.FetchedAt,
					"expiresAt": res.ExpiresAt,
					"data":      json.RawMessage(res.Payload),
				})
			}

			p := ui.New(cmd.ErrOrStderr())
			switch {
			case res.Err != nil:
				p.Warnf("Remote unavailable, showing result from %s (%v)", res.FetchedAt.Local().Format(time.Stamp), res.Err)
			case res.Stale:
				p.Warnf("Stale result from %s, refreshing in background", res.FetchedAt.Local().Format(time.Stamp))
			}
			var pretty any
			if err := json.Unmarshal(res.Payload, &pretty); err != nil {
				_, err = out.Write(append(res.Payload, '\n'))
				return err
			}
			return writeJSON(out, pretty)
		},
	}
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "scope parameter key=value (repeatable)")
	cmd.Flags().StringVar(&window, "window", "", "natural-language day, e.g. today or next monday")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "invalidate the cached result first")
	return cmd
}

func newOutboxCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "outbox",
		GroupID: "data",
		Short:   "Inspect and retry queued local writes",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List outbox records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.openStore(ctx); err != nil {
				return err
			}
			records, err := a.outbox.Records(ctx)
			if err != nil {
				return err
			}
			if a.jsonOut {
				if records == nil {
					records = []schema.OutboxRecord{}
				}
				return writeJSON(cmd.OutOrStdout(), records)
			}
			rows := make([][]string, 0, len(records))
			for _, r := range records {
				rows = append(rows, []string{
					strconv.FormatInt(r.OpID, 10),
					string(r.Collection),
					string(r.Kind),
					r.EntityID,
					string(r.State),
					strconv.Itoa(r.Attempts),
					r.LastError,
				})
			}
			ui.New(cmd.OutOrStdout()).Table([]string{"OP", "COLLECTION", "KIND", "ID", "STATE", "ATTEMPTS", "LAST ERROR"}, rows)
			return nil
		},
	}

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Return parked records to the upload queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.openStore(ctx); err != nil {
				return err
			}
			n, err := a.outbox.Retry(ctx)
			if err != nil {
				return err
			}
			ui.New(cmd.OutOrStdout()).Successf("%d parked records queued for upload", n)
			return nil
		},
	}

	cmd.AddCommand(list, retry)
	return cmd
}

func parseCollection(s string) (schema.Collection, error) {
	c := schema.Collection(s)
	if !c.IsValid() {
		return "", fmt.Errorf("unknown collection %q (want entities, events or relationships)", s)
	}
	return c, nil
}

// buildScope turns --scope key=value pairs and an optional --window into
// the scope sent to the remote and hashed into the cache key.
func buildScope(pairs []string, window string, now time.Time) (map[string]string, error) {
	scope := map[string]string{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid scope %q, want key=value", p)
		}
		scope[k] = v
	}
	if window != "" {
		from, to, err := parseWindow(window, now)
		if err != nil {
			return nil, err
		}
		scope["from"] = from.UTC().Format(time.RFC3339)
		scope["to"] = to.UTC().Format(time.RFC3339)
	}
	return scope, nil
}

// parseWindow resolves a natural-language day to [start of day, next day).
func parseWindow(text string, now time.Time) (time.Time, time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to parse window %q: %w", text, err)
	}
	var day time.Time
	switch {
	case r != nil:
		day = r.Time
	case strings.EqualFold(strings.TrimSpace(text), "today"):
		day = now
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("could not understand window %q", text)
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return start, start.AddDate(0, 0, 1), nil
}

func printRecords(w io.Writer, records []schema.Record) {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{rec.Key(), rec.Updated().Local().Format("2006-01-02 15:04"), summarize(rec)})
	}
	p := ui.New(w)
	p.Table([]string{"ID", "UPDATED", "SUMMARY"}, rows)
	fmt.Fprintf(w, "\n%d records\n", len(records))
}

func summarize(rec schema.Record) string {
	switch r := rec.(type) {
	case *schema.Entity:
		return fmt.Sprintf("[%s] %s", r.EntityType, r.Name)
	case *schema.Event:
		return fmt.Sprintf("%s (%s - %s)", r.Title, r.StartTime.Local().Format("Jan 2 15:04"), r.EndTime.Local().Format("15:04"))
	case *schema.Relationship:
		return fmt.Sprintf("%s --%s--> %s", r.FromEntityID, r.RelationshipType, r.ToEntityID)
	default:
		return ""
	}
}
