package loadtest

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/omnii/replica/internal/replica/cache"
)

func newHarness(t *testing.T, config Config) *Harness {
	t.Helper()
	h, err := NewHarness(t.TempDir(), config)
	if err != nil {
		t.Fatalf("NewHarness() failed: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// TestRun_CoalescesConcurrentMisses verifies that many readers on few keys
// cause far fewer remote requests than reads.
func TestRun_CoalescesConcurrentMisses(t *testing.T) {
	h := newHarness(t, Config{
		Clients:        20,
		ReadsPerClient: 10,
		Scopes:         2,
		Entities:       30,
		RemoteLatency:  20 * time.Millisecond,
		Seed:           42,
	})

	res, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if res.Reads != 200 {
		t.Errorf("Expected 200 reads, got %d", res.Reads)
	}
	if res.Errors > 0 {
		t.Errorf("Got %d errors during reads", res.Errors)
	}
	// 5 categories x 2 scopes; every entry stays fresh for the whole run.
	if res.RemoteQueries > 50 {
		t.Errorf("Expected coalesced fetches, got %d remote queries for %d reads", res.RemoteQueries, res.Reads)
	}
	if res.Sources[cache.SourceHit] == 0 {
		t.Error("Expected some cache hits")
	}
	if res.Latency.Count != res.Reads {
		t.Errorf("Latency count %d != reads %d", res.Latency.Count, res.Reads)
	}

	var out bytes.Buffer
	res.Print(&out)
	if !strings.Contains(out.String(), "Remote queries") {
		t.Errorf("Unexpected report:\n%s", out.String())
	}
	t.Log("\n" + out.String())
}

// TestRun_SecondRunIsServedFromCache verifies that a warm cache never
// reaches the remote.
func TestRun_SecondRunIsServedFromCache(t *testing.T) {
	h := newHarness(t, Config{
		Clients:        5,
		ReadsPerClient: 20,
		Scopes:         1,
		Entities:       9,
		RemoteLatency:  -1,
		Seed:           1,
	})
	ctx := context.Background()

	if _, err := h.Run(ctx); err != nil {
		t.Fatalf("first Run() failed: %v", err)
	}
	res, err := h.Run(ctx)
	if err != nil {
		t.Fatalf("second Run() failed: %v", err)
	}
	if res.RemoteQueries != 0 {
		t.Errorf("Expected no remote queries on a warm cache, got %d", res.RemoteQueries)
	}
	if res.Sources[cache.SourceHit] != res.Reads {
		t.Errorf("Expected %d hits, got %d", res.Reads, res.Sources[cache.SourceHit])
	}
}

func TestRun_CancelledContext(t *testing.T) {
	h := newHarness(t, Config{Clients: 2, ReadsPerClient: 2, Entities: 3, RemoteLatency: -1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.Run(ctx); err == nil {
		t.Error("Expected an error for a cancelled context")
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var ds []time.Duration
	for i := 1; i <= 100; i++ {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	s := computeLatencyStats(ds)
	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("Unexpected min/max: %v/%v", s.Min, s.Max)
	}
	if s.P50 != 51*time.Millisecond {
		t.Errorf("Unexpected P50: %v", s.P50)
	}
	if s.P99 != 100*time.Millisecond {
		t.Errorf("Unexpected P99: %v", s.P99)
	}
	if got := computeLatencyStats(nil); got.Count != 0 {
		t.Errorf("Expected empty stats, got %+v", got)
	}
}
