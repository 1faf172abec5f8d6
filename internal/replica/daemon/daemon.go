// Package daemon runs the reconciliation loop: it uploads the outbox,
// polls the remote store for changes, and applies them to the local store
// together with the new checkpoint.
//
// Only one cycle runs at a time. Triggers that arrive while a cycle is in
// flight coalesce into the next cycle. Transient failures are retried with
// exponential backoff; when the retry budget is spent the daemon reports
// itself degraded through Status and keeps serving cached reads.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/omnii/replica/internal/replica/cache"
	"github.com/omnii/replica/internal/replica/connector"
	"github.com/omnii/replica/internal/replica/db"
	"github.com/omnii/replica/internal/replica/metrics"
	"github.com/omnii/replica/internal/replica/outbox"
	"github.com/omnii/replica/internal/replica/policy"
	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
)

// Config holds configuration for the daemon.
type Config struct {
	// Interval between periodic cycles. Default 30s.
	Interval time.Duration

	// BatchSize caps outbox records per upload. Default 100.
	BatchSize int

	// PollLimit caps changes per poll page. Zero lets the remote decide.
	PollLimit int

	// MaxRetries is the number of attempts per cycle before the daemon
	// reports itself degraded. Default 5.
	MaxRetries int

	// InitialBackoff and MaxBackoff bound the delay between attempts.
	// Defaults 500ms and 30s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		BatchSize:      100,
		MaxRetries:     5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

func (c *Config) fill() {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Report summarizes one RunOnce call.
type Report struct {
	// Skipped is set when another cycle was already running.
	Skipped     bool
	Attempts    int
	Uploaded    int
	Rejected    int
	Applied     int
	Invalid     int
	Checkpoint  string
	Invalidated []policy.Category
	Duration    time.Duration
}

// Daemon orchestrates connector calls against the local store.
type Daemon struct {
	store  *db.DB
	outbox *outbox.Outbox
	conn   connector.Connector
	cache  *cache.Cache
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	// cycleMu is held for the whole of a cycle.
	cycleMu   sync.Mutex
	resetting atomic.Int32

	mu          sync.Mutex
	status      Status
	observers   map[chan Status]struct{}
	cycleCancel context.CancelFunc

	trigger chan struct{}
	running atomic.Bool
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a daemon. c may be nil when no cache-first reads are served;
// otherwise eager cache categories are invalidated after every applied
// change batch.
func New(store *db.DB, ob *outbox.Outbox, conn connector.Connector, c *cache.Cache, config Config) (*Daemon, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if ob == nil {
		return nil, fmt.Errorf("outbox cannot be nil")
	}
	if conn == nil {
		return nil, fmt.Errorf("connector cannot be nil")
	}
	config.fill()
	return &Daemon{
		store:     store,
		outbox:    ob,
		conn:      conn,
		cache:     c,
		config:    config,
		logger:    config.Logger.Named("daemon"),
		tracer:    otel.Tracer("github.com/omnii/replica/daemon"),
		status:    Status{State: StateIdle},
		observers: make(map[chan Status]struct{}),
		trigger:   make(chan struct{}, 1),
	}, nil
}

// Start runs a cycle immediately and then every Interval, plus whenever
// Trigger is called, until Stop is called or ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("daemon already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.stop = cancel
	d.mu.Unlock()

	d.logger.Info("starting", zap.Duration("interval", d.config.Interval))
	d.wg.Add(1)
	go d.loop(loopCtx)
	return nil
}

// Stop cancels any in-flight cycle and waits for the loop to exit.
func (d *Daemon) Stop() {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	d.wg.Wait()
	d.running.Store(false)
	d.logger.Info("stopped")
}

// Trigger requests a cycle as soon as possible. Calls made while a cycle
// is pending or running coalesce into one.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Daemon) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	d.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.trigger:
		}
		d.runLogged(ctx)
	}
}

func (d *Daemon) runLogged(ctx context.Context) {
	if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil && syncerr.IsFatal(err) {
		d.logger.Error("sync cycle failed", zap.Error(err))
	}
}

// RunOnce runs one reconciliation cycle, retrying transient failures. It
// returns immediately with Report.Skipped when a cycle is already running.
//
// The outcome is always reflected in Status. The returned error is nil on
// success; transport failures that exhausted the retry budget match
// syncerr.ErrSyncDegraded.
func (d *Daemon) RunOnce(ctx context.Context) (*Report, error) {
	if !d.cycleMu.TryLock() {
		return &Report{Skipped: true}, nil
	}
	defer d.cycleMu.Unlock()

	// Published before checking resetting: a Reset either sees the cancel
	// func or has already raised resetting.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.cycleCancel = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.cycleCancel = nil
		d.mu.Unlock()
	}()
	if d.resetting.Load() > 0 {
		return &Report{Skipped: true}, nil
	}

	ctx, span := d.tracer.Start(ctx, "daemon.RunOnce")
	defer span.End()

	start := time.Now()
	gen := d.store.Generation()
	d.updateStatus(func(s *Status) { s.LastAttempt = d.config.Now() })

	report := &Report{}
	attempts := 0
	b := &backoff.ExponentialBackOff{
		InitialInterval:     d.config.InitialBackoff,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         d.config.MaxBackoff,
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		r, err := d.cycle(ctx, gen)
		if r != nil {
			report = r
		}
		if err == nil || syncerr.IsRetryable(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.config.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.Debug("sync attempt failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", next))
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}

	report.Attempts = attempts
	report.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("cycle.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, d.fail(ctx, report, err)
	}
	d.succeed(ctx, report)
	return report, nil
}

func (d *Daemon) succeed(ctx context.Context, r *Report) {
	pending, parked := d.outboxDepth(ctx)
	d.updateStatus(func(s *Status) {
		if s.Degraded {
			d.logger.Info("sync recovered", zap.Int("failures", s.ConsecutiveFailures))
		}
		s.State = StateIdle
		s.Degraded = false
		s.NeedsAuth = false
		s.LastError = ""
		s.LastSuccess = d.config.Now()
		s.ConsecutiveFailures = 0
		s.Checkpoint = r.Checkpoint
		s.PendingOps = pending
		s.ParkedOps = parked
	})
	d.config.Metrics.SyncCycle("success", r.Duration)
	d.config.Metrics.SetDegraded(false)
	d.logger.Info("sync cycle complete",
		zap.Int("uploaded", r.Uploaded),
		zap.Int("rejected", r.Rejected),
		zap.Int("applied", r.Applied),
		zap.Int("attempts", r.Attempts),
		zap.String("checkpoint", r.Checkpoint),
		zap.Duration("duration", r.Duration))
}

func (d *Daemon) fail(ctx context.Context, r *Report, err error) error {
	// Cancellation and a reset during the cycle are not sync failures.
	if errors.Is(err, context.Canceled) || errors.Is(err, syncerr.ErrStaleGeneration) {
		d.setState(StateIdle)
		d.config.Metrics.SyncCycle("cancelled", r.Duration)
		return err
	}

	if errors.Is(err, syncerr.ErrCorruption) {
		d.logger.Error("local store corrupted during sync", zap.String("event", "corruption_reset"), zap.Error(err))
		if rerr := d.resetLocked(context.WithoutCancel(ctx)); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}

	auth := syncerr.IsAuth(err)
	pending, parked := d.outboxDepth(context.WithoutCancel(ctx))
	var degradedNow bool
	d.updateStatus(func(s *Status) {
		s.State = StateError
		s.LastError = err.Error()
		s.ConsecutiveFailures++
		s.NeedsAuth = auth
		s.PendingOps = pending
		s.ParkedOps = parked
		if !auth && !s.Degraded {
			s.Degraded = true
			degradedNow = true
		}
	})

	switch {
	case auth:
		d.config.Metrics.SyncCycle("unauthenticated", r.Duration)
		d.logger.Warn("sync needs authentication", zap.Error(err))
		return err
	case degradedNow:
		d.logger.Warn("sync degraded", zap.Int("attempts", r.Attempts), zap.Error(err))
	}
	d.config.Metrics.SyncCycle("degraded", r.Duration)
	d.config.Metrics.SetDegraded(true)
	if syncerr.IsFatal(err) {
		return err
	}
	return fmt.Errorf("%w: %w", syncerr.ErrSyncDegraded, err)
}

func (d *Daemon) outboxDepth(ctx context.Context) (int, int) {
	counts, err := d.store.OutboxCounts(ctx)
	if err != nil {
		return 0, 0
	}
	return counts[schema.StatePending] + counts[schema.StateUploading], counts[schema.StateFailed]
}

// Reset is the logout and corruption entrypoint. It cancels the in-flight
// cycle and waits for it, drops cached credentials, and empties the local
// store. A cycle that polled before the reset can never apply its changes
// afterwards.
func (d *Daemon) Reset(ctx context.Context) error {
	d.resetting.Add(1)
	defer d.resetting.Add(-1)

	d.mu.Lock()
	cancel := d.cycleCancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()
	return d.resetLocked(ctx)
}

// resetLocked runs with cycleMu held.
func (d *Daemon) resetLocked(ctx context.Context) error {
	d.conn.Invalidate()
	if err := d.store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset local store: %w", err)
	}
	d.updateStatus(func(s *Status) {
		*s = Status{State: StateIdle}
	})
	d.config.Metrics.SetDegraded(false)
	d.logger.Info("local store reset")
	return nil
}
