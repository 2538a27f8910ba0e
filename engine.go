package possync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// errStale marks an upsert whose local record no longer exists.
var errStale = errors.New("local record no longer exists")

// EngineOptions configures an Engine. Zero values select the defaults.
type EngineOptions struct {
	// Session supplies the sync identity. Nil means requests need none.
	Session IdentityProvider

	Clock  func() time.Time
	Logger *zap.Logger

	RetryCeiling      int
	RateLimitCooldown time.Duration

	// Offline disables draining entirely.
	Offline bool

	// OnReport is called synchronously after every completed pass.
	OnReport func(Report)
}

// Engine drains the queue through the adapter registry, one entry at a time
// in enqueue order.
type Engine struct {
	queue    QueueStore
	local    LocalStore
	registry *Registry
	session  IdentityProvider

	now      func() time.Time
	logger   *zap.Logger
	ceiling  int
	cooldown time.Duration
	offline  bool
	onReport func(Report)

	reconciler *reconciler

	running atomic.Bool

	mu       sync.Mutex
	resumeAt time.Time
}

// NewEngine creates a sync engine over the given collaborators.
func NewEngine(queue QueueStore, local LocalStore, registry *Registry, opts EngineOptions) *Engine {
	e := &Engine{
		queue:    queue,
		local:    local,
		registry: registry,
		session:  opts.Session,
		now:      opts.Clock,
		logger:   opts.Logger,
		ceiling:  opts.RetryCeiling,
		cooldown: opts.RateLimitCooldown,
		offline:  opts.Offline,
		onReport: opts.OnReport,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.ceiling <= 0 {
		e.ceiling = DefaultRetryCeiling
	}
	if e.cooldown <= 0 {
		e.cooldown = DefaultRateLimitCooldown
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	e.reconciler = &reconciler{local: local, queue: queue, logger: e.logger}
	return e
}

// Running reports whether a drain pass is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// CooldownUntil returns the end of the current rate-limit cooldown, or the
// zero time when none is active.
func (e *Engine) CooldownUntil() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.now().Before(e.resumeAt) {
		return time.Time{}
	}
	return e.resumeAt
}

// Drain runs one pass over a snapshot of the queue.
//
// A call made while another pass runs returns ErrDrainInProgress without
// doing anything. Per-entry failures are reported, never returned; the error
// is reserved for unmet preconditions and queue store failures.
//
// Cancelling ctx stops the pass from starting further entries. An entry
// already started runs to completion, including its local bookkeeping.
func (e *Engine) Drain(ctx context.Context) (Report, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Report{}, ErrDrainInProgress
	}
	defer e.running.Store(false)

	if e.offline {
		return Report{}, ErrOffline
	}

	start := e.now()
	if until := e.CooldownUntil(); !until.IsZero() {
		return Report{RateLimited: true, ResumeAt: until}, ErrCoolingDown
	}

	entries, err := e.queue.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("drain: list queue: %w", err)
	}

	report := Report{StartedAt: start}
	if len(entries) > 0 && e.session != nil {
		if _, err := e.session.EnsureIdentity(ctx); err != nil {
			report.Remaining = len(entries)
			report.Aborted = true
			report.Duration = e.now().Sub(start)
			e.logger.Warn("drain aborted", zap.Int("remaining", report.Remaining), zap.Error(err))
			if e.onReport != nil {
				e.onReport(report)
			}
			return report, fmt.Errorf("drain: %w", err)
		}
	}

	e.logger.Debug("drain started", zap.Int("entries", len(entries)))

	work := context.WithoutCancel(ctx)
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		stop, err := e.process(work, entry, &report)
		if err != nil {
			return report, fmt.Errorf("drain: %w", err)
		}
		if stop {
			break
		}
	}

	remaining, err := e.queue.Size(work)
	if err != nil {
		return report, fmt.Errorf("drain: queue size: %w", err)
	}
	report.Remaining = remaining
	report.Duration = e.now().Sub(start)

	e.logger.Info("drain finished",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("remaining", report.Remaining),
		zap.Int("dropped", report.Dropped),
		zap.Bool("rate_limited", report.RateLimited))

	if e.onReport != nil {
		e.onReport(report)
	}
	return report, nil
}

// process handles one entry and records its outcome. It returns stop when
// the pass must not start further entries. Errors are queue store failures.
func (e *Engine) process(ctx context.Context, entry QueueEntry, report *Report) (bool, error) {
	log := e.logger.With(
		zap.String("entry_id", entry.ID),
		zap.String("entity_type", entry.EntityType),
		zap.String("entity_id", entry.EntityID),
		zap.String("op", string(entry.Op)))

	if entry.RetryCount >= e.ceiling {
		log.Warn("dropping entry past retry ceiling", zap.Int("retry_count", entry.RetryCount))
		return false, e.drop(ctx, entry, FailureRetryExhausted, "retry ceiling reached", report)
	}

	a, ok := e.registry.Lookup(entry.EntityType)
	if !ok {
		log.Error("no adapter registered, dropping entry")
		return false, e.drop(ctx, entry, FailureUnsupportedType, ErrUnsupportedType.Error(), report)
	}

	if a.IsServerDerived() {
		log.Debug("server-derived entity, dequeued without remote call")
		report.Derived++
		return false, e.complete(ctx, entry, log)
	}

	err := e.apply(ctx, a, entry)
	if Classify(err) == FailureAuthExpired && e.session != nil {
		if _, sessErr := e.session.HandleAuthExpired(ctx); sessErr != nil {
			log.Warn("re-authentication failed", zap.Error(sessErr))
		}
		err = e.apply(ctx, a, entry)
	}

	if err == nil {
		report.Succeeded++
		return false, e.complete(ctx, entry, log)
	}
	if errors.Is(err, errStale) {
		log.Debug("local record gone, dequeued as stale")
		report.Stale++
		return false, e.complete(ctx, entry, log)
	}

	kind := Classify(err)
	switch kind {
	case FailureRateLimited:
		wait := RetryAfter(err)
		if wait <= 0 {
			wait = e.cooldown
		}
		resumeAt := e.now().Add(wait)
		e.mu.Lock()
		e.resumeAt = resumeAt
		e.mu.Unlock()

		log.Warn("rate limited, pausing pass", zap.Duration("cooldown", wait))
		report.RateLimited = true
		report.ResumeAt = resumeAt
		report.Failed++
		report.Failures = append(report.Failures, failureFor(entry, kind, err, false))
		return true, nil

	case FailureValidation, FailureNotFound, FailureUnsupportedType:
		log.Warn("permanent failure, dropping entry", zap.Stringer("kind", kind), zap.Error(err))
		return false, e.drop(ctx, entry, kind, err.Error(), report)

	default:
		count, incErr := e.queue.IncrementRetry(ctx, entry.ID)
		if incErr != nil {
			return false, incErr
		}
		entry.RetryCount = count
		if count >= e.ceiling {
			log.Warn("retry ceiling reached, dropping entry", zap.Int("retry_count", count), zap.Error(err))
			return false, e.drop(ctx, entry, FailureRetryExhausted, err.Error(), report)
		}
		log.Info("transient failure, will retry", zap.Int("retry_count", count), zap.Error(err))
		report.Failed++
		report.Failures = append(report.Failures, failureFor(entry, FailureTransient, err, false))
		return false, nil
	}
}

// complete dequeues entry unless it was enqueued again while in flight.
func (e *Engine) complete(ctx context.Context, entry QueueEntry, log *zap.Logger) error {
	removed, err := e.queue.Complete(ctx, entry)
	if err != nil {
		return err
	}
	if !removed {
		log.Debug("entry changed during pass, kept for next pass")
	}
	return nil
}

func (e *Engine) drop(ctx context.Context, entry QueueEntry, kind FailureKind, reason string, report *Report) error {
	report.Failed++
	report.Dropped++
	report.Failures = append(report.Failures, EntryFailure{
		EntryID:    entry.ID,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Kind:       kind,
		Error:      reason,
		RetryCount: entry.RetryCount,
		Dropped:    true,
	})
	return e.complete(ctx, entry, e.logger.With(zap.String("entry_id", entry.ID)))
}

func failureFor(entry QueueEntry, kind FailureKind, err error, dropped bool) EntryFailure {
	return EntryFailure{
		EntryID:    entry.ID,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Kind:       kind,
		Error:      err.Error(),
		RetryCount: entry.RetryCount,
		Dropped:    dropped,
	}
}

// apply performs the remote side of one entry.
func (e *Engine) apply(ctx context.Context, a Adapter, entry QueueEntry) error {
	if entry.Op == OpDelete {
		id, err := ResolveID(ctx, e.local, a.Table(), entry.EntityID)
		if err != nil {
			return err
		}
		if !IsCanonicalID(id) {
			// Never created remotely.
			e.logger.Debug("delete of unsynced entity, no remote call", zap.String("entity_type", entry.EntityType), zap.String("id", id))
			return nil
		}
		outcome, err := a.Delete(ctx, id)
		if err != nil {
			return err
		}
		if outcome == DeleteNotFound {
			e.logger.Debug("remote entity already gone", zap.String("entity_type", entry.EntityType), zap.String("id", id))
		}
		return nil
	}

	rec, err := a.FetchLocal(ctx, e.local, entry.EntityID)
	if errors.Is(err, ErrNotFound) {
		return errStale
	}
	if err != nil {
		return err
	}

	payload, err := a.Normalize(ctx, e.local, rec)
	if err != nil {
		return err
	}

	id := rec.ID()
	if id == "" {
		id = entry.EntityID
	}

	if IsCanonicalID(id) {
		exists, err := a.Exists(ctx, id)
		if err != nil {
			return err
		}
		if exists {
			_, err := a.Update(ctx, id, payload)
			return err
		}
	}

	remote, err := a.Create(ctx, payload)
	if err != nil {
		return err
	}

	newID := remote.ID()
	if newID == "" || newID == id {
		return nil
	}
	if rec.ID() == "" {
		rec = rec.Clone()
		rec["id"] = id
	}
	return e.reconciler.reconcile(ctx, a, rec, remote)
}
