package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// reportBuffer bounds reports waiting for slow hooks; overflow is dropped.
const reportBuffer = 16

// lastSyncKey holds the finish time of the last pass without failures.
const lastSyncKey = "last_sync"

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	auth     Authenticator
	logger   *zap.Logger
	clock    func() time.Time
	hooks    []func(Report)
	registry *Registry
}

// WithAuthenticator sets the remote login/verify implementation.
func WithAuthenticator(auth Authenticator) Option {
	return func(o *clientOptions) { o.auth = auth }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// WithClock injects the time source used by the engine and session.
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) { o.clock = now }
}

// WithReportHook registers a function called after every drain pass.
// Hooks run on a dedicated goroutine and never block draining.
func WithReportHook(fn func(Report)) Option {
	return func(o *clientOptions) { o.hooks = append(o.hooks, fn) }
}

// WithRegistry supplies the adapter registry. Defaults to an empty one that
// callers fill through Client.Registry.
func WithRegistry(r *Registry) Option {
	return func(o *clientOptions) { o.registry = r }
}

// Client ties the local store, queue, session and engine together and runs
// the background drain loop once started.
type Client struct {
	cfg      Config
	store    *Store
	queue    *Queue
	session  *Session
	registry *Registry
	engine   *Engine
	logger   *zap.Logger
	hooks    []func(Report)

	trigger   chan struct{}
	reconnect chan struct{}
	reports   chan Report

	stop         chan struct{}
	loopDone     chan struct{}
	dispatchDone chan struct{}
	looping      atomic.Bool

	mu      sync.Mutex
	closing bool
	closed  bool
	last    Report
	hasLast bool
}

// New opens the local store for cfg and constructs a client. The background
// loop does not run until Start is called.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.registry == nil {
		o.registry = NewRegistry()
	}

	store, err := NewStore(cfg.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	session := NewSession(o.auth, store, SessionConfig{
		Identity:      cfg.Identity,
		Secret:        cfg.Secret,
		BranchID:      cfg.Branch,
		DeviceID:      cfg.DeviceID,
		AllowFallback: cfg.AllowFallback,
		Clock:         o.clock,
		Logger:        o.logger.Named("session"),
	})
	if err := session.Load(); err != nil {
		store.Close()
		return nil, fmt.Errorf("client: %w", err)
	}

	c := &Client{
		cfg:          cfg,
		store:        store,
		queue:        NewQueue(store),
		session:      session,
		registry:     o.registry,
		logger:       o.logger,
		hooks:        o.hooks,
		trigger:      make(chan struct{}, 1),
		reconnect:    make(chan struct{}, 1),
		reports:      make(chan Report, reportBuffer),
		stop:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}

	c.engine = NewEngine(c.queue, store, c.registry, EngineOptions{
		Session:           session,
		Clock:             o.clock,
		Logger:            o.logger.Named("engine"),
		RetryCeiling:      cfg.RetryCeiling,
		RateLimitCooldown: cfg.RateLimitCooldown,
		Offline:           cfg.IsOffline(),
		OnReport:          c.publish,
	})
	c.queue.OnEnqueue(c.onEnqueue)

	go c.dispatch()

	return c, nil
}

// Start launches the background drain loop when cfg.AutoSync is set and a
// server is configured. Register adapters and wire the transport before
// calling it. Calling Start again, or after Close, does nothing.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing || c.looping.Load() || c.cfg.IsOffline() || !c.cfg.AutoSync {
		return
	}
	c.looping.Store(true)
	go c.backgroundSync()
}

// Enqueue records a pending mutation and nudges the background loop.
// See Queue.Enqueue for dedupe rules.
func (c *Client) Enqueue(ctx context.Context, entityType, entityID string, op Op, data json.RawMessage) (QueueEntry, error) {
	entry, _, err := c.queue.Enqueue(ctx, entityType, entityID, op, data)
	return entry, err
}

// Drain runs one pass immediately.
func (c *Client) Drain(ctx context.Context) (Report, error) {
	return c.engine.Drain(ctx)
}

// Reconnected signals that the network came back. With the background loop
// running a pass is scheduled; otherwise one runs synchronously.
func (c *Client) Reconnected(ctx context.Context) error {
	if c.looping.Load() {
		select {
		case c.reconnect <- struct{}{}:
		default:
		}
		return nil
	}
	_, err := c.engine.Drain(ctx)
	return err
}

// Pending returns the queued entries in drain order.
func (c *Client) Pending(ctx context.Context) ([]QueueEntry, error) {
	return c.queue.List(ctx)
}

// Stats returns store statistics.
func (c *Client) Stats() (*StoreStats, error) {
	return c.store.Stats()
}

// LastReport returns the most recent drain report, if any pass completed.
func (c *Client) LastReport() (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasLast
}

// Session returns the session coordinator.
func (c *Client) Session() *Session { return c.session }

// Registry returns the adapter registry.
func (c *Client) Registry() *Registry { return c.registry }

// Store returns the local store.
func (c *Client) Store() *Store { return c.store }

// Queue returns the queue store.
func (c *Client) Queue() *Queue { return c.queue }

// Engine returns the sync engine.
func (c *Client) Engine() *Engine { return c.engine }

// Close stops the background loop, makes a final best-effort pass and
// closes the store.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	close(c.stop)
	if c.looping.Load() {
		<-c.loopDone
	}

	if !c.cfg.IsOffline() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := c.engine.Drain(ctx); err != nil {
			c.logger.Debug("final drain skipped", zap.Error(err))
		}
		cancel()
	}

	c.mu.Lock()
	c.closed = true
	close(c.reports)
	c.mu.Unlock()
	<-c.dispatchDone

	return c.store.Close()
}

func (c *Client) onEnqueue(QueueEntry) {
	if !c.looping.Load() || c.session.Mode() == IdentityNone || c.engine.Running() {
		return
	}
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Client) publish(r Report) {
	if r.Failed == 0 && !r.RateLimited && !r.Aborted {
		finished := r.StartedAt.Add(r.Duration).UTC().Format(time.RFC3339)
		if err := c.store.SetMetadata(lastSyncKey, finished); err != nil {
			c.logger.Warn("record last sync", zap.Error(err))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.last = r
	c.hasLast = true
	if c.closed {
		return
	}
	select {
	case c.reports <- r:
	default:
		c.logger.Warn("report hook backlog full, dropping report")
	}
}

func (c *Client) dispatch() {
	defer close(c.dispatchDone)
	for r := range c.reports {
		for _, hook := range c.hooks {
			hook(r)
		}
	}
}

func (c *Client) backgroundSync() {
	defer close(c.loopDone)

	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()

	var (
		debounce  *time.Timer
		debounceC <-chan time.Time
		cooldown  *time.Timer
		cooldownC <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		if cooldown != nil {
			cooldown.Stop()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	drain := func(trigger string) {
		report, err := c.engine.Drain(ctx)

		switch {
		case err == nil:
		case errors.Is(err, ErrDrainInProgress), errors.Is(err, ErrCoolingDown), errors.Is(err, context.Canceled):
			c.logger.Debug("drain skipped", zap.String("trigger", trigger), zap.Error(err))
		default:
			c.logger.Warn("drain failed", zap.String("trigger", trigger), zap.Error(err))
		}

		if report.RateLimited && cooldownC == nil {
			wait := time.Until(report.ResumeAt)
			if wait < 0 {
				wait = 0
			}
			cooldown = time.NewTimer(wait)
			cooldownC = cooldown.C
		}
	}

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			drain("interval")
		case <-c.trigger:
			if debounceC == nil {
				debounce = time.NewTimer(c.cfg.EnqueueDebounce)
				debounceC = debounce.C
			}
		case <-debounceC:
			debounceC = nil
			drain("enqueue")
		case <-c.reconnect:
			drain("reconnect")
		case <-cooldownC:
			cooldownC = nil
			drain("cooldown")
		}
	}
}
