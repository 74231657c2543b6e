// Package session decides who the current user is and keeps the per-user
// cache consistent with that decision.
//
// Every way of noticing an identity change (explicit refresh, provider
// callbacks, polling and foreground notifications) ends up in a single
// dispatcher. The dispatcher reads the provider, compares with the settled
// identity and, on a change, isolates the cache before restoring the new
// identity's state. Readers never observe a snapshot whose cached state
// belongs to anyone but the snapshot's identity.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tetoegen/api/internal/cache"
	"tetoegen/api/internal/identity"
)

// Source names what triggered a dispatch.
type Source string

const (
	SourceExplicit   Source = "explicit"
	SourceProvider   Source = "provider"
	SourcePoll       Source = "poll"
	SourceForeground Source = "foreground"
)

// Phase is the reconciler's lifecycle state.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseSettled      Phase = "settled"
)

const (
	DefaultPollInterval = 1500 * time.Millisecond
	DefaultReloadAfter  = 5 * time.Second
)

// ErrStaleIdentity is returned when a cache write names an identity that is
// no longer current.
var ErrStaleIdentity = errors.New("session: identity changed since the request was made")

// Snapshot is what the UI renders from. Cache.IdentityID always equals
// Identity.ID.
type Snapshot struct {
	Phase    Phase             `json:"phase"`
	Identity identity.Identity `json:"identity"`
	Cache    cache.State       `json:"cache"`
	// Transient is set while the cache is being isolated for a new identity.
	Transient bool   `json:"transient,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Reloader discards every piece of in-memory UI state. It is the last resort
// when a direct account switch did not finish isolating in time.
type Reloader interface {
	ForceReload(reason string)
}

// Recorder receives reconciler events for metrics.
type Recorder interface {
	RecordTransition(kind string)
	RecordForcedReload()
	RecordProviderError(kind string)
}

type nopRecorder struct{}

func (nopRecorder) RecordTransition(string)    {}
func (nopRecorder) RecordForcedReload()        {}
func (nopRecorder) RecordProviderError(string) {}

// Options tunes a Reconciler. Zero values pick defaults.
type Options struct {
	PollInterval time.Duration
	ReloadAfter  time.Duration
	// TriggerLimit bounds how often non-explicit sources may read the
	// provider. Explicit refreshes are never limited.
	TriggerLimit rate.Limit
	TriggerBurst int
	Reloader     Reloader
	Recorder     Recorder
	Logger       *zap.Logger
}

// Reconciler owns the current identity for the process.
type Reconciler struct {
	provider     identity.Provider
	cache        *cache.Manager
	usage        *cache.UsageCounter
	pollInterval time.Duration
	reloadAfter  time.Duration
	limiter      *rate.Limiter
	reloader     Reloader
	recorder     Recorder
	logger       *zap.Logger

	// dispatchMu serializes transitions and cache writes.
	dispatchMu  sync.Mutex
	generation  uint64
	completed   atomic.Uint64
	reloadTimer *time.Timer

	mu   sync.RWMutex
	snap Snapshot

	ready     chan struct{}
	readyOnce sync.Once

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(Snapshot)

	wake chan struct{}
}

// New creates a reconciler. It does nothing until Run or Refresh is called.
func New(provider identity.Provider, manager *cache.Manager, usage *cache.UsageCounter, opts Options) *Reconciler {
	r := &Reconciler{
		provider:     provider,
		cache:        manager,
		usage:        usage,
		pollInterval: opts.PollInterval,
		reloadAfter:  opts.ReloadAfter,
		reloader:     opts.Reloader,
		recorder:     opts.Recorder,
		logger:       opts.Logger,
		snap:         Snapshot{Phase: PhaseInitializing, Cache: cache.Empty("")},
		ready:        make(chan struct{}),
		subs:         make(map[int]func(Snapshot)),
		wake:         make(chan struct{}, 1),
	}
	if r.pollInterval <= 0 {
		r.pollInterval = DefaultPollInterval
	}
	if r.reloadAfter <= 0 {
		r.reloadAfter = DefaultReloadAfter
	}
	limit, burst := opts.TriggerLimit, opts.TriggerBurst
	if limit == 0 {
		limit = rate.Every(250 * time.Millisecond)
	}
	if burst <= 0 {
		burst = 2
	}
	r.limiter = rate.NewLimiter(limit, burst)
	if r.recorder == nil {
		r.recorder = nopRecorder{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Run subscribes to the provider, polls it and dispatches until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	cancel := r.provider.Subscribe(func(e identity.Event) {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	})
	defer cancel()

	if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("initial identity read failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	defer func() {
		r.dispatchMu.Lock()
		r.stopReloadTimer()
		r.dispatchMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.dispatchLogged(ctx, SourcePoll)
		case <-r.wake:
			r.dispatchLogged(ctx, SourceProvider)
		}
	}
}

func (r *Reconciler) dispatchLogged(ctx context.Context, source Source) {
	if err := r.onPossibleIdentityChange(ctx, source); err != nil && ctx.Err() == nil {
		r.logger.Debug("identity check failed", zap.String("source", string(source)), zap.Error(err))
	}
}

// Ready is closed once the first identity has been settled.
func (r *Reconciler) Ready() <-chan struct{} {
	return r.ready
}

// Snapshot returns the current consistent identity and cache pair.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Subscribe registers fn for every published snapshot. fn runs on the
// dispatching goroutine and must not call back into the reconciler.
func (r *Reconciler) Subscribe(fn func(Snapshot)) (cancel func()) {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
		})
	}
}

// Refresh re-reads the provider immediately. Call it after sign-in or
// sign-out.
func (r *Reconciler) Refresh(ctx context.Context) error {
	return r.onPossibleIdentityChange(ctx, SourceExplicit)
}

// NotifyForeground reports that the UI became visible or focused.
func (r *Reconciler) NotifyForeground(ctx context.Context) error {
	return r.onPossibleIdentityChange(ctx, SourceForeground)
}

func (r *Reconciler) onPossibleIdentityChange(ctx context.Context, source Source) error {
	if source != SourceExplicit && !r.limiter.Allow() {
		return nil
	}

	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	current := r.Snapshot()
	session, err := r.provider.CurrentSession(ctx)
	var next identity.Identity
	switch {
	case err == nil:
		next = identity.IdentityOf(session)
	case identity.IsCommunication(err):
		r.recorder.RecordProviderError("communication")
		r.logger.Warn("identity provider unreachable, keeping current identity",
			zap.String("identity_id", current.Identity.ID),
			zap.String("source", string(source)),
			zap.Error(err),
		)
		r.keepWithError(current, err)
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		r.recorder.RecordProviderError("read")
		r.logger.Warn("identity read failed, treating as anonymous",
			zap.String("source", string(source)),
			zap.Error(fmt.Errorf("%w: %v", identity.ErrTransientRead, err)),
		)
		next = identity.Anonymous()
	}

	if current.Phase == PhaseSettled && current.Identity.ID == next.ID {
		if current.Identity.Profile != next.Profile || current.Error != "" {
			current.Identity = next
			current.Error, current.Retryable = "", false
			r.publish(current)
		}
		return nil
	}
	return r.transition(ctx, current, next, source)
}

// keepWithError records a provider failure without changing identity. A
// failure before the first settle settles as anonymous without touching the
// cache, so nothing cached becomes visible.
func (r *Reconciler) keepWithError(current Snapshot, err error) {
	current.Error = err.Error()
	current.Retryable = true
	if current.Phase == PhaseInitializing {
		current.Phase = PhaseSettled
		current.Identity = identity.Anonymous()
		current.Cache = cache.Empty("")
	}
	r.publish(current)
	r.readyOnce.Do(func() { close(r.ready) })
}

func (r *Reconciler) transition(ctx context.Context, current Snapshot, next identity.Identity, source Source) error {
	prev := current.Identity
	kind := transitionKind(current.Phase, prev, next)

	r.generation++
	gen := r.generation
	if kind == "switch" {
		r.logger.Warn("identity switched without sign-out",
			zap.String("from", prev.ID),
			zap.String("to", next.ID),
		)
		r.armReloadTimer(gen, prev, next)
	}

	r.publish(Snapshot{
		Phase:     current.Phase,
		Identity:  next,
		Cache:     cache.Empty(next.ID),
		Transient: true,
	})

	state := cache.Empty(next.ID)
	var err error
	if next.IsAnonymous() {
		_, err = r.cache.PurgeAll(ctx)
	} else if _, err = r.cache.Isolate(ctx, next.ID); err == nil {
		state, err = r.cache.Restore(ctx, next.ID)
	}
	if err != nil {
		r.logger.Error("cache isolation failed",
			zap.String("identity_id", next.ID),
			zap.String("source", string(source)),
			zap.Error(err),
		)
		r.publish(Snapshot{
			Phase:    PhaseSettled,
			Identity: next,
			Cache:    cache.Empty(next.ID),
			Error:    err.Error(),
		})
		r.readyOnce.Do(func() { close(r.ready) })
		return err
	}
	r.completed.Store(gen)

	r.recorder.RecordTransition(kind)
	r.logger.Info("identity changed",
		zap.String("kind", kind),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
		zap.String("source", string(source)),
	)
	r.publish(Snapshot{Phase: PhaseSettled, Identity: next, Cache: state})
	r.readyOnce.Do(func() { close(r.ready) })
	return nil
}

func transitionKind(phase Phase, prev, next identity.Identity) string {
	switch {
	case phase == PhaseInitializing:
		return "initial"
	case next.IsAnonymous():
		return "sign_out"
	case prev.IsAnonymous():
		return "sign_in"
	default:
		return "switch"
	}
}

func (r *Reconciler) armReloadTimer(gen uint64, prev, next identity.Identity) {
	r.stopReloadTimer()
	r.reloadTimer = time.AfterFunc(r.reloadAfter, func() {
		if r.completed.Load() >= gen {
			return
		}
		r.recorder.RecordForcedReload()
		r.logger.Error("cache isolation did not complete, forcing reload",
			zap.String("from", prev.ID),
			zap.String("to", next.ID),
		)
		if r.reloader != nil {
			r.reloader.ForceReload("isolation incomplete")
		}
	})
}

func (r *Reconciler) stopReloadTimer() {
	if r.reloadTimer != nil {
		r.reloadTimer.Stop()
	}
}

func (r *Reconciler) publish(s Snapshot) {
	r.mu.Lock()
	r.snap = s
	r.mu.Unlock()

	r.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Persist writes patch for expectedID and republishes the snapshot. It fails
// with ErrStaleIdentity when expectedID is no longer current.
func (r *Reconciler) Persist(ctx context.Context, expectedID string, patch cache.Patch) error {
	return r.write(ctx, expectedID, func() error {
		return r.cache.Persist(ctx, expectedID, patch)
	})
}

// Reset clears expectedID's cached results; usage counters are kept.
func (r *Reconciler) Reset(ctx context.Context, expectedID string) error {
	return r.write(ctx, expectedID, func() error {
		return r.cache.Reset(ctx, expectedID)
	})
}

// IncrementUsage bumps expectedID's daily counter and returns the new count.
func (r *Reconciler) IncrementUsage(ctx context.Context, expectedID string) (int, error) {
	var n int
	err := r.write(ctx, expectedID, func() error {
		var err error
		n, err = r.usage.Increment(ctx, expectedID)
		return err
	})
	return n, err
}

func (r *Reconciler) write(ctx context.Context, expectedID string, fn func() error) error {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	current := r.Snapshot()
	if current.Phase != PhaseSettled || current.Transient || current.Identity.ID != expectedID {
		r.logger.Info("refusing cache write for stale identity",
			zap.String("expected", expectedID),
			zap.String("identity_id", current.Identity.ID),
		)
		return ErrStaleIdentity
	}
	if err := fn(); err != nil {
		return err
	}
	if current.Identity.IsAnonymous() {
		return nil
	}
	state, err := r.cache.Restore(ctx, expectedID)
	if err != nil {
		return err
	}
	current.Cache = state
	r.publish(current)
	return nil
}
