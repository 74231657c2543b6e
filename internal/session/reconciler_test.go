package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"tetoegen/api/internal/cache"
	"tetoegen/api/internal/identity"
	"tetoegen/api/internal/identity/local"
	"tetoegen/api/internal/kv"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProvider struct {
	mu        sync.Mutex
	session   *identity.Session
	err       error
	reads     int
	listeners []func(identity.Event)
}

func (p *fakeProvider) set(id, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = nil
	if id == "" {
		p.session = nil
		return
	}
	p.session = &identity.Session{
		AccessToken: "token-" + id,
		User:        identity.Identity{ID: id, Profile: identity.Profile{DisplayName: name}},
	}
}

func (p *fakeProvider) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakeProvider) readCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads
}

func (p *fakeProvider) SignIn(context.Context, identity.Method, *identity.Credentials) (*identity.Session, error) {
	return nil, errors.New("not used")
}

func (p *fakeProvider) SignOut(context.Context) error { return nil }

func (p *fakeProvider) CurrentSession(context.Context) (*identity.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	return p.session, p.err
}

func (p *fakeProvider) Subscribe(fn func(identity.Event)) func() {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
	return func() {}
}

type fakeReloader struct {
	reasons chan string
}

func (f *fakeReloader) ForceReload(reason string) { f.reasons <- reason }

// flakyStore fails prefix listings while broken is set.
type flakyStore struct {
	kv.Store
	mu     sync.Mutex
	broken bool
}

func (s *flakyStore) setBroken(b bool) {
	s.mu.Lock()
	s.broken = b
	s.mu.Unlock()
}

func (s *flakyStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	broken := s.broken
	s.mu.Unlock()
	if broken {
		return nil, errors.New("storage unavailable")
	}
	return s.Store.Keys(ctx, prefix)
}

type harness struct {
	provider *fakeProvider
	store    kv.Store
	profile  *kv.Profile
	manager  *cache.Manager
	rec      *Reconciler
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	profile := kv.NewProfile()
	store := &flakyStore{Store: profile.OpenTab()}
	return newHarnessWithStore(t, profile, store, opts)
}

func newHarnessWithStore(t *testing.T, profile *kv.Profile, store kv.Store, opts Options) *harness {
	t.Helper()
	usage := cache.NewUsageCounter(store, func() time.Time {
		return time.Date(2024, 6, 16, 9, 0, 0, 0, time.UTC)
	}, time.UTC)
	manager := cache.NewManager(store, usage, nil, nil)
	provider := &fakeProvider{}
	if opts.TriggerLimit == 0 {
		opts.TriggerLimit = rate.Inf
	}
	return &harness{
		provider: provider,
		store:    store,
		profile:  profile,
		manager:  manager,
		rec:      New(provider, manager, usage, opts),
	}
}

func (h *harness) refresh(t *testing.T) Snapshot {
	t.Helper()
	if err := h.rec.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	return h.rec.Snapshot()
}

func (h *harness) persist(t *testing.T, id, classification string) {
	t.Helper()
	if err := h.rec.Persist(context.Background(), id, cache.Patch{Classification: json.RawMessage(classification)}); err != nil {
		t.Fatalf("Persist(%s) error = %v", id, err)
	}
}

func checkInvariant(t *testing.T, s Snapshot) {
	t.Helper()
	if s.Cache.IdentityID != s.Identity.ID {
		t.Fatalf("snapshot shows cache of %q for identity %q", s.Cache.IdentityID, s.Identity.ID)
	}
	if s.Transient && (s.Cache.Classification != nil || s.Cache.Tips != nil || s.Cache.ImagePreview != "") {
		t.Fatalf("transient snapshot carries data: %+v", s.Cache)
	}
}

func TestRefreshSettlesAndRestores(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	u1Key := cache.NamespacedKey(cache.BaseClassification, "u1")
	u2Key := cache.NamespacedKey(cache.BaseClassification, "u2")
	_ = h.store.Set(ctx, u1Key, `{"type":"teto"}`)
	_ = h.store.Set(ctx, u2Key, `{"type":"egen"}`)

	select {
	case <-h.rec.Ready():
		t.Fatal("ready before first settle")
	default:
	}

	h.provider.set("u1", "Avery")
	s := h.refresh(t)
	if s.Phase != PhaseSettled || s.Identity.ID != "u1" || string(s.Cache.Classification) != `{"type":"teto"}` {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if _, ok, _ := h.store.Get(ctx, u2Key); ok {
		t.Fatal("foreign entry survived the first settle")
	}
	select {
	case <-h.rec.Ready():
	default:
		t.Fatal("Ready() not closed after settle")
	}
}

func TestSnapshotsNeverShowForeignCache(t *testing.T) {
	h := newHarness(t, Options{})

	var mu sync.Mutex
	var seen []Snapshot
	defer h.rec.Subscribe(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})()

	steps := []string{"u1", "", "u2", "u1", "u2", "", "", "u1"}
	for _, id := range steps {
		h.provider.set(id, "")
		s := h.refresh(t)
		if s.Identity.ID != id || s.Transient {
			t.Fatalf("after refresh to %q got %+v", id, s)
		}
		if id != "" {
			if s.Cache.Classification != nil {
				t.Fatalf("%s restored data that isolation should have removed: %s", id, s.Cache.Classification)
			}
			h.persist(t, id, `{"owner":"`+id+`"}`)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("no snapshots published")
	}
	for _, s := range seen {
		checkInvariant(t, s)
	}
}

func TestTransientSnapshotPrecedesRestore(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.set("u1", "")
	h.refresh(t)
	h.persist(t, "u1", `{"type":"teto"}`)

	h.provider.set("", "")
	h.refresh(t)
	h.provider.set("u1", "")

	var seen []Snapshot
	defer h.rec.Subscribe(func(s Snapshot) { seen = append(seen, s) })()
	h.refresh(t)

	if len(seen) != 2 {
		t.Fatalf("published %d snapshots, want transient then final", len(seen))
	}
	if !seen[0].Transient || seen[0].Identity.ID != "u1" {
		t.Fatalf("first snapshot = %+v, want transient u1", seen[0])
	}
	if seen[1].Transient {
		t.Fatal("final snapshot still transient")
	}
}

func TestProfileChangeKeepsCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.provider.set("u1", "Avery")
	h.refresh(t)
	h.persist(t, "u1", `{"type":"teto"}`)

	keys, _ := h.store.Keys(ctx, "")
	h.provider.set("u1", "Avery Kim")
	s := h.refresh(t)
	if s.Identity.Profile.DisplayName != "Avery Kim" {
		t.Fatalf("profile not updated: %+v", s.Identity)
	}
	if string(s.Cache.Classification) != `{"type":"teto"}` {
		t.Fatalf("cache lost on profile change: %+v", s.Cache)
	}
	after, _ := h.store.Keys(ctx, "")
	if len(after) != len(keys) {
		t.Fatalf("keys changed from %v to %v", keys, after)
	}
}

func TestCommunicationErrorKeepsIdentity(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.set("u1", "")
	h.refresh(t)
	h.persist(t, "u1", `{"type":"teto"}`)

	h.provider.fail(&identity.CommunicationError{Op: "refresh", Err: errors.New("connection refused")})
	err := h.rec.Refresh(context.Background())
	if !identity.IsCommunication(err) {
		t.Fatalf("Refresh() error = %v, want CommunicationError", err)
	}
	s := h.rec.Snapshot()
	if s.Identity.ID != "u1" || s.Cache.Classification == nil {
		t.Fatalf("identity or cache dropped: %+v", s)
	}
	if s.Error == "" || !s.Retryable {
		t.Fatalf("error not recorded: %+v", s)
	}

	h.provider.set("u1", "")
	if s := h.refresh(t); s.Error != "" {
		t.Fatalf("error not cleared after recovery: %+v", s)
	}
}

func TestCommunicationErrorBeforeFirstSettle(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.fail(&identity.CommunicationError{Op: "refresh", Err: errors.New("timeout")})
	_ = h.rec.Refresh(context.Background())

	s := h.rec.Snapshot()
	if s.Phase != PhaseSettled || !s.Identity.IsAnonymous() || !s.Retryable {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	checkInvariant(t, s)
}

func TestReadErrorTreatedAsAnonymous(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.set("u1", "")
	h.refresh(t)
	h.persist(t, "u1", `{"type":"teto"}`)

	h.provider.fail(errors.New("storage read failed"))
	s := h.refresh(t)
	if !s.Identity.IsAnonymous() {
		t.Fatalf("identity = %v, want anonymous", s.Identity)
	}
	keys, _ := h.store.Keys(context.Background(), "cache/")
	if len(keys) != 0 {
		t.Fatalf("cache not purged: %v", keys)
	}
}

func TestStaleWriteRefused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.provider.set("u1", "")
	h.refresh(t)
	h.provider.set("u2", "")
	h.refresh(t)

	if err := h.rec.Persist(ctx, "u1", cache.Patch{Classification: json.RawMessage(`{}`)}); !errors.Is(err, ErrStaleIdentity) {
		t.Fatalf("Persist() error = %v, want ErrStaleIdentity", err)
	}
	if _, err := h.rec.IncrementUsage(ctx, "u1"); !errors.Is(err, ErrStaleIdentity) {
		t.Fatalf("IncrementUsage() error = %v, want ErrStaleIdentity", err)
	}
	if err := h.rec.Reset(ctx, "u1"); !errors.Is(err, ErrStaleIdentity) {
		t.Fatalf("Reset() error = %v, want ErrStaleIdentity", err)
	}
	if keys, _ := h.store.Keys(ctx, "cache/"); len(keys) != 0 {
		t.Fatalf("stale write reached storage: %v", keys)
	}
}

func TestWritesRepublishSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.provider.set("u1", "")
	h.refresh(t)

	n, err := h.rec.IncrementUsage(ctx, "u1")
	if err != nil || n != 1 {
		t.Fatalf("IncrementUsage() = %d, %v", n, err)
	}
	h.persist(t, "u1", `{"type":"teto"}`)
	s := h.rec.Snapshot()
	if s.Cache.UsageCount != 1 || s.Cache.Classification == nil {
		t.Fatalf("snapshot not refreshed: %+v", s.Cache)
	}

	if err := h.rec.Reset(ctx, "u1"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	s = h.rec.Snapshot()
	if s.Cache.Classification != nil || s.Cache.UsageCount != 1 {
		t.Fatalf("Reset() snapshot = %+v", s.Cache)
	}
}

func TestDirectSwitchForcesReloadWhenIsolationFails(t *testing.T) {
	reloader := &fakeReloader{reasons: make(chan string, 1)}
	h := newHarness(t, Options{ReloadAfter: 10 * time.Millisecond, Reloader: reloader})
	h.provider.set("u1", "")
	h.refresh(t)
	h.persist(t, "u1", `{"type":"teto"}`)

	h.store.(*flakyStore).setBroken(true)
	h.provider.set("u2", "")
	if err := h.rec.Refresh(context.Background()); err == nil {
		t.Fatal("expected isolation error")
	}
	s := h.rec.Snapshot()
	if s.Identity.ID != "u2" || s.Cache.Classification != nil {
		t.Fatalf("snapshot after failed isolation = %+v", s)
	}
	checkInvariant(t, s)

	select {
	case reason := <-reloader.reasons:
		if reason == "" {
			t.Fatal("empty reload reason")
		}
	case <-time.After(time.Second):
		t.Fatal("expected forced reload")
	}
}

func TestDirectSwitchWithoutReload(t *testing.T) {
	reloader := &fakeReloader{reasons: make(chan string, 1)}
	h := newHarness(t, Options{ReloadAfter: 10 * time.Millisecond, Reloader: reloader})
	h.provider.set("u1", "")
	h.refresh(t)
	h.provider.set("u2", "")
	h.refresh(t)

	select {
	case <-reloader.reasons:
		t.Fatal("completed switch must not force a reload")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestForegroundIsRateLimited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{TriggerLimit: rate.Every(time.Hour), TriggerBurst: 1})
	h.provider.set("u1", "")

	for i := 0; i < 3; i++ {
		if err := h.rec.NotifyForeground(ctx); err != nil {
			t.Fatalf("NotifyForeground() error = %v", err)
		}
	}
	if n := h.provider.readCount(); n != 1 {
		t.Fatalf("provider read %d times, want 1", n)
	}
	h.refresh(t)
	if n := h.provider.readCount(); n != 2 {
		t.Fatalf("explicit refresh must bypass the limiter, reads = %d", n)
	}
}

func waitFor(t *testing.T, rec *Reconciler, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := rec.Snapshot(); s.Phase == PhaseSettled && s.Identity.ID == want && !s.Transient {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("identity never became %q, snapshot %+v", want, rec.Snapshot())
}

func TestRunPollsProvider(t *testing.T) {
	h := newHarness(t, Options{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.rec.Run(ctx) }()

	<-h.rec.Ready()
	waitFor(t, h.rec, "")
	h.provider.set("u1", "")
	waitFor(t, h.rec, "u1")

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunSeesSignInFromAnotherTab(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	profile := kv.NewProfile()
	tabA, tabB := profile.OpenTab(), profile.OpenTab()
	simA := local.New(tabA, local.Options{Watcher: tabA})
	simB := local.New(tabB, local.Options{Watcher: tabB})

	usage := cache.NewUsageCounter(tabB, nil, nil)
	rec := New(simB, cache.NewManager(tabB, usage, nil, nil), usage, Options{
		PollInterval: time.Hour,
		TriggerLimit: rate.Inf,
	})
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()
	<-rec.Ready()

	session, err := simA.SignIn(ctx, identity.OAuth("google"), nil)
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	waitFor(t, rec, session.User.ID)

	if err := simA.SignOut(ctx); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	waitFor(t, rec, "")

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}
