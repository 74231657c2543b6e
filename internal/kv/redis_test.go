package kv

import (
	"context"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T, prefix string) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), prefix, nil)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t, "")
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestRedisSetGetRemove(t *testing.T) {
	store, s := setupTestRedis(t, "test:")
	ctx := context.Background()

	if err := store.Set(ctx, "mock_auth_user", `{"id":"u1"}`); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, err := s.Get("test:kv:mock_auth_user"); err != nil || got != `{"id":"u1"}` {
		t.Fatalf("raw redis value = %q, %v", got, err)
	}

	value, ok, err := store.Get(ctx, "mock_auth_user")
	if err != nil || !ok || value != `{"id":"u1"}` {
		t.Fatalf("Get = %q %v %v", value, ok, err)
	}

	if err := store.Remove(ctx, "mock_auth_user"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok, err := store.Get(ctx, "mock_auth_user"); err != nil || ok {
		t.Fatalf("expected key gone, ok=%v err=%v", ok, err)
	}

	// Removing a missing key is not an error.
	if err := store.Remove(ctx, "mock_auth_user"); err != nil {
		t.Fatalf("Remove of missing key failed: %v", err)
	}
}

func TestRedisKeysUsesPrefix(t *testing.T) {
	store, s := setupTestRedis(t, "test:")
	ctx := context.Background()

	for _, k := range []string{"cache/a/u1", "cache/b/u2", "mock_auth_user"} {
		if err := store.Set(ctx, k, "x"); err != nil {
			t.Fatalf("Set(%s) failed: %v", k, err)
		}
	}
	// Keys outside the store prefix are invisible.
	_ = s.Set("elsewhere:kv:cache/a/u9", "x")

	keys, err := store.Keys(ctx, "cache/")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	sort.Strings(keys)
	if want := []string{"cache/a/u1", "cache/b/u2"}; !reflect.DeepEqual(keys, want) {
		t.Fatalf("Keys = %v, want %v", keys, want)
	}
}

func TestRedisWatchDeliversForeignChanges(t *testing.T) {
	s := miniredis.RunT(t)
	a, err := NewRedisStore("redis://"+s.Addr(), "shared:", nil)
	if err != nil {
		t.Fatalf("NewRedisStore a: %v", err)
	}
	defer a.Close()
	b, err := NewRedisStore("redis://"+s.Addr(), "shared:", nil)
	if err != nil {
		t.Fatalf("NewRedisStore b: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Listen(ctx); err != nil {
		t.Fatalf("Listen a: %v", err)
	}
	if err := b.Listen(ctx); err != nil {
		t.Fatalf("Listen b: %v", err)
	}

	fromA := make(chan Change, 4)
	fromB := make(chan Change, 4)
	defer a.Watch(func(c Change) { fromA <- c })()
	defer b.Watch(func(c Change) { fromB <- c })()

	if err := a.Set(ctx, "mock_auth_user", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	select {
	case c := <-fromB:
		if c.Key != "mock_auth_user" || c.Value != "v1" || c.Origin != a.Origin() {
			t.Fatalf("unexpected change on b: %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change on b")
	}

	select {
	case c := <-fromA:
		t.Fatalf("a observed its own write: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob("a*b?[c]"); got != `a\*b\?\[c\]` {
		t.Fatalf("escapeGlob = %q", got)
	}
}
