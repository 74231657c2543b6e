package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"tetoegen/api/internal/kv"
)

// UsageCounter counts feature uses per identity and calendar day.
//
// Increment is a plain read-modify-write on the store: two processes sharing
// the store can lose an increment when they race on the same day.
type UsageCounter struct {
	store    kv.Store
	now      func() time.Time
	location *time.Location
}

// NewUsageCounter creates a counter. now defaults to time.Now and loc to
// time.Local.
func NewUsageCounter(store kv.Store, now func() time.Time, loc *time.Location) *UsageCounter {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return &UsageCounter{store: store, now: now, location: loc}
}

// Today returns the ISO date used for today's counter.
func (u *UsageCounter) Today() string {
	return u.now().In(u.location).Format(time.DateOnly)
}

// UsageKey returns the namespaced key of identityID's counter for date.
func UsageKey(identityID, date string) string {
	return NamespacedKey(BaseUsage+":"+date, identityID)
}

// Current returns today's count; absent or unparseable values count as 0.
func (u *UsageCounter) Current(ctx context.Context, identityID string) (int, error) {
	return u.read(ctx, UsageKey(identityID, u.Today()))
}

func (u *UsageCounter) read(ctx context.Context, key string) (int, error) {
	raw, ok, err := u.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, nil
	}
	return n, nil
}

// Increment adds one to today's count and returns the new value. It does not
// clamp at any limit.
func (u *UsageCounter) Increment(ctx context.Context, identityID string) (int, error) {
	if identityID == "" {
		return 0, fmt.Errorf("increment usage: no identity")
	}
	key := UsageKey(identityID, u.Today())
	n, err := u.read(ctx, key)
	if err != nil {
		return 0, err
	}
	n++
	if err := u.store.Set(ctx, key, strconv.Itoa(n)); err != nil {
		return 0, fmt.Errorf("write usage: %w", err)
	}
	return n, nil
}

// RemainingBudget returns max(0, limit-current).
func (u *UsageCounter) RemainingBudget(ctx context.Context, identityID string, limit int) (int, error) {
	n, err := u.Current(ctx, identityID)
	if err != nil {
		return 0, err
	}
	return Remaining(limit, n), nil
}

// Remaining is max(0, limit-used).
func Remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}
