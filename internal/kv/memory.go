package kv

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Profile is an in-memory store shared by any number of tabs, the same way
// several browser tabs share one origin's storage.
type Profile struct {
	mu      sync.RWMutex
	data    map[string]string
	tabs    map[string]*Tab
	failGet map[string]error
}

// NewProfile creates an empty profile.
func NewProfile() *Profile {
	return &Profile{
		data:    make(map[string]string),
		tabs:    make(map[string]*Tab),
		failGet: make(map[string]error),
	}
}

// OpenTab returns a new handle on the profile with its own origin id.
func (p *Profile) OpenTab() *Tab {
	t := &Tab{
		profile:  p,
		origin:   uuid.NewString(),
		watchers: NewBus(),
	}
	p.mu.Lock()
	p.tabs[t.origin] = t
	p.mu.Unlock()
	return t
}

// FailGet makes every Get of key return err until cleared with a nil err.
// Used to emulate a storage backend that refuses reads.
func (p *Profile) FailGet(key string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failGet, key)
		return
	}
	p.failGet[key] = err
}

// Snapshot returns a copy of all stored entries.
func (p *Profile) Snapshot() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.data))
	for k, v := range p.data {
		out[k] = v
	}
	return out
}

func (p *Profile) notifyOthers(change Change) {
	p.mu.RLock()
	targets := make([]*Tab, 0, len(p.tabs))
	for origin, tab := range p.tabs {
		if origin != change.Origin {
			targets = append(targets, tab)
		}
	}
	p.mu.RUnlock()

	for _, tab := range targets {
		tab.watchers.Publish(change)
	}
}

// Tab is one writer on a Profile. It implements Store and Watcher.
type Tab struct {
	profile  *Profile
	origin   string
	watchers *Bus
}

// Origin identifies this tab in change notifications.
func (t *Tab) Origin() string {
	return t.origin
}

func (t *Tab) Get(_ context.Context, key string) (string, bool, error) {
	t.profile.mu.RLock()
	defer t.profile.mu.RUnlock()
	if err, ok := t.profile.failGet[key]; ok {
		return "", false, err
	}
	value, ok := t.profile.data[key]
	return value, ok, nil
}

func (t *Tab) Set(_ context.Context, key, value string) error {
	t.profile.mu.Lock()
	t.profile.data[key] = value
	t.profile.mu.Unlock()

	t.profile.notifyOthers(Change{Key: key, Value: value, Origin: t.origin})
	return nil
}

func (t *Tab) Remove(_ context.Context, key string) error {
	t.profile.mu.Lock()
	_, existed := t.profile.data[key]
	delete(t.profile.data, key)
	t.profile.mu.Unlock()

	if existed {
		t.profile.notifyOthers(Change{Key: key, Deleted: true, Origin: t.origin})
	}
	return nil
}

func (t *Tab) Keys(_ context.Context, prefix string) ([]string, error) {
	t.profile.mu.RLock()
	defer t.profile.mu.RUnlock()
	keys := make([]string, 0, len(t.profile.data))
	for k := range t.profile.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch receives writes made by other tabs of the same profile.
func (t *Tab) Watch(fn func(Change)) (cancel func()) {
	return t.watchers.Subscribe(fn)
}

// Close detaches the tab from its profile.
func (t *Tab) Close() {
	t.profile.mu.Lock()
	delete(t.profile.tabs, t.origin)
	t.profile.mu.Unlock()
}
