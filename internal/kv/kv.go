// Package kv provides the persistent key-value store that backs session and
// per-user cache state, plus the change notifications that travel with it.
package kv

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by stores that have been closed.
var ErrClosed = errors.New("kv: store closed")

// Store is a string-keyed durable store scoped to one profile.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	// Keys lists every key starting with prefix. An empty prefix lists all keys.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Change describes a write observed on a store.
type Change struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

// Watcher delivers changes made by other writers sharing the same backend.
// Writes made through the watching handle itself are not delivered; those
// have to be re-broadcast on a Bus by the writer.
type Watcher interface {
	Watch(fn func(Change)) (cancel func())
}

// Bus is an in-process broadcast channel for changes made by this process.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(Change)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[int]func(Change))}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Change)) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers change to every listener, synchronously.
func (b *Bus) Publish(change Change) {
	b.mu.RLock()
	fns := make([]func(Change), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(change)
	}
}

// WatchKey combines the external watcher (may be nil) and the in-process bus
// (may be nil) into a single subscription filtered to key.
func WatchKey(w Watcher, bus *Bus, key string, fn func(Change)) (cancel func()) {
	filtered := func(c Change) {
		if c.Key == key {
			fn(c)
		}
	}
	var cancels []func()
	if w != nil {
		cancels = append(cancels, w.Watch(filtered))
	}
	if bus != nil {
		cancels = append(cancels, bus.Subscribe(filtered))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}
