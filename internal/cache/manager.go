// Package cache keeps per-user application state in the key-value store,
// namespaced by identity so that one user's results never surface for another.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"tetoegen/api/internal/kv"
)

// Base keys of the tracked state. The names match the keys the web client
// historically wrote without a namespace.
const (
	BaseClassification = "tetoAnalysisResult"
	BaseTips           = "tetoDevelopmentTips"
	BaseImagePreview   = "tetoImagePreview"
	BaseUsage          = "tetoDailyUsage"
)

const keyPrefix = "cache/"

var resettableBases = []string{BaseClassification, BaseTips, BaseImagePreview}

// State is the cached application state of one identity.
type State struct {
	IdentityID     string          `json:"identityId"`
	Classification json.RawMessage `json:"classificationResult,omitempty"`
	Tips           json.RawMessage `json:"tipsResult,omitempty"`
	ImagePreview   string          `json:"imagePreviewDataUri,omitempty"`
	UsageDate      string          `json:"usageDate,omitempty"`
	UsageCount     int             `json:"usageCount"`
}

// Empty returns the state of an identity that has nothing cached.
func Empty(identityID string) State {
	return State{IdentityID: identityID}
}

// Patch carries the fields to write; nil fields are left untouched.
type Patch struct {
	Classification json.RawMessage
	Tips           json.RawMessage
	ImagePreview   *string
}

// Recorder receives cache events for metrics.
type Recorder interface {
	RecordIsolated(removed int)
	RecordPurged(removed int)
	RecordCorruptEntry(base string)
}

type nopRecorder struct{}

func (nopRecorder) RecordIsolated(int)        {}
func (nopRecorder) RecordPurged(int)          {}
func (nopRecorder) RecordCorruptEntry(string) {}

// Manager namespaces cached state by identity and removes entries that do
// not belong to the current identity.
type Manager struct {
	store    kv.Store
	usage    *UsageCounter
	logger   *zap.Logger
	recorder Recorder
}

// NewManager creates a manager. usage may be nil when no counter is needed
// for Restore.
func NewManager(store kv.Store, usage *UsageCounter, logger *zap.Logger, recorder Recorder) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Manager{store: store, usage: usage, logger: logger, recorder: recorder}
}

// NamespacedKey composes the storage key of base for identityID. The
// identity id is path-escaped, so it can never contain the separator.
func NamespacedKey(base, identityID string) string {
	return keyPrefix + base + "/" + url.PathEscape(identityID)
}

// ParseKey splits a namespaced key into its base and identity id.
func ParseKey(key string) (base, identityID string, ok bool) {
	rest, found := strings.CutPrefix(key, keyPrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, "/")
	if i <= 0 {
		return "", "", false
	}
	id, err := url.PathUnescape(rest[i+1:])
	if err != nil || id == "" {
		return "", "", false
	}
	return rest[:i], id, true
}

// malformedTracked reports whether key sits under a tracked base but its
// identity segment is empty or not validly escaped. No identity owns it.
func malformedTracked(key string) bool {
	rest, found := strings.CutPrefix(key, keyPrefix)
	if !found {
		return false
	}
	i := strings.LastIndex(rest, "/")
	if i <= 0 {
		return false
	}
	return tracked(rest[:i])
}

func tracked(base string) bool {
	switch base {
	case BaseClassification, BaseTips, BaseImagePreview:
		return true
	}
	return strings.HasPrefix(base, BaseUsage+":")
}

// Isolate deletes every tracked entry that is not namespaced to
// currentIdentityID, including legacy un-namespaced entries. It never
// deletes the current identity's own entries.
func (m *Manager) Isolate(ctx context.Context, currentIdentityID string) (int, error) {
	removed, err := m.sweep(ctx, func(id string) bool { return id != currentIdentityID })
	m.recorder.RecordIsolated(removed)
	if err != nil {
		return removed, fmt.Errorf("isolate cache for %s: %w", currentIdentityID, err)
	}
	if removed > 0 {
		m.logger.Info("isolated cache",
			zap.String("identity_id", currentIdentityID),
			zap.Int("removed", removed),
		)
	}
	return removed, nil
}

// PurgeAll deletes every tracked entry regardless of identity.
func (m *Manager) PurgeAll(ctx context.Context) (int, error) {
	removed, err := m.sweep(ctx, func(string) bool { return true })
	m.recorder.RecordPurged(removed)
	if err != nil {
		return removed, fmt.Errorf("purge cache: %w", err)
	}
	if removed > 0 {
		m.logger.Info("purged cache", zap.Int("removed", removed))
	}
	return removed, nil
}

func (m *Manager) sweep(ctx context.Context, foreign func(identityID string) bool) (int, error) {
	removed := 0

	for _, base := range resettableBases {
		_, ok, err := m.store.Get(ctx, base)
		if err != nil {
			return removed, err
		}
		if ok {
			if err := m.store.Remove(ctx, base); err != nil {
				return removed, err
			}
			removed++
		}
	}

	keys, err := m.store.Keys(ctx, keyPrefix)
	if err != nil {
		return removed, err
	}
	for _, key := range keys {
		base, id, ok := ParseKey(key)
		switch {
		case ok:
			if !tracked(base) || !foreign(id) {
				continue
			}
		case !malformedTracked(key):
			continue
		}
		if err := m.store.Remove(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Restore reads the state namespaced to identityID. Entries that fail to
// decode are deleted and reported as absent; other fields are unaffected.
func (m *Manager) Restore(ctx context.Context, identityID string) (State, error) {
	state := Empty(identityID)
	if identityID == "" {
		return state, nil
	}

	var err error
	if state.Classification, err = m.restoreJSON(ctx, BaseClassification, identityID); err != nil {
		return Empty(identityID), err
	}
	if state.Tips, err = m.restoreJSON(ctx, BaseTips, identityID); err != nil {
		return Empty(identityID), err
	}
	if state.ImagePreview, err = m.restoreString(ctx, BaseImagePreview, identityID); err != nil {
		return Empty(identityID), err
	}
	if m.usage != nil {
		state.UsageDate = m.usage.Today()
		if state.UsageCount, err = m.usage.Current(ctx, identityID); err != nil {
			return Empty(identityID), err
		}
	}
	return state, nil
}

func (m *Manager) restoreJSON(ctx context.Context, base, identityID string) (json.RawMessage, error) {
	key := NamespacedKey(base, identityID)
	raw, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", base, err)
	}
	if !ok {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		m.discard(ctx, key, base)
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

func (m *Manager) restoreString(ctx context.Context, base, identityID string) (string, error) {
	raw, err := m.restoreJSON(ctx, base, identityID)
	if err != nil || raw == nil {
		return "", err
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		m.discard(ctx, NamespacedKey(base, identityID), base)
		return "", nil
	}
	return value, nil
}

func (m *Manager) discard(ctx context.Context, key, base string) {
	m.recorder.RecordCorruptEntry(base)
	m.logger.Warn("discarding corrupt cache entry", zap.String("key", key))
	if err := m.store.Remove(ctx, key); err != nil {
		m.logger.Warn("remove corrupt cache entry", zap.String("key", key), zap.Error(err))
	}
}

// Persist writes patch under identityID's namespace. Writing for the
// anonymous identity is a no-op: anonymous owns no cache.
func (m *Manager) Persist(ctx context.Context, identityID string, patch Patch) error {
	if identityID == "" {
		m.logger.Debug("refusing to persist cache without an identity")
		return nil
	}
	if patch.Classification != nil {
		if err := m.putJSON(ctx, BaseClassification, identityID, patch.Classification); err != nil {
			return err
		}
	}
	if patch.Tips != nil {
		if err := m.putJSON(ctx, BaseTips, identityID, patch.Tips); err != nil {
			return err
		}
	}
	if patch.ImagePreview != nil {
		raw, err := json.Marshal(*patch.ImagePreview)
		if err != nil {
			return fmt.Errorf("marshal image preview: %w", err)
		}
		if err := m.putJSON(ctx, BaseImagePreview, identityID, raw); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) putJSON(ctx context.Context, base, identityID string, raw json.RawMessage) error {
	if !json.Valid(raw) {
		return fmt.Errorf("persist %s: invalid JSON", base)
	}
	if err := m.store.Set(ctx, NamespacedKey(base, identityID), string(raw)); err != nil {
		return fmt.Errorf("persist %s: %w", base, err)
	}
	return nil
}

// Reset deletes identityID's classification, tips and preview. Usage
// counters are kept.
func (m *Manager) Reset(ctx context.Context, identityID string) error {
	if identityID == "" {
		return nil
	}
	for _, base := range resettableBases {
		if err := m.store.Remove(ctx, NamespacedKey(base, identityID)); err != nil {
			return fmt.Errorf("reset %s: %w", base, err)
		}
	}
	return nil
}
