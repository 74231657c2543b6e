package store

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"tetoegen/api/db/migrations"
	"tetoegen/api/internal/kv"
)

func TestEncodeChangeDropsValue(t *testing.T) {
	preview := strings.Repeat("A", 10000)
	payload, err := encodeChange(kv.Change{Key: "cache/tetoImagePreview/u1", Value: preview}, "origin-1")
	if err != nil {
		t.Fatalf("encodeChange() error = %v", err)
	}
	if len(payload) > 8000 {
		t.Fatalf("payload is %d bytes", len(payload))
	}
	var change kv.Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if change.Key != "cache/tetoImagePreview/u1" || change.Origin != "origin-1" || change.Value != "" {
		t.Fatalf("unexpected change %+v", change)
	}
}

func TestEscapeLike(t *testing.T) {
	tests := map[string]string{
		"cache/":         "cache/",
		"100%_done":      `100\%\_done`,
		`back\slash`:     `back\\slash`,
		"tetoDailyUsage": "tetoDailyUsage",
	}
	for in, want := range tests {
		if got := escapeLike(in); got != want {
			t.Errorf("escapeLike(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKVPostgres(t *testing.T) {
	dsn := testDatabaseURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()
	if err := ApplyMigrations(ctx, db, migrations.FS); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM kv_entries`); err != nil {
		t.Fatalf("clear kv_entries: %v", err)
	}

	writer := NewKV(db, nil)
	reader := NewKV(db, nil)
	if err := reader.Listen(ctx, dsn); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer reader.Close()

	changes := make(chan kv.Change, 4)
	defer reader.Watch(func(c kv.Change) { changes <- c })()

	if err := writer.Set(ctx, "cache/tetoTips/u_1", `["tip"]`); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := writer.Set(ctx, "cache/tetoTips/u%1", `[]`); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	value, ok, err := reader.Get(ctx, "cache/tetoTips/u_1")
	if err != nil || !ok || value != `["tip"]` {
		t.Fatalf("Get() = %q, %v, %v", value, ok, err)
	}
	keys, err := reader.Keys(ctx, "cache/tetoTips/u_")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 1 || keys[0] != "cache/tetoTips/u_1" {
		t.Fatalf("Keys() = %v, want only the literal prefix match", keys)
	}

	select {
	case c := <-changes:
		if c.Key != "cache/tetoTips/u_1" || c.Origin != writer.Origin() {
			t.Fatalf("unexpected change %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification received")
	}

	if err := writer.Remove(ctx, "cache/tetoTips/u_1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, ok, _ := reader.Get(ctx, "cache/tetoTips/u_1"); ok {
		t.Fatal("key still present after Remove")
	}
}
