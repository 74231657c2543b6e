package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"tetoegen/api/internal/kv"
)

const changeChannel = "kv_changes"

// KV implements kv.Store and kv.Watcher on the kv_entries table. Writes
// notify other processes through pg_notify on kv_changes.
type KV struct {
	db     *sql.DB
	origin string
	logger *zap.Logger
	bus    *kv.Bus

	mu   sync.Mutex
	stop context.CancelFunc
	done chan struct{}
}

var (
	_ kv.Store   = (*KV)(nil)
	_ kv.Watcher = (*KV)(nil)
)

// NewKV wraps db. Apply the migrations before using it.
func NewKV(db *sql.DB, logger *zap.Logger) *KV {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KV{
		db:     db,
		origin: uuid.NewString(),
		logger: logger,
		bus:    kv.NewBus(),
	}
}

// Origin identifies this handle in change notifications.
func (s *KV) Origin() string {
	return s.origin
}

func (s *KV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *KV) Set(ctx context.Context, key, value string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO kv_entries (key, value, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
		`, key, value)
		if err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
		return s.notify(ctx, tx, kv.Change{Key: key})
	})
}

func (s *KV) Remove(ctx context.Context, key string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, key)
		if err != nil {
			return fmt.Errorf("remove %s: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("remove %s: %w", key, err)
		}
		if n == 0 {
			return nil
		}
		return s.notify(ctx, tx, kv.Change{Key: key, Deleted: true})
	})
}

func (s *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_entries WHERE key LIKE $1 ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	return keys, nil
}

func (s *KV) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// notify queues a change notification; Postgres delivers it on commit.
func (s *KV) notify(ctx context.Context, tx *sql.Tx, change kv.Change) error {
	payload, err := encodeChange(change, s.origin)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, changeChannel, payload); err != nil {
		return fmt.Errorf("notify %s: %w", change.Key, err)
	}
	return nil
}

// encodeChange never includes the value: NOTIFY payloads are limited to
// 8000 bytes and cached image previews exceed that.
func encodeChange(change kv.Change, origin string) (string, error) {
	change.Value = ""
	change.Origin = origin
	raw, err := json.Marshal(change)
	if err != nil {
		return "", fmt.Errorf("marshal change: %w", err)
	}
	return string(raw), nil
}

// Watch receives changes made by other handles.
func (s *KV) Watch(fn func(kv.Change)) (cancel func()) {
	return s.bus.Subscribe(fn)
}

// Listen opens a dedicated connection to databaseURL, issues LISTEN and
// forwards foreign notifications to watchers until ctx is cancelled or Close
// is called. It returns once LISTEN succeeded.
func (s *KV) Listen(ctx context.Context, databaseURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}

	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
		_ = conn.Close(context.Background())
		return fmt.Errorf("listen %s: %w", changeChannel, err)
	}

	listenCtx, stop := context.WithCancel(ctx)
	s.stop = stop
	s.done = make(chan struct{})
	go s.receive(listenCtx, conn, s.done)
	return nil
}

func (s *KV) receive(ctx context.Context, conn *pgx.Conn, done chan struct{}) {
	defer close(done)
	defer func() { _ = conn.Close(context.Background()) }()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("kv listener stopped", zap.Error(err))
			}
			return
		}
		var change kv.Change
		if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
			s.logger.Warn("dropping malformed change notification", zap.Error(err))
			continue
		}
		if change.Origin == s.origin {
			continue
		}
		s.bus.Publish(change)
	}
}

// Close stops the listener. The *sql.DB stays open; its owner closes it.
func (s *KV) Close() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
