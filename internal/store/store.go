// Package store persists session snapshots and settlement records on top
// of a plain key-value backend (memory, Redis or SQLite).
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiliankoe/moltpit/internal/game"
	"github.com/kiliankoe/moltpit/internal/settlement"
	"github.com/kiliankoe/moltpit/internal/store/memory"
	"github.com/kiliankoe/moltpit/internal/store/redisstore"
	"github.com/kiliankoe/moltpit/internal/store/sqlitestore"
)

// Entry is one key-value pair.
type Entry struct {
	Key   string
	Value []byte
}

// KV is the persistence contract. Implementations must be safe for
// concurrent use.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	// List returns every entry whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

const (
	sessionPrefix    = "session:"
	settlementPrefix = "settlement:"
)

// Open picks a backend from dsn: "memory", "redis://..." or "sqlite:<path>".
func Open(ctx context.Context, dsn string) (KV, error) {
	switch {
	case dsn == "" || dsn == "memory":
		return wrap(memory.New()), nil
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		s, err := redisstore.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return wrap(s), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		s, err := sqlitestore.Open(ctx, strings.TrimPrefix(dsn, "sqlite:"))
		if err != nil {
			return nil, err
		}
		return wrap(s), nil
	}
	return nil, fmt.Errorf("unsupported store %q", dsn)
}

// backend is what the subpackages implement; they stay free of this
// package's types.
type backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

type adapter struct{ backend }

func wrap(b backend) KV { return adapter{b} }

func (a adapter) List(ctx context.Context, prefix string) ([]Entry, error) {
	keys, err := a.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		v, ok, err := a.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, Entry{Key: k, Value: v})
		}
	}
	return out, nil
}

// Repository stores domain objects as JSON in a KV.
type Repository struct {
	kv KV
}

func NewRepository(kv KV) *Repository {
	return &Repository{kv: kv}
}

func (r *Repository) SaveSession(ctx context.Context, snap game.Snapshot) error {
	return r.put(ctx, sessionPrefix+snap.ID, snap)
}

func (r *Repository) LoadSession(ctx context.Context, id string) (game.Snapshot, bool, error) {
	var snap game.Snapshot
	ok, err := r.get(ctx, sessionPrefix+id, &snap)
	return snap, ok, err
}

func (r *Repository) ListSessions(ctx context.Context) ([]game.Snapshot, error) {
	return list[game.Snapshot](ctx, r.kv, sessionPrefix)
}

func (r *Repository) SaveSettlement(ctx context.Context, rec settlement.Record) error {
	return r.put(ctx, settlementPrefix+rec.SessionID, rec)
}

func (r *Repository) LoadSettlement(ctx context.Context, sessionID string) (settlement.Record, bool, error) {
	var rec settlement.Record
	ok, err := r.get(ctx, settlementPrefix+sessionID, &rec)
	return rec, ok, err
}

func (r *Repository) LoadSettlements(ctx context.Context) ([]settlement.Record, error) {
	return list[settlement.Record](ctx, r.kv, settlementPrefix)
}

func (r *Repository) put(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.kv.Put(ctx, key, b); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (r *Repository) get(ctx context.Context, key string, v any) (bool, error) {
	b, ok, err := r.kv.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func list[T any](ctx context.Context, kv KV, prefix string) ([]T, error) {
	entries, err := kv.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}
