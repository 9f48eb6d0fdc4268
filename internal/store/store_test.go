package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kiliankoe/moltpit/internal/game"
	"github.com/kiliankoe/moltpit/internal/rules"
	"github.com/kiliankoe/moltpit/internal/settlement"
)

type backendCase struct {
	name string
	open func(t *testing.T) KV
}

func backends() []backendCase {
	return []backendCase{
		{"memory", func(t *testing.T) KV {
			kv, err := Open(context.Background(), "memory")
			require.NoError(t, err)
			return kv
		}},
		{"sqlite", func(t *testing.T) KV {
			kv, err := Open(context.Background(), "sqlite:"+filepath.Join(t.TempDir(), "moltpit.db"))
			require.NoError(t, err)
			return kv
		}},
		{"redis", func(t *testing.T) KV {
			url := os.Getenv("REDIS_URL")
			if url == "" {
				t.Skip("REDIS_URL not set")
			}
			kv, err := Open(context.Background(), url)
			require.NoError(t, err)
			return kv
		}},
	}
}

func TestKVBackends(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			kv := bc.open(t)
			defer kv.Close()
			// keys are unique per run so a shared redis stays usable
			ns := "t" + uuid.NewString()[:8] + ":"

			_, ok, err := kv.Get(ctx, ns+"missing")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, kv.Put(ctx, ns+"a:2", []byte("two")))
			require.NoError(t, kv.Put(ctx, ns+"a:1", []byte("one")))
			require.NoError(t, kv.Put(ctx, ns+"b:1", []byte("other")))
			require.NoError(t, kv.Put(ctx, ns+"a:1", []byte("uno")))

			v, ok, err := kv.Get(ctx, ns+"a:1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "uno", string(v))

			entries, err := kv.List(ctx, ns+"a:")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			require.Equal(t, ns+"a:1", entries[0].Key)
			require.Equal(t, "two", string(entries[1].Value))

			require.NoError(t, kv.Delete(ctx, ns+"a:1"))
			_, ok, _ = kv.Get(ctx, ns+"a:1")
			require.False(t, ok)

			for _, k := range []string{"a:2", "b:1"} {
				require.NoError(t, kv.Delete(ctx, ns+k))
			}
		})
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv, err := Open(ctx, "sqlite:"+filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err)
	defer kv.Close()
	repo := NewRepository(kv)

	done := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := game.Snapshot{
		ID:           "g1",
		Kind:         "tictactoe",
		Status:       game.StatusCompleted,
		Participants: []game.Participant{{ID: "alice", Rating: 1500}, {ID: "bob", Rating: 1500}},
		State:        rules.Snapshot{Kind: "tictactoe", Payload: json.RawMessage(`{"board":"XXX.OO...","turn":1}`)},
		Moves:        []game.MoveRecord{{Seat: 0, ParticipantID: "alice", Move: "0", PositionHash: "h"}},
		RemainingMs:  []int64{1000, 2000},
		CompletedAt:  &done,
		Result:       &game.Result{Winner: "alice", Reason: game.ReasonDecisive},
	}
	require.NoError(t, repo.SaveSession(ctx, snap))

	got, ok, err := repo.LoadSession(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snap.Result, got.Result)
	require.JSONEq(t, string(snap.State.Payload), string(got.State.Payload))
	require.True(t, done.Equal(*got.CompletedAt))

	rec, err := settlement.Build(snap, done)
	require.NoError(t, err)
	require.NoError(t, repo.SaveSettlement(ctx, rec))
	rec.Status = settlement.StatusAnchored
	rec.TxRef = "tx"
	require.NoError(t, repo.SaveSettlement(ctx, rec))

	recs, err := repo.LoadSettlements(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, settlement.StatusAnchored, recs[0].Status)
	require.Equal(t, rec.FinalStateHash, recs[0].FinalStateHash)

	sessions, err := repo.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1, "settlement keys must not leak into sessions")
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), "postgres://localhost/db")
	require.Error(t, err)
}
