package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingChannel struct {
	sent chan Notification
}

func newRecordingChannel() *recordingChannel {
	return &recordingChannel{sent: make(chan Notification, 8)}
}

func (c *recordingChannel) Notify(_ context.Context, n Notification) error {
	c.sent <- n
	return nil
}

func (c *recordingChannel) next(t *testing.T) Notification {
	t.Helper()
	select {
	case n := <-c.sent:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
		return Notification{}
	}
}

type result struct {
	reply Reply
	err   error
}

func startRequest(b *Bridge, participantID string, deadline time.Duration) <-chan result {
	return startSessionRequest(b, "s1", participantID, deadline)
}

func startSessionRequest(b *Bridge, sessionID, participantID string, deadline time.Duration) <-chan result {
	out := make(chan result, 1)
	go func() {
		view := TurnView{SessionID: sessionID, ParticipantID: participantID}
		r, err := b.For(participantID).RequestMove(context.Background(), view, time.Now().Add(deadline))
		out <- result{r, err}
	}()
	return out
}

func wait(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("request did not finish")
		return result{}
	}
}

func TestResolveMatchingToken(t *testing.T) {
	b := NewBridge(zerolog.Nop())
	ch := newRecordingChannel()
	b.Bind("alice", ch)

	res := startRequest(b, "alice", time.Minute)
	n := ch.next(t)
	require.Equal(t, "s1", n.SessionID)

	p := b.Pending("alice")
	require.Len(t, p, 1)
	require.Equal(t, n.Token, p[0].Token)

	require.NoError(t, b.Resolve("alice", n.Token, Reply{Move: "e2e4", TrashTalk: "hi"}))
	r := wait(t, res)
	require.NoError(t, r.err)
	require.Equal(t, "e2e4", string(r.reply.Move))
	require.Equal(t, "hi", r.reply.TrashTalk)

	require.Empty(t, b.Pending("alice"), "request should be cleared after resolution")
}

func TestResolveWrongTokenKeepsRequestOpen(t *testing.T) {
	b := NewBridge(zerolog.Nop())
	ch := newRecordingChannel()
	b.Bind("alice", ch)
	res := startRequest(b, "alice", time.Minute)
	n := ch.next(t)

	err := b.Resolve("alice", "not-a-token", Reply{Move: "e2e4"})
	require.ErrorIs(t, err, ErrNoPendingRequest)
	require.Len(t, b.Pending("alice"), 1)

	require.NoError(t, b.Resolve("alice", n.Token, Reply{Move: "d2d4"}))
	require.Equal(t, "d2d4", string(wait(t, res).reply.Move))
}

func TestResolveWithoutRequest(t *testing.T) {
	b := NewBridge(zerolog.Nop())
	require.ErrorIs(t, b.Resolve("bob", "x", Reply{Move: "0"}), ErrNoPendingRequest)
}

func TestDuplicateResolutionIsNoop(t *testing.T) {
	b := NewBridge(zerolog.Nop())
	ch := newRecordingChannel()
	b.Bind("alice", ch)
	res := startRequest(b, "alice", time.Minute)
	n := ch.next(t)

	require.NoError(t, b.Resolve("alice", n.Token, Reply{Move: "a"}))
	require.Equal(t, "a", string(wait(t, res).reply.Move))
	// the request is gone but the token is known: discard quietly
	require.NoError(t, b.Resolve("alice", n.Token, Reply{Move: "b"}))
}

func TestUnbindForfeitsOutstandingRequest(t *testing.T) {
	b := NewBridge(zerolog.Nop())
	ch := newRecordingChannel()
	b.Bind("alice", ch)
	res := startRequest(b, "alice", time.Hour)
	ch.next(t)

	require.True(t, b.Unbind("alice"))
	r := wait(t, res)
	require.ErrorIs(t, r.err, ErrForfeit)
	require.False(t, b.Bound("alice"))
}

func TestReleaseOnlyUnbindsMatchingChannel(t *testing.T) {
	b := NewBridge(zerolog.Nop())
	old, cur := newRecordingChannel(), newRecordingChannel()
	b.Bind("alice", old)
	b.Bind("alice", cur)
	b.Bind("bob", old)

	released := b.Release(old)
	require.Equal(t, []string{"bob"}, released)
	require.True(t, b.Bound("alice"))
	require.False(t, b.Bound("bob"))
}

func TestDeadlineWhileBound(t *testing.T) {
	b := NewBridge(zerolog.Nop())
	b.Bind("alice", newRecordingChannel())
	r := wait(t, startRequest(b, "alice", 20*time.Millisecond))
	require.ErrorIs(t, r.err, ErrDeadline)
}

func TestDeadlineWhileUnboundIsForfeit(t *testing.T) {
	b := NewBridge(zerolog.Nop())
	r := wait(t, startRequest(b, "alice", 20*time.Millisecond))
	require.ErrorIs(t, r.err, ErrForfeit)
}

func TestBindDeliversOutstandingRequest(t *testing.T) {
	b := NewBridge(zerolog.Nop())
	res := startRequest(b, "alice", time.Minute)
	require.Eventually(t, func() bool {
		return len(b.Pending("alice")) == 1
	}, time.Second, time.Millisecond)

	ch := newRecordingChannel()
	b.Bind("alice", ch)
	n := ch.next(t)
	require.NoError(t, b.Resolve("alice", n.Token, Reply{Move: "4"}))
	require.Equal(t, "4", string(wait(t, res).reply.Move))
}

func TestNewRequestSupersedesOld(t *testing.T) {
	b := NewBridge(zerolog.Nop())
	ch := newRecordingChannel()
	b.Bind("alice", ch)
	first := startRequest(b, "alice", time.Minute)
	n1 := ch.next(t)
	second := startRequest(b, "alice", time.Minute)
	n2 := ch.next(t)
	require.NotEqual(t, n1.Token, n2.Token)

	r := wait(t, first)
	require.True(t, errors.Is(r.err, errSuperseded))

	// the superseded token is discarded, not applied
	require.NoError(t, b.Resolve("alice", n1.Token, Reply{Move: "old"}))
	require.NoError(t, b.Resolve("alice", n2.Token, Reply{Move: "new"}))
	require.Equal(t, "new", string(wait(t, second).reply.Move))
}

func TestRequestsInDifferentSessionsCoexist(t *testing.T) {
	b := NewBridge(zerolog.Nop())
	ch := newRecordingChannel()
	b.Bind("alice", ch)
	g1 := startSessionRequest(b, "g1", "alice", time.Minute)
	n1 := ch.next(t)
	g2 := startSessionRequest(b, "g2", "alice", time.Minute)
	n2 := ch.next(t)

	pending := b.Pending("alice")
	require.Len(t, pending, 2)
	require.ElementsMatch(t, []string{"g1", "g2"}, []string{pending[0].SessionID, pending[1].SessionID})

	require.NoError(t, b.Resolve("alice", n2.Token, Reply{Move: "b"}))
	require.NoError(t, b.Resolve("alice", n1.Token, Reply{Move: "a"}))
	r1, r2 := wait(t, g1), wait(t, g2)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	require.Equal(t, "a", string(r1.reply.Move))
	require.Equal(t, "b", string(r2.reply.Move))
}

func TestUnbindForfeitsEverySession(t *testing.T) {
	b := NewBridge(zerolog.Nop())
	ch := newRecordingChannel()
	b.Bind("alice", ch)
	g1 := startSessionRequest(b, "g1", "alice", time.Hour)
	ch.next(t)
	g2 := startSessionRequest(b, "g2", "alice", time.Hour)
	ch.next(t)

	require.True(t, b.Unbind("alice"))
	require.ErrorIs(t, wait(t, g1).err, ErrForfeit)
	require.ErrorIs(t, wait(t, g2).err, ErrForfeit)
	require.Empty(t, b.Pending("alice"))
}

func TestCancelledContextStopsWaiting(t *testing.T) {
	b := NewBridge(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.For("alice").RequestMove(ctx, TurnView{SessionID: "s1"}, time.Now().Add(time.Hour))
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("request ignored cancellation")
	}
}
