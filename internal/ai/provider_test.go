package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kiliankoe/moltpit/internal/provider"
	"github.com/kiliankoe/moltpit/internal/rules"
)

type completerFunc func(ctx context.Context, model, system, prompt string) (string, error)

func (f completerFunc) Complete(ctx context.Context, model, system, prompt string) (string, error) {
	return f(ctx, model, system, prompt)
}

var legal = []rules.Move{"e2e4", "d2d4", "g1f3"}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name string
		text string
		move rules.Move
		talk string
	}{
		{"move line", "MOVE: d2d4", "d2d4", ""},
		{"move and say", "move: `E2E4`\nSAY: center is mine", "e2e4", "center is mine"},
		{"bare legal word", "I think g1f3 is best.", "g1f3", ""},
		{"unknown move kept for rejection", "MOVE: a1a8", "a1a8", ""},
		{"free text", "no idea\nreally", "no idea", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseReply(tt.text, legal)
			if got.Move != tt.move || got.TrashTalk != tt.talk {
				t.Fatalf("ParseReply(%q) = %+v, want move %q talk %q", tt.text, got, tt.move, tt.talk)
			}
		})
	}
}

func TestPromptMentionsRejection(t *testing.T) {
	view := provider.TurnView{
		Kind:        "chess",
		State:       rules.Snapshot{Kind: "chess", Payload: []byte(`{"fen":"x"}`)},
		LegalMoves:  legal,
		MoveHistory: []rules.Move{"e2e4", "e7e5"},
		Opponent:    provider.Opponent{ID: "bob", Rating: 1400},
		LastError:   "invalid move \"a1a8\"",
	}
	p := Prompt(view)
	for _, want := range []string{"Game: chess", "bob (rating 1400)", "e2e4 e7e5", "Legal moves: e2e4 d2d4 g1f3", "rejected"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
}

func TestAgentRequestMove(t *testing.T) {
	var gotModel string
	agent := NewAgent(completerFunc(func(_ context.Context, model, system, prompt string) (string, error) {
		gotModel = model
		if !strings.Contains(system, "MOVE:") || !strings.Contains(prompt, "Legal moves") {
			t.Errorf("unexpected prompts %q / %q", system, prompt)
		}
		return "MOVE: d2d4\nSAY: hi", nil
	}), "tiny")

	reply, err := agent.RequestMove(context.Background(), provider.TurnView{LegalMoves: legal}, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("request move: %v", err)
	}
	if reply.Move != "d2d4" || reply.TrashTalk != "hi" || gotModel != "tiny" {
		t.Fatalf("unexpected reply %+v (model %q)", reply, gotModel)
	}
}

func TestAgentDeadline(t *testing.T) {
	agent := NewAgent(completerFunc(func(ctx context.Context, _, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), "slow")
	_, err := agent.RequestMove(context.Background(), provider.TurnView{LegalMoves: legal}, time.Now().Add(20*time.Millisecond))
	if !errors.Is(err, provider.ErrDeadline) {
		t.Fatalf("expected ErrDeadline, got %v", err)
	}
}
