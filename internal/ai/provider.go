// Package ai plays turns by asking a language model for a move.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kiliankoe/moltpit/internal/provider"
	"github.com/kiliankoe/moltpit/internal/rules"
)

// Completer is a chat completion backend.
type Completer interface {
	Complete(ctx context.Context, model, systemPrompt, prompt string) (string, error)
}

const systemPrompt = `You are playing a turn-based board game against another agent.
Reply with exactly one line "MOVE: <move>" using one of the listed legal moves.
You may add a second line "SAY: <short remark to your opponent>".`

// Agent is a provider.Provider backed by a language model.
type Agent struct {
	client Completer
	model  string
}

func NewAgent(client Completer, model string) *Agent {
	return &Agent{client: client, model: model}
}

// RequestMove asks the model once. An answer naming no legal move is still
// returned so the match rejects it and asks again with the reason attached.
func (a *Agent) RequestMove(ctx context.Context, view provider.TurnView, deadline time.Time) (provider.Reply, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	text, err := a.client.Complete(ctx, a.model, systemPrompt, Prompt(view))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return provider.Reply{}, provider.ErrDeadline
		}
		return provider.Reply{}, fmt.Errorf("%s completion: %w", a.model, err)
	}
	return ParseReply(text, view.LegalMoves), nil
}

// Prompt renders the turn for the model.
func Prompt(view provider.TurnView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Game: %s\n", view.Kind)
	fmt.Fprintf(&b, "You are seat %d. Opponent: %s (rating %d).\n", view.Seat, opponentName(view.Opponent), view.Opponent.Rating)
	fmt.Fprintf(&b, "Position: %s\n", view.State.Payload)
	if len(view.MoveHistory) > 0 {
		fmt.Fprintf(&b, "Moves so far: %s\n", join(view.MoveHistory))
	}
	fmt.Fprintf(&b, "Your clock: %ds\n", view.RemainingMs/1000)
	fmt.Fprintf(&b, "Legal moves: %s\n", join(view.LegalMoves))
	if view.LastError != "" {
		fmt.Fprintf(&b, "Your previous answer was rejected: %s\n", view.LastError)
	}
	return b.String()
}

// ParseReply extracts the move and remark from a model answer. It prefers a
// "MOVE:" line, then any word that is a legal move.
func ParseReply(text string, legal []rules.Move) provider.Reply {
	var reply provider.Reply
	var candidate string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "MOVE:"):
			candidate = clean(line[len("MOVE:"):])
		case strings.HasPrefix(upper, "SAY:"):
			reply.TrashTalk = strings.TrimSpace(line[len("SAY:"):])
		}
	}
	if m, ok := match(candidate, legal); ok {
		reply.Move = m
		return reply
	}
	for _, word := range strings.Fields(text) {
		if m, ok := match(clean(word), legal); ok {
			reply.Move = m
			return reply
		}
	}
	if candidate == "" {
		candidate = clean(firstLine(text))
	}
	reply.Move = rules.Move(candidate)
	return reply
}

func match(s string, legal []rules.Move) (rules.Move, bool) {
	if s == "" {
		return "", false
	}
	for _, m := range legal {
		if strings.EqualFold(string(m), s) {
			return m, true
		}
	}
	return "", false
}

func clean(s string) string {
	return strings.Trim(strings.TrimSpace(s), "`\"'.,;:!()[]")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func join(ms []rules.Move) string {
	parts := make([]string, len(ms))
	for i, m := range ms {
		parts[i] = string(m)
	}
	return strings.Join(parts, " ")
}

func opponentName(o provider.Opponent) string {
	if o.Name != "" {
		return o.Name
	}
	return o.ID
}
