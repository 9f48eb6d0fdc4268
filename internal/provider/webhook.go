package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kiliankoe/moltpit/internal/rules"
)

// Webhook asks an agent over HTTP. The agent exposes POST /move, which
// receives {"gameState": ...} (the TurnView flattened by AgentState) and answers {"action": ..., "trashTalk": ...},
// plus optional POST /game-start and /game-end.
type Webhook struct {
	BaseURL string
	http    *http.Client
}

func NewWebhook(baseURL string) *Webhook {
	return &Webhook{BaseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: 30 * time.Second}}
}

func (w *Webhook) RequestMove(ctx context.Context, view TurnView, deadline time.Time) (Reply, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var out struct {
		Action    json.RawMessage `json:"action"`
		TrashTalk string          `json:"trashTalk"`
	}
	state, err := view.AgentState()
	if err != nil {
		return Reply{}, err
	}
	err = w.post(ctx, "/move", map[string]any{"gameState": state}, &out)
	if errors.Is(err, context.DeadlineExceeded) {
		return Reply{}, ErrDeadline
	}
	if err != nil {
		return Reply{}, err
	}
	move, err := decodeAction(out.Action)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Move: move, TrashTalk: strings.TrimSpace(out.TrashTalk)}, nil
}

func (w *Webhook) GameStarted(ctx context.Context, view TurnView) error {
	state, err := view.AgentState()
	if err != nil {
		return err
	}
	return w.post(ctx, "/game-start", map[string]any{"gameState": state}, nil)
}

func (w *Webhook) GameEnded(ctx context.Context, end GameEnd) error {
	return w.post(ctx, "/game-end", map[string]any{"result": end}, nil)
}

func (w *Webhook) post(ctx context.Context, path string, payload any, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("agent %s status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode agent %s response: %w", path, err)
	}
	return nil
}

// decodeAction accepts either a bare move string or a chess-style
// {"from","to","promotion"} object.
func decodeAction(raw json.RawMessage) (rules.Move, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("agent returned no action")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return rules.Move(strings.TrimSpace(s)), nil
	}
	var sq struct {
		From      string `json:"from"`
		To        string `json:"to"`
		Promotion string `json:"promotion"`
	}
	if err := json.Unmarshal(raw, &sq); err != nil {
		return "", fmt.Errorf("decode agent action: %w", err)
	}
	if sq.From == "" || sq.To == "" {
		return "", errors.New("agent action missing from/to")
	}
	return rules.Move(strings.ToLower(sq.From + sq.To + sq.Promotion)), nil
}
