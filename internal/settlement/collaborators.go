package settlement

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// Pinner stores bytes in content-addressed storage. Pinning identical
// content returns the same identifier.
type Pinner interface {
	Pin(ctx context.Context, data []byte) (string, error)
}

// Ledger records settlement outcomes. Submissions are idempotent per session id.
type Ledger interface {
	SubmitResult(ctx context.Context, sub Submission) (txRef string, err error)
}

type Mode string

const (
	// ModeLive talks to the configured storage and ledger services.
	ModeLive Mode = "live"
	// ModeOffline settles against local stand-ins.
	ModeOffline Mode = "offline"
)

// Collaborators is the pair of services settlement talks to, and the mode
// they were chosen for.
type Collaborators struct {
	Mode   Mode
	Pinner Pinner
	Ledger Ledger
}

// Offline returns local collaborators: sha256 content ids and an in-memory ledger.
func Offline() Collaborators {
	return Collaborators{Mode: ModeOffline, Pinner: LocalPinner{}, Ledger: NewMemoryLedger()}
}

// Live returns HTTP collaborators for the given service base URLs.
func Live(pinURL, ledgerURL, apiKey string) Collaborators {
	client := &http.Client{Timeout: 30 * time.Second}
	return Collaborators{
		Mode:   ModeLive,
		Pinner: &HTTPPinner{BaseURL: strings.TrimRight(pinURL, "/"), APIKey: apiKey, http: client},
		Ledger: &HTTPLedger{BaseURL: strings.TrimRight(ledgerURL, "/"), APIKey: apiKey, http: client},
	}
}

// LocalPinner derives content ids locally without storing anything.
type LocalPinner struct{}

func (LocalPinner) Pin(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return "sha256-" + hex.EncodeToString(sum[:]), nil
}

// MemoryLedger is an idempotent in-process ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	settled map[string]string
	subs    map[string]Submission
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{settled: make(map[string]string), subs: make(map[string]Submission)}
}

func (l *MemoryLedger) SubmitResult(_ context.Context, sub Submission) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ref, ok := l.settled[sub.SessionID]; ok {
		return ref, nil
	}
	ref := "local-" + uuid.NewString()
	l.settled[sub.SessionID] = ref
	l.subs[sub.SessionID] = sub
	return ref, nil
}

// Submitted returns what was recorded for sessionID.
func (l *MemoryLedger) Submitted(sessionID string) (Submission, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.subs[sessionID]
	return s, ok
}

// HTTPPinner pins via POST {BaseURL}/pins, answering {"cid": ...}.
type HTTPPinner struct {
	BaseURL string
	APIKey  string
	http    *http.Client
}

func (p *HTTPPinner) Pin(ctx context.Context, data []byte) (string, error) {
	var out struct {
		CID string `json:"cid"`
	}
	if _, err := post(ctx, p.http, p.BaseURL+"/pins", p.APIKey, json.RawMessage(data), &out); err != nil {
		return "", err
	}
	if out.CID == "" {
		return "", errors.New("pin response missing cid")
	}
	return out.CID, nil
}

// HTTPLedger settles via POST {BaseURL}/settlements, answering {"txRef": ...}.
// 409 means the session is already settled and counts as success.
type HTTPLedger struct {
	BaseURL string
	APIKey  string
	http    *http.Client
}

func (l *HTTPLedger) SubmitResult(ctx context.Context, sub Submission) (string, error) {
	var out struct {
		TxRef string `json:"txRef"`
	}
	status, err := post(ctx, l.http, l.BaseURL+"/settlements", l.APIKey, sub, &out)
	if status == http.StatusConflict {
		return out.TxRef, nil
	}
	if err != nil {
		return "", err
	}
	return out.TxRef, nil
}

// post sends payload as JSON. Client errors other than 409 are permanent;
// everything else is worth retrying.
func post(ctx context.Context, client *http.Client, url, apiKey string, payload, out any) (int, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		_ = json.NewDecoder(resp.Body).Decode(out)
		return resp.StatusCode, nil
	}
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode/100 == 4 && resp.StatusCode != http.StatusTooManyRequests {
			return resp.StatusCode, backoff.Permanent(err)
		}
		return resp.StatusCode, err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s response: %w", url, err)
	}
	return resp.StatusCode, nil
}
