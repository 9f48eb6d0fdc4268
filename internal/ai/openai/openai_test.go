package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("unexpected request %s %s", r.URL.Path, r.Header.Get("Authorization"))
		}
		var body struct {
			Model    string              `json:"model"`
			Messages []map[string]string `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Model != "m" || len(body.Messages) != 2 || body.Messages[0]["role"] != "system" {
			t.Errorf("unexpected body %+v", body)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  MOVE: 4 \n"}}]}`))
	}))
	defer srv.Close()

	out, err := New("k", srv.URL+"/").Complete(context.Background(), "m", "sys", "prompt")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "MOVE: 4" {
		t.Fatalf("got %q", out)
	}
}

func TestCompleteErrors(t *testing.T) {
	if _, err := New("", "http://unused").Complete(context.Background(), "m", "s", "p"); err == nil {
		t.Fatal("missing key should fail")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	_, err := New("k", srv.URL).Complete(context.Background(), "m", "s", "p")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}
