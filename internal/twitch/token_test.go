package twitch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTokenManagerExchange(t *testing.T) {
	exchanges := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges++
		if err := r.ParseForm(); err != nil {
			t.Fatalf("bad form: %v", err)
		}
		if r.Form.Get("grant_type") != "client_credentials" {
			t.Errorf("grant_type = %q, want client_credentials", r.Form.Get("grant_type"))
		}
		if r.Form.Get("client_id") != "cid" || r.Form.Get("client_secret") != "csecret" {
			t.Errorf("credentials not forwarded: %v", r.Form)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-token",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	defer server.Close()

	tm := &TokenManager{
		ClientID:     "cid",
		ClientSecret: "csecret",
		Path:         filepath.Join(t.TempDir(), "token.json"),
		TokenURL:     server.URL,
	}

	ctx := context.Background()
	if err := tm.Ensure(ctx); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if got := tm.AccessToken(); got != "fresh-token" {
		t.Errorf("AccessToken() = %q, want fresh-token", got)
	}

	// Still valid: no second exchange.
	if err := tm.Ensure(ctx); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if exchanges != 1 {
		t.Errorf("exchanges = %d, want 1", exchanges)
	}

	// The credential file must exist and carry the token.
	raw, err := os.ReadFile(tm.Path)
	if err != nil {
		t.Fatalf("credential file not written: %v", err)
	}
	var cred struct {
		Expiration int64  `json:"expiration"`
		Secret     string `json:"secret"`
	}
	if err := json.Unmarshal(raw, &cred); err != nil {
		t.Fatalf("credential file not parseable: %v", err)
	}
	if cred.Secret != "fresh-token" {
		t.Errorf("persisted secret = %q, want fresh-token", cred.Secret)
	}
	if time.UnixMilli(cred.Expiration).Before(time.Now()) {
		t.Error("persisted expiration is already in the past")
	}
}

func TestTokenManagerReusesPersisted(t *testing.T) {
	validate := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "OAuth persisted-token" {
			t.Errorf("Authorization = %q, want OAuth persisted-token", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"client_id": "cid"})
	}))
	defer validate.Close()

	path := filepath.Join(t.TempDir(), "token.json")
	cred, _ := json.Marshal(map[string]any{
		"expiration": time.Now().Add(time.Hour).UnixMilli(),
		"secret":     "persisted-token",
	})
	if err := os.WriteFile(path, cred, 0o600); err != nil {
		t.Fatal(err)
	}

	tm := &TokenManager{
		ClientID:     "cid",
		ClientSecret: "csecret",
		Path:         path,
		TokenURL:     "http://127.0.0.1:0", // exchange must not run
		ValidateURL:  validate.URL,
	}
	if err := tm.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if got := tm.AccessToken(); got != "persisted-token" {
		t.Errorf("AccessToken() = %q, want persisted-token", got)
	}
}

func TestTokenManagerRejectsForeignToken(t *testing.T) {
	// Validation succeeds but names a different client id, so the
	// persisted token must be discarded and exchanged.
	validate := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"client_id": "someone-else"})
	}))
	defer validate.Close()
	exchange := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-token",
			"expires_in":   3600,
		})
	}))
	defer exchange.Close()

	path := filepath.Join(t.TempDir(), "token.json")
	cred, _ := json.Marshal(map[string]any{
		"expiration": time.Now().Add(time.Hour).UnixMilli(),
		"secret":     "foreign-token",
	})
	if err := os.WriteFile(path, cred, 0o600); err != nil {
		t.Fatal(err)
	}

	tm := &TokenManager{
		ClientID:     "cid",
		ClientSecret: "csecret",
		Path:         path,
		TokenURL:     exchange.URL,
		ValidateURL:  validate.URL,
	}
	if err := tm.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if got := tm.AccessToken(); got != "fresh-token" {
		t.Errorf("AccessToken() = %q, want fresh-token", got)
	}
}

func TestTokenManagerExpiredPersisted(t *testing.T) {
	exchange := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-token",
			"expires_in":   3600,
		})
	}))
	defer exchange.Close()

	path := filepath.Join(t.TempDir(), "token.json")
	cred, _ := json.Marshal(map[string]any{
		"expiration": time.Now().Add(-time.Hour).UnixMilli(),
		"secret":     "stale-token",
	})
	if err := os.WriteFile(path, cred, 0o600); err != nil {
		t.Fatal(err)
	}

	tm := &TokenManager{
		ClientID:     "cid",
		ClientSecret: "csecret",
		Path:         path,
		TokenURL:     exchange.URL,
	}
	if err := tm.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if got := tm.AccessToken(); got != "fresh-token" {
		t.Errorf("AccessToken() = %q, want fresh-token", got)
	}
}

func TestTokenManagerExchangeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{"status": 403, "message": "invalid client secret"})
	}))
	defer server.Close()

	tm := &TokenManager{
		ClientID:     "cid",
		ClientSecret: "wrong",
		Path:         filepath.Join(t.TempDir(), "token.json"),
		TokenURL:     server.URL,
	}
	if err := tm.Ensure(context.Background()); err == nil {
		t.Fatal("Ensure() returned nil error on rejected exchange")
	}
	if got := tm.AccessToken(); got != "" {
		t.Errorf("AccessToken() = %q after failed exchange, want empty", got)
	}
}

func TestTokenManagerMissingCredentials(t *testing.T) {
	tm := &TokenManager{Path: filepath.Join(t.TempDir(), "token.json")}
	if err := tm.Ensure(context.Background()); err == nil {
		t.Fatal("Ensure() without client id/secret returned nil error")
	}
}
