package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultTokenURL    = "https://id.twitch.tv/oauth2/token"
	defaultValidateURL = "https://id.twitch.tv/oauth2/validate"
)

// credentialFile is the on-disk shape of the persisted app token.
type credentialFile struct {
	Expiration int64  `json:"expiration"` // epoch millis
	Secret     string `json:"secret"`
}

// TokenManager acquires and caches a Twitch app access token via the client
// credentials grant, persisting it so restarts reuse a still-valid token.
// The client credentials flow has no refresh token; an expired or invalid
// token is simply exchanged for a new one.
type TokenManager struct {
	ClientID     string
	ClientSecret string
	Path         string // credential file location
	HTTPClient   *http.Client
	TokenURL     string // overridable for tests
	ValidateURL  string

	mu     sync.Mutex
	token  string
	expiry time.Time
	loaded bool
}

func (tm *TokenManager) http() *http.Client {
	if tm.HTTPClient != nil {
		return tm.HTTPClient
	}
	return http.DefaultClient
}

func (tm *TokenManager) tokenURL() string {
	if tm.TokenURL != "" {
		return tm.TokenURL
	}
	return defaultTokenURL
}

func (tm *TokenManager) validateURL() string {
	if tm.ValidateURL != "" {
		return tm.ValidateURL
	}
	return defaultValidateURL
}

// Ensure makes sure a valid token is available, loading the persisted
// credential on first use, validating it against the provider, and running
// the client credentials exchange when the token is absent, expired or
// rejected. It returns an error only when the exchange itself fails; the
// caller must then defer the poll cycle.
func (tm *TokenManager) Ensure(ctx context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if !tm.loaded {
		tm.loaded = true
		tm.loadPersisted(ctx)
	}

	if time.Now().Before(tm.expiry) && tm.token != "" {
		return nil
	}
	return tm.exchange(ctx)
}

// AccessToken returns the current token value. Call Ensure first.
func (tm *TokenManager) AccessToken() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.token
}

// loadPersisted reads the credential file and validates the stored token.
// Any failure leaves the manager without a token so exchange runs next.
func (tm *TokenManager) loadPersisted(ctx context.Context) {
	raw, err := os.ReadFile(tm.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read credential file", "path", tm.Path, "error", err)
		}
		return
	}
	var cred credentialFile
	if err := json.Unmarshal(raw, &cred); err != nil {
		slog.Warn("Failed to parse credential file", "path", tm.Path, "error", err)
		return
	}
	expiry := time.UnixMilli(cred.Expiration)
	if cred.Secret == "" || time.Now().After(expiry) {
		return
	}
	if err := tm.validate(ctx, cred.Secret); err != nil {
		slog.Info("Persisted token failed validation", "error", err)
		return
	}
	slog.Info("Using persisted app token", "expires", expiry.UTC().Format(time.RFC1123))
	tm.token = cred.Secret
	tm.expiry = expiry
}

// validate calls the provider with the token and checks the client id
// matches ours.
func (tm *TokenManager) validate(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tm.validateURL(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "OAuth "+token)
	resp, err := tm.http().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation returned %s", resp.Status)
	}
	var body struct {
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	if body.ClientID != tm.ClientID {
		return errors.New("token belongs to a different client id")
	}
	return nil
}

// exchange runs the client credentials grant and persists the result.
func (tm *TokenManager) exchange(ctx context.Context) error {
	if tm.ClientID == "" || tm.ClientSecret == "" {
		return errors.New("missing twitch client id/secret")
	}
	form := url.Values{}
	form.Set("client_id", tm.ClientID)
	form.Set("client_secret", tm.ClientSecret)
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.tokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := tm.http().Do(req)
	if err != nil {
		return fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		// The body names the failure (bad client id/secret); the secret
		// itself is never echoed back, so logging the body is safe.
		return fmt.Errorf("token exchange failed: %s: %s", resp.Status, string(body))
	}
	var tok struct {
		oauth2.Token
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return errors.New("empty access_token in exchange response")
	}

	tm.token = tok.AccessToken
	tm.expiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	tm.persist()
	return nil
}

// persist writes the credential file. Failures are logged, not returned:
// the in-memory token is still usable for this process lifetime.
func (tm *TokenManager) persist() {
	raw, err := json.Marshal(credentialFile{
		Expiration: tm.expiry.UnixMilli(),
		Secret:     tm.token,
	})
	if err != nil {
		slog.Error("Failed to encode credential file", "error", err)
		return
	}
	if err := os.WriteFile(tm.Path, raw, 0o600); err != nil {
		slog.Error("Failed to write credential file", "path", tm.Path, "error", err)
		return
	}
	slog.Info("Wrote app token to disk", "expires", tm.expiry.UTC().Format(time.RFC1123))
}
