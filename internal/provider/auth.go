package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/snarg/cr-engine/internal/fault"
)

const tokenEndpoint = "/restapi/oauth/token"

// tokenSource caches the provider access token and refreshes it via the JWT
// bearer grant when missing or expired.
type tokenSource struct {
	baseURL      string
	clientID     string
	clientSecret string
	jwt          string
	client       *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func newTokenSource(baseURL, clientID, clientSecret, jwt string, client *http.Client) *tokenSource {
	return &tokenSource{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		jwt:          jwt,
		client:       client,
	}
}

// Token returns a valid access token, fetching a fresh one when the cached
// token is absent or within 60 seconds of expiry.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Until(ts.expiresAt) > time.Minute {
		return ts.token, nil
	}
	return ts.refreshLocked(ctx)
}

// Invalidate drops the cached token so the next call re-authenticates.
// Called once on a 401 before the request is retried.
func (ts *tokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.mu.Unlock()
}

func (ts *tokenSource) refreshLocked(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", ts.jwt)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		ts.baseURL+tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fault.New(fault.Auth, "provider.auth", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	basic := base64.StdEncoding.EncodeToString([]byte(ts.clientID + ":" + ts.clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", fault.New(fault.Transient, "provider.auth", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fault.New(fault.Transient, "provider.auth", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fault.Newf(fault.Auth, "provider.auth", "token request rejected (status %d): %s", resp.StatusCode, string(body))
	default:
		return "", fault.Newf(fault.Transient, "provider.auth", "token request failed (status %d)", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fault.New(fault.Auth, "provider.auth", fmt.Errorf("decode token response: %w", err))
	}
	if tr.AccessToken == "" {
		return "", fault.Newf(fault.Auth, "provider.auth", "empty access token in response")
	}

	ts.token = tr.AccessToken
	ts.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return ts.token, nil
}
