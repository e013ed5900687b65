// Package idp is the gateway's client boundary to the identity provider
// (spec §6, "External interfaces" / §1 "out of scope... credential
// storage"). The gateway never stores credentials itself; it calls out
// to this interface for both gates described in spec §4.7.
package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// APIKeyResult is what VerifyAPIKey returns for a valid key.
type APIKeyResult struct {
	Valid bool
	Key   struct {
		UserID string
	}
}

// SessionUser is what GetSession returns for a valid browser session.
type SessionUser struct {
	User struct {
		ID    string
		Email string
	}
}

// Client is the opaque identity-provider interface spec §6 names:
// verifyApiKey(key) and getSession({headers}).
type Client interface {
	VerifyAPIKey(ctx context.Context, key string) (APIKeyResult, error)
	GetSession(ctx context.Context, headers http.Header) (SessionUser, error)
}

// HTTPClient is the production Client: an HTTP call to the identity
// provider's own API, grounded on the same *http.Client-with-timeout
// idiom the teacher uses for its control-plane callbacks
// (internal/bootlog, internal/errorreport).
type HTTPClient struct {
	baseURL string
	hc      *http.Client
}

// New constructs an HTTPClient against the identity provider's baseURL.
func New(baseURL string) *HTTPClient {
	return &HTTPClient{baseURL: baseURL, hc: &http.Client{Timeout: 10 * time.Second}}
}

func (c *HTTPClient) VerifyAPIKey(ctx context.Context, key string) (APIKeyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/api-keys/verify", nil)
	if err != nil {
		return APIKeyResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := c.hc.Do(req)
	if err != nil {
		return APIKeyResult{}, fmt.Errorf("verify api key: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return APIKeyResult{Valid: false}, nil
	}
	var out APIKeyResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return APIKeyResult{}, fmt.Errorf("decode api key verify response: %w", err)
	}
	out.Valid = true
	return out, nil
}

func (c *HTTPClient) GetSession(ctx context.Context, headers http.Header) (SessionUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/session", nil)
	if err != nil {
		return SessionUser{}, err
	}
	if cookie := headers.Get("Cookie"); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	if auth := headers.Get("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return SessionUser{}, fmt.Errorf("get session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return SessionUser{}, fmt.Errorf("no active session")
	}
	var out SessionUser
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SessionUser{}, fmt.Errorf("decode session response: %w", err)
	}
	return out, nil
}
