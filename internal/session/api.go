package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quillhaven/keycast/internal/domain"
)

// RefreshCookieName is the cookie the identity service uses to carry the
// refresh token.
const RefreshCookieName = "refresh_token"

// fallbackAccessTTL is assumed when a token carries no exp claim.
const fallbackAccessTTL = 15 * time.Minute

// APIClient talks to the identity service's auth endpoints. It is a dumb
// request layer; all retry and state decisions live in the Manager.
type APIClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type userPayload struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

func (u *userPayload) identity() *domain.Identity {
	return &domain.Identity{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Role:        domain.Role(u.Role),
	}
}

// Register creates the bot account. "Already exists" responses count as
// success so the bootstrap is idempotent.
func (c *APIClient) Register(ctx context.Context, email, password, displayName string) error {
	body := map[string]string{
		"email":        email,
		"password":     password,
		"display_name": displayName,
	}

	resp, err := c.post(ctx, "/auth/register", body, "", "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusConflict {
		return nil
	}

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(string(data)), "already") {
		return nil
	}
	return fmt.Errorf("register failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

// Login exchanges credentials for an access token plus a refresh cookie.
func (c *APIClient) Login(ctx context.Context, email, password string) (*domain.Credential, *domain.Identity, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}

	resp, err := c.post(ctx, "/auth/login", body, "", "")
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, nil, fmt.Errorf("login failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var payload struct {
		AccessToken string      `json:"accessToken"`
		User        userPayload `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, nil, fmt.Errorf("login response malformed: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, nil, fmt.Errorf("login response carried no access token")
	}

	refresh := refreshCookie(resp)
	if refresh == "" {
		return nil, nil, fmt.Errorf("login response carried no refresh cookie")
	}

	cred := &domain.Credential{
		AccessToken:  payload.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    accessTokenExpiry(payload.AccessToken),
	}
	return cred, payload.User.identity(), nil
}

// Refresh trades the refresh cookie for a new access token. When the
// service rotates the refresh cookie the new value is returned, otherwise
// the old one is carried over.
func (c *APIClient) Refresh(ctx context.Context, refreshToken string) (*domain.Credential, error) {
	resp, err := c.post(ctx, "/auth/refresh-token", nil, "", refreshToken)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("refresh failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var payload struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("refresh response malformed: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("refresh response carried no access token")
	}

	newRefresh := refreshCookie(resp)
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	return &domain.Credential{
		AccessToken:  payload.AccessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    accessTokenExpiry(payload.AccessToken),
	}, nil
}

// CheckToken validates an access token and returns the identity behind it.
func (c *APIClient) CheckToken(ctx context.Context, accessToken string) (*domain.Identity, error) {
	resp, err := c.post(ctx, "/auth/check-token", nil, accessToken, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("check-token failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var payload struct {
		Success bool        `json:"success"`
		User    userPayload `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("check-token response malformed: %w", err)
	}
	if !payload.Success {
		return nil, fmt.Errorf("token rejected by identity service")
	}
	return payload.User.identity(), nil
}

// Logout invalidates the session server-side.
func (c *APIClient) Logout(ctx context.Context, accessToken string) error {
	resp, err := c.post(ctx, "/auth/logout", nil, accessToken, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("logout failed: status %d", resp.StatusCode)
	}
	return nil
}

func (c *APIClient) post(ctx context.Context, path string, body interface{}, bearer, refreshToken string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if refreshToken != "" {
		req.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: refreshToken})
	}

	return c.HTTP.Do(req)
}

func refreshCookie(resp *http.Response) string {
	for _, cookie := range resp.Cookies() {
		if cookie.Name == RefreshCookieName {
			return cookie.Value
		}
	}
	return ""
}

// accessTokenExpiry reads the exp claim without verifying the signature;
// the client has no signing key and only needs the expiry bookkeeping.
func accessTokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil {
		if claims.ExpiresAt != nil {
			return claims.ExpiresAt.Time
		}
	}
	return time.Now().Add(fallbackAccessTTL)
}
