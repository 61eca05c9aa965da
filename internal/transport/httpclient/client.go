// Package httpclient executes authenticated requests against platform
// services on behalf of the bot: it attaches the current bearer token and
// absorbs a single 401 by forcing a refresh.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// TokenSource is the slice of the session manager the client depends on.
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (string, bool)
	Refresh() bool
}

// APIError is a typed non-2xx result carrying status and body text for
// caller inspection.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed: status %d: %s", e.Status, e.Body)
}

// Response is a fully-read successful result.
type Response struct {
	Status int
	Body   []byte
}

// JSON decodes the body into v.
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// Client is the authenticated HTTP executor.
type Client struct {
	HTTP    *http.Client
	Session TokenSource
	Log     *logrus.Logger
}

func New(session TokenSource, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.New()
	}
	return &Client{
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		Session: session,
		Log:     log,
	}
}

// Request performs one authenticated call. A 401 forces exactly one token
// refresh and retry; a second 401 is surfaced as a hard failure so a broken
// session cannot turn into a retry storm.
func (c *Client) Request(ctx context.Context, method, url string, body interface{}) (*Response, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		payload = data
	}

	token, ok := c.Session.EnsureValidToken(ctx)
	if !ok {
		return nil, &APIError{Status: http.StatusUnauthorized, Body: "no valid session token"}
	}

	resp, err := c.do(ctx, method, url, payload, token)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusUnauthorized {
		return c.check(resp)
	}

	// One forced refresh, then one retry with the new token.
	c.Log.WithField("url", url).Info("got 401, forcing token refresh")
	c.Session.Refresh()

	token, ok = c.Session.EnsureValidToken(ctx)
	if !ok {
		return nil, &APIError{Status: http.StatusUnauthorized, Body: "token refresh failed"}
	}

	resp, err = c.do(ctx, method, url, payload, token)
	if err != nil {
		return nil, err
	}
	return c.check(resp)
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte, token string) (*Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{Status: resp.StatusCode, Body: data}, nil
}

func (c *Client) check(resp *Response) (*Response, error) {
	if resp.Status >= 200 && resp.Status < 300 {
		return resp, nil
	}
	return nil, &APIError{Status: resp.Status, Body: string(resp.Body)}
}
