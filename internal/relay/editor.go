package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// MessageEditor edits an existing message in an external chat destination.
type MessageEditor interface {
	EditMessage(ctx context.Context, channelID, messageID, content string) error
}

// RESTEditor edits messages over the external chat platform's HTTP API,
// authenticating every call with a static bot token.
type RESTEditor struct {
	BaseURL string
	HTTP    *http.Client
}

func NewRESTEditor(baseURL, botToken string) *RESTEditor {
	source := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: botToken,
		TokenType:   "Bot",
	})
	client := oauth2.NewClient(context.Background(), source)
	client.Timeout = 10 * time.Second

	return &RESTEditor{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    client,
	}
}

func (e *RESTEditor) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("failed to encode message edit: %w", err)
	}

	url := fmt.Sprintf("%s/channels/%s/messages/%s", e.BaseURL, channelID, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("message edit failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("message edit failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}
