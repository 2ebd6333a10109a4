package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/coursepay/internal/config"
	"go.uber.org/fx"
)

type Provider interface {
	PostMessage(ctx context.Context, channelID string, message string) error
}

var Module = fx.Module("providers.slack",
	fx.Provide(NewFromConfig),
)

// NewFromConfig returns the incoming-webhook provider for the security
// channel, or a no-op when no webhook URL is configured.
func NewFromConfig(cfg config.Config) Provider {
	if cfg.SlackSecurityWebhookURL == "" {
		return &NoOpProvider{}
	}
	return NewWebhookProvider(cfg.SlackSecurityWebhookURL, nil)
}

type NoOpProvider struct{}

func (p *NoOpProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	return nil
}

// WebhookProvider posts to a Slack incoming webhook.
type WebhookProvider struct {
	url    string
	client *http.Client
}

func NewWebhookProvider(url string, client *http.Client) *WebhookProvider {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookProvider{url: strings.TrimSpace(url), client: client}
}

type message struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

func (p *WebhookProvider) PostMessage(ctx context.Context, channelID string, text string) error {
	body, err := json.Marshal(message{Channel: channelID, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
