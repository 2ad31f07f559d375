package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"buildline/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink posts notifications as JSON to a configured URL.
type WebhookSink struct {
	hook   config.WebhookConfig
	filter eventFilter
	client *http.Client
}

func NewWebhookSink(hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookSink{
		hook:   hook,
		filter: newEventFilter(hook.Events),
		client: &http.Client{Timeout: timeout},
	}
}

// FromConfig builds one sink per enabled webhook.
func FromConfig(hooks []config.WebhookConfig) []Sink {
	var sinks []Sink
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		sinks = append(sinks, NewWebhookSink(hook))
	}
	return sinks
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Notify(ctx context.Context, n Notification) error {
	if !s.filter.match(n.Type) {
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Buildline-Event", n.Type)
	req.Header.Set("X-Buildline-Project", n.ProjectID)
	if strings.TrimSpace(s.hook.Secret) != "" {
		req.Header.Set("X-Buildline-Secret", s.hook.Secret)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", s.hook.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
