package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sendgate/internal/message"
)

// HTTPConfig configures the JSON-over-HTTP sender.
type HTTPConfig struct {
	BaseURL   string
	AuthToken string
	// Timeout bounds the whole request. The dispatcher usually applies its
	// own per-attempt deadline on top; the shorter one wins.
	Timeout time.Duration
}

// HTTPSender posts messages to the platform's send endpoint.
type HTTPSender struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPSender(cfg HTTPConfig) (*HTTPSender, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("platform: base_url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &HTTPSender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type sendRequest struct {
	RecipientID string   `json:"recipient_id"`
	Content     string   `json:"content"`
	MediaRefs   []string `json:"media_refs,omitempty"`
	// DedupeKey lets the platform drop duplicate deliveries from the
	// at-least-once queue.
	DedupeKey string `json:"dedupe_key,omitempty"`
}

func (s *HTTPSender) Send(ctx context.Context, msg *message.Outbound) error {
	body, err := json.Marshal(sendRequest{
		RecipientID: msg.RecipientID,
		Content:     msg.Content,
		MediaRefs:   msg.MediaRefs,
		DedupeKey:   msg.ID,
	})
	if err != nil {
		return Permanent(err)
	}

	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Transport errors and timeouts: the platform may have been reached,
		// may not have. Retry under the idempotency contract.
		return Retryable(err)
	}
	defer resp.Body.Close()
	// Keep connections reusable.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Retryable(fmt.Errorf("platform returned %s", resp.Status))
	default:
		return Permanent(fmt.Errorf("platform returned %s", resp.Status))
	}
}
