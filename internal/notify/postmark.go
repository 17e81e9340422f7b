package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultPostmarkURL is the Postmark API root.
const DefaultPostmarkURL = "https://api.postmarkapp.com"

// PostmarkNotifier sends messages through the Postmark HTTP API.
type PostmarkNotifier struct {
	serverToken string
	baseURL     string
	httpClient  *http.Client
}

// PostmarkOption configures a PostmarkNotifier.
type PostmarkOption func(*PostmarkNotifier)

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) PostmarkOption {
	return func(p *PostmarkNotifier) {
		p.httpClient = c
	}
}

// WithBaseURL overrides the API root.
func WithBaseURL(u string) PostmarkOption {
	return func(p *PostmarkNotifier) {
		p.baseURL = strings.TrimSuffix(u, "/")
	}
}

// NewPostmarkNotifier creates a Postmark notifier.
func NewPostmarkNotifier(serverToken string, opts ...PostmarkOption) *PostmarkNotifier {
	p := &PostmarkNotifier{
		serverToken: serverToken,
		baseURL:     DefaultPostmarkURL,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type postmarkEmail struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	TextBody      string `json:"TextBody"`
	Tag           string `json:"Tag,omitempty"`
	MessageStream string `json:"MessageStream"`
}

type postmarkResponse struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
	MessageID string `json:"MessageID"`
}

// Notify implements Notifier.
func (p *PostmarkNotifier) Notify(ctx context.Context, msg Message) error {
	if p.serverToken == "" {
		return fmt.Errorf("postmark notifier not configured: missing server token")
	}

	payload := postmarkEmail{
		From:          msg.From,
		To:            msg.To,
		Subject:       msg.Subject,
		TextBody:      msg.Body,
		Tag:           msg.Template,
		MessageStream: "outbound",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/email", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.serverToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var pr postmarkResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &pr) == nil && pr.Message != "" {
			return fmt.Errorf("postmark API error: status %d: %s (code %d)", resp.StatusCode, pr.Message, pr.ErrorCode)
		}
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
