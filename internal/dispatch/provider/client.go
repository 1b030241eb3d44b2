// Package provider implements the SMS provider HTTP API client and a
// deterministic sandbox stand-in used when no credentials are configured.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/nartey/smsflow/internal/dispatch"
)

const (
	defaultSendTimeout   = 10 * time.Second
	defaultStatusTimeout = 15 * time.Second
)

// Config holds provider API configuration.
type Config struct {
	BaseURL       string
	APIKey        string
	Sender        string // sender name shown on the handset
	SendTimeout   time.Duration
	StatusTimeout time.Duration
}

// Client calls the provider HTTP API with bearer authentication.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a provider API client. Timeouts are applied per call via
// context so send and status checks get different budgets.
func NewClient(config Config) *Client {
	if config.SendTimeout == 0 {
		config.SendTimeout = defaultSendTimeout
	}
	if config.StatusTimeout == 0 {
		config.StatusTimeout = defaultStatusTimeout
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{},
	}
}

// Mode identifies the client as a live provider connection.
func (c *Client) Mode() string { return "live" }

type sendRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// Send submits one message to the provider.
func (c *Client) Send(ctx context.Context, recipient, message string) (dispatch.SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.SendTimeout)
	defer cancel()

	payload, err := json.Marshal(sendRequest{
		Sender:    c.config.Sender,
		Recipient: recipient,
		Message:   message,
	})
	if err != nil {
		return dispatch.SendResult{}, fmt.Errorf("marshal send request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/send", payload, "send")
	if err != nil {
		return dispatch.SendResult{}, err
	}

	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return dispatch.SendResult{}, &dispatch.ProviderError{
			Op:        "send",
			Message:   fmt.Sprintf("malformed response: %v", err),
			Retryable: true,
		}
	}
	if resp.MessageID == "" {
		return dispatch.SendResult{}, &dispatch.ProviderError{
			Op:        "send",
			Message:   "response missing message_id",
			Retryable: true,
		}
	}

	slog.Debug("provider send accepted", "external_id", resp.MessageID, "status", resp.Status)
	return dispatch.SendResult{ExternalID: resp.MessageID, Status: resp.Status}, nil
}

type statusResponse struct {
	MessageID   string     `json:"message_id"`
	Status      string     `json:"status"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// Status fetches the delivery status of a previously sent message.
func (c *Client) Status(ctx context.Context, externalID string) (dispatch.StatusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.StatusTimeout)
	defer cancel()

	body, err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(externalID), nil, "status")
	if err != nil {
		return dispatch.StatusResult{}, err
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return dispatch.StatusResult{}, &dispatch.ProviderError{
			Op:        "status",
			Message:   fmt.Sprintf("malformed response: %v", err),
			Retryable: true,
		}
	}

	return dispatch.StatusResult{
		Status:        resp.Status,
		DeliveredAt:   resp.DeliveredAt,
		FailureReason: resp.Reason,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, op string) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &dispatch.ProviderError{
			Op:        op,
			Message:   fmt.Sprintf("request failed: %v", err),
			Retryable: true,
		}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &dispatch.ProviderError{
			Op:        op,
			Message:   fmt.Sprintf("read response: %v", err),
			Retryable: true,
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &dispatch.ProviderError{
			Op:        op,
			Code:      resp.StatusCode,
			Message:   "provider rate limit",
			Retryable: true,
		}

	case resp.StatusCode >= 500:
		return nil, &dispatch.ProviderError{
			Op:        op,
			Code:      resp.StatusCode,
			Message:   fmt.Sprintf("server error: %s", truncate(body)),
			Retryable: true,
		}

	default:
		return nil, &dispatch.ProviderError{
			Op:        op,
			Code:      resp.StatusCode,
			Message:   truncate(body),
			Retryable: false,
		}
	}
}

func truncate(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
