// Package salesmsg sends SMS through the Salesmsg REST API.
package salesmsg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"commsgate/internal/channel"
	"commsgate/internal/models"
)

const (
	DefaultBaseURL = "https://api.salesmsg.com/v1"
	DefaultTimeout = 30 * time.Second
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// Config holds the provider credentials.
type Config struct {
	APIKey     string
	BaseURL    string
	FromNumber string
	Timeout    time.Duration
}

// Client implements channel.Sender for SMS.
type Client struct {
	cfg  Config
	http *http.Client
}

// New validates cfg and creates a client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("salesmsg: API key is required")
	}
	if cfg.FromNumber == "" {
		return nil, errors.New("salesmsg: from number is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

func (c *Client) Name() models.Channel { return models.ChannelSalesmsg }

// MaxLength is zero: the provider segments long messages itself.
func (c *Client) MaxLength() int { return 0 }

// ValidE164 reports whether phone is in E.164 form, e.g. +13204064600.
func ValidE164(phone string) bool {
	return e164.MatchString(phone)
}

type sendRequest struct {
	Number   string         `json:"number"`
	ToNumber string         `json:"to_number"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type sendResponse struct {
	ID        json.RawMessage `json:"id"`
	MessageID json.RawMessage `json:"message_id"`
	Message   string          `json:"message"`
	Error     string          `json:"error"`
}

func (c *Client) Send(ctx context.Context, msg channel.Message) (channel.Result, error) {
	if !ValidE164(msg.Recipient) {
		return channel.Result{}, fmt.Errorf("%w: invalid phone number format: %s. Must be E.164 format (e.g., +13204064600)",
			channel.ErrValidation, msg.Recipient)
	}

	body, err := json.Marshal(sendRequest{
		Number:   c.cfg.FromNumber,
		ToNumber: msg.Recipient,
		Message:  msg.Body,
		Metadata: msg.Meta,
	})
	if err != nil {
		return channel.Result{}, fmt.Errorf("%w: encode request: %v", channel.ErrValidation, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return channel.Result{}, fmt.Errorf("salesmsg: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return channel.Result{}, fmt.Errorf("%w: salesmsg API timeout after %s", channel.ErrTimeout, c.cfg.Timeout)
		}
		return channel.Result{}, fmt.Errorf("salesmsg: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return channel.Result{}, fmt.Errorf("salesmsg: read response: %w", err)
	}

	var out sendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := out.Message
		if detail == "" {
			detail = out.Error
		}
		if detail == "" {
			detail = "Unknown error"
		}
		err := fmt.Errorf("salesmsg API error (%d): %s", resp.StatusCode, detail)
		if permanentStatus(resp.StatusCode) {
			return channel.Result{}, fmt.Errorf("%w: %v", channel.ErrPermanent, err)
		}
		return channel.Result{}, err
	}

	id := idString(out.ID)
	if id == "" {
		id = idString(out.MessageID)
	}
	return channel.Result{MessageID: id}, nil
}

// permanentStatus covers client errors other than throttling and timeouts.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout
}

// idString accepts both numeric and string identifiers.
func idString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
