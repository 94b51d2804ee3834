// Package telegram sends chat messages through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"commsgate/internal/channel"
	"commsgate/internal/models"
)

const (
	DefaultBaseURL = "https://api.telegram.org"
	DefaultTimeout = 10 * time.Second
	// MaxMessageLength is the Bot API text limit.
	MaxMessageLength = 4096
)

// Descriptions the Bot API returns for recipients that will never accept a
// message. Matched case-insensitively.
var permanentDescriptions = []string{
	"chat not found",
	"bot was blocked",
	"user is deactivated",
}

type Config struct {
	BotToken  string
	BaseURL   string
	Timeout   time.Duration
	ParseMode string
}

// Client implements channel.Sender for Telegram.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

func (c *Client) Name() models.Channel { return models.ChannelTelegram }

func (c *Client) MaxLength() int { return MaxMessageLength }

type sendRequest struct {
	ChatID    any    `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

func (c *Client) Send(ctx context.Context, msg channel.Message) (channel.Result, error) {
	if msg.Recipient == "" {
		return channel.Result{}, fmt.Errorf("%w: Chat ID is required", channel.ErrValidation)
	}

	// Numeric chat IDs go out as numbers, @channel usernames as strings.
	var chatID any = msg.Recipient
	if n, err := strconv.ParseInt(msg.Recipient, 10, 64); err == nil {
		chatID = n
	}

	body, err := json.Marshal(sendRequest{
		ChatID:    chatID,
		Text:      channel.Truncate(msg.Body, MaxMessageLength),
		ParseMode: c.cfg.ParseMode,
	})
	if err != nil {
		return channel.Result{}, fmt.Errorf("%w: encode request: %v", channel.ErrValidation, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.cfg.BaseURL, c.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return channel.Result{}, errors.New("telegram: build request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	if msg.IdempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return channel.Result{}, fmt.Errorf("%w: telegram API timeout after %s", channel.ErrTimeout, c.cfg.Timeout)
		}
		// url.Error embeds the request URL, which carries the bot token.
		return channel.Result{}, fmt.Errorf("telegram: request failed: %s", redact(err.Error(), c.cfg.BotToken))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return channel.Result{}, fmt.Errorf("telegram: read response: %w", err)
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return channel.Result{}, fmt.Errorf("telegram: decode response (status %d): %w", resp.StatusCode, err)
	}

	if !out.OK {
		desc := out.Description
		if desc == "" {
			desc = "Telegram API error"
		}
		if isPermanent(desc) {
			return channel.Result{}, fmt.Errorf("%w: %s (code %d)", channel.ErrPermanent, desc, out.ErrorCode)
		}
		return channel.Result{}, fmt.Errorf("telegram: %s (code %d)", desc, out.ErrorCode)
	}

	return channel.Result{MessageID: strconv.FormatInt(out.Result.MessageID, 10)}, nil
}

func isPermanent(desc string) bool {
	lower := strings.ToLower(desc)
	for _, p := range permanentDescriptions {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "[REDACTED]")
}
