package router

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"commsgate/internal/config"
	"commsgate/internal/models"
)

// IdempotencyKeyLength is the number of hex characters kept from the digest.
const IdempotencyKeyLength = 32

var severityEmoji = map[models.Severity]string{
	models.SeverityCritical: "🚨",
	models.SeverityWarn:     "⚠️",
	models.SeverityInfo:     "ℹ️",
}

// FormatMessage renders the outbound body: a severity line, an optional bold
// title and the body. Markdown emphasis is Telegram-flavoured; SMS shows the
// asterisks verbatim.
func FormatMessage(req models.NotificationRequest) string {
	var b strings.Builder
	if e := severityEmoji[req.Severity]; e != "" {
		b.WriteString(e)
		b.WriteString(" ")
	}
	b.WriteString("*")
	b.WriteString(string(req.Severity))
	b.WriteString("*\n\n")
	if req.Title != "" {
		b.WriteString("*")
		b.WriteString(req.Title)
		b.WriteString("*\n\n")
	}
	b.WriteString(req.Body)
	return b.String()
}

type keyMaterial struct {
	Severity  models.Severity `json:"severity"`
	Type      string          `json:"type"`
	Body      string          `json:"body"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// IdempotencyKey derives the provider deduplication key. With a RequestID
// the key is a pure function of the request, so logical retries converge on
// one key. Without one, the millisecond timestamp is mixed in and only
// fan-out within a single routing call shares the key.
func IdempotencyKey(req models.NotificationRequest, now time.Time) string {
	m := keyMaterial{
		Severity:  req.Severity,
		Type:      req.Type,
		Body:      norm.NFC.String(req.Body),
		RequestID: req.RequestID,
	}
	if req.RequestID == "" {
		m.Timestamp = now.UnixMilli()
	}

	data, _ := json.Marshal(m)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:IdempotencyKeyLength]
}

// IsPhoneNumberOnAllowlist is an exact match. No normalization is applied:
// "13204064600" does not match "+13204064600".
func IsPhoneNumberOnAllowlist(phone string, allowlist []string) bool {
	for _, p := range allowlist {
		if p == phone {
			return true
		}
	}
	return false
}

// IsChatIDOnAllowlist compares chat IDs numerically, so "0123" matches 123.
// Identifiers that are not integers never match.
func IsChatIDOnAllowlist(chatID string, allowlist []config.ChatID) bool {
	want, ok := config.ChatID(strings.TrimSpace(chatID)).Int()
	if !ok {
		return false
	}
	for _, id := range allowlist {
		if n, ok := id.Int(); ok && n == want {
			return true
		}
	}
	return false
}
