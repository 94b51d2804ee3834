// Package channel defines the outbound provider capability and the bounded
// retry loop every provider send goes through.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"commsgate/internal/models"
)

// Error classes. Providers wrap one of these so callers can classify a
// failure with errors.Is.
var (
	// ErrValidation marks a request the provider can never accept as-is,
	// such as a malformed phone number.
	ErrValidation = errors.New("validation error")
	// ErrPermanent marks a provider refusal that retrying cannot fix,
	// such as a blocked recipient or a deactivated account.
	ErrPermanent = errors.New("permanent provider error")
	// ErrTimeout marks a send aborted by its deadline. It is retryable.
	ErrTimeout = errors.New("provider timeout")
	// ErrUnknownChannel is returned when no sender is registered.
	ErrUnknownChannel = errors.New("unknown channel")
)

// Message is one outbound send.
type Message struct {
	Recipient      string
	Body           string
	IdempotencyKey string
	Meta           map[string]any
}

// Result is what a provider reports for an accepted message.
type Result struct {
	MessageID string
}

// Sender is implemented once per provider.
type Sender interface {
	Name() models.Channel
	// MaxLength is the provider's body limit in characters; 0 means none.
	MaxLength() int
	Send(ctx context.Context, msg Message) (Result, error)
}

// Retryable reports whether err may succeed on another attempt.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrValidation) && !errors.Is(err, ErrPermanent)
}

// Truncate cuts body to at most max characters. max <= 0 leaves it intact.
func Truncate(body string, max int) string {
	if max <= 0 || utf8.RuneCountInString(body) <= max {
		return body
	}
	runes := []rune(body)
	return string(runes[:max])
}

// Registry is the lookup table from channel identifier to sender.
type Registry struct {
	senders map[models.Channel]Sender
}

// NewRegistry builds a registry from the given senders.
func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[models.Channel]Sender, len(senders))}
	for _, s := range senders {
		r.senders[s.Name()] = s
	}
	return r
}

// Get returns the sender for ch.
func (r *Registry) Get(ch models.Channel) (Sender, error) {
	if r != nil {
		if s, ok := r.senders[ch]; ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
}

// Channels lists the registered channel identifiers in sorted order.
func (r *Registry) Channels() []models.Channel {
	out := make([]models.Channel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
