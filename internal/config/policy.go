package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"commsgate/internal/models"
	"commsgate/internal/schedule"
)

// Communication mirrors communication.yaml.
type Communication struct {
	AllowedChannels []models.Channel             `yaml:"allowed_channels"`
	PrimaryChannel  models.Channel               `yaml:"primary_channel"`
	FallbackChannel models.Channel               `yaml:"fallback_channel"`
	QuietHours      QuietHours                   `yaml:"quiet_hours"`
	RateLimits      map[models.Channel]RateLimit `yaml:"rate_limits"`
	Retry           Retry                        `yaml:"retry"`
}

type QuietHours struct {
	Enabled  bool   `yaml:"enabled"`
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Timezone string `yaml:"timezone"`
}

type RateLimit struct {
	MaxPerHour int `yaml:"max_per_hour"`
}

// Retry bounds the per-send provider retry loop.
type Retry struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialDelayMs    int     `yaml:"initial_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

func (r Retry) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMs) * time.Millisecond
}

// Allowlists mirrors allowlists.yaml. Absence from a list means denial.
type Allowlists struct {
	PhoneNumbers      []string          `yaml:"allowlisted_phone_numbers"`
	TelegramChatIDs   []ChatID          `yaml:"allowlisted_telegram_chat_ids"`
	MessageTypes      []string          `yaml:"allowlisted_message_types"`
	ActionTypes       []string          `yaml:"allowlisted_action_types"`
	AllowedSeverities []models.Severity `yaml:"allowed_severities"`
	EmergencyContacts EmergencyContacts `yaml:"emergency_contacts"`
}

// EmergencyContacts may receive SEV1 messages without being on the
// regular allowlists.
type EmergencyContacts struct {
	PhoneNumbers    []string `yaml:"phone_numbers"`
	TelegramChatIDs []ChatID `yaml:"telegram_chat_ids"`
}

// ChatID is a Telegram chat identifier. YAML may spell it as a number or a
// string; it is kept in its textual form.
type ChatID string

func (c *ChatID) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: chat id must be a scalar", n.Line)
	}
	*c = ChatID(n.Value)
	return nil
}

// Int returns the numeric chat ID, if the value is one.
func (c ChatID) Int() (int64, bool) {
	n, err := strconv.ParseInt(string(c), 10, 64)
	return n, err == nil
}

// Policy is the immutable messaging policy the router evaluates against.
// Build it with LoadPolicy or call Validate before use.
type Policy struct {
	Communication Communication
	Allowlists    Allowlists

	quiet *schedule.Window
}

// DefaultPolicy has empty allowlists: nothing can be delivered until
// recipients are configured.
func DefaultPolicy() *Policy {
	p := &Policy{
		Communication: Communication{
			AllowedChannels: []models.Channel{models.ChannelTelegram, models.ChannelSalesmsg},
			PrimaryChannel:  models.ChannelTelegram,
			FallbackChannel: models.ChannelSalesmsg,
			QuietHours: QuietHours{
				Enabled:  true,
				Start:    schedule.DefaultStart,
				End:      schedule.DefaultEnd,
				Timezone: schedule.DefaultTimezone,
			},
			RateLimits: map[models.Channel]RateLimit{
				models.ChannelTelegram: {MaxPerHour: 30},
				models.ChannelSalesmsg: {MaxPerHour: 10},
			},
			Retry: Retry{MaxAttempts: 5, InitialDelayMs: 2000, BackoffMultiplier: 2},
		},
		Allowlists: Allowlists{
			AllowedSeverities: []models.Severity{models.SeverityCritical, models.SeverityWarn, models.SeverityInfo},
		},
	}
	if err := p.Validate(); err != nil {
		panic(err)
	}
	return p
}

// LoadPolicy decodes and validates the two policy files. Unknown keys are
// rejected so a typo cannot silently disable a gate.
func LoadPolicy(communicationFile, allowlistsFile string) (*Policy, error) {
	p := &Policy{}
	if err := decodeFile(communicationFile, &p.Communication); err != nil {
		return nil, err
	}
	if err := decodeFile(allowlistsFile, &p.Allowlists); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse policy %s: %w", path, err)
	}
	return nil
}

var knownChannels = []models.Channel{models.ChannelSalesmsg, models.ChannelTelegram}

var knownSeverities = []models.Severity{models.SeverityCritical, models.SeverityWarn, models.SeverityInfo}

// Validate checks the policy and precomputes the quiet-hours window.
func (p *Policy) Validate() error {
	var errs ValidationErrors
	c := p.Communication

	if len(c.AllowedChannels) == 0 {
		errs = append(errs, ValidationError{Field: "allowed_channels", Value: c.AllowedChannels, Message: "must list at least one channel"})
	}
	for _, ch := range c.AllowedChannels {
		if !slices.Contains(knownChannels, ch) {
			errs = append(errs, ValidationError{Field: "allowed_channels", Value: ch, Message: "unknown channel"})
		}
	}
	if !slices.Contains(c.AllowedChannels, c.PrimaryChannel) {
		errs = append(errs, ValidationError{Field: "primary_channel", Value: c.PrimaryChannel, Message: "must be one of allowed_channels"})
	}
	if !slices.Contains(c.AllowedChannels, c.FallbackChannel) {
		errs = append(errs, ValidationError{Field: "fallback_channel", Value: c.FallbackChannel, Message: "must be one of allowed_channels"})
	}
	for _, ch := range c.AllowedChannels {
		if c.RateLimits[ch].MaxPerHour <= 0 {
			errs = append(errs, ValidationError{Field: "rate_limits." + string(ch) + ".max_per_hour", Value: c.RateLimits[ch].MaxPerHour, Message: "must be positive"})
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, ValidationError{Field: "retry.max_attempts", Value: c.Retry.MaxAttempts, Message: "must be positive"})
	}
	if c.Retry.InitialDelayMs <= 0 {
		errs = append(errs, ValidationError{Field: "retry.initial_delay_ms", Value: c.Retry.InitialDelayMs, Message: "must be positive"})
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, ValidationError{Field: "retry.backoff_multiplier", Value: c.Retry.BackoffMultiplier, Message: "must be at least 1"})
	}

	var quiet *schedule.Window
	if c.QuietHours.Enabled {
		w, err := schedule.ParseWindow(c.QuietHours.Start, c.QuietHours.End, c.QuietHours.Timezone)
		if err != nil {
			errs = append(errs, ValidationError{Field: "quiet_hours", Value: c.QuietHours, Message: err.Error()})
		} else {
			quiet = &w
		}
	}

	for _, sev := range p.Allowlists.AllowedSeverities {
		if !slices.Contains(knownSeverities, sev) {
			errs = append(errs, ValidationError{Field: "allowed_severities", Value: sev, Message: "unknown severity"})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	p.quiet = quiet
	return nil
}

// QuietWindow returns the quiet-hours window, if enabled.
func (p *Policy) QuietWindow() (schedule.Window, bool) {
	if p.quiet == nil {
		return schedule.Window{}, false
	}
	return *p.quiet, true
}

// MaxPerHour returns the channel's hourly send ceiling.
func (p *Policy) MaxPerHour(ch models.Channel) int {
	return p.Communication.RateLimits[ch].MaxPerHour
}

func (p *Policy) SeverityAllowed(sev models.Severity) bool {
	return slices.Contains(p.Allowlists.AllowedSeverities, sev)
}

func (p *Policy) MessageTypeAllowlisted(t string) bool {
	return slices.Contains(p.Allowlists.MessageTypes, t)
}

// ChannelAllowed reports whether ch is one of the allowed channels.
func (p *Policy) ChannelAllowed(ch models.Channel) bool {
	return slices.Contains(p.Communication.AllowedChannels, ch)
}

// DefaultRecipient is the first allowlisted identity for ch, or "".
func (p *Policy) DefaultRecipient(ch models.Channel) string {
	switch ch {
	case models.ChannelSalesmsg:
		if len(p.Allowlists.PhoneNumbers) > 0 {
			return p.Allowlists.PhoneNumbers[0]
		}
	case models.ChannelTelegram:
		if len(p.Allowlists.TelegramChatIDs) > 0 {
			return string(p.Allowlists.TelegramChatIDs[0])
		}
	}
	return ""
}
