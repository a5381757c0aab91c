// Package notify delivers fired alerts to configured channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"resty.dev/v3"

	"github.com/artpar/dockpilot/internal/core/domain"
)

// =============================================================================
// Channel Configuration
// =============================================================================

// ChannelType is a closed set of delivery mechanisms.
type ChannelType string

const (
	ChannelSlack ChannelType = "slack"
	ChannelEmail ChannelType = "email"
	ChannelLog   ChannelType = "log"
)

// ErrUnknownChannel is returned for a channel type outside the closed set.
var ErrUnknownChannel = errors.New("unknown notification channel")

// ChannelConfig describes one notification target.
type ChannelConfig struct {
	Type       ChannelType `mapstructure:"type" yaml:"type" json:"type"`
	WebhookURL string      `mapstructure:"webhook_url" yaml:"webhook_url,omitempty" json:"webhook_url,omitempty"`
	Channel    string      `mapstructure:"channel" yaml:"channel,omitempty" json:"channel,omitempty"`
	Recipients []string    `mapstructure:"recipients" yaml:"recipients,omitempty" json:"recipients,omitempty"`
}

// slackPayload is the incoming-webhook body.
type slackPayload struct {
	Text      string `json:"text"`
	Channel   string `json:"channel"`
	Username  string `json:"username"`
	IconEmoji string `json:"icon_emoji"`
}

// =============================================================================
// Notifier
// =============================================================================

// Notifier fans an alert out to every channel. Delivery failures are logged and
// returned, never retried.
type Notifier struct {
	client   *resty.Client
	channels []ChannelConfig
	logger   *slog.Logger
	senders  map[ChannelType]func(ctx context.Context, ch ChannelConfig, alert domain.Alert) error
}

// New creates a notifier for the given channels.
func New(channels []ChannelConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		client:   resty.New().SetTimeout(5 * time.Second),
		channels: channels,
		logger:   logger.With("component", "notifier"),
	}
	n.senders = map[ChannelType]func(context.Context, ChannelConfig, domain.Alert) error{
		ChannelSlack: n.sendSlack,
		ChannelEmail: n.sendEmail,
		ChannelLog:   n.sendLog,
	}
	return n
}

// Close releases the HTTP client.
func (n *Notifier) Close() error {
	return n.client.Close()
}

// Validate checks every channel before the notifier is used.
func (n *Notifier) Validate() error {
	var result *multierror.Error
	for i, ch := range n.channels {
		if _, ok := n.senders[ch.Type]; !ok {
			result = multierror.Append(result, fmt.Errorf("channel %d: %w: %q", i, ErrUnknownChannel, ch.Type))
			continue
		}
		if ch.Type == ChannelSlack && ch.WebhookURL == "" {
			result = multierror.Append(result, fmt.Errorf("channel %d: slack channel requires webhook_url", i))
		}
	}
	return result.ErrorOrNil()
}

// Notify delivers alert to every configured channel.
func (n *Notifier) Notify(ctx context.Context, alert domain.Alert) error {
	n.logger.Warn("alert triggered", "rule", alert.Rule, "container", alert.Container, "message", alert.Message)

	var result *multierror.Error
	for _, ch := range n.channels {
		send, ok := n.senders[ch.Type]
		if !ok {
			result = multierror.Append(result, fmt.Errorf("%w: %q", ErrUnknownChannel, ch.Type))
			continue
		}
		if err := send(ctx, ch, alert); err != nil {
			n.logger.Error("failed to send notification", "channel", ch.Type, "error", err)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (n *Notifier) sendSlack(ctx context.Context, ch ChannelConfig, alert domain.Alert) error {
	if ch.WebhookURL == "" {
		return nil
	}
	target := ch.Channel
	if target == "" {
		target = "#general"
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(slackPayload{
			Text:      alert.Message,
			Channel:   target,
			Username:  "Docker Pilot",
			IconEmoji: ":warning:",
		}).
		Post(ch.WebhookURL)
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// sendEmail only logs; no SMTP transport is configured.
func (n *Notifier) sendEmail(_ context.Context, ch ChannelConfig, alert domain.Alert) error {
	n.logger.Info("email notification would be sent", "recipients", ch.Recipients, "message", alert.Message)
	return nil
}

func (n *Notifier) sendLog(_ context.Context, _ ChannelConfig, alert domain.Alert) error {
	n.logger.Warn(alert.Message, "severity", alert.Severity, "value", alert.Value, "threshold", alert.Threshold)
	return nil
}
