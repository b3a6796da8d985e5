// Package notify delivers operator alerts (unwind failures, late fills, kill
// switch trips) to Telegram and Discord, filtered by event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/simplearb/internal/config"
	"github.com/alanyoungcy/simplearb/internal/domain"
)

// defaultCooldown suppresses repeats of the same event and title.
const defaultCooldown = time.Minute

// Message is one operator alert.
type Message struct {
	Event    string
	Title    string
	Body     string
	Critical bool
}

// critical events leave capital exposed or trading halted.
var critical = map[string]bool{
	domain.AlertPartialFill:  true,
	domain.AlertUnwindFailed: true,
	domain.AlertKillSwitch:   true,
}

// Sender is a notification channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier fans alerts out to every Sender. Only events in the allowed set
// are delivered (all of them when the set is empty), and an identical alert
// is not repeated within the cooldown.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// FromConfig builds a Notifier with a sender for every channel that has
// credentials configured. A zero cooldown keeps the default.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) *Notifier {
	var senders []Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, NewDiscordSender(cfg.DiscordWebhookURL))
	}
	n := NewNotifier(senders, cfg.Events, logger)
	if cfg.Cooldown.Duration > 0 {
		n.cooldown = cfg.Cooldown.Duration
	}
	return n
}

// NewNotifier creates a Notifier delivering the given events to senders.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		cooldown: defaultCooldown,
		logger:   logger.With(slog.String("component", "notifier")),
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify delivers an alert to every sender. A failing sender does not stop
// delivery to the others; their errors are joined.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.suppressed(event + "\x00" + title) {
		n.logger.DebugContext(ctx, "repeat alert suppressed",
			slog.String("event", event),
			slog.String("title", title),
		)
		return nil
	}

	msg := Message{Event: event, Title: title, Body: message, Critical: critical[event]}
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func (n *Notifier) suppressed(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if at, ok := n.last[key]; ok && now.Sub(at) < n.cooldown {
		return true
	}
	n.last[key] = now
	return false
}
