package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/floorkeeper/floorkeeper/internal/types"
	"go.uber.org/zap"
)

/*
 * Notify action.
 *
 * Template-substitutes {field} placeholders into subject and body, then
 * delegates to the configured channel senders. The action's channel field
 * may name several channels comma-separated; each channel's failure is
 * captured independently and does not abort the remaining channels.
 */

// Message is a rendered notification ready to send.
type Message struct {
	Recipients []string
	Subject    string
	Body       string
}

// Sender delivers a rendered message over one channel (email, chat, ...).
// Implementations live in internal/notify.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type notifyHandler struct {
	senders map[string]Sender
	logger  *zap.Logger
}

func (h *notifyHandler) Execute(ctx context.Context, act *types.Action, inv *Invocation) (map[string]any, error) {
	channels := splitChannels(act.Channel)

	msg := Message{
		Recipients: act.Recipients,
		Subject:    Substitute(act.Subject, inv),
		Body:       Substitute(act.Body, inv),
	}

	perChannel := make(map[string]any, len(channels))
	failures := 0
	for _, ch := range channels {
		sender, ok := h.senders[ch]
		if !ok {
			perChannel[ch] = fmt.Sprintf("error: no sender for channel %q", ch)
			failures++
			continue
		}
		if err := sender.Send(ctx, msg); err != nil {
			perChannel[ch] = fmt.Sprintf("error: %v", err)
			failures++
			h.logger.Warn("notification channel failed",
				zap.String("rule", inv.Rule.Code),
				zap.String("channel", ch),
				zap.Error(err))
			continue
		}
		perChannel[ch] = "sent"
	}

	result := map[string]any{
		"channels":   perChannel,
		"recipients": len(act.Recipients),
	}
	if failures == len(channels) {
		return result, fmt.Errorf("all %d notification channels failed", failures)
	}
	return result, nil
}

// splitChannels parses the action's channel field; empty means email.
func splitChannels(channel string) []string {
	if channel == "" {
		return []string{"email"}
	}
	parts := strings.Split(channel, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"email"}
	}
	return out
}
