package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-routing/internal/config"
	"github.com/spec-kit/ticket-routing/internal/events"
)

// NotificationService handles emitting notifications for domain events.
type NotificationService struct {
	logger *zap.Logger
	cfg    config.NotificationConfig
	client *resty.Client
}

// NewNotificationService creates the service.
func NewNotificationService(logger *zap.Logger, cfg config.NotificationConfig) *NotificationService {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetHeader("Content-Type", "application/json")
	return &NotificationService{
		logger: logger.With(zap.String("component", "notifications")),
		cfg:    cfg,
		client: client,
	}
}

// Deliver logs event and forwards it to the configured webhook.
func (n *NotificationService) Deliver(ctx context.Context, event events.Event) error {
	fields := []zap.Field{
		zap.String("event_type", string(event.Type)),
		zap.String("ticket_id", event.TicketID),
		zap.Any("payload", event.Payload),
	}
	switch event.Type {
	case events.EventSLABreached, events.EventTicketUnassignable, events.EventEngineDegraded:
		n.logger.Warn("lifecycle event", fields...)
	default:
		n.logger.Info("lifecycle event", fields...)
	}
	return n.sendWebhook(ctx, event)
}

func (n *NotificationService) sendWebhook(ctx context.Context, event events.Event) error {
	if strings.TrimSpace(n.cfg.WebhookURL) == "" {
		return nil
	}
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(event).
		Post(n.cfg.WebhookURL)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", event.Type, err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook %s: unexpected status %d", event.Type, resp.StatusCode())
	}
	n.logger.Debug("webhook delivered",
		zap.String("event_type", string(event.Type)),
		zap.Int("status", resp.StatusCode()))
	return nil
}
