package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-routing/internal/config"
	"github.com/spec-kit/ticket-routing/internal/domain"
	"github.com/spec-kit/ticket-routing/internal/events"
)

func TestNotificationServicePostsWebhook(t *testing.T) {
	received := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	svc := NewNotificationService(zap.NewNop(), config.NotificationConfig{WebhookURL: server.URL, Timeout: time.Second})
	err := svc.Deliver(context.Background(), events.Event{
		ID:       "evt-1",
		Type:     events.EventSLABreached,
		TicketID: "t-1",
		Payload:  events.SLABreachedPayload{Kind: domain.SLAKindResponse, AutoEscalated: true},
	})
	require.NoError(t, err)

	select {
	case body := <-received:
		assert.Equal(t, "sla_breached", body["type"])
		assert.Equal(t, "t-1", body["ticket_id"])
	case <-time.After(time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestNotificationServiceReportsWebhookFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	svc := NewNotificationService(zap.NewNop(), config.NotificationConfig{WebhookURL: server.URL, Timeout: time.Second})
	err := svc.Deliver(context.Background(), events.Event{Type: events.EventTicketCreated, TicketID: "t-2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestNotificationServiceWithoutWebhook(t *testing.T) {
	svc := NewNotificationService(zap.NewNop(), config.NotificationConfig{})
	assert.NoError(t, svc.Deliver(context.Background(), events.Event{Type: events.EventTicketResolved}))
}
