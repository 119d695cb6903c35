package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-routing/internal/events"
)

const (
	defaultStreamBuffer = 64
	defaultHeartbeat    = 15 * time.Second
)

// EventSource hands out live event streams.
type EventSource interface {
	Stream(buffer int) (<-chan events.Event, func())
}

// EventsHandler serves lifecycle events as server-sent events.
type EventsHandler struct {
	source    EventSource
	logger    *zap.Logger
	buffer    int
	heartbeat time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

// NewEventsHandler constructs handler.
func NewEventsHandler(source EventSource, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		source:    source,
		logger:    logger.With(zap.String("component", "sse")),
		buffer:    defaultStreamBuffer,
		heartbeat: defaultHeartbeat,
		done:      make(chan struct{}),
	}
}

// Close ends every open stream.
func (h *EventsHandler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Stream GET /events. Optional ticket_id and type query parameters narrow
// the stream; type accepts a comma separated list.
func (h *EventsHandler) Stream(c *fiber.Ctx) error {
	ticketID := strings.TrimSpace(c.Query("ticket_id"))
	types := map[events.EventType]bool{}
	for _, t := range strings.Split(c.Query("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[events.EventType(t)] = true
		}
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ch, detach := h.source.Stream(h.buffer)
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer detach()
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			case event, ok := <-ch:
				if !ok {
					return
				}
				if ticketID != "" && event.TicketID != ticketID {
					continue
				}
				if len(types) > 0 && !types[event.Type] {
					continue
				}
				if err := writeEvent(w, event); err != nil {
					h.logger.Debug("event stream closed", zap.Error(err))
					return
				}
			}
		}
	}))
	return nil
}

func writeEvent(w *bufio.Writer, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data); err != nil {
		return err
	}
	return w.Flush()
}
