package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"rebuttal/api/internal/store"
)

// Handler consumes one outbox payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

type outboxReader interface {
	ListPendingOutbox(context.Context, int) ([]store.OutboxMessage, error)
	MarkOutboxDispatched(context.Context, int64) error
}

// Relay dispatches pending outbox rows in id order. A failing handler stops the batch so later
// rows are not delivered ahead of it.
type Relay struct {
	store    outboxReader
	handlers map[string]Handler
	batch    int
	logger   *slog.Logger
}

func NewRelay(store outboxReader, batch int, logger *slog.Logger) *Relay {
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{store: store, handlers: map[string]Handler{}, batch: batch, logger: logger}
}

func (r *Relay) Handle(topic string, h Handler) {
	r.handlers[topic] = h
}

// Dispatch delivers one batch and returns how many rows were marked dispatched.
// Rows whose topic has no handler are marked without delivery.
func (r *Relay) Dispatch(ctx context.Context) (int, error) {
	pending, err := r.store.ListPendingOutbox(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, msg := range pending {
		if h, ok := r.handlers[msg.Topic]; ok {
			if err := h(ctx, msg.Payload); err != nil {
				return dispatched, fmt.Errorf("dispatch outbox %d (%s): %w", msg.ID, msg.Topic, err)
			}
		}
		if err := r.store.MarkOutboxDispatched(ctx, msg.ID); err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

// Run dispatches on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := r.Dispatch(ctx)
		if err != nil {
			r.logger.Warn("outbox relay failed", "error", err)
		} else if n > 0 {
			r.logger.Debug("outbox relay dispatched", "count", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
