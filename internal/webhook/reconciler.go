// Package webhook verifies provider webhooks and applies them to dispute and submission state.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"rebuttal/api/internal/events"
	"rebuttal/api/internal/ledger"
	"rebuttal/api/internal/provider"
	"rebuttal/api/internal/store"
)

var (
	ErrInvalidSignature = provider.ErrInvalidSignature
	ErrMalformedPayload = provider.ErrMalformedPayload
)

// Tx is the state a delivery may touch, bound to one transaction.
type Tx interface {
	InsertIdempotencyKey(context.Context, string, string) error
	DeleteIdempotencyKey(context.Context, string, string) error
	InsertWebhookEvent(context.Context, store.WebhookEvent) error
	MarkWebhookProcessed(context.Context, string, string) error
	GetDisputeByProviderRef(context.Context, string, string) (store.Dispute, error)
	InsertDispute(context.Context, store.Dispute) (store.Dispute, error)
	UpdateDisputeStatus(context.Context, string, store.DisputeStatus) (bool, error)
	LatestSubmission(context.Context, string) (*store.Submission, error)
	AttachExternalRef(context.Context, string, string) (bool, error)
	InsertOutbox(context.Context, string, any) error
}

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

type postgresStore struct {
	s *store.PostgresStore
}

// Postgres runs deliveries in PostgresStore transactions.
func Postgres(s *store.PostgresStore) Store {
	return postgresStore{s: s}
}

func (p postgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return p.s.WithTx(ctx, func(tx *store.PostgresStore) error { return fn(tx) })
}

type adapters interface {
	Get(string) (provider.Adapter, error)
}

type Delivery struct {
	Provider string
	OrgID    string
	Payload  []byte
	Header   http.Header
}

type Ack struct {
	EventID   string `json:"eventId"`
	Duplicate bool   `json:"duplicate"`
	DisputeID string `json:"disputeId,omitempty"`
	Status    string `json:"status,omitempty"`
	Ingested  bool   `json:"ingested,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
}

type Reconciler struct {
	store     Store
	providers adapters
	logger    *slog.Logger
	now       func() time.Time
}

func NewReconciler(s Store, p adapters, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: s, providers: p, logger: logger, now: time.Now}
}

// WithClock replaces the time source used for signature tolerance.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Handle applies one delivery. Each provider event id mutates state at most once; replays are
// acknowledged with Duplicate set.
func (r *Reconciler) Handle(ctx context.Context, d Delivery) (Ack, error) {
	logger := r.logger.With("provider", d.Provider, "org_id", d.OrgID)
	adapter, err := r.providers.Get(d.Provider)
	if err != nil {
		return Ack{}, err
	}
	if err := adapter.VerifyWebhook(d.Payload, d.Header, r.now()); err != nil {
		logger.Warn("webhook signature rejected", "error", err)
		if errors.Is(err, ErrInvalidSignature) {
			return Ack{}, err
		}
		return Ack{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	ev, err := adapter.ParseWebhook(d.Payload)
	if err != nil {
		logger.Warn("webhook payload rejected", "error", err)
		if errors.Is(err, ErrMalformedPayload) {
			return Ack{}, err
		}
		return Ack{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	logger = logger.With("event_id", ev.ID, "event_type", ev.Type)

	ack := Ack{EventID: ev.ID}
	err = r.store.InTx(ctx, func(tx Tx) error {
		outcome, err := ledger.NewPostgres(tx).Reserve(ctx, adapter.Name(), ev.ID)
		if err != nil {
			return err
		}
		if outcome == ledger.Duplicate {
			ack.Duplicate = true
			return nil
		}
		if err := tx.InsertWebhookEvent(ctx, store.WebhookEvent{
			Provider:       adapter.Name(),
			IdempotencyKey: ev.ID,
			EventType:      ev.Type,
			Payload:        json.RawMessage(d.Payload),
		}); err != nil {
			return err
		}
		if err := r.apply(ctx, tx, adapter.Name(), d, ev, &ack); err != nil {
			return err
		}
		return tx.MarkWebhookProcessed(ctx, adapter.Name(), ev.ID)
	})
	if err != nil {
		logger.Error("webhook processing failed", "error", err)
		return Ack{}, err
	}
	if ack.Duplicate {
		logger.Info("webhook replay ignored")
	} else {
		logger.Info("webhook applied", "dispute_id", ack.DisputeID, "status", ack.Status, "ingested", ack.Ingested)
	}
	return ack, nil
}

func (r *Reconciler) apply(ctx context.Context, tx Tx, providerName string, d Delivery, ev provider.Event, ack *Ack) error {
	dispute, err := tx.GetDisputeByProviderRef(ctx, providerName, ev.ProviderDisputeID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if ev.Dispute == nil {
			ack.Ignored = true
			return nil
		}
		dispute, err = r.ingest(ctx, tx, providerName, d, ev)
		if err != nil {
			return err
		}
		ack.Ingested = true
	case err != nil:
		return err
	}
	if dispute.OrgID != d.OrgID {
		r.logger.Warn("webhook dispute belongs to another org", "dispute_id", dispute.ID, "org_id", d.OrgID)
		ack.Ignored = true
		return nil
	}
	ack.DisputeID = dispute.ID
	ack.Status = string(dispute.Status)

	if ev.Status != "" {
		moved, err := tx.UpdateDisputeStatus(ctx, dispute.ID, ev.Status)
		if err != nil {
			return err
		}
		if moved {
			ack.Status = string(ev.Status)
			if err := tx.InsertOutbox(ctx, events.TopicDisputeStatus, events.DisputeStatus{
				OrgID:             dispute.OrgID,
				DisputeID:         dispute.ID,
				ProviderDisputeID: dispute.ProviderDisputeID,
				Status:            string(ev.Status),
				Source:            "webhook",
				At:                r.now().UTC(),
			}); err != nil {
				return err
			}
		}
	}

	if ev.ExternalRef == "" {
		return nil
	}
	latest, err := tx.LatestSubmission(ctx, dispute.ID)
	if err != nil || latest == nil {
		return err
	}
	attached, err := tx.AttachExternalRef(ctx, latest.ID, ev.ExternalRef)
	if err != nil || !attached {
		return err
	}
	return tx.InsertOutbox(ctx, events.TopicSubmissionStatus, events.SubmissionStatus{
		OrgID:        dispute.OrgID,
		DisputeID:    dispute.ID,
		SubmissionID: latest.ID,
		Status:       string(latest.Status),
		ExternalRef:  ev.ExternalRef,
		At:           r.now().UTC(),
	})
}

func (r *Reconciler) ingest(ctx context.Context, tx Tx, providerName string, d Delivery, ev provider.Event) (store.Dispute, error) {
	data := ev.Dispute
	created, err := tx.InsertDispute(ctx, store.Dispute{
		OrgID:             d.OrgID,
		Provider:          providerName,
		ProviderDisputeID: ev.ProviderDisputeID,
		Classification:    data.Classification,
		Network:           data.Network,
		Amount:            data.Amount,
		Currency:          data.Currency,
		DueBy:             data.DueBy,
		OrderID:           data.OrderRef,
		RawPayload:        json.RawMessage(d.Payload),
	})
	if errors.Is(err, store.ErrDuplicate) {
		return tx.GetDisputeByProviderRef(ctx, providerName, ev.ProviderDisputeID)
	}
	if err != nil {
		return store.Dispute{}, err
	}
	err = tx.InsertOutbox(ctx, events.TopicDisputeStatus, events.DisputeStatus{
		OrgID:             created.OrgID,
		DisputeID:         created.ID,
		ProviderDisputeID: created.ProviderDisputeID,
		Status:            string(created.Status),
		Source:            "ingest",
		At:                r.now().UTC(),
	})
	return created, err
}
