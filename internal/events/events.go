// Package events carries side-channel notifications through the transactional outbox.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TopicSubmissionStatus = "submission.status"
	TopicDisputeStatus    = "dispute.status"
	TopicArchiveRecord    = "archive.record"
)

type Event struct {
	Topic   string
	Payload any
}

type SubmissionStatus struct {
	OrgID        string    `json:"orgId"`
	DisputeID    string    `json:"disputeId"`
	SubmissionID string    `json:"submissionId"`
	Status       string    `json:"status"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ExternalRef  string    `json:"externalRef,omitempty"`
	At           time.Time `json:"at"`
}

type DisputeStatus struct {
	OrgID             string    `json:"orgId"`
	DisputeID         string    `json:"disputeId"`
	ProviderDisputeID string    `json:"providerDisputeId"`
	Status            string    `json:"status"`
	Source            string    `json:"source"`
	At                time.Time `json:"at"`
}

// ArchiveRecord describes one submission document for the archive index.
type ArchiveRecord struct {
	SubmissionID      string          `json:"submissionId"`
	OrgID             string          `json:"orgId"`
	DisputeID         string          `json:"disputeId"`
	Provider          string          `json:"provider"`
	ProviderDisputeID string          `json:"providerDisputeId"`
	OrderNumber       string          `json:"orderNumber"`
	Classification    string          `json:"classification"`
	Method            string          `json:"method"`
	Status            string          `json:"status"`
	ContentHash       string          `json:"contentHash"`
	DocumentPath      string          `json:"documentPath"`
	ExternalRef       string          `json:"externalRef"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Sections          []string        `json:"sections"`
	CreatedAt         time.Time       `json:"createdAt"`
}

type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

type outboxWriter interface {
	InsertOutbox(context.Context, string, any) error
}

// Outbox writes events as outbox rows. Bind it to a transaction-scoped store
// to make the event commit with the state change.
type Outbox struct {
	store outboxWriter
}

func NewOutbox(store outboxWriter) *Outbox {
	return &Outbox{store: store}
}

func (o *Outbox) Emit(ctx context.Context, ev Event) error {
	return o.store.InsertOutbox(ctx, ev.Topic, ev.Payload)
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Topics lists recorded topics in emission order.
func (r *Recorder) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Topic)
	}
	return out
}
