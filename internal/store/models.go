package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DisputeStatus is the lifecycle of a dispute as seen by the merchant.
type DisputeStatus string

const (
	DisputeNew       DisputeStatus = "new"
	DisputeDraft     DisputeStatus = "draft"
	DisputeSubmitted DisputeStatus = "submitted"
	DisputeWon       DisputeStatus = "won"
	DisputeLost      DisputeStatus = "lost"
)

// Terminal reports whether the provider has closed the dispute.
func (s DisputeStatus) Terminal() bool {
	return s == DisputeWon || s == DisputeLost
}

type Dispute struct {
	ID                string
	OrgID             string
	Provider          string
	ProviderDisputeID string
	Classification    string
	Network           string
	Amount            decimal.Decimal
	Currency          string
	DueBy             *time.Time
	Status            DisputeStatus
	OrderID           string
	RawPayload        json.RawMessage
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type LineItem struct {
	SKU         string          `json:"sku"`
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type Order struct {
	ID              string
	OrgID           string
	Number          string
	CustomerName    string
	CustomerEmail   string
	BillingAddress  string
	ShippingAddress string
	LineItems       []LineItem
	Total           decimal.Decimal
	Currency        string
	AVSResult       string
	CVVResult       string
	TermsAcceptedAt *time.Time
	PlacedAt        time.Time
}

type Shipment struct {
	ID              string
	OrderID         string
	Carrier         string
	TrackingNumber  string
	Status          string
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	SignedBy        string
	DeliveryAddress string
}

type Session struct {
	ID            string
	OrderID       string
	IPAddress     string
	UserAgent     string
	DeviceID      string
	ThreeDSResult string
	StartedAt     time.Time
}

type Communication struct {
	ID        string
	OrderID   string
	Channel   string
	Direction string
	Subject   string
	Body      string
	SentAt    time.Time
}

type RefundEvent struct {
	ID          string
	OrderID     string
	Amount      decimal.Decimal
	Method      string
	ExternalRef string
	CreatedAt   time.Time
}

type Override struct {
	DisputeID string
	Title     string
	Content   string
	Locked    bool
	UpdatedBy string
	UpdatedAt time.Time
}

type SubmissionMethod string

const (
	MethodAPI    SubmissionMethod = "api"
	MethodManual SubmissionMethod = "manual"
)

type SubmissionStatus string

const (
	SubmissionProcessing SubmissionStatus = "processing"
	SubmissionGenerated  SubmissionStatus = "generated"
	SubmissionSubmitted  SubmissionStatus = "submitted"
	SubmissionFailed     SubmissionStatus = "failed"
)

// Terminal reports whether the submission can no longer change status.
func (s SubmissionStatus) Terminal() bool {
	return s != SubmissionProcessing
}

type Submission struct {
	ID           string
	DisputeID    string
	Method       SubmissionMethod
	Status       SubmissionStatus
	ContentHash  string
	DocumentPath string
	ExternalRef  string
	ErrorCode    string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type JobStatus string

const (
	JobScheduled  JobStatus = "scheduled"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

type SubmissionJob struct {
	ID          string
	OrgID       string
	DisputeID   string
	Method      SubmissionMethod
	Status      JobStatus
	NextRunAt   time.Time
	Attempts    int
	MaxAttempts int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type DeadLetter struct {
	ID        string
	JobID     string
	DisputeID string
	Reason    string
	Attempts  int
	CreatedAt time.Time
}

type WebhookEvent struct {
	ID             string
	Provider       string
	IdempotencyKey string
	EventType      string
	Payload        json.RawMessage
	ReceivedAt     time.Time
	ProcessedAt    *time.Time
}

type OutboxMessage struct {
	ID           int64
	Topic        string
	Payload      json.RawMessage
	CreatedAt    time.Time
	DispatchedAt *time.Time
}
