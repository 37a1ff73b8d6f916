// Package provider adapts payment-service provider APIs to one submission and webhook surface.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"rebuttal/api/internal/store"
)

var (
	ErrInvalidSignature = errors.New("provider: invalid webhook signature")
	ErrMalformedPayload = errors.New("provider: malformed webhook payload")
	ErrUnknownProvider  = errors.New("provider: unknown provider")
)

// Evidence is everything an adapter needs to submit one packet.
type Evidence struct {
	ProviderDisputeID string
	DocumentRef       string
	DocumentName      string
	Document          []byte
	IdempotencyKey    string
	Facts             map[string]string
}

// Error is a provider failure normalized to a stable code.
type Error struct {
	Code      string
	Message   string
	Retryable bool
	Status    int
	Err       error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// DisputeData is the dispute snapshot carried by a webhook, used to ingest unknown disputes.
type DisputeData struct {
	Amount         decimal.Decimal
	Currency       string
	Classification string
	Network        string
	DueBy          *time.Time
	OrderRef       string
}

// Currencies whose minor unit is not one hundredth. Both Stripe and Checkout.com send amounts
// in the ISO 4217 minor unit of the currency.
var minorUnitExponents = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0, "KRW": 0,
	"MGA": 0, "PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// FromMinorUnits converts a provider amount in minor units to a decimal in major units.
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	exp, ok := minorUnitExponents[strings.ToUpper(strings.TrimSpace(currency))]
	if !ok {
		exp = 2
	}
	return decimal.New(amount, -exp)
}

// Event is a verified webhook normalized across providers.
type Event struct {
	ID                string
	Type              string
	ProviderDisputeID string
	// Status is empty when the event does not move the dispute.
	Status      store.DisputeStatus
	ExternalRef string
	Dispute     *DisputeData
}

type Adapter interface {
	Name() string
	SubmitEvidence(ctx context.Context, ev Evidence) (string, error)
	MapError(err error) *Error
	VerifyWebhook(payload []byte, header http.Header, now time.Time) error
	ParseWebhook(payload []byte) (Event, error)
	// IdempotencyWindow is how long the provider deduplicates a repeated idempotency key.
	IdempotencyWindow() time.Duration
}

type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[string]Adapter{}}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Windows returns each adapter's idempotency window keyed by name.
func (r *Registry) Windows() map[string]time.Duration {
	out := make(map[string]time.Duration, len(r.adapters))
	for name, a := range r.adapters {
		out[name] = a.IdempotencyWindow()
	}
	return out
}

// mapTransport classifies failures that never reached a provider response.
func mapTransport(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: "timeout", Message: "provider request timed out", Retryable: true, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Code: "cancelled", Message: "provider request cancelled", Retryable: true, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		code := "network_error"
		if netErr.Timeout() {
			code = "timeout"
		}
		return &Error{Code: code, Message: netErr.Error(), Retryable: true, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Code: "network_error", Message: opErr.Error(), Retryable: true, Err: err}
	}
	return nil
}

// classifyStatus applies the shared HTTP rules: 429 and 5xx retry, other 4xx are terminal.
func classifyStatus(status int, code, message string, err error) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Code: "rate_limited", Message: message, Retryable: true, Status: status, Err: err}
	case status >= 500:
		return &Error{Code: "provider_unavailable", Message: message, Retryable: true, Status: status, Err: err}
	default:
		if code == "" {
			code = "rejected"
		}
		return &Error{Code: code, Message: message, Retryable: false, Status: status, Err: err}
	}
}
