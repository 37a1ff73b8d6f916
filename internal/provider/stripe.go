package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"rebuttal/api/internal/evidence"
	"rebuttal/api/internal/store"
)

const (
	StripeName             = "stripe"
	stripeSignatureHeader  = "Stripe-Signature"
	stripeSignatureMaxSkew = 5 * time.Minute
	stripeWindow           = 24 * time.Hour
)

type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	FilesURL      string
	Timeout       time.Duration
}

type Stripe struct {
	cfg  StripeConfig
	http httpClient
}

func NewStripe(cfg StripeConfig, client *http.Client) *Stripe {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	s := &Stripe{cfg: cfg}
	s.http = httpClient{client: client, headers: func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}}
	return s
}

func (s *Stripe) Name() string { return StripeName }

func (s *Stripe) IdempotencyWindow() time.Duration { return stripeWindow }

// stripeEvidenceFields maps fact keys onto Stripe's evidence[...] form fields.
var stripeEvidenceFields = []struct {
	fact  string
	field string
}{
	{evidence.FactCustomerEmail, "customer_email_address"},
	{evidence.FactCustomerName, "customer_name"},
	{evidence.FactBillingAddress, "billing_address"},
	{evidence.FactIPAddress, "customer_purchase_ip"},
	{evidence.FactCarrier, "shipping_carrier"},
	{evidence.FactTrackingNumber, "shipping_tracking_number"},
	{evidence.FactShippingAddress, "shipping_address"},
	{evidence.FactProductSummary, "product_description"},
}

func (s *Stripe) SubmitEvidence(ctx context.Context, ev Evidence) (string, error) {
	form := url.Values{}
	for _, m := range stripeEvidenceFields {
		if v := strings.TrimSpace(ev.Facts[m.fact]); v != "" {
			form.Set("evidence["+m.field+"]", v)
		}
	}
	if shipped := ev.Facts[evidence.FactShippedAt]; len(shipped) >= 10 {
		form.Set("evidence[shipping_date]", shipped[:10])
	}

	fileID := ""
	if len(ev.Document) > 0 {
		id, err := s.uploadFile(ctx, ev)
		if err != nil {
			return "", err
		}
		fileID = id
		form.Set("evidence[uncategorized_file]", fileID)
	}
	form.Set("submit", "true")
	form.Set("metadata[idempotency_key]", ev.IdempotencyKey)

	header := http.Header{}
	header.Set("Idempotency-Key", ev.IdempotencyKey)
	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/disputes/" + url.PathEscape(ev.ProviderDisputeID)
	body, err := s.http.do(ctx, http.MethodPost, endpoint, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), header)
	if err != nil {
		return "", err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode stripe dispute: %w", err)
	}
	if fileID != "" {
		return fileID, nil
	}
	return resp.ID, nil
}

func (s *Stripe) uploadFile(ctx context.Context, ev Evidence) (string, error) {
	name := ev.DocumentName
	if name == "" {
		name = path.Base(ev.DocumentRef)
	}
	buf, contentType, err := multipartFile(map[string]string{"purpose": "dispute_evidence"}, "file", name, "application/pdf", ev.Document)
	if err != nil {
		return "", err
	}
	header := http.Header{}
	header.Set("Idempotency-Key", ev.IdempotencyKey+"-file")
	endpoint := strings.TrimRight(s.cfg.FilesURL, "/") + "/v1/files"
	body, err := s.http.do(ctx, http.MethodPost, endpoint, contentType, buf, header)
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.ID == "" {
		return "", fmt.Errorf("decode stripe file upload: %w", errors.Join(err, errors.New("missing file id")))
	}
	return resp.ID, nil
}

func (s *Stripe) MapError(err error) *Error {
	if err == nil {
		return nil
	}
	if mapped := mapHTTPFirst(err, s.decodeError); mapped != nil {
		return mapped
	}
	if mapped := mapTransport(err); mapped != nil {
		return mapped
	}
	return &Error{Code: "provider_error", Message: err.Error(), Err: err}
}

func (s *Stripe) decodeError(httpErr *HTTPError) *Error {
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(httpErr.Body, &body)
	code := body.Error.Code
	if code == "" {
		code = body.Error.Type
	}
	message := body.Error.Message
	if message == "" {
		message = http.StatusText(httpErr.Status)
	}
	// Stripe answers concurrent writes on the same object with a retryable lock_timeout.
	if code == "lock_timeout" {
		return &Error{Code: code, Message: message, Retryable: true, Status: httpErr.Status, Err: httpErr}
	}
	return classifyStatus(httpErr.Status, code, message, httpErr)
}

// VerifyWebhook checks the Stripe-Signature header: t=<unix>,v1=<hex hmac of "t.payload">.
func (s *Stripe) VerifyWebhook(payload []byte, header http.Header, now time.Time) error {
	raw := header.Get(stripeSignatureHeader)
	if raw == "" || s.cfg.WebhookSecret == "" {
		return ErrInvalidSignature
	}
	var (
		timestamp string
		sigs      []string
	)
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || len(sigs) == 0 {
		return ErrInvalidSignature
	}
	signedAt := time.Unix(ts, 0)
	if now.Sub(signedAt) > stripeSignatureMaxSkew || signedAt.Sub(now) > stripeSignatureMaxSkew {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := SignStripe(s.cfg.WebhookSecret, ts, payload)
	for _, sig := range sigs {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignStripe computes the v1 signature Stripe sends for payload at unix time ts.
func SignStripe(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type stripeWebhook struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string `json:"id"`
			Object   string `json:"object"`
			Amount   int64  `json:"amount"`
			Currency string `json:"currency"`
			Reason   string `json:"reason"`
			Status   string `json:"status"`
			Evidence struct {
				UncategorizedFile string `json:"uncategorized_file"`
			} `json:"evidence"`
			EvidenceDetails struct {
				DueBy int64 `json:"due_by"`
			} `json:"evidence_details"`
			PaymentMethodDetails struct {
				Card struct {
					Network string `json:"network"`
				} `json:"card"`
			} `json:"payment_method_details"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

var stripeStatuses = map[string]store.DisputeStatus{
	"warning_needs_response": store.DisputeNew,
	"needs_response":         store.DisputeNew,
	"warning_under_review":   store.DisputeSubmitted,
	"under_review":           store.DisputeSubmitted,
	"won":                    store.DisputeWon,
	"lost":                   store.DisputeLost,
}

func (s *Stripe) ParseWebhook(payload []byte) (Event, error) {
	var w stripeWebhook
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	obj := w.Data.Object
	if w.ID == "" || w.Type == "" {
		return Event{}, fmt.Errorf("%w: missing event id or type", ErrMalformedPayload)
	}
	if !strings.HasPrefix(w.Type, "charge.dispute.") || obj.ID == "" {
		return Event{}, fmt.Errorf("%w: unsupported event %s", ErrMalformedPayload, w.Type)
	}

	ev := Event{
		ID:                w.ID,
		Type:              w.Type,
		ProviderDisputeID: obj.ID,
		Status:            stripeStatuses[obj.Status],
		ExternalRef:       obj.Evidence.UncategorizedFile,
		Dispute: &DisputeData{
			Amount:         FromMinorUnits(obj.Amount, obj.Currency),
			Currency:       strings.ToUpper(obj.Currency),
			Classification: obj.Reason,
			Network:        obj.PaymentMethodDetails.Card.Network,
			OrderRef:       obj.Metadata["order_id"],
		},
	}
	if obj.EvidenceDetails.DueBy > 0 {
		due := time.Unix(obj.EvidenceDetails.DueBy, 0).UTC()
		ev.Dispute.DueBy = &due
	}
	return ev, nil
}

func mapHTTPFirst(err error, decode func(*HTTPError) *Error) *Error {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return decode(httpErr)
	}
	return nil
}
