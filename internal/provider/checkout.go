package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"rebuttal/api/internal/evidence"
	"rebuttal/api/internal/store"
)

const (
	CheckoutName            = "checkout"
	checkoutSignatureHeader = "Cko-Signature"
	checkoutWindow          = 24 * time.Hour
)

type CheckoutConfig struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	FilesURL      string
	Timeout       time.Duration
}

type Checkout struct {
	cfg  CheckoutConfig
	http httpClient
}

func NewCheckout(cfg CheckoutConfig, client *http.Client) *Checkout {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	c := &Checkout{cfg: cfg}
	c.http = httpClient{client: client, headers: func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}}
	return c
}

func (c *Checkout) Name() string { return CheckoutName }

func (c *Checkout) IdempotencyWindow() time.Duration { return checkoutWindow }

type checkoutEvidence struct {
	ProofOfDeliveryFile    string `json:"proof_of_delivery_or_service_file,omitempty"`
	ProofOfDeliveryText    string `json:"proof_of_delivery_or_service_text,omitempty"`
	InvoiceOrReceiptText   string `json:"invoice_or_receipt_text,omitempty"`
	CustomerCommunication  string `json:"customer_communication_text,omitempty"`
	AdditionalEvidenceFile string `json:"additional_evidence_file,omitempty"`
	AdditionalEvidenceText string `json:"additional_evidence_text,omitempty"`
}

// SubmitEvidence uploads the document, provides the evidence fields and then submits them.
func (c *Checkout) SubmitEvidence(ctx context.Context, ev Evidence) (string, error) {
	fileID := ""
	if len(ev.Document) > 0 {
		id, err := c.uploadFile(ctx, ev)
		if err != nil {
			return "", err
		}
		fileID = id
	}

	payload := checkoutEvidence{
		AdditionalEvidenceFile: fileID,
		InvoiceOrReceiptText:   joinFacts(ev.Facts, evidence.FactOrderNumber, evidence.FactOrderTotal, evidence.FactCustomerEmail),
		ProofOfDeliveryText:    joinFacts(ev.Facts, evidence.FactCarrier, evidence.FactTrackingNumber, evidence.FactDeliveredAt),
		AdditionalEvidenceText: joinFacts(ev.Facts, evidence.FactAVSResult, evidence.FactCVVResult, evidence.FactIPAddress),
	}
	if ev.Facts[evidence.FactTrackingNumber] != "" {
		payload.ProofOfDeliveryFile = fileID
	}
	if n := ev.Facts[evidence.FactCommunicationCount]; n != "" {
		payload.CustomerCommunication = fmt.Sprintf("%s customer messages on record; last contact %s via %s.",
			n, ev.Facts[evidence.FactLastContactAt], ev.Facts[evidence.FactLastContactVia])
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode checkout evidence: %w", err)
	}

	header := http.Header{}
	header.Set("Cko-Idempotency-Key", ev.IdempotencyKey)
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/disputes/" + url.PathEscape(ev.ProviderDisputeID) + "/evidence"
	if _, err := c.http.do(ctx, http.MethodPut, endpoint, "application/json", bytes.NewReader(body), header); err != nil {
		return "", err
	}
	submitHeader := http.Header{}
	submitHeader.Set("Cko-Idempotency-Key", ev.IdempotencyKey+"-submit")
	if _, err := c.http.do(ctx, http.MethodPost, endpoint, "", nil, submitHeader); err != nil {
		return "", err
	}
	if fileID != "" {
		return fileID, nil
	}
	return ev.ProviderDisputeID, nil
}

func joinFacts(facts map[string]string, keys ...string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := strings.TrimSpace(facts[k]); v != "" {
			parts = append(parts, k+": "+v)
		}
	}
	return strings.Join(parts, "; ")
}

func (c *Checkout) uploadFile(ctx context.Context, ev Evidence) (string, error) {
	name := ev.DocumentName
	if name == "" {
		name = path.Base(ev.DocumentRef)
	}
	buf, contentType, err := multipartFile(map[string]string{"purpose": "dispute_evidence"}, "file", name, "application/pdf", ev.Document)
	if err != nil {
		return "", err
	}
	header := http.Header{}
	header.Set("Cko-Idempotency-Key", ev.IdempotencyKey+"-file")
	body, err := c.http.do(ctx, http.MethodPost, strings.TrimRight(c.cfg.FilesURL, "/")+"/files", contentType, buf, header)
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode checkout file upload: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("decode checkout file upload: missing file id")
	}
	return resp.ID, nil
}

func (c *Checkout) MapError(err error) *Error {
	if err == nil {
		return nil
	}
	if mapped := mapHTTPFirst(err, c.decodeError); mapped != nil {
		return mapped
	}
	if mapped := mapTransport(err); mapped != nil {
		return mapped
	}
	return &Error{Code: "provider_error", Message: err.Error(), Err: err}
}

func (c *Checkout) decodeError(httpErr *HTTPError) *Error {
	var body struct {
		RequestID  string   `json:"request_id"`
		ErrorType  string   `json:"error_type"`
		ErrorCodes []string `json:"error_codes"`
	}
	_ = json.Unmarshal(httpErr.Body, &body)
	code := body.ErrorType
	if len(body.ErrorCodes) > 0 {
		code = body.ErrorCodes[0]
	}
	message := strings.Join(body.ErrorCodes, ", ")
	if message == "" {
		message = http.StatusText(httpErr.Status)
	}
	return classifyStatus(httpErr.Status, code, message, httpErr)
}

// VerifyWebhook checks Cko-Signature, the hex HMAC-SHA256 of the raw body.
func (c *Checkout) VerifyWebhook(payload []byte, header http.Header, _ time.Time) error {
	sig := strings.TrimSpace(header.Get(checkoutSignatureHeader))
	if sig == "" || c.cfg.WebhookSecret == "" {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(strings.ToLower(sig)), []byte(SignCheckout(c.cfg.WebhookSecret, payload))) {
		return ErrInvalidSignature
	}
	return nil
}

func SignCheckout(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type checkoutWebhook struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		ID                 string `json:"id"`
		Category           string `json:"category"`
		ReasonCode         string `json:"reason_code"`
		Amount             int64  `json:"amount"`
		Currency           string `json:"currency"`
		EvidenceRequiredBy string `json:"evidence_required_by"`
		Reference          string `json:"reference"`
		Scheme             string `json:"scheme"`
		EvidenceID         string `json:"evidence_id"`
	} `json:"data"`
}

var checkoutStatuses = map[string]store.DisputeStatus{
	"dispute_received":                        store.DisputeNew,
	"dispute_evidence_required":               store.DisputeNew,
	"dispute_evidence_submitted":              store.DisputeSubmitted,
	"dispute_evidence_acknowledged_by_scheme": store.DisputeSubmitted,
	"dispute_arbitration_sent_to_scheme":      store.DisputeSubmitted,
	"dispute_won":                             store.DisputeWon,
	"dispute_arbitration_won":                 store.DisputeWon,
	"dispute_lost":                            store.DisputeLost,
	"dispute_arbitration_lost":                store.DisputeLost,
	"dispute_accepted":                        store.DisputeLost,
	"dispute_expired":                         store.DisputeLost,
}

func (c *Checkout) ParseWebhook(payload []byte) (Event, error) {
	var w checkoutWebhook
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if w.ID == "" || w.Type == "" {
		return Event{}, fmt.Errorf("%w: missing event id or type", ErrMalformedPayload)
	}
	if !strings.HasPrefix(w.Type, "dispute_") || w.Data.ID == "" {
		return Event{}, fmt.Errorf("%w: unsupported event %s", ErrMalformedPayload, w.Type)
	}

	classification := w.Data.Category
	if classification == "" {
		classification = w.Data.ReasonCode
	}
	ev := Event{
		ID:                w.ID,
		Type:              w.Type,
		ProviderDisputeID: w.Data.ID,
		Status:            checkoutStatuses[w.Type],
		ExternalRef:       w.Data.EvidenceID,
		Dispute: &DisputeData{
			Amount:         FromMinorUnits(w.Data.Amount, w.Data.Currency),
			Currency:       strings.ToUpper(w.Data.Currency),
			Classification: classification,
			Network:        strings.ToLower(w.Data.Scheme),
			OrderRef:       w.Data.Reference,
		},
	}
	if w.Data.EvidenceRequiredBy != "" {
		due, err := time.Parse(time.RFC3339, w.Data.EvidenceRequiredBy)
		if err != nil {
			return Event{}, fmt.Errorf("%w: evidence_required_by: %v", ErrMalformedPayload, err)
		}
		due = due.UTC()
		ev.Dispute.DueBy = &due
	}
	return ev, nil
}
