package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rebuttal/api/internal/archive"
	"rebuttal/api/internal/evidence"
	"rebuttal/api/internal/logging"
	"rebuttal/api/internal/packet"
	"rebuttal/api/internal/provider"
	"rebuttal/api/internal/readiness"
	"rebuttal/api/internal/scheduler"
	"rebuttal/api/internal/store"
	"rebuttal/api/internal/submission"
	"rebuttal/api/internal/webhook"
)

func doRequest(t *testing.T, svc *Service, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set(orgHeader, "org_1")
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	NewHTTPServer(svc, "*", nil).Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return out
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) map[string]any {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	body := decodeResponse(t, rr)
	if body["code"] != code {
		t.Fatalf("expected code %s, got %v", code, body["code"])
	}
	return body
}

func TestDisputeRoutesRequireOrgHeader(t *testing.T) {
	svc, _ := newTestService()
	rr := doRequest(t, svc, http.MethodGet, "/api/disputes/dsp_1/packet", nil, map[string]string{orgHeader: ""})
	expectError(t, rr, http.StatusUnauthorized, "MISSING_ORG")
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	svc, _ := newTestService()
	rr := doRequest(t, svc, http.MethodGet, "/api/nowhere", nil, nil)
	expectError(t, rr, http.StatusNotFound, "NOT_FOUND")
}

func TestPacketEndpoint(t *testing.T) {
	svc, deps := newTestService()
	var gotScope packet.Scope
	deps.composer.composeFn = func(_ context.Context, scope packet.Scope, disputeID string) (packet.Packet, error) {
		gotScope = scope
		if disputeID != "dsp_1" {
			return packet.Packet{}, packet.ErrDisputeNotFound
		}
		return packet.Packet{DisputeID: disputeID, OrgID: scope.OrgID, Readiness: 80}, nil
	}

	rr := doRequest(t, svc, http.MethodGet, "/api/disputes/dsp_1/packet", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotScope.OrgID != "org_1" {
		t.Errorf("expected scope org_1, got %q", gotScope.OrgID)
	}
	if body := decodeResponse(t, rr); body["readiness"] != float64(80) {
		t.Errorf("expected readiness 80, got %v", body["readiness"])
	}

	rr = doRequest(t, svc, http.MethodGet, "/api/disputes/other/packet", nil, nil)
	expectError(t, rr, http.StatusNotFound, "DISPUTE_NOT_FOUND")
}

func TestValidationEndpoint(t *testing.T) {
	svc, deps := newTestService()
	deps.composer.composeFn = func(_ context.Context, _ packet.Scope, disputeID string) (packet.Packet, error) {
		return packet.Packet{
			DisputeID: disputeID,
			Readiness: 55,
			Gaps: []readiness.Gap{
				{Code: "missing_receipt", Severity: readiness.SeverityError, Message: "Receipt is required", Target: "receipt"},
				{Code: readiness.CodeNoCustomerCommunication, Severity: readiness.SeverityWarn, Message: "No communication"},
			},
			Guidance: []string{"Submit before the due date."},
		}, nil
	}

	rr := doRequest(t, svc, http.MethodGet, "/api/disputes/dsp_1/validation", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var view ValidationView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Ready {
		t.Error("expected ready=false with an error-severity gap")
	}
	if view.Readiness != 55 || len(view.Gaps) != 2 || len(view.Guidance) != 1 {
		t.Errorf("unexpected view: %+v", view)
	}
}

func TestSubmitEndpoint(t *testing.T) {
	t.Run("submitted", func(t *testing.T) {
		svc, deps := newTestService()
		rr := doRequest(t, svc, http.MethodPost, "/api/disputes/dsp_1/submissions", []byte(`{"method":"api"}`), nil)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
		}
		body := decodeResponse(t, rr)
		if body["submissionId"] != "sub_1" || body["status"] != "submitted" {
			t.Errorf("unexpected body: %v", body)
		}
		if deps.orchestrator.calls != 1 {
			t.Errorf("expected one orchestrator call, got %d", deps.orchestrator.calls)
		}
	})

	t.Run("empty body defaults to api", func(t *testing.T) {
		svc, deps := newTestService()
		var method store.SubmissionMethod
		deps.orchestrator.runFn = func(_ context.Context, req submission.Request) (submission.Result, error) {
			method = req.Method
			return submission.Result{Submission: store.Submission{ID: "sub_1", Status: store.SubmissionSubmitted}}, nil
		}
		rr := doRequest(t, svc, http.MethodPost, "/api/disputes/dsp_1/submissions", nil, nil)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
		}
		if method != store.MethodAPI {
			t.Errorf("expected api method, got %q", method)
		}
	})

	t.Run("reused", func(t *testing.T) {
		svc, deps := newTestService()
		deps.orchestrator.runFn = func(_ context.Context, req submission.Request) (submission.Result, error) {
			return submission.Result{Submission: store.Submission{ID: "sub_old", Status: store.SubmissionSubmitted}, Reused: true}, nil
		}
		rr := doRequest(t, svc, http.MethodPost, "/api/disputes/dsp_1/submissions", []byte(`{}`), nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if body := decodeResponse(t, rr); body["submissionId"] != "sub_old" || body["reused"] != true {
			t.Errorf("unexpected body: %v", body)
		}
	})

	t.Run("blocking gaps", func(t *testing.T) {
		svc, deps := newTestService()
		deps.orchestrator.runFn = func(context.Context, submission.Request) (submission.Result, error) {
			return submission.Result{}, &submission.ValidationError{Gaps: []readiness.Gap{{Code: "missing_receipt", Severity: readiness.SeverityError}}}
		}
		rr := doRequest(t, svc, http.MethodPost, "/api/disputes/dsp_1/submissions", []byte(`{"method":"api"}`), nil)
		body := expectError(t, rr, http.StatusUnprocessableEntity, "VALIDATION_FAILED")
		details, ok := body["details"].([]any)
		if !ok || len(details) != 1 {
			t.Fatalf("expected one gap in details, got %v", body["details"])
		}
	})

	t.Run("in flight", func(t *testing.T) {
		svc, deps := newTestService()
		deps.orchestrator.runFn = func(context.Context, submission.Request) (submission.Result, error) {
			return submission.Result{}, fmt.Errorf("create submission: %w", store.ErrSubmissionInFlight)
		}
		rr := doRequest(t, svc, http.MethodPost, "/api/disputes/dsp_1/submissions", []byte(`{"method":"api"}`), nil)
		expectError(t, rr, http.StatusConflict, "SUBMISSION_IN_FLIGHT")
	})

	t.Run("retryable failure is queued", func(t *testing.T) {
		svc, deps := newTestService()
		deps.orchestrator.runFn = func(context.Context, submission.Request) (submission.Result, error) {
			return submission.Result{}, &submission.RetryableError{Code: "provider_unavailable", Message: "503 from provider"}
		}
		var cause error
		deps.scheduler.retryFn = func(_ context.Context, _ packet.Scope, disputeID string, method store.SubmissionMethod, err error) (store.SubmissionJob, error) {
			cause = err
			return store.SubmissionJob{ID: "job_retry", DisputeID: disputeID, Method: method, Status: store.JobScheduled, NextRunAt: testNow.Add(30 * time.Second)}, nil
		}
		rr := doRequest(t, svc, http.MethodPost, "/api/disputes/dsp_1/submissions", []byte(`{"method":"api"}`), nil)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
		}
		body := decodeResponse(t, rr)
		if body["jobId"] != "job_retry" || body["status"] != "retrying" || body["errorCode"] != "provider_unavailable" {
			t.Errorf("unexpected body: %v", body)
		}
		var retryable *submission.RetryableError
		if !errors.As(cause, &retryable) {
			t.Errorf("expected the retryable error to reach the scheduler, got %v", cause)
		}
	})

	t.Run("future schedule skips the orchestrator", func(t *testing.T) {
		svc, deps := newTestService()
		runAt := testNow.Add(2 * time.Hour).Format(time.RFC3339)
		rr := doRequest(t, svc, http.MethodPost, "/api/disputes/dsp_1/submissions", []byte(`{"method":"manual","scheduledAt":"`+runAt+`"}`), nil)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
		}
		body := decodeResponse(t, rr)
		if body["jobId"] != "job_1" || body["status"] != "scheduled" || body["runAt"] != runAt {
			t.Errorf("unexpected body: %v", body)
		}
		if deps.orchestrator.calls != 0 {
			t.Errorf("expected no orchestrator call, got %d", deps.orchestrator.calls)
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		svc, _ := newTestService()
		rr := doRequest(t, svc, http.MethodPost, "/api/disputes/dsp_1/submissions", []byte(`{"method":"fax"}`), nil)
		expectError(t, rr, http.StatusUnprocessableEntity, "INVALID_METHOD")
	})

	t.Run("invalid body", func(t *testing.T) {
		svc, _ := newTestService()
		rr := doRequest(t, svc, http.MethodPost, "/api/disputes/dsp_1/submissions", []byte(`{"method":`), nil)
		expectError(t, rr, http.StatusBadRequest, "INVALID_BODY")
	})

	t.Run("unknown dispute", func(t *testing.T) {
		svc, deps := newTestService()
		rr := doRequest(t, svc, http.MethodPost, "/api/disputes/missing/submissions", []byte(`{}`), nil)
		expectError(t, rr, http.StatusNotFound, "DISPUTE_NOT_FOUND")
		if deps.orchestrator.calls != 0 {
			t.Errorf("expected no orchestrator call, got %d", deps.orchestrator.calls)
		}
	})
}

func TestListSubmissionsEndpoint(t *testing.T) {
	svc, deps := newTestService()
	deps.store.listSubmissionsFn = func(_ context.Context, disputeID string) ([]store.Submission, error) {
		return []store.Submission{
			{ID: "sub_2", DisputeID: disputeID, Method: store.MethodAPI, Status: store.SubmissionSubmitted, ExternalRef: "file_1"},
			{ID: "sub_1", DisputeID: disputeID, Method: store.MethodAPI, Status: store.SubmissionFailed, ErrorCode: "superseded"},
		}, nil
	}
	deps.store.pendingJobFn = func(context.Context, string) (*store.SubmissionJob, error) {
		return &store.SubmissionJob{ID: "job_1", Method: store.MethodAPI, Status: store.JobScheduled, Attempts: 2, NextRunAt: testNow}, nil
	}

	rr := doRequest(t, svc, http.MethodGet, "/api/disputes/dsp_1/submissions", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var list SubmissionList
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Submissions) != 2 || list.Submissions[0].ExternalRef != "file_1" || list.Submissions[1].ErrorCode != "superseded" {
		t.Errorf("unexpected submissions: %+v", list.Submissions)
	}
	if list.PendingJob == nil || list.PendingJob.ID != "job_1" || list.PendingJob.Attempts != 2 {
		t.Errorf("unexpected pending job: %+v", list.PendingJob)
	}
}

func TestPutOverrideEndpoint(t *testing.T) {
	svc, deps := newTestService()
	var saved store.Override
	deps.store.putOverrideFn = func(_ context.Context, item store.Override) (store.Override, error) {
		saved = item
		item.UpdatedAt = testNow
		return item, nil
	}

	rr := doRequest(t, svc, http.MethodPut, "/api/disputes/dsp_1/overrides/Order%20Details", []byte(`{"content":"Shipped with signature.","locked":true,"updatedBy":"agent@example.com"}`), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if saved.Title != "Order Details" || saved.DisputeID != "dsp_1" || !saved.Locked {
		t.Errorf("unexpected override: %+v", saved)
	}

	rr = doRequest(t, svc, http.MethodPut, "/api/disputes/dsp_1/overrides/Made%20Up", []byte(`{"content":"x"}`), nil)
	expectError(t, rr, http.StatusNotFound, "SECTION_NOT_FOUND")

	rr = doRequest(t, svc, http.MethodPut, "/api/disputes/dsp_1/overrides/Order%20Details", []byte(`{"content":"   "}`), nil)
	expectError(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestRegenerateEndpoint(t *testing.T) {
	svc, deps := newTestService()
	deps.composer.regenerateFn = func(_ context.Context, _ packet.Scope, _ string, title string) (evidence.Section, error) {
		switch title {
		case "Order Details":
			return evidence.Section{Title: title, Content: "Order #1001"}, nil
		case "Customer Verification":
			return evidence.Section{}, packet.ErrSectionLocked
		}
		return evidence.Section{}, packet.ErrSectionNotFound
	}

	rr := doRequest(t, svc, http.MethodPost, "/api/disputes/dsp_1/sections/Order%20Details/regenerate", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if body := decodeResponse(t, rr); body["content"] != "Order #1001" {
		t.Errorf("unexpected section: %v", body)
	}

	rr = doRequest(t, svc, http.MethodPost, "/api/disputes/dsp_1/sections/Customer%20Verification/regenerate", nil, nil)
	expectError(t, rr, http.StatusConflict, "SECTION_LOCKED")

	rr = doRequest(t, svc, http.MethodPost, "/api/disputes/dsp_1/sections/Nope/regenerate", nil, nil)
	expectError(t, rr, http.StatusNotFound, "SECTION_NOT_FOUND")
}

func TestPutAttachmentEndpoint(t *testing.T) {
	svc, deps := newTestService()

	rr := doRequest(t, svc, http.MethodPut, "/api/disputes/dsp_1/attachments/receipt", []byte("%PDF-1.4 receipt"), map[string]string{"Content-Type": "application/pdf"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	want := evidence.AttachmentPath("org_1", "dsp_1", "receipt")
	if len(deps.blobs.paths) != 1 || deps.blobs.paths[0] != want {
		t.Fatalf("expected put at %s, got %v", want, deps.blobs.paths)
	}
	if body := decodeResponse(t, rr); body["present"] != true || body["path"] != want {
		t.Errorf("unexpected attachment: %v", body)
	}

	rr = doRequest(t, svc, http.MethodPut, "/api/disputes/dsp_1/attachments/selfie", []byte("data"), nil)
	expectError(t, rr, http.StatusUnprocessableEntity, "UNKNOWN_ATTACHMENT")

	rr = doRequest(t, svc, http.MethodPut, "/api/disputes/dsp_1/attachments/receipt", []byte{}, nil)
	expectError(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	rr = doRequest(t, svc, http.MethodPut, "/api/disputes/dsp_1/attachments/receipt", bytes.Repeat([]byte("a"), maxAttachmentBytes+1), nil)
	expectError(t, rr, http.StatusRequestEntityTooLarge, "ATTACHMENT_TOO_LARGE")
}

func TestCancelJobEndpoint(t *testing.T) {
	svc, deps := newTestService()
	deps.scheduler.cancelFn = func(_ context.Context, scope packet.Scope, jobID string) error {
		if scope.OrgID != "org_1" {
			t.Errorf("expected scope org_1, got %q", scope.OrgID)
		}
		switch jobID {
		case "job_1":
			return nil
		case "job_running":
			return scheduler.ErrJobNotCancellable
		}
		return store.ErrNotFound
	}

	rr := doRequest(t, svc, http.MethodDelete, "/api/jobs/job_1", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := decodeResponse(t, rr); body["status"] != "cancelled" {
		t.Errorf("unexpected body: %v", body)
	}

	rr = doRequest(t, svc, http.MethodDelete, "/api/jobs/job_running", nil, nil)
	expectError(t, rr, http.StatusConflict, "JOB_STARTED")

	rr = doRequest(t, svc, http.MethodDelete, "/api/jobs/job_missing", nil, nil)
	expectError(t, rr, http.StatusNotFound, "JOB_NOT_FOUND")
}

func TestWebhookEndpoint(t *testing.T) {
	svc, deps := newTestService()
	var got webhook.Delivery
	deps.webhooks.handleFn = func(_ context.Context, d webhook.Delivery) (webhook.Ack, error) {
		got = d
		switch string(d.Payload) {
		case "bad-signature":
			return webhook.Ack{}, fmt.Errorf("verify: %w", webhook.ErrInvalidSignature)
		case "garbage":
			return webhook.Ack{}, fmt.Errorf("parse: %w", webhook.ErrMalformedPayload)
		}
		return webhook.Ack{EventID: "evt_1", DisputeID: "dsp_1", Status: "won"}, nil
	}

	// Providers do not send the org header on webhooks.
	rr := doRequest(t, svc, http.MethodPost, "/api/webhooks/stripe/org_9", []byte(`{"id":"evt_1"}`), map[string]string{orgHeader: "", "Stripe-Signature": "t=1,v1=abc"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.Provider != "stripe" || got.OrgID != "org_9" || got.Header.Get("Stripe-Signature") != "t=1,v1=abc" {
		t.Errorf("unexpected delivery: %+v", got)
	}
	if body := decodeResponse(t, rr); body["eventId"] != "evt_1" || body["status"] != "won" {
		t.Errorf("unexpected ack: %v", body)
	}

	rr = doRequest(t, svc, http.MethodPost, "/api/webhooks/stripe/org_9", []byte("bad-signature"), nil)
	expectError(t, rr, http.StatusUnauthorized, "INVALID_SIGNATURE")

	rr = doRequest(t, svc, http.MethodPost, "/api/webhooks/stripe/org_9", []byte("garbage"), nil)
	expectError(t, rr, http.StatusBadRequest, "MALFORMED_PAYLOAD")

	deps.webhooks.handleFn = func(context.Context, webhook.Delivery) (webhook.Ack, error) {
		return webhook.Ack{}, fmt.Errorf("%w: paypal", provider.ErrUnknownProvider)
	}
	rr = doRequest(t, svc, http.MethodPost, "/api/webhooks/paypal/org_9", []byte("{}"), nil)
	expectError(t, rr, http.StatusNotFound, "UNKNOWN_PROVIDER")
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	svc, deps := newTestService()
	called := false
	deps.webhooks.handleFn = func(context.Context, webhook.Delivery) (webhook.Ack, error) {
		called = true
		return webhook.Ack{}, nil
	}

	body := bytes.Repeat([]byte("a"), maxWebhookBytes+1)
	rr := doRequest(t, svc, http.MethodPost, "/api/webhooks/stripe/org_9", body, map[string]string{orgHeader: ""})
	expectError(t, rr, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE")
	if called {
		t.Fatal("expected oversized webhook not to reach the handler")
	}

	rr = doRequest(t, svc, http.MethodPost, "/api/webhooks/stripe/org_9", body[:maxWebhookBytes], map[string]string{orgHeader: ""})
	if rr.Code != http.StatusOK || !called {
		t.Fatalf("expected body at the limit to be accepted, got %d", rr.Code)
	}
}

func TestArchiveSearchEndpoint(t *testing.T) {
	svc, deps := newTestService()
	var got archive.Query
	deps.archive.searchFn = func(_ context.Context, q archive.Query) (archive.Response, error) {
		got = q
		return archive.Response{Results: []archive.Result{}, Total: 0, Query: q.Text, Source: "database"}, nil
	}

	rr := doRequest(t, svc, http.MethodGet, "/api/archive/search?q=ORD-1001&status=submitted&limit=5&offset=10", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.OrgID != "org_1" || got.Text != "ORD-1001" || got.Status != "submitted" || got.Limit != 5 || got.Offset != 10 {
		t.Errorf("unexpected query: %+v", got)
	}
	if body := decodeResponse(t, rr); body["source"] != "database" {
		t.Errorf("unexpected response: %v", body)
	}
}

func TestArchiveSearchUnavailable(t *testing.T) {
	svc := NewService(Deps{Store: &fakeStore{}})
	rr := doRequest(t, svc, http.MethodGet, "/api/archive/search?q=x", nil, nil)
	expectError(t, rr, http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE")
}

func TestServerErrorsLogTheCause(t *testing.T) {
	svc, deps := newTestService()
	deps.composer.composeFn = func(context.Context, packet.Scope, string) (packet.Packet, error) {
		return packet.Packet{}, errors.New("connection reset by peer")
	}
	var logs bytes.Buffer
	req := httptest.NewRequest(http.MethodGet, "/api/disputes/dsp_1/packet", nil)
	req.Header.Set(orgHeader, "org_1")
	rr := httptest.NewRecorder()
	NewHTTPServer(svc, "*", logging.New(&logs, "debug", "json")).Handler().ServeHTTP(rr, req)

	expectError(t, rr, http.StatusInternalServerError, "SERVER_ERROR")
	if !strings.Contains(logs.String(), "connection reset by peer") {
		t.Fatalf("expected cause in logs, got %s", logs.String())
	}
}

func TestServerErrorsAreOpaque(t *testing.T) {
	svc, deps := newTestService()
	deps.composer.composeFn = func(context.Context, packet.Scope, string) (packet.Packet, error) {
		return packet.Packet{}, errors.New("pq: relation \"disputes\" does not exist")
	}
	rr := doRequest(t, svc, http.MethodGet, "/api/disputes/dsp_1/packet", nil, nil)
	body := expectError(t, rr, http.StatusInternalServerError, "SERVER_ERROR")
	if strings.Contains(fmt.Sprint(body["error"]), "relation") {
		t.Errorf("expected internal error to be hidden, got %v", body["error"])
	}
}
