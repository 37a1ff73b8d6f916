package submission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebuttal/api/internal/blob"
	"rebuttal/api/internal/events"
	"rebuttal/api/internal/evidence"
	"rebuttal/api/internal/ledger"
	"rebuttal/api/internal/logging"
	"rebuttal/api/internal/packet"
	"rebuttal/api/internal/provider"
	"rebuttal/api/internal/readiness"
	"rebuttal/api/internal/render"
	"rebuttal/api/internal/store"
)

type memStore struct {
	mu       sync.Mutex
	now      func() time.Time
	disputes map[string]store.Dispute
	subs     []store.Submission
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{now: now, disputes: map[string]store.Dispute{
		"dsp_1": {ID: "dsp_1", OrgID: "org_1", Provider: "fakepsp", ProviderDisputeID: "dp_1", Status: store.DisputeNew},
	}}
}

func (m *memStore) GetDispute(_ context.Context, orgID, id string) (store.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok || d.OrgID != orgID {
		return store.Dispute{}, store.ErrNotFound
	}
	return d, nil
}

func (m *memStore) CreateSubmission(_ context.Context, item store.Submission) (store.Submission, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.DisputeID == item.DisputeID && s.ContentHash == item.ContentHash &&
			s.Method == item.Method && s.Status != store.SubmissionFailed {
			return s, false, nil
		}
	}
	for _, s := range m.subs {
		if s.DisputeID == item.DisputeID && s.Status == store.SubmissionProcessing {
			return store.Submission{}, false, store.ErrSubmissionInFlight
		}
	}
	item.ID = fmt.Sprintf("sub_%d", len(m.subs)+1)
	item.Status = store.SubmissionProcessing
	item.CreatedAt = m.now()
	m.subs = append(m.subs, item)
	return item, true, nil
}

func (m *memStore) find(id string) *store.Submission {
	for i := range m.subs {
		if m.subs[i].ID == id {
			return &m.subs[i]
		}
	}
	return nil
}

func (m *memStore) GetSubmission(_ context.Context, id string) (store.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.find(id); s != nil {
		return *s, nil
	}
	return store.Submission{}, store.ErrNotFound
}

func (m *memStore) GetInFlightSubmission(_ context.Context, disputeID string) (*store.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.DisputeID == disputeID && s.Status == store.SubmissionProcessing {
			out := s
			return &out, nil
		}
	}
	return nil, nil
}

func (m *memStore) SubmissionDocumentForHash(_ context.Context, disputeID, hash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.subs) - 1; i >= 0; i-- {
		s := m.subs[i]
		if s.DisputeID == disputeID && s.ContentHash == hash && s.DocumentPath != "" {
			return s.DocumentPath, nil
		}
	}
	return "", nil
}

func (m *memStore) SetSubmissionDocument(_ context.Context, id, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.find(id); s != nil && s.Status == store.SubmissionProcessing && s.DocumentPath == "" {
		s.DocumentPath = path
	}
	return nil
}

func (m *memStore) finish(id string, status store.SubmissionStatus, ref, code, msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.find(id)
	if s == nil || s.Status != store.SubmissionProcessing {
		return false
	}
	s.Status = status
	if s.ExternalRef == "" {
		s.ExternalRef = ref
	}
	s.ErrorCode, s.ErrorMessage = code, msg
	return true
}

func (m *memStore) MarkSubmissionSubmitted(_ context.Context, id, ref string) (bool, error) {
	return m.finish(id, store.SubmissionSubmitted, ref, "", ""), nil
}

func (m *memStore) MarkSubmissionGenerated(_ context.Context, id, code, msg string) (bool, error) {
	return m.finish(id, store.SubmissionGenerated, "", code, msg), nil
}

func (m *memStore) MarkSubmissionFailed(_ context.Context, id, code, msg string) (bool, error) {
	return m.finish(id, store.SubmissionFailed, "", code, msg), nil
}

var statusRank = map[store.DisputeStatus]int{store.DisputeNew: 0, store.DisputeDraft: 1, store.DisputeSubmitted: 2}

func (m *memStore) UpdateDisputeStatus(_ context.Context, id string, status store.DisputeStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.disputes[id]
	if d.Status.Terminal() || statusRank[status] <= statusRank[d.Status] {
		return false, nil
	}
	d.Status = status
	m.disputes[id] = d
	return true, nil
}

type fakeComposer struct {
	pkt packet.Packet
	err error
}

func (f *fakeComposer) Compose(context.Context, packet.Scope, string) (packet.Packet, error) {
	return f.pkt, f.err
}

type fakeAdapter struct {
	mu     sync.Mutex
	calls  []provider.Evidence
	submit func(provider.Evidence) (string, error)
}

func (f *fakeAdapter) Name() string { return "fakepsp" }

func (f *fakeAdapter) SubmitEvidence(_ context.Context, ev provider.Evidence) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ev)
	f.mu.Unlock()
	return f.submit(ev)
}

func (f *fakeAdapter) MapError(err error) *provider.Error {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe
	}
	return &provider.Error{Code: "provider_error", Message: err.Error(), Retryable: true}
}

func (f *fakeAdapter) VerifyWebhook([]byte, http.Header, time.Time) error { return nil }

func (f *fakeAdapter) ParseWebhook([]byte) (provider.Event, error) { return provider.Event{}, nil }

func (f *fakeAdapter) IdempotencyWindow() time.Duration { return 24 * time.Hour }

type memKeys map[string]bool

func (m memKeys) InsertIdempotencyKey(_ context.Context, p, k string) error {
	if m[p+"/"+k] {
		return store.ErrDuplicate
	}
	m[p+"/"+k] = true
	return nil
}

func (m memKeys) DeleteIdempotencyKey(_ context.Context, p, k string) error {
	delete(m, p+"/"+k)
	return nil
}

type fixture struct {
	now      time.Time
	store    *memStore
	composer *fakeComposer
	adapter  *fakeAdapter
	keys     memKeys
	blobs    *blob.Memory
	recorder *events.Recorder
	renders  int
	pdfErr   error
	orch     *Orchestrator
}

func samplePacket(content string) packet.Packet {
	return packet.Packet{
		DisputeID:      "dsp_1",
		OrgID:          "org_1",
		Classification: "product_not_received",
		Amount:         decimal.RequireFromString("49.99"),
		Currency:       "USD",
		Metadata:       packet.Metadata{Provider: "fakepsp", ProviderDisputeID: "dp_1", OrderNumber: "1001"},
		Sections: []evidence.Section{{
			Type:    evidence.SectionOrderDetails,
			Title:   "Order Details",
			Content: content,
			Facts:   []evidence.Fact{{Key: evidence.FactCustomerEmail, Value: "jane@example.com"}},
		}},
		Readiness: 100,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:      time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC),
		composer: &fakeComposer{pkt: samplePacket("Order 1001")},
		adapter:  &fakeAdapter{submit: func(provider.Evidence) (string, error) { return "file_123", nil }},
		keys:     memKeys{},
		blobs:    blob.NewMemory(),
		recorder: &events.Recorder{},
	}
	clock := func() time.Time { return f.now }
	f.store = newMemStore(clock)
	pdf := func(context.Context, string) ([]byte, error) {
		f.renders++
		if f.pdfErr != nil {
			return nil, f.pdfErr
		}
		return []byte("%PDF-1.4"), nil
	}
	renderer := render.NewRenderer(f.blobs, pdf, time.Second, logging.Discard())
	f.orch = NewOrchestrator(f.composer, f.store, renderer, f.blobs, provider.NewRegistry(f.adapter),
		ledger.NewPostgres(f.keys), f.recorder, Options{Logger: logging.Discard(), Now: clock})
	return f
}

var apiRequest = Request{Scope: packet.Scope{OrgID: "org_1"}, DisputeID: "dsp_1", Method: store.MethodAPI}

func TestRunSubmitsThroughProvider(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Run(context.Background(), apiRequest)
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, store.SubmissionSubmitted, res.Submission.Status)
	assert.Equal(t, "file_123", res.Submission.ExternalRef)
	assert.Equal(t, render.DocumentPath("org_1", "dsp_1", res.Submission.ID), res.Submission.DocumentPath)
	assert.Equal(t, store.DisputeSubmitted, f.store.disputes["dsp_1"].Status)

	require.Len(t, f.adapter.calls, 1)
	call := f.adapter.calls[0]
	assert.Equal(t, "dp_1", call.ProviderDisputeID)
	assert.Equal(t, "jane@example.com", call.Facts[evidence.FactCustomerEmail])
	assert.Equal(t, []byte("%PDF-1.4"), call.Document)
	assert.Equal(t, IdempotencyKey("dp_1", res.Submission.ID, res.Submission.ContentHash), call.IdempotencyKey)
	assert.True(t, f.keys["fakepsp/"+call.IdempotencyKey])

	assert.Contains(t, f.recorder.Topics(), events.TopicArchiveRecord)
	assert.Contains(t, f.recorder.Topics(), events.TopicDisputeStatus)
}

func TestRunIsIdempotentForSameContent(t *testing.T) {
	f := newFixture(t)
	first, err := f.orch.Run(context.Background(), apiRequest)
	require.NoError(t, err)

	second, err := f.orch.Run(context.Background(), apiRequest)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Submission.ID, second.Submission.ID)
	assert.Len(t, f.adapter.calls, 1)
	assert.Equal(t, 1, f.renders)
	assert.Len(t, f.store.subs, 1)
}

func TestRunBlocksOnErrorGaps(t *testing.T) {
	f := newFixture(t)
	f.composer.pkt.Gaps = []readiness.Gap{
		{Code: "missing_delivery_confirmation", Severity: readiness.SeverityError},
		{Code: "partial_refund", Severity: readiness.SeverityWarn},
	}

	_, err := f.orch.Run(context.Background(), apiRequest)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Gaps, 1)
	assert.Equal(t, "missing_delivery_confirmation", verr.Gaps[0].Code)
	assert.Empty(t, f.store.subs)
}

func TestRunPropagatesMissingDispute(t *testing.T) {
	f := newFixture(t)
	f.composer.err = packet.ErrDisputeNotFound
	_, err := f.orch.Run(context.Background(), apiRequest)
	assert.ErrorIs(t, err, packet.ErrDisputeNotFound)
}

func TestRunRetryableFailureReleasesKeyAndResumes(t *testing.T) {
	f := newFixture(t)
	f.adapter.submit = func(provider.Evidence) (string, error) {
		return "", &provider.Error{Code: "provider_unavailable", Message: "503", Retryable: true}
	}

	_, err := f.orch.Run(context.Background(), apiRequest)
	var rerr *RetryableError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "provider_unavailable", rerr.Code)
	assert.Empty(t, f.keys, "reservation must be released for the retry")
	require.Len(t, f.store.subs, 1)
	assert.Equal(t, store.SubmissionProcessing, f.store.subs[0].Status)
	assert.NotEmpty(t, f.store.subs[0].DocumentPath)

	f.adapter.submit = func(provider.Evidence) (string, error) { return "file_ok", nil }
	resume := apiRequest
	resume.Resume = true
	res, err := f.orch.Run(context.Background(), resume)
	require.NoError(t, err)
	assert.Equal(t, store.SubmissionSubmitted, res.Submission.Status)
	assert.Equal(t, 1, f.renders, "document is rendered once per submission")
	assert.Equal(t, f.adapter.calls[0].IdempotencyKey, f.adapter.calls[1].IdempotencyKey)
}

func TestRunTerminalRejectionLeavesGenerated(t *testing.T) {
	f := newFixture(t)
	f.adapter.submit = func(provider.Evidence) (string, error) {
		return "", &provider.Error{Code: "evidence_rejected", Message: "dispute already closed", Status: 400}
	}

	res, err := f.orch.Run(context.Background(), apiRequest)
	require.NoError(t, err)
	assert.True(t, res.Rejected())
	assert.Equal(t, store.SubmissionGenerated, res.Submission.Status)
	assert.Equal(t, "evidence_rejected", res.Submission.ErrorCode)
	assert.Equal(t, store.DisputeDraft, f.store.disputes["dsp_1"].Status)
}

func TestRunManualGeneratesDocumentOnly(t *testing.T) {
	f := newFixture(t)
	req := apiRequest
	req.Method = store.MethodManual

	res, err := f.orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, store.SubmissionGenerated, res.Submission.Status)
	assert.False(t, res.Rejected())
	assert.Empty(t, f.adapter.calls)
	ok, _ := f.blobs.Exists(context.Background(), res.Submission.DocumentPath)
	assert.True(t, ok)
}

func TestRunChangedContentWhileInFlight(t *testing.T) {
	f := newFixture(t)
	f.pdfErr = errors.New("chrome crashed")
	_, err := f.orch.Run(context.Background(), apiRequest)
	var rerr *RetryableError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, CodeRenderFailed, rerr.Code)

	f.pdfErr = nil
	f.composer.pkt = samplePacket("Order 1001, corrected")
	_, err = f.orch.Run(context.Background(), apiRequest)
	assert.ErrorIs(t, err, store.ErrSubmissionInFlight)

	resume := apiRequest
	resume.Resume = true
	res, err := f.orch.Run(context.Background(), resume)
	require.NoError(t, err)
	assert.Equal(t, store.SubmissionSubmitted, res.Submission.Status)
	require.Len(t, f.store.subs, 2)
	assert.Equal(t, store.SubmissionFailed, f.store.subs[0].Status)
	assert.Equal(t, CodeSuperseded, f.store.subs[0].ErrorCode)
}

func TestRunStartsFreshAfterAbandonedRender(t *testing.T) {
	f := newFixture(t)
	f.pdfErr = errors.New("chrome crashed")
	_, err := f.orch.Run(context.Background(), apiRequest)
	var rerr *RetryableError
	require.ErrorAs(t, err, &rerr)

	abandoned, err := f.orch.Abandon(context.Background(), apiRequest.Scope, "dsp_1", "max attempts reached")
	require.NoError(t, err)
	require.NotNil(t, abandoned)
	require.Equal(t, store.SubmissionFailed, abandoned.Status)

	f.pdfErr = nil
	res, err := f.orch.Run(context.Background(), apiRequest)
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.NotEqual(t, abandoned.ID, res.Submission.ID)
	assert.Equal(t, store.SubmissionSubmitted, res.Submission.Status)
	assert.NotEmpty(t, res.Submission.DocumentPath)
	assert.Len(t, f.adapter.calls, 1)
	require.Len(t, f.store.subs, 2)
	assert.Equal(t, store.SubmissionFailed, f.store.subs[0].Status)
}

func TestRunAPIAfterManualReusesDocument(t *testing.T) {
	f := newFixture(t)
	manual := apiRequest
	manual.Method = store.MethodManual
	generated, err := f.orch.Run(context.Background(), manual)
	require.NoError(t, err)
	require.Equal(t, store.SubmissionGenerated, generated.Submission.Status)

	res, err := f.orch.Run(context.Background(), apiRequest)
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, store.MethodAPI, res.Submission.Method)
	assert.Equal(t, store.SubmissionSubmitted, res.Submission.Status)
	assert.Equal(t, "file_123", res.Submission.ExternalRef)
	assert.Equal(t, generated.Submission.DocumentPath, res.Submission.DocumentPath)
	assert.Equal(t, 1, f.renders)
	require.Len(t, f.adapter.calls, 1)
	assert.Equal(t, []byte("%PDF-1.4"), f.adapter.calls[0].Document)

	again, err := f.orch.Run(context.Background(), manual)
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, generated.Submission.ID, again.Submission.ID)
}

func TestRunRefusesRetryPastIdempotencyWindow(t *testing.T) {
	f := newFixture(t)
	f.adapter.submit = func(provider.Evidence) (string, error) {
		return "", &provider.Error{Code: "timeout", Retryable: true}
	}
	_, err := f.orch.Run(context.Background(), apiRequest)
	require.Error(t, err)

	f.now = f.now.Add(25 * time.Hour)
	resume := apiRequest
	resume.Resume = true
	res, err := f.orch.Run(context.Background(), resume)
	require.NoError(t, err)
	assert.True(t, res.Rejected())
	assert.Equal(t, CodeWindowElapsed, res.Submission.ErrorCode)
	assert.Len(t, f.adapter.calls, 1)
}

func TestRunDuplicateReservationIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.adapter.submit = func(provider.Evidence) (string, error) {
		return "", &provider.Error{Code: "timeout", Retryable: true}
	}
	_, err := f.orch.Run(context.Background(), apiRequest)
	require.Error(t, err)

	sub := f.store.subs[0]
	f.keys["fakepsp/"+IdempotencyKey("dp_1", sub.ID, sub.ContentHash)] = true
	resume := apiRequest
	resume.Resume = true
	_, err = f.orch.Run(context.Background(), resume)
	var rerr *RetryableError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, CodeAttemptInFlight, rerr.Code)
	assert.Len(t, f.adapter.calls, 1)
}

func TestAbandon(t *testing.T) {
	t.Run("with document", func(t *testing.T) {
		f := newFixture(t)
		f.adapter.submit = func(provider.Evidence) (string, error) {
			return "", &provider.Error{Code: "rate_limited", Retryable: true}
		}
		_, _ = f.orch.Run(context.Background(), apiRequest)

		sub, err := f.orch.Abandon(context.Background(), apiRequest.Scope, "dsp_1", "max attempts reached")
		require.NoError(t, err)
		require.NotNil(t, sub)
		assert.Equal(t, store.SubmissionGenerated, sub.Status)
		assert.Equal(t, CodeRetriesExhausted, sub.ErrorCode)
	})

	t.Run("without document", func(t *testing.T) {
		f := newFixture(t)
		f.pdfErr = errors.New("no chrome")
		_, _ = f.orch.Run(context.Background(), apiRequest)

		sub, err := f.orch.Abandon(context.Background(), apiRequest.Scope, "dsp_1", "max attempts reached")
		require.NoError(t, err)
		require.NotNil(t, sub)
		assert.Equal(t, store.SubmissionFailed, sub.Status)
	})

	t.Run("nothing in flight", func(t *testing.T) {
		f := newFixture(t)
		sub, err := f.orch.Abandon(context.Background(), apiRequest.Scope, "dsp_1", "max attempts reached")
		require.NoError(t, err)
		assert.Nil(t, sub)
	})
}

func TestIdempotencyKeyIsStable(t *testing.T) {
	a := IdempotencyKey("dp_1", "sub_1", "hash")
	assert.Equal(t, a, IdempotencyKey("dp_1", "sub_1", "hash"))
	assert.NotEqual(t, a, IdempotencyKey("dp_1", "sub_2", "hash"))
	assert.Len(t, a, len("rbt_")+40)
}
