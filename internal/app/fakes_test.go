package app

import (
	"context"
	"time"

	"rebuttal/api/internal/archive"
	"rebuttal/api/internal/evidence"
	"rebuttal/api/internal/packet"
	"rebuttal/api/internal/store"
	"rebuttal/api/internal/submission"
	"rebuttal/api/internal/webhook"
)

type fakeStore struct {
	pingFn            func(context.Context) error
	getDisputeFn      func(context.Context, string, string) (store.Dispute, error)
	listSubmissionsFn func(context.Context, string) ([]store.Submission, error)
	pendingJobFn      func(context.Context, string) (*store.SubmissionJob, error)
	putOverrideFn     func(context.Context, store.Override) (store.Override, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetDispute(ctx context.Context, orgID, id string) (store.Dispute, error) {
	if f.getDisputeFn != nil {
		return f.getDisputeFn(ctx, orgID, id)
	}
	if orgID != "org_1" || id != "dsp_1" {
		return store.Dispute{}, store.ErrNotFound
	}
	return store.Dispute{ID: "dsp_1", OrgID: "org_1", Provider: "stripe", ProviderDisputeID: "dp_1", Classification: "fraudulent", Status: store.DisputeNew}, nil
}

func (f *fakeStore) ListSubmissions(ctx context.Context, disputeID string) ([]store.Submission, error) {
	if f.listSubmissionsFn != nil {
		return f.listSubmissionsFn(ctx, disputeID)
	}
	return nil, nil
}

func (f *fakeStore) PendingJob(ctx context.Context, disputeID string) (*store.SubmissionJob, error) {
	if f.pendingJobFn != nil {
		return f.pendingJobFn(ctx, disputeID)
	}
	return nil, nil
}

func (f *fakeStore) PutOverride(ctx context.Context, item store.Override) (store.Override, error) {
	if f.putOverrideFn != nil {
		return f.putOverrideFn(ctx, item)
	}
	item.UpdatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return item, nil
}

type fakeComposer struct {
	composeFn    func(context.Context, packet.Scope, string) (packet.Packet, error)
	regenerateFn func(context.Context, packet.Scope, string, string) (evidence.Section, error)
}

func (f *fakeComposer) Compose(ctx context.Context, scope packet.Scope, disputeID string) (packet.Packet, error) {
	if f.composeFn != nil {
		return f.composeFn(ctx, scope, disputeID)
	}
	return packet.Packet{DisputeID: disputeID, OrgID: scope.OrgID}, nil
}

func (f *fakeComposer) Regenerate(ctx context.Context, scope packet.Scope, disputeID, title string) (evidence.Section, error) {
	if f.regenerateFn != nil {
		return f.regenerateFn(ctx, scope, disputeID, title)
	}
	return evidence.Section{Title: title}, nil
}

type fakeOrchestrator struct {
	runFn func(context.Context, submission.Request) (submission.Result, error)
	calls int
}

func (f *fakeOrchestrator) Run(ctx context.Context, req submission.Request) (submission.Result, error) {
	f.calls++
	if f.runFn != nil {
		return f.runFn(ctx, req)
	}
	return submission.Result{Submission: store.Submission{ID: "sub_1", DisputeID: req.DisputeID, Method: req.Method, Status: store.SubmissionSubmitted}}, nil
}

type fakeScheduler struct {
	scheduleFn func(context.Context, packet.Scope, string, store.SubmissionMethod, time.Time) (store.SubmissionJob, error)
	retryFn    func(context.Context, packet.Scope, string, store.SubmissionMethod, error) (store.SubmissionJob, error)
	cancelFn   func(context.Context, packet.Scope, string) error
}

func (f *fakeScheduler) Schedule(ctx context.Context, scope packet.Scope, disputeID string, method store.SubmissionMethod, runAt time.Time) (store.SubmissionJob, error) {
	if f.scheduleFn != nil {
		return f.scheduleFn(ctx, scope, disputeID, method, runAt)
	}
	return store.SubmissionJob{ID: "job_1", DisputeID: disputeID, Method: method, Status: store.JobScheduled, NextRunAt: runAt}, nil
}

func (f *fakeScheduler) EnqueueRetry(ctx context.Context, scope packet.Scope, disputeID string, method store.SubmissionMethod, cause error) (store.SubmissionJob, error) {
	if f.retryFn != nil {
		return f.retryFn(ctx, scope, disputeID, method, cause)
	}
	return store.SubmissionJob{ID: "job_retry", DisputeID: disputeID, Method: method, Status: store.JobScheduled, Attempts: 1}, nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, scope packet.Scope, jobID string) error {
	if f.cancelFn != nil {
		return f.cancelFn(ctx, scope, jobID)
	}
	return nil
}

type fakeWebhooks struct {
	handleFn func(context.Context, webhook.Delivery) (webhook.Ack, error)
}

func (f *fakeWebhooks) Handle(ctx context.Context, d webhook.Delivery) (webhook.Ack, error) {
	if f.handleFn != nil {
		return f.handleFn(ctx, d)
	}
	return webhook.Ack{EventID: "evt_1"}, nil
}

type fakeBlobs struct {
	putFn func(context.Context, string, []byte, string, map[string]string) error
	paths []string
}

func (f *fakeBlobs) Put(ctx context.Context, path string, data []byte, contentType string, meta map[string]string) error {
	f.paths = append(f.paths, path)
	if f.putFn != nil {
		return f.putFn(ctx, path, data, contentType, meta)
	}
	return nil
}

type fakeArchive struct {
	searchFn func(context.Context, archive.Query) (archive.Response, error)
}

func (f *fakeArchive) Search(ctx context.Context, q archive.Query) (archive.Response, error) {
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return archive.Response{Results: []archive.Result{}, Query: q.Text, Source: "index"}, nil
}

type testDeps struct {
	store        *fakeStore
	composer     *fakeComposer
	orchestrator *fakeOrchestrator
	scheduler    *fakeScheduler
	webhooks     *fakeWebhooks
	blobs        *fakeBlobs
	archive      *fakeArchive
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(checks ...HealthCheck) (*Service, *testDeps) {
	d := &testDeps{
		store:        &fakeStore{},
		composer:     &fakeComposer{},
		orchestrator: &fakeOrchestrator{},
		scheduler:    &fakeScheduler{},
		webhooks:     &fakeWebhooks{},
		blobs:        &fakeBlobs{},
		archive:      &fakeArchive{},
	}
	svc := NewService(Deps{
		Store:        d.store,
		Composer:     d.composer,
		Orchestrator: d.orchestrator,
		Scheduler:    d.scheduler,
		Webhooks:     d.webhooks,
		Blobs:        d.blobs,
		Archive:      d.archive,
		Checks:       checks,
		Now:          func() time.Time { return testNow },
	})
	return svc, d
}
