// Package submission turns a composed packet into a rendered document and a provider submission.
package submission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rebuttal/api/internal/events"
	"rebuttal/api/internal/ledger"
	"rebuttal/api/internal/packet"
	"rebuttal/api/internal/provider"
	"rebuttal/api/internal/render"
	"rebuttal/api/internal/store"
)

const (
	CodeSuperseded       = "superseded"
	CodeWindowElapsed    = "idempotency_window_elapsed"
	CodeRetriesExhausted = "retries_exhausted"
	CodeRenderFailed     = "render_failed"
	CodeAttemptInFlight  = "attempt_in_progress"
	CodeLedgerFailed     = "ledger_unavailable"
	CodeDocumentMissing  = "document_unavailable"
)

type Request struct {
	Scope     packet.Scope
	DisputeID string
	Method    store.SubmissionMethod
	// Resume is set by scheduler retries. A resumed run continues a processing submission with
	// the same hash and supersedes one whose content changed.
	Resume bool
}

type Result struct {
	Submission store.Submission
	// Reused is true when an existing submission was returned unchanged.
	Reused bool
}

// Rejected reports whether the provider refused the submission terminally.
func (r Result) Rejected() bool {
	return r.Submission.Method == store.MethodAPI &&
		r.Submission.Status == store.SubmissionGenerated &&
		r.Submission.ErrorCode != ""
}

type composer interface {
	Compose(context.Context, packet.Scope, string) (packet.Packet, error)
}

type submissionStore interface {
	GetDispute(context.Context, string, string) (store.Dispute, error)
	CreateSubmission(context.Context, store.Submission) (store.Submission, bool, error)
	GetSubmission(context.Context, string) (store.Submission, error)
	GetInFlightSubmission(context.Context, string) (*store.Submission, error)
	SubmissionDocumentForHash(context.Context, string, string) (string, error)
	SetSubmissionDocument(context.Context, string, string) error
	MarkSubmissionSubmitted(context.Context, string, string) (bool, error)
	MarkSubmissionGenerated(context.Context, string, string, string) (bool, error)
	MarkSubmissionFailed(context.Context, string, string, string) (bool, error)
	UpdateDisputeStatus(context.Context, string, store.DisputeStatus) (bool, error)
}

type renderer interface {
	Render(context.Context, render.Document) (string, error)
}

type documentReader interface {
	Get(context.Context, string) ([]byte, error)
}

type providers interface {
	Get(string) (provider.Adapter, error)
}

type Options struct {
	SubmitTimeout time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

type Orchestrator struct {
	composer  composer
	store     submissionStore
	renderer  renderer
	documents documentReader
	providers providers
	ledger    ledger.Ledger
	emitter   events.Emitter

	submitTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

func NewOrchestrator(c composer, s submissionStore, r renderer, docs documentReader, p providers, l ledger.Ledger, e events.Emitter, opts Options) *Orchestrator {
	o := &Orchestrator{
		composer:      c,
		store:         s,
		renderer:      r,
		documents:     docs,
		providers:     p,
		ledger:        l,
		emitter:       e,
		submitTimeout: opts.SubmitTimeout,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	if o.submitTimeout <= 0 {
		o.submitTimeout = 30 * time.Second
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// IdempotencyKey is stable for one submission of one content hash to one provider dispute.
func IdempotencyKey(providerDisputeID, submissionID, contentHash string) string {
	sum := sha256.Sum256([]byte(providerDisputeID + "\x00" + submissionID + "\x00" + contentHash))
	return "rbt_" + hex.EncodeToString(sum[:20])
}

func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	if req.Method == "" {
		req.Method = store.MethodAPI
	}
	if req.Method != store.MethodAPI && req.Method != store.MethodManual {
		return Result{}, fmt.Errorf("unsupported submission method %q", req.Method)
	}

	// Validating
	pkt, err := o.composer.Compose(ctx, req.Scope, req.DisputeID)
	if err != nil {
		return Result{}, err
	}
	if report := pkt.Report(); report.HasErrors() {
		return Result{}, &ValidationError{Gaps: report.Blocking()}
	}
	dispute, err := o.store.GetDispute(ctx, req.Scope.OrgID, req.DisputeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, packet.ErrDisputeNotFound
		}
		return Result{}, fmt.Errorf("load dispute: %w", err)
	}

	// Composing
	hash := packet.ContentHash(pkt)
	sub, created, err := o.store.CreateSubmission(ctx, store.Submission{
		DisputeID:   dispute.ID,
		Method:      req.Method,
		ContentHash: hash,
	})
	if errors.Is(err, store.ErrSubmissionInFlight) && req.Resume {
		if err := o.supersede(ctx, dispute); err != nil {
			return Result{}, err
		}
		sub, created, err = o.store.CreateSubmission(ctx, store.Submission{
			DisputeID:   dispute.ID,
			Method:      req.Method,
			ContentHash: hash,
		})
	}
	if err != nil {
		return Result{}, err
	}
	logger := o.logger.With("dispute_id", dispute.ID, "submission_id", sub.ID)
	if !created && (sub.Status.Terminal() || !req.Resume) {
		logger.Info("submission reused", "status", sub.Status)
		return Result{Submission: sub, Reused: true}, nil
	}
	if created {
		logger.Info("submission created", "method", sub.Method, "content_hash", hash)
		o.emitSubmission(ctx, dispute, sub)
	}

	// Rendering
	if sub.DocumentPath == "" {
		// Another method may already have rendered this packet.
		path, err := o.store.SubmissionDocumentForHash(ctx, dispute.ID, hash)
		if err != nil {
			return Result{}, err
		}
		if path != "" {
			if err := o.store.SetSubmissionDocument(ctx, sub.ID, path); err != nil {
				return Result{}, err
			}
			logger.Info("reusing rendered document", "document_path", path)
			sub.DocumentPath = path
		}
	}
	if sub.DocumentPath == "" {
		path, err := o.renderer.Render(ctx, documentFor(pkt, sub))
		if err != nil {
			return Result{}, &RetryableError{Code: CodeRenderFailed, Message: "render evidence document", Err: err}
		}
		if err := o.store.SetSubmissionDocument(ctx, sub.ID, path); err != nil {
			return Result{}, err
		}
		sub.DocumentPath = path
	}

	if sub.Method == store.MethodManual {
		return o.finishGenerated(ctx, dispute, pkt, sub, "", "")
	}

	// Submitting
	adapter, err := o.providers.Get(dispute.Provider)
	if err != nil {
		return o.finishGenerated(ctx, dispute, pkt, sub, "unknown_provider", err.Error())
	}
	if window := adapter.IdempotencyWindow(); window > 0 && o.now().Sub(sub.CreatedAt) > window {
		logger.Warn("submission outlived provider idempotency window", "window", window)
		return o.finishGenerated(ctx, dispute, pkt, sub, CodeWindowElapsed,
			"the provider no longer deduplicates this attempt; submit the generated document manually")
	}

	key := IdempotencyKey(dispute.ProviderDisputeID, sub.ID, hash)
	outcome, err := o.ledger.Reserve(ctx, adapter.Name(), key)
	if err != nil {
		return Result{}, &RetryableError{Code: CodeLedgerFailed, Message: "reserve idempotency key", Err: err}
	}
	if outcome == ledger.Duplicate {
		return Result{}, &RetryableError{Code: CodeAttemptInFlight, Message: "another attempt holds the idempotency key"}
	}

	doc, err := o.documents.Get(ctx, sub.DocumentPath)
	if err != nil {
		o.release(ctx, adapter.Name(), key)
		return Result{}, &RetryableError{Code: CodeDocumentMissing, Message: "read rendered document", Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, o.submitTimeout)
	ref, err := adapter.SubmitEvidence(callCtx, provider.Evidence{
		ProviderDisputeID: dispute.ProviderDisputeID,
		DocumentRef:       sub.DocumentPath,
		DocumentName:      documentFor(pkt, sub).Filename(),
		Document:          doc,
		IdempotencyKey:    key,
		Facts:             factsOf(pkt),
	})
	cancel()
	if err != nil {
		perr := adapter.MapError(err)
		if perr.Retryable {
			o.release(ctx, adapter.Name(), key)
			logger.Warn("provider submission failed, will retry", "code", perr.Code, "error", err)
			return Result{}, &RetryableError{Code: perr.Code, Message: perr.Message, Err: err}
		}
		logger.Warn("provider rejected submission", "code", perr.Code, "error", err)
		return o.finishGenerated(ctx, dispute, pkt, sub, perr.Code, perr.Message)
	}

	// Confirming
	if _, err := o.store.MarkSubmissionSubmitted(ctx, sub.ID, ref); err != nil {
		return Result{}, err
	}
	if moved, err := o.store.UpdateDisputeStatus(ctx, dispute.ID, store.DisputeSubmitted); err != nil {
		return Result{}, err
	} else if moved {
		o.emitDispute(ctx, dispute, store.DisputeSubmitted)
	}
	final, err := o.store.GetSubmission(ctx, sub.ID)
	if err != nil {
		return Result{}, err
	}
	logger.Info("submission accepted by provider", "external_ref", final.ExternalRef)
	o.emitSubmission(ctx, dispute, final)
	o.emitArchive(ctx, dispute, pkt, final)
	return Result{Submission: final}, nil
}

// Abandon closes the dispute's processing submission after retries are exhausted. A submission
// with a rendered document becomes generated, otherwise failed. It returns nil when nothing was
// in flight.
func (o *Orchestrator) Abandon(ctx context.Context, scope packet.Scope, disputeID, reason string) (*store.Submission, error) {
	dispute, err := o.store.GetDispute(ctx, scope.OrgID, disputeID)
	if err != nil {
		return nil, fmt.Errorf("load dispute: %w", err)
	}
	sub, err := o.store.GetInFlightSubmission(ctx, dispute.ID)
	if err != nil || sub == nil {
		return nil, err
	}
	if sub.DocumentPath != "" {
		_, err = o.store.MarkSubmissionGenerated(ctx, sub.ID, CodeRetriesExhausted, reason)
	} else {
		_, err = o.store.MarkSubmissionFailed(ctx, sub.ID, CodeRetriesExhausted, reason)
	}
	if err != nil {
		return nil, err
	}
	final, err := o.store.GetSubmission(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	o.logger.Warn("submission abandoned", "dispute_id", dispute.ID, "submission_id", final.ID,
		"status", final.Status, "reason", reason)
	o.emitSubmission(ctx, dispute, final)
	return &final, nil
}

func (o *Orchestrator) supersede(ctx context.Context, dispute store.Dispute) error {
	old, err := o.store.GetInFlightSubmission(ctx, dispute.ID)
	if err != nil || old == nil {
		return err
	}
	if _, err := o.store.MarkSubmissionFailed(ctx, old.ID, CodeSuperseded, "dispute evidence changed before the retry"); err != nil {
		return err
	}
	o.logger.Info("submission superseded", "dispute_id", dispute.ID, "submission_id", old.ID)
	old.Status = store.SubmissionFailed
	old.ErrorCode = CodeSuperseded
	o.emitSubmission(ctx, dispute, *old)
	return nil
}

func (o *Orchestrator) finishGenerated(ctx context.Context, dispute store.Dispute, pkt packet.Packet, sub store.Submission, code, message string) (Result, error) {
	if _, err := o.store.MarkSubmissionGenerated(ctx, sub.ID, code, message); err != nil {
		return Result{}, err
	}
	if moved, err := o.store.UpdateDisputeStatus(ctx, dispute.ID, store.DisputeDraft); err != nil {
		return Result{}, err
	} else if moved {
		o.emitDispute(ctx, dispute, store.DisputeDraft)
	}
	final, err := o.store.GetSubmission(ctx, sub.ID)
	if err != nil {
		return Result{}, err
	}
	o.emitSubmission(ctx, dispute, final)
	o.emitArchive(ctx, dispute, pkt, final)
	return Result{Submission: final}, nil
}

func (o *Orchestrator) release(ctx context.Context, providerName, key string) {
	if err := o.ledger.Release(ctx, providerName, key); err != nil {
		o.logger.Warn("release idempotency key failed", "provider", providerName, "error", err)
	}
}

func (o *Orchestrator) emit(ctx context.Context, ev events.Event) {
	if o.emitter == nil {
		return
	}
	if err := o.emitter.Emit(ctx, ev); err != nil {
		o.logger.Warn("emit event failed", "topic", ev.Topic, "error", err)
	}
}

func (o *Orchestrator) emitSubmission(ctx context.Context, dispute store.Dispute, sub store.Submission) {
	o.emit(ctx, events.Event{Topic: events.TopicSubmissionStatus, Payload: events.SubmissionStatus{
		OrgID:        dispute.OrgID,
		DisputeID:    dispute.ID,
		SubmissionID: sub.ID,
		Status:       string(sub.Status),
		ErrorCode:    sub.ErrorCode,
		ExternalRef:  sub.ExternalRef,
		At:           o.now().UTC(),
	}})
}

func (o *Orchestrator) emitDispute(ctx context.Context, dispute store.Dispute, status store.DisputeStatus) {
	o.emit(ctx, events.Event{Topic: events.TopicDisputeStatus, Payload: events.DisputeStatus{
		OrgID:             dispute.OrgID,
		DisputeID:         dispute.ID,
		ProviderDisputeID: dispute.ProviderDisputeID,
		Status:            string(status),
		Source:            "submission",
		At:                o.now().UTC(),
	}})
}

func (o *Orchestrator) emitArchive(ctx context.Context, dispute store.Dispute, pkt packet.Packet, sub store.Submission) {
	titles := make([]string, 0, len(pkt.Sections))
	for _, s := range pkt.Sections {
		titles = append(titles, s.Title)
	}
	o.emit(ctx, events.Event{Topic: events.TopicArchiveRecord, Payload: events.ArchiveRecord{
		SubmissionID:      sub.ID,
		OrgID:             dispute.OrgID,
		DisputeID:         dispute.ID,
		Provider:          dispute.Provider,
		ProviderDisputeID: dispute.ProviderDisputeID,
		OrderNumber:       pkt.Metadata.OrderNumber,
		Classification:    pkt.Classification,
		Method:            string(sub.Method),
		Status:            string(sub.Status),
		ContentHash:       sub.ContentHash,
		DocumentPath:      sub.DocumentPath,
		ExternalRef:       sub.ExternalRef,
		Amount:            pkt.Amount,
		Currency:          pkt.Currency,
		Sections:          titles,
		CreatedAt:         sub.CreatedAt,
	}})
}

func documentFor(pkt packet.Packet, sub store.Submission) render.Document {
	return render.Document{
		ID:                sub.ID,
		OrgID:             pkt.OrgID,
		DisputeID:         pkt.DisputeID,
		ProviderDisputeID: pkt.Metadata.ProviderDisputeID,
		Classification:    pkt.Classification,
		Amount:            pkt.Amount.StringFixed(2) + " " + pkt.Currency,
		OrderNumber:       pkt.Metadata.OrderNumber,
		ContentHash:       sub.ContentHash,
		Sections:          pkt.Sections,
		Attachments:       pkt.Attachments,
	}
}

// factsOf flattens section facts; the first non-empty value for a key wins.
func factsOf(pkt packet.Packet) map[string]string {
	out := map[string]string{}
	for _, s := range pkt.Sections {
		for _, f := range s.Facts {
			if f.Value == "" {
				continue
			}
			if _, ok := out[f.Key]; !ok {
				out[f.Key] = f.Value
			}
		}
	}
	return out
}
