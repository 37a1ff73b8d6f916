package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"rebuttal/api/internal/archive"
	"rebuttal/api/internal/evidence"
	"rebuttal/api/internal/packet"
	"rebuttal/api/internal/provider"
	"rebuttal/api/internal/readiness"
	"rebuttal/api/internal/scheduler"
	"rebuttal/api/internal/store"
	"rebuttal/api/internal/submission"
	"rebuttal/api/internal/templates"
	"rebuttal/api/internal/webhook"
)

const maxAttachmentBytes = 20 << 20

type dataStore interface {
	Ping(context.Context) error
	GetDispute(context.Context, string, string) (store.Dispute, error)
	ListSubmissions(context.Context, string) ([]store.Submission, error)
	PendingJob(context.Context, string) (*store.SubmissionJob, error)
	PutOverride(context.Context, store.Override) (store.Override, error)
}

type packetComposer interface {
	Compose(context.Context, packet.Scope, string) (packet.Packet, error)
	Regenerate(context.Context, packet.Scope, string, string) (evidence.Section, error)
}

type orchestrator interface {
	Run(context.Context, submission.Request) (submission.Result, error)
}

type jobScheduler interface {
	Schedule(context.Context, packet.Scope, string, store.SubmissionMethod, time.Time) (store.SubmissionJob, error)
	EnqueueRetry(context.Context, packet.Scope, string, store.SubmissionMethod, error) (store.SubmissionJob, error)
	Cancel(context.Context, packet.Scope, string) error
}

type webhookHandler interface {
	Handle(context.Context, webhook.Delivery) (webhook.Ack, error)
}

type blobWriter interface {
	Put(context.Context, string, []byte, string, map[string]string) error
}

type archiveSearcher interface {
	Search(context.Context, archive.Query) (archive.Response, error)
}

// HealthCheck is an optional dependency probed by /api/ready.
type HealthCheck struct {
	Name string
	Ping func(context.Context) error
}

type Deps struct {
	Store        dataStore
	Composer     packetComposer
	Orchestrator orchestrator
	Scheduler    jobScheduler
	Webhooks     webhookHandler
	Blobs        blobWriter
	Archive      archiveSearcher
	Templates    *templates.Registry
	Checks       []HealthCheck
	Logger       *slog.Logger
	Now          func() time.Time
}

type Service struct {
	store        dataStore
	composer     packetComposer
	orchestrator orchestrator
	scheduler    jobScheduler
	webhooks     webhookHandler
	blobs        blobWriter
	archive      archiveSearcher
	templates    *templates.Registry
	checks       []HealthCheck
	logger       *slog.Logger
	now          func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		store:        d.Store,
		composer:     d.Composer,
		orchestrator: d.Orchestrator,
		scheduler:    d.Scheduler,
		webhooks:     d.Webhooks,
		blobs:        d.Blobs,
		archive:      d.Archive,
		templates:    d.Templates,
		checks:       d.Checks,
		logger:       d.Logger,
		now:          d.Now,
	}
	if s.templates == nil {
		s.templates = templates.Default()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Checks() []HealthCheck {
	return s.checks
}

type ValidationView struct {
	DisputeID string          `json:"disputeId"`
	Readiness int             `json:"readiness"`
	Ready     bool            `json:"ready"`
	Gaps      []readiness.Gap `json:"gaps"`
	Guidance  []string        `json:"guidance"`
}

type SubmitInput struct {
	Method      string     `json:"method"`
	ScheduledAt *time.Time `json:"scheduledAt"`
}

type SubmitResponse struct {
	SubmissionID string `json:"submissionId,omitempty"`
	JobID        string `json:"jobId,omitempty"`
	Status       string `json:"status"`
	DocumentPath string `json:"documentPath,omitempty"`
	ExternalRef  string `json:"externalRef,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Reused       bool   `json:"reused,omitempty"`
	RunAt        string `json:"runAt,omitempty"`
}

type SubmissionView struct {
	ID           string    `json:"id"`
	Method       string    `json:"method"`
	Status       string    `json:"status"`
	ContentHash  string    `json:"contentHash"`
	DocumentPath string    `json:"documentPath"`
	ExternalRef  string    `json:"externalRef"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type JobView struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	Status    string    `json:"status"`
	NextRunAt time.Time `json:"nextRunAt"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
}

type SubmissionList struct {
	Submissions []SubmissionView `json:"submissions"`
	PendingJob  *JobView         `json:"pendingJob"`
}

type OverrideInput struct {
	Content   string `json:"content"`
	Locked    bool   `json:"locked"`
	UpdatedBy string `json:"updatedBy"`
}

type OverrideView struct {
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Locked    bool      `json:"locked"`
	UpdatedBy string    `json:"updatedBy"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Service) Packet(ctx context.Context, scope packet.Scope, disputeID string) (packet.Packet, error) {
	p, err := s.composer.Compose(ctx, scope, disputeID)
	if err != nil {
		return packet.Packet{}, mapCoreError(err)
	}
	return p, nil
}

func (s *Service) Validation(ctx context.Context, scope packet.Scope, disputeID string) (ValidationView, error) {
	p, err := s.Packet(ctx, scope, disputeID)
	if err != nil {
		return ValidationView{}, err
	}
	gaps := p.Gaps
	if gaps == nil {
		gaps = []readiness.Gap{}
	}
	return ValidationView{
		DisputeID: p.DisputeID,
		Readiness: p.Readiness,
		Ready:     !p.Report().HasErrors(),
		Gaps:      gaps,
		Guidance:  p.Guidance,
	}, nil
}

// Submit runs a submission now, or schedules it when scheduledAt is in the future. A transient
// failure of an immediate run is handed to the scheduler and reported as retrying.
func (s *Service) Submit(ctx context.Context, scope packet.Scope, disputeID string, input SubmitInput) (SubmitResponse, error) {
	method := store.SubmissionMethod(strings.ToLower(strings.TrimSpace(input.Method)))
	if method == "" {
		method = store.MethodAPI
	}
	if method != store.MethodAPI && method != store.MethodManual {
		return SubmitResponse{}, invalid("INVALID_METHOD", "method must be api or manual", nil)
	}
	if _, err := s.dispute(ctx, scope, disputeID); err != nil {
		return SubmitResponse{}, err
	}

	if input.ScheduledAt != nil && input.ScheduledAt.After(s.now()) {
		job, err := s.scheduler.Schedule(ctx, scope, disputeID, method, *input.ScheduledAt)
		if err != nil {
			return SubmitResponse{}, err
		}
		return SubmitResponse{JobID: job.ID, Status: string(job.Status), RunAt: job.NextRunAt.UTC().Format(time.RFC3339)}, nil
	}

	res, err := s.orchestrator.Run(ctx, submission.Request{Scope: scope, DisputeID: disputeID, Method: method})
	var retryable *submission.RetryableError
	if errors.As(err, &retryable) {
		job, qerr := s.scheduler.EnqueueRetry(ctx, scope, disputeID, method, err)
		if qerr != nil {
			return SubmitResponse{}, qerr
		}
		s.logger.Info("submission deferred to scheduler", "dispute_id", disputeID, "job_id", job.ID, "code", retryable.Code)
		return SubmitResponse{
			JobID:        job.ID,
			Status:       "retrying",
			ErrorCode:    retryable.Code,
			ErrorMessage: retryable.Message,
			RunAt:        job.NextRunAt.UTC().Format(time.RFC3339),
		}, nil
	}
	if err != nil {
		return SubmitResponse{}, mapCoreError(err)
	}
	sub := res.Submission
	return SubmitResponse{
		SubmissionID: sub.ID,
		Status:       string(sub.Status),
		DocumentPath: sub.DocumentPath,
		ExternalRef:  sub.ExternalRef,
		ErrorCode:    sub.ErrorCode,
		ErrorMessage: sub.ErrorMessage,
		Reused:       res.Reused,
	}, nil
}

func (s *Service) ListSubmissions(ctx context.Context, scope packet.Scope, disputeID string) (SubmissionList, error) {
	dispute, err := s.dispute(ctx, scope, disputeID)
	if err != nil {
		return SubmissionList{}, err
	}
	subs, err := s.store.ListSubmissions(ctx, dispute.ID)
	if err != nil {
		return SubmissionList{}, err
	}
	out := SubmissionList{Submissions: make([]SubmissionView, 0, len(subs))}
	for _, sub := range subs {
		out.Submissions = append(out.Submissions, SubmissionView{
			ID:           sub.ID,
			Method:       string(sub.Method),
			Status:       string(sub.Status),
			ContentHash:  sub.ContentHash,
			DocumentPath: sub.DocumentPath,
			ExternalRef:  sub.ExternalRef,
			ErrorCode:    sub.ErrorCode,
			ErrorMessage: sub.ErrorMessage,
			CreatedAt:    sub.CreatedAt,
			UpdatedAt:    sub.UpdatedAt,
		})
	}
	job, err := s.store.PendingJob(ctx, dispute.ID)
	if err != nil {
		return SubmissionList{}, err
	}
	if job != nil {
		out.PendingJob = &JobView{
			ID:        job.ID,
			Method:    string(job.Method),
			Status:    string(job.Status),
			NextRunAt: job.NextRunAt,
			Attempts:  job.Attempts,
			LastError: job.LastError,
		}
	}
	return out, nil
}

func (s *Service) PutOverride(ctx context.Context, scope packet.Scope, disputeID, title string, input OverrideInput) (OverrideView, error) {
	dispute, err := s.dispute(ctx, scope, disputeID)
	if err != nil {
		return OverrideView{}, err
	}
	if strings.TrimSpace(input.Content) == "" {
		return OverrideView{}, invalid("VALIDATION_ERROR", "content is required", nil)
	}
	if !s.hasSection(dispute, title) {
		return OverrideView{}, domainError(http.StatusNotFound, "SECTION_NOT_FOUND", fmt.Sprintf("section %q is not part of this dispute's packet", title), nil)
	}
	saved, err := s.store.PutOverride(ctx, store.Override{
		DisputeID: dispute.ID,
		Title:     title,
		Content:   input.Content,
		Locked:    input.Locked,
		UpdatedBy: strings.TrimSpace(input.UpdatedBy),
	})
	if err != nil {
		return OverrideView{}, err
	}
	return OverrideView{
		Title:     saved.Title,
		Content:   saved.Content,
		Locked:    saved.Locked,
		UpdatedBy: saved.UpdatedBy,
		UpdatedAt: saved.UpdatedAt,
	}, nil
}

func (s *Service) Regenerate(ctx context.Context, scope packet.Scope, disputeID, title string) (evidence.Section, error) {
	section, err := s.composer.Regenerate(ctx, scope, disputeID, title)
	if err != nil {
		return evidence.Section{}, mapCoreError(err)
	}
	return section, nil
}

// PutAttachment stores an attachment at its canonical path so composition can find it.
func (s *Service) PutAttachment(ctx context.Context, scope packet.Scope, disputeID, attachmentType, contentType string, data []byte) (evidence.Attachment, error) {
	dispute, err := s.dispute(ctx, scope, disputeID)
	if err != nil {
		return evidence.Attachment{}, err
	}
	if len(data) == 0 {
		return evidence.Attachment{}, invalid("VALIDATION_ERROR", "attachment body is empty", nil)
	}
	if len(data) > maxAttachmentBytes {
		return evidence.Attachment{}, domainError(http.StatusRequestEntityTooLarge, "ATTACHMENT_TOO_LARGE", "attachment exceeds 20 MiB", nil)
	}
	spec, ok := s.attachmentSpec(dispute, attachmentType)
	if !ok {
		return evidence.Attachment{}, invalid("UNKNOWN_ATTACHMENT",
			fmt.Sprintf("attachment type %q is not used by this dispute", attachmentType), nil)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	path := evidence.AttachmentPath(dispute.OrgID, dispute.ID, spec.Type)
	if err := s.blobs.Put(ctx, path, data, contentType, map[string]string{"Dispute-Id": dispute.ID}); err != nil {
		return evidence.Attachment{}, err
	}
	s.logger.Info("attachment stored", "dispute_id", dispute.ID, "type", spec.Type, "bytes", len(data))
	return evidence.Attachment{Type: spec.Type, Title: spec.Title, Required: spec.Required, Present: true, Path: path}, nil
}

func (s *Service) CancelJob(ctx context.Context, scope packet.Scope, jobID string) error {
	err := s.scheduler.Cancel(ctx, scope, jobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFound(err, "JOB_NOT_FOUND", "Job")
	case errors.Is(err, scheduler.ErrJobNotCancellable):
		return conflict(err, "JOB_STARTED", "Job has already started")
	}
	return err
}

func (s *Service) Webhook(ctx context.Context, d webhook.Delivery) (webhook.Ack, error) {
	ack, err := s.webhooks.Handle(ctx, d)
	switch {
	case errors.Is(err, webhook.ErrInvalidSignature):
		return webhook.Ack{}, wrap(err, http.StatusUnauthorized, "INVALID_SIGNATURE", "Webhook signature verification failed")
	case errors.Is(err, webhook.ErrMalformedPayload):
		return webhook.Ack{}, wrap(err, http.StatusBadRequest, "MALFORMED_PAYLOAD", "Webhook payload could not be parsed")
	case errors.Is(err, provider.ErrUnknownProvider):
		return webhook.Ack{}, wrap(err, http.StatusNotFound, "UNKNOWN_PROVIDER", "Unknown provider")
	}
	return ack, err
}

func (s *Service) SearchArchive(ctx context.Context, scope packet.Scope, q archive.Query) (archive.Response, error) {
	if s.archive == nil {
		return archive.Response{}, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Archive search is not configured", nil)
	}
	q.OrgID = scope.OrgID
	return s.archive.Search(ctx, q)
}

func (s *Service) dispute(ctx context.Context, scope packet.Scope, disputeID string) (store.Dispute, error) {
	d, err := s.store.GetDispute(ctx, scope.OrgID, disputeID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Dispute{}, notFound(err, "DISPUTE_NOT_FOUND", "Dispute")
	}
	return d, err
}

func (s *Service) hasSection(d store.Dispute, title string) bool {
	for _, spec := range s.templates.Resolve(d.Classification).Sections {
		if spec.Title == title {
			return true
		}
	}
	return false
}

func (s *Service) attachmentSpec(d store.Dispute, attachmentType string) (templates.AttachmentSpec, bool) {
	want := strings.ToLower(strings.TrimSpace(attachmentType))
	for _, spec := range s.templates.Resolve(d.Classification).Attachments {
		if strings.ToLower(spec.Type) == want {
			return spec, true
		}
	}
	return templates.AttachmentSpec{}, false
}

// mapCoreError turns core sentinel and typed errors into domain errors.
func mapCoreError(err error) error {
	var verr *submission.ValidationError
	switch {
	case errors.As(err, &verr):
		e := invalid("VALIDATION_FAILED", "Packet has blocking gaps", verr.Gaps)
		e.Err = err
		return e
	case errors.Is(err, packet.ErrDisputeNotFound):
		return notFound(err, "DISPUTE_NOT_FOUND", "Dispute")
	case errors.Is(err, packet.ErrSectionLocked):
		return conflict(err, "SECTION_LOCKED", "Section is locked by an override")
	case errors.Is(err, packet.ErrSectionNotFound):
		return wrap(err, http.StatusNotFound, "SECTION_NOT_FOUND", "Section is not part of this dispute's packet")
	case errors.Is(err, store.ErrSubmissionInFlight):
		return conflict(err, "SUBMISSION_IN_FLIGHT", "Another submission for this dispute is still processing")
	}
	return err
}
