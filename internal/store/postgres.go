package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"rebuttal/api/internal/util"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate signals an insert hit a uniqueness guard.
	ErrDuplicate = errors.New("store: duplicate")
	// ErrSubmissionInFlight signals another submission for the dispute is still processing.
	ErrSubmissionInFlight = errors.New("store: submission already in flight")
)

const (
	indexSubmissionIdentity      = "submissions_live_identity"
	constraintSubmissionInFlight = "submissions_one_in_flight"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
	q  dbtx
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// WithTx runs fn against a store bound to a single transaction. The transaction is
// committed when fn returns nil and rolled back otherwise.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx *PostgresStore) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&PostgresStore{db: s.db, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func uniqueViolation(err error) (constraint string, ok bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Disputes

const disputeColumns = `id, org_id, provider, provider_dispute_id, classification, network, amount, currency,
	due_by, status, order_id, raw_payload, created_at, updated_at`

func scanDispute(row interface{ Scan(...any) error }) (Dispute, error) {
	var (
		item  Dispute
		dueBy sql.NullTime
		raw   []byte
	)
	err := row.Scan(&item.ID, &item.OrgID, &item.Provider, &item.ProviderDisputeID, &item.Classification,
		&item.Network, &item.Amount, &item.Currency, &dueBy, &item.Status, &item.OrderID, &raw,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Dispute{}, err
	}
	item.DueBy = timePtr(dueBy)
	item.RawPayload = json.RawMessage(raw)
	return item, nil
}

func (s *PostgresStore) GetDispute(ctx context.Context, orgID, disputeID string) (Dispute, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=$1 AND org_id=$2`, disputeID, orgID)
	item, err := scanDispute(row)
	if err != nil {
		return Dispute{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) GetDisputeByProviderRef(ctx context.Context, provider, providerDisputeID string) (Dispute, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE provider=$1 AND provider_dispute_id=$2`,
		provider, providerDisputeID)
	item, err := scanDispute(row)
	if err != nil {
		return Dispute{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) InsertDispute(ctx context.Context, item Dispute) (Dispute, error) {
	if item.ID == "" {
		item.ID = util.NewID("dsp")
	}
	if item.Status == "" {
		item.Status = DisputeNew
	}
	raw := []byte(item.RawPayload)
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}
	row := s.q.QueryRowContext(ctx, `
		INSERT INTO disputes (id, org_id, provider, provider_dispute_id, classification, network, amount, currency,
			due_by, status, order_id, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (provider, provider_dispute_id) DO NOTHING
		RETURNING `+disputeColumns,
		item.ID, item.OrgID, item.Provider, item.ProviderDisputeID, item.Classification, item.Network, item.Amount,
		item.Currency, nullTime(item.DueBy), item.Status, item.OrderID, raw)
	created, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Dispute{}, ErrDuplicate
	}
	if err != nil {
		return Dispute{}, fmt.Errorf("insert dispute: %w", err)
	}
	return created, nil
}

// UpdateDisputeStatus moves a dispute forward. Transitions out of won/lost and moves to a
// lower-ranked status are ignored; the returned bool reports whether a row changed.
func (s *PostgresStore) UpdateDisputeStatus(ctx context.Context, disputeID string, status DisputeStatus) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE disputes
		SET status=$2, updated_at=NOW()
		WHERE id=$1
			AND status NOT IN ('won', 'lost')
			AND status <> $2
			AND (CASE $2 WHEN 'new' THEN 0 WHEN 'draft' THEN 1 WHEN 'submitted' THEN 2 ELSE 3 END)
				>= (CASE status WHEN 'new' THEN 0 WHEN 'draft' THEN 1 WHEN 'submitted' THEN 2 ELSE 3 END)
	`, disputeID, string(status))
	if err != nil {
		return false, fmt.Errorf("update dispute status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update dispute status: %w", err)
	}
	return n > 0, nil
}

// Evidence source records

func (s *PostgresStore) GetOrder(ctx context.Context, orgID, orderID string) (Order, error) {
	var (
		item      Order
		lineItems []byte
		terms     sql.NullTime
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, org_id, number, customer_name, customer_email, billing_address, shipping_address, line_items,
			total, currency, avs_result, cvv_result, terms_accepted_at, placed_at
		FROM orders
		WHERE id=$1 AND org_id=$2
	`, orderID, orgID).Scan(&item.ID, &item.OrgID, &item.Number, &item.CustomerName, &item.CustomerEmail,
		&item.BillingAddress, &item.ShippingAddress, &lineItems, &item.Total, &item.Currency, &item.AVSResult,
		&item.CVVResult, &terms, &item.PlacedAt)
	if err != nil {
		return Order{}, notFound(err)
	}
	if len(lineItems) > 0 {
		if err := json.Unmarshal(lineItems, &item.LineItems); err != nil {
			return Order{}, fmt.Errorf("decode line items for order %s: %w", orderID, err)
		}
	}
	item.TermsAcceptedAt = timePtr(terms)
	return item, nil
}

func (s *PostgresStore) ListShipments(ctx context.Context, orderID string) ([]Shipment, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, order_id, carrier, tracking_number, status, shipped_at, delivered_at, signed_by, delivery_address
		FROM shipments
		WHERE order_id=$1
		ORDER BY shipped_at ASC NULLS LAST, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list shipments: %w", err)
	}
	defer rows.Close()

	items := make([]Shipment, 0)
	for rows.Next() {
		var (
			item      Shipment
			shipped   sql.NullTime
			delivered sql.NullTime
		)
		if err := rows.Scan(&item.ID, &item.OrderID, &item.Carrier, &item.TrackingNumber, &item.Status, &shipped,
			&delivered, &item.SignedBy, &item.DeliveryAddress); err != nil {
			return nil, fmt.Errorf("scan shipment: %w", err)
		}
		item.ShippedAt = timePtr(shipped)
		item.DeliveredAt = timePtr(delivered)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shipments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, orderID string) ([]Session, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, order_id, ip_address, user_agent, device_id, three_ds_result, started_at
		FROM sessions
		WHERE order_id=$1
		ORDER BY started_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	items := make([]Session, 0)
	for rows.Next() {
		var item Session
		if err := rows.Scan(&item.ID, &item.OrderID, &item.IPAddress, &item.UserAgent, &item.DeviceID,
			&item.ThreeDSResult, &item.StartedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListCommunications(ctx context.Context, orderID string) ([]Communication, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, order_id, channel, direction, subject, body, sent_at
		FROM communications
		WHERE order_id=$1
		ORDER BY sent_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list communications: %w", err)
	}
	defer rows.Close()

	items := make([]Communication, 0)
	for rows.Next() {
		var item Communication
		if err := rows.Scan(&item.ID, &item.OrderID, &item.Channel, &item.Direction, &item.Subject, &item.Body,
			&item.SentAt); err != nil {
			return nil, fmt.Errorf("scan communication: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate communications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListRefundEvents(ctx context.Context, orderID string) ([]RefundEvent, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, order_id, amount, method, external_ref, created_at
		FROM refund_events
		WHERE order_id=$1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list refund events: %w", err)
	}
	defer rows.Close()

	items := make([]RefundEvent, 0)
	for rows.Next() {
		var item RefundEvent
		if err := rows.Scan(&item.ID, &item.OrderID, &item.Amount, &item.Method, &item.ExternalRef,
			&item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan refund event: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refund events: %w", err)
	}
	return items, nil
}

// Overrides

func (s *PostgresStore) GetOverride(ctx context.Context, disputeID, title string) (*Override, error) {
	var item Override
	err := s.q.QueryRowContext(ctx, `
		SELECT dispute_id, title, content, locked, updated_by, updated_at
		FROM evidence_overrides
		WHERE dispute_id=$1 AND title=$2
	`, disputeID, title).Scan(&item.DisputeID, &item.Title, &item.Content, &item.Locked, &item.UpdatedBy, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get override: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) PutOverride(ctx context.Context, item Override) (Override, error) {
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO evidence_overrides (dispute_id, title, content, locked, updated_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dispute_id, title) DO UPDATE
			SET content=EXCLUDED.content, locked=EXCLUDED.locked, updated_by=EXCLUDED.updated_by, updated_at=NOW()
		RETURNING updated_at
	`, item.DisputeID, item.Title, item.Content, item.Locked, item.UpdatedBy).Scan(&item.UpdatedAt)
	if err != nil {
		return Override{}, fmt.Errorf("put override: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteOverride(ctx context.Context, disputeID, title string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM evidence_overrides WHERE dispute_id=$1 AND title=$2 AND locked=FALSE`,
		disputeID, title)
	if err != nil {
		return fmt.Errorf("delete override: %w", err)
	}
	return nil
}

// Submissions

const submissionColumns = `id, dispute_id, method, status, content_hash, document_path, external_ref,
	error_code, error_message, created_at, updated_at`

func scanSubmission(row interface{ Scan(...any) error }) (Submission, error) {
	var item Submission
	err := row.Scan(&item.ID, &item.DisputeID, &item.Method, &item.Status, &item.ContentHash, &item.DocumentPath,
		&item.ExternalRef, &item.ErrorCode, &item.ErrorMessage, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

// CreateSubmission inserts a processing submission for (dispute, content hash, method). When a
// submission that has not failed already exists for that identity it is returned with created=false.
// ErrSubmissionInFlight is returned when a different submission for the dispute is still processing.
func (s *PostgresStore) CreateSubmission(ctx context.Context, item Submission) (Submission, bool, error) {
	if item.ID == "" {
		item.ID = util.NewID("sub")
	}
	row := s.q.QueryRowContext(ctx, `
		INSERT INTO submissions (id, dispute_id, method, status, content_hash)
		VALUES ($1, $2, $3, 'processing', $4)
		ON CONFLICT (dispute_id, content_hash, method) WHERE status <> 'failed' DO NOTHING
		RETURNING `+submissionColumns,
		item.ID, item.DisputeID, item.Method, item.ContentHash)
	created, err := scanSubmission(row)
	if err == nil {
		return created, true, nil
	}
	if constraint, dup := uniqueViolation(err); dup && constraint == constraintSubmissionInFlight {
		return Submission{}, false, ErrSubmissionInFlight
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Submission{}, false, fmt.Errorf("insert submission: %w", err)
	}

	existing, err := s.FindSubmissionByHash(ctx, item.DisputeID, item.ContentHash, item.Method)
	if err != nil {
		return Submission{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, submissionID string) (Submission, error) {
	item, err := scanSubmission(s.q.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=$1`, submissionID))
	if err != nil {
		return Submission{}, notFound(err)
	}
	return item, nil
}

// FindSubmissionByHash returns the live (not failed) submission for the identity.
func (s *PostgresStore) FindSubmissionByHash(ctx context.Context, disputeID, contentHash string, method SubmissionMethod) (Submission, error) {
	item, err := scanSubmission(s.q.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions
		 WHERE dispute_id=$1 AND content_hash=$2 AND method=$3 AND status <> 'failed'`,
		disputeID, contentHash, method))
	if err != nil {
		return Submission{}, notFound(err)
	}
	return item, nil
}

// SubmissionDocumentForHash returns the newest rendered document path for the dispute's packet
// hash across all methods, or "" when none was rendered.
func (s *PostgresStore) SubmissionDocumentForHash(ctx context.Context, disputeID, contentHash string) (string, error) {
	var path string
	err := s.q.QueryRowContext(ctx, `
		SELECT document_path FROM submissions
		WHERE dispute_id=$1 AND content_hash=$2 AND document_path <> ''
		ORDER BY created_at DESC, id DESC LIMIT 1`, disputeID, contentHash).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("submission document for hash: %w", err)
	}
	return path, nil
}

func (s *PostgresStore) GetInFlightSubmission(ctx context.Context, disputeID string) (*Submission, error) {
	item, err := scanSubmission(s.q.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE dispute_id=$1 AND status='processing'`, disputeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get in-flight submission: %w", err)
	}
	return &item, nil
}

// LatestSubmission returns the most recently created submission for a dispute, or nil.
func (s *PostgresStore) LatestSubmission(ctx context.Context, disputeID string) (*Submission, error) {
	item, err := scanSubmission(s.q.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE dispute_id=$1 ORDER BY created_at DESC, id DESC LIMIT 1`, disputeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest submission: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, disputeID string) ([]Submission, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE dispute_id=$1 ORDER BY created_at DESC, id DESC`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	items := make([]Submission, 0)
	for rows.Next() {
		item, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetSubmissionDocument(ctx context.Context, submissionID, documentPath string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE submissions SET document_path=$2, updated_at=NOW()
		WHERE id=$1 AND status='processing' AND (document_path='' OR document_path=$2)
	`, submissionID, documentPath)
	if err != nil {
		return fmt.Errorf("set submission document: %w", err)
	}
	return nil
}

func (s *PostgresStore) finishSubmission(ctx context.Context, submissionID string, status SubmissionStatus, externalRef, code, message string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE submissions
		SET status=$2,
			external_ref=CASE WHEN external_ref='' THEN $3 ELSE external_ref END,
			error_code=$4, error_message=$5, updated_at=NOW()
		WHERE id=$1 AND status='processing'
	`, submissionID, string(status), externalRef, code, message)
	if err != nil {
		return false, fmt.Errorf("finish submission %s: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish submission %s: %w", status, err)
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkSubmissionSubmitted(ctx context.Context, submissionID, externalRef string) (bool, error) {
	return s.finishSubmission(ctx, submissionID, SubmissionSubmitted, externalRef, "", "")
}

func (s *PostgresStore) MarkSubmissionGenerated(ctx context.Context, submissionID, code, message string) (bool, error) {
	return s.finishSubmission(ctx, submissionID, SubmissionGenerated, "", code, message)
}

func (s *PostgresStore) MarkSubmissionFailed(ctx context.Context, submissionID, code, message string) (bool, error) {
	return s.finishSubmission(ctx, submissionID, SubmissionFailed, "", code, message)
}

// AttachExternalRef fills in an empty external reference. It never overwrites one.
func (s *PostgresStore) AttachExternalRef(ctx context.Context, submissionID, externalRef string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE submissions SET external_ref=$2, updated_at=NOW()
		WHERE id=$1 AND external_ref=''
	`, submissionID, externalRef)
	if err != nil {
		return false, fmt.Errorf("attach external ref: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("attach external ref: %w", err)
	}
	return n > 0, nil
}

// Jobs

const jobColumns = `id, org_id, dispute_id, method, status, next_run_at, attempts, max_attempts, last_error,
	created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (SubmissionJob, error) {
	var item SubmissionJob
	err := row.Scan(&item.ID, &item.OrgID, &item.DisputeID, &item.Method, &item.Status, &item.NextRunAt,
		&item.Attempts, &item.MaxAttempts, &item.LastError, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) InsertJob(ctx context.Context, item SubmissionJob) (SubmissionJob, error) {
	if item.ID == "" {
		item.ID = util.NewID("job")
	}
	if item.Status == "" {
		item.Status = JobScheduled
	}
	created, err := scanJob(s.q.QueryRowContext(ctx, `
		INSERT INTO submission_jobs (id, org_id, dispute_id, method, status, next_run_at, attempts, max_attempts, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+jobColumns,
		item.ID, item.OrgID, item.DisputeID, item.Method, item.Status, item.NextRunAt, item.Attempts,
		item.MaxAttempts, item.LastError))
	if err != nil {
		return SubmissionJob{}, fmt.Errorf("insert job: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, orgID, jobID string) (SubmissionJob, error) {
	item, err := scanJob(s.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM submission_jobs WHERE id=$1 AND org_id=$2`,
		jobID, orgID))
	if err != nil {
		return SubmissionJob{}, notFound(err)
	}
	return item, nil
}

// PendingJob returns the scheduled or processing job for a dispute, if any.
func (s *PostgresStore) PendingJob(ctx context.Context, disputeID string) (*SubmissionJob, error) {
	item, err := scanJob(s.q.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM submission_jobs
		WHERE dispute_id=$1 AND status IN ('scheduled', 'processing')
		ORDER BY next_run_at ASC LIMIT 1
	`, disputeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending job: %w", err)
	}
	return &item, nil
}

// ClaimDueJobs marks up to limit due jobs as processing and returns them. Jobs stuck in
// processing longer than lease are reclaimed.
func (s *PostgresStore) ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]SubmissionJob, error) {
	rows, err := s.q.QueryContext(ctx, `
		UPDATE submission_jobs
		SET status='processing', updated_at=$1
		WHERE id IN (
			SELECT id FROM submission_jobs
			WHERE (status='scheduled' AND next_run_at <= $1)
				OR (status='processing' AND updated_at <= $2)
			ORDER BY next_run_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now, now.Add(-lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	items := make([]SubmissionJob, 0)
	for rows.Next() {
		item, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, attempts int) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE submission_jobs SET status='completed', attempts=$2, last_error='', updated_at=NOW()
		WHERE id=$1 AND status='processing'
	`, jobID, attempts)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (s *PostgresStore) RescheduleJob(ctx context.Context, jobID string, attempts int, nextRunAt time.Time, lastError string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE submission_jobs SET status='scheduled', attempts=$2, next_run_at=$3, last_error=$4, updated_at=NOW()
		WHERE id=$1 AND status='processing'
	`, jobID, attempts, nextRunAt, lastError)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// FailJob marks a processing job failed and writes its dead-letter row in one transaction.
// The dead letter is unique per job, so repeated calls never produce a second one.
func (s *PostgresStore) FailJob(ctx context.Context, job SubmissionJob, attempts int, reason string) (bool, error) {
	var failed bool
	err := s.WithTx(ctx, func(tx *PostgresStore) error {
		res, err := tx.q.ExecContext(ctx, `
			UPDATE submission_jobs SET status='failed', attempts=$2, last_error=$3, updated_at=NOW()
			WHERE id=$1 AND status='processing'
		`, job.ID, attempts, reason)
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		if n == 0 {
			return nil
		}
		failed = true
		_, err = tx.q.ExecContext(ctx, `
			INSERT INTO dead_letters (id, job_id, dispute_id, reason, attempts)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (job_id) DO NOTHING
		`, util.NewID("dlq"), job.ID, job.DisputeID, reason, attempts)
		if err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		return nil
	})
	return failed, err
}

// CancelJob cancels a job that has not started yet.
func (s *PostgresStore) CancelJob(ctx context.Context, orgID, jobID string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE submission_jobs SET status='cancelled', updated_at=NOW()
		WHERE id=$1 AND org_id=$2 AND status='scheduled'
	`, jobID, orgID)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, disputeID string) ([]DeadLetter, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, job_id, dispute_id, reason, attempts, created_at
		FROM dead_letters WHERE dispute_id=$1 ORDER BY created_at ASC
	`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	items := make([]DeadLetter, 0)
	for rows.Next() {
		var item DeadLetter
		if err := rows.Scan(&item.ID, &item.JobID, &item.DisputeID, &item.Reason, &item.Attempts, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return items, nil
}

// Idempotency ledger and webhook events

// InsertIdempotencyKey reserves (provider, key). ErrDuplicate means it was already reserved.
func (s *PostgresStore) InsertIdempotencyKey(ctx context.Context, provider, key string) error {
	if key == "" {
		return fmt.Errorf("insert idempotency key: empty key")
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO idempotency_keys (provider, key) VALUES ($1, $2)
		ON CONFLICT (provider, key) DO NOTHING
	`, provider, key)
	return insertedOrDuplicate(res, err, "insert idempotency key")
}

// insertedOrDuplicate turns an ON CONFLICT DO NOTHING insert into ErrDuplicate when no row was
// written. A raised unique violation would abort an enclosing transaction.
func insertedOrDuplicate(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *PostgresStore) DeleteIdempotencyKey(ctx context.Context, provider, key string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE provider=$1 AND key=$2`, provider, key)
	if err != nil {
		return fmt.Errorf("delete idempotency key: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertWebhookEvent(ctx context.Context, item WebhookEvent) error {
	if item.ID == "" {
		item.ID = util.NewID("whk")
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO webhook_events (id, provider, idempotency_key, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, idempotency_key) DO NOTHING
	`, item.ID, item.Provider, item.IdempotencyKey, item.EventType, []byte(item.Payload))
	return insertedOrDuplicate(res, err, "insert webhook event")
}

func (s *PostgresStore) MarkWebhookProcessed(ctx context.Context, provider, key string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE webhook_events SET processed_at=NOW()
		WHERE provider=$1 AND idempotency_key=$2 AND processed_at IS NULL
	`, provider, key)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	return nil
}

// Outbox

func (s *PostgresStore) InsertOutbox(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, topic, body); err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, topic, payload, created_at
		FROM outbox WHERE dispatched_at IS NULL
		ORDER BY id ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	items := make([]OutboxMessage, 0)
	for rows.Next() {
		var (
			item    OutboxMessage
			payload []byte
		)
		if err := rows.Scan(&item.ID, &item.Topic, &payload, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkOutboxDispatched(ctx context.Context, id int64) error {
	if _, err := s.q.ExecContext(ctx, `UPDATE outbox SET dispatched_at=NOW() WHERE id=$1`, id); err != nil {
		return fmt.Errorf("mark outbox dispatched: %w", err)
	}
	return nil
}
