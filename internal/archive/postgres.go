package archive

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Postgres searches submissions directly when the index is unavailable.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Healthy is always true; without Postgres nothing else works either.
func (p *Postgres) Healthy() bool {
	return true
}

func (p *Postgres) Search(ctx context.Context, q Query) ([]Result, int, error) {
	where := []string{"d.org_id = $1"}
	args := []any{q.OrgID}
	if text := strings.TrimSpace(q.Text); text != "" {
		args = append(args, "%"+escapeLike(text)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(`(d.provider_dispute_id ILIKE $%d OR coalesce(o.number, '') ILIKE $%d
			OR s.external_ref ILIKE $%d OR d.classification ILIKE $%d)`, n, n, n, n))
	}
	if q.Status != "" {
		args = append(args, q.Status)
		where = append(where, fmt.Sprintf("s.status = $%d", len(args)))
	}
	args = append(args, q.Limit, q.Offset)

	rows, err := p.db.QueryContext(ctx, `
		SELECT s.id, d.org_id, d.id, d.provider, d.provider_dispute_id, coalesce(o.number, ''),
			d.classification, s.method, s.status, s.content_hash, s.document_path, s.external_ref,
			d.amount, d.currency, s.created_at, count(*) OVER ()
		FROM submissions s
		JOIN disputes d ON d.id = s.dispute_id
		LEFT JOIN orders o ON o.id = d.order_id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY s.created_at DESC, s.id DESC
		LIMIT $`+fmt.Sprint(len(args)-1)+` OFFSET $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("archive search: %w", err)
	}
	defer rows.Close()

	var (
		results []Result
		total   int
	)
	for rows.Next() {
		var (
			r      Result
			amount decimal.Decimal
		)
		rec := &r.ArchiveRecord
		if err := rows.Scan(&rec.SubmissionID, &rec.OrgID, &rec.DisputeID, &rec.Provider, &rec.ProviderDisputeID,
			&rec.OrderNumber, &rec.Classification, &rec.Method, &rec.Status, &rec.ContentHash, &rec.DocumentPath,
			&rec.ExternalRef, &amount, &rec.Currency, &rec.CreatedAt, &total); err != nil {
			return nil, 0, fmt.Errorf("scan archive row: %w", err)
		}
		rec.Amount = amount
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate archive rows: %w", err)
	}
	return results, total, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
