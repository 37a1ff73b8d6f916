package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"rebuttal/api/internal/events"
)

const indexSubmissions = "rebuttal_submissions"

var (
	filterableAttributes = []string{"orgId", "disputeId", "status", "classification", "provider", "method"}
	searchableAttributes = []string{"providerDisputeId", "orderNumber", "externalRef", "classification", "sections"}
)

// Meili keeps archive records in a Meilisearch index.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	logger  *slog.Logger
}

// NewMeili connects and configures the index. An unreachable server is retried by a background
// health loop.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		logger: logger,
	}
	if _, err := m.client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}
	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        indexSubmissions,
		PrimaryKey: "submissionId",
	}); err != nil {
		m.logger.Debug("create archive index (may already exist)", "error", err)
	}
	index := m.client.Index(indexSubmissions)
	filterable := make([]interface{}, len(filterableAttributes))
	for i, v := range filterableAttributes {
		filterable[i] = v
	}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update archive filterable attributes", "error", err)
	}
	searchable := append([]string(nil), searchableAttributes...)
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update archive searchable attributes", "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring archive index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the health loop.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Index(_ context.Context, records ...events.ArchiveRecord) error {
	if len(records) == 0 {
		return nil
	}
	if _, err := m.client.Index(indexSubmissions).AddDocuments(records, nil); err != nil {
		m.healthy.Store(false)
		return fmt.Errorf("index archive records: %w", err)
	}
	return nil
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              indexSubmissions,
			Query:                 q.Text,
			Limit:                 int64(q.Limit),
			Offset:                int64(q.Offset),
			Filter:                filters(q),
			AttributesToHighlight: []string{"providerDisputeId", "orderNumber", "externalRef"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var (
		results []Result
		total   int
	)
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

// filters always scopes to the org so one tenant never sees another's archive.
func filters(q Query) []string {
	out := []string{fmt.Sprintf("orgId = %q", q.OrgID)}
	if q.Status != "" {
		out = append(out, fmt.Sprintf("status = %q", q.Status))
	}
	return out
}

func hitToResult(hit meili.Hit) Result {
	var r Result
	raw, err := json.Marshal(hit)
	if err == nil {
		_ = json.Unmarshal(raw, &r.ArchiveRecord)
	}
	r.Snippet = firstNonBlank(
		decodeFormattedString(hit, "providerDisputeId"),
		decodeFormattedString(hit, "orderNumber"),
		decodeFormattedString(hit, "externalRef"),
	)
	return r
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	if !strings.Contains(s, "<mark>") {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
