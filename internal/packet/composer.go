// Package packet assembles a dispute's evidence into one deterministic packet.
package packet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"rebuttal/api/internal/evidence"
	"rebuttal/api/internal/readiness"
	"rebuttal/api/internal/store"
	"rebuttal/api/internal/templates"
)

var (
	ErrDisputeNotFound = errors.New("packet: dispute not found")
	ErrSectionLocked   = errors.New("packet: section is locked")
	ErrSectionNotFound = errors.New("packet: section not in template")
)

// Scope is the organization every call acts on behalf of.
type Scope struct {
	OrgID string
}

type Metadata struct {
	Provider          string     `json:"provider"`
	ProviderDisputeID string     `json:"providerDisputeId"`
	OrderNumber       string     `json:"orderNumber"`
	Status            string     `json:"status"`
	DueBy             *time.Time `json:"dueBy,omitempty"`
}

type Packet struct {
	DisputeID      string                `json:"disputeId"`
	OrgID          string                `json:"orgId"`
	Classification string                `json:"classification"`
	Network        string                `json:"network"`
	Amount         decimal.Decimal       `json:"amount"`
	Currency       string                `json:"currency"`
	Metadata       Metadata              `json:"metadata"`
	Sections       []evidence.Section    `json:"sections"`
	Attachments    []evidence.Attachment `json:"attachments"`
	Readiness      int                   `json:"readiness"`
	Gaps           []readiness.Gap       `json:"gaps"`
	Guidance       []string              `json:"guidance"`
}

// Section returns the section with title, if present.
func (p Packet) Section(title string) (evidence.Section, bool) {
	for _, s := range p.Sections {
		if s.Title == title {
			return s, true
		}
	}
	return evidence.Section{}, false
}

// Fact returns the first non-empty value for key across all sections.
func (p Packet) Fact(key string) string {
	for _, s := range p.Sections {
		if v := s.Fact(key); v != "" {
			return v
		}
	}
	return ""
}

// Report is the analyzer's view of the packet.
func (p Packet) Report() readiness.Report {
	return readiness.Report{Readiness: p.Readiness, Gaps: p.Gaps}
}

type dataSource interface {
	GetDispute(context.Context, string, string) (store.Dispute, error)
	GetOrder(context.Context, string, string) (store.Order, error)
	ListShipments(context.Context, string) ([]store.Shipment, error)
	ListSessions(context.Context, string) ([]store.Session, error)
	ListCommunications(context.Context, string) ([]store.Communication, error)
	ListRefundEvents(context.Context, string) ([]store.RefundEvent, error)
	GetOverride(context.Context, string, string) (*store.Override, error)
	DeleteOverride(context.Context, string, string) error
}

type attachmentResolver interface {
	Resolve(context.Context, store.Dispute, templates.AttachmentSpec) (evidence.Attachment, error)
}

type Composer struct {
	source      dataSource
	registry    *templates.Registry
	builder     *evidence.Builder
	attachments attachmentResolver
	analyzer    *readiness.Analyzer
	now         func() time.Time
}

func NewComposer(source dataSource, registry *templates.Registry, builder *evidence.Builder, attachments attachmentResolver, analyzer *readiness.Analyzer) *Composer {
	return &Composer{
		source:      source,
		registry:    registry,
		builder:     builder,
		attachments: attachments,
		analyzer:    analyzer,
		now:         time.Now,
	}
}

// WithClock replaces the time source used for deadline gaps.
func (c *Composer) WithClock(now func() time.Time) *Composer {
	c.now = now
	return c
}

// Compose performs no writes. Identical records yield an identical packet.
func (c *Composer) Compose(ctx context.Context, scope Scope, disputeID string) (Packet, error) {
	dispute, err := c.loadDispute(ctx, scope, disputeID)
	if err != nil {
		return Packet{}, err
	}
	records, err := c.loadRecords(ctx, dispute)
	if err != nil {
		return Packet{}, err
	}
	tmpl := c.registry.Resolve(dispute.Classification)

	sections := make([]evidence.Section, 0, len(tmpl.Sections))
	for _, spec := range tmpl.Sections {
		section, ok := c.builder.Build(spec, dispute, records)
		override, err := c.source.GetOverride(ctx, dispute.ID, spec.Title)
		if err != nil {
			return Packet{}, fmt.Errorf("load override %q: %w", spec.Title, err)
		}
		if override != nil {
			if !ok {
				section = evidence.Section{Type: spec.Type, Title: spec.Title, Required: spec.Required, Weight: spec.Weight, Facts: []evidence.Fact{}}
				ok = true
			}
			section.Content = override.Content
			section.Overridden = true
			section.Locked = override.Locked
		}
		if ok {
			sections = append(sections, section)
		}
	}
	sort.SliceStable(sections, func(i, j int) bool { return sections[i].Weight > sections[j].Weight })

	attachments := make([]evidence.Attachment, 0, len(tmpl.Attachments))
	for _, spec := range tmpl.Attachments {
		att, err := c.attachments.Resolve(ctx, dispute, spec)
		if err != nil {
			return Packet{}, err
		}
		attachments = append(attachments, att)
	}

	report := c.analyzer.Analyze(readiness.Input{
		Template:    tmpl,
		Sections:    sections,
		Attachments: attachments,
		Dispute:     dispute,
		Refunds:     records.Refunds,
		Now:         c.now(),
	})

	p := Packet{
		DisputeID:      dispute.ID,
		OrgID:          dispute.OrgID,
		Classification: tmpl.Classification,
		Network:        dispute.Network,
		Amount:         dispute.Amount,
		Currency:       dispute.Currency,
		Metadata: Metadata{
			Provider:          dispute.Provider,
			ProviderDisputeID: dispute.ProviderDisputeID,
			Status:            string(dispute.Status),
			DueBy:             dispute.DueBy,
		},
		Sections:    sections,
		Attachments: attachments,
		Readiness:   report.Readiness,
		Gaps:        report.Gaps,
		Guidance:    c.registry.Guidance(tmpl, dispute.Network),
	}
	if records.Order != nil {
		p.Metadata.OrderNumber = records.Order.Number
	}
	return p, nil
}

// Regenerate drops an unlocked override and returns the freshly built section.
func (c *Composer) Regenerate(ctx context.Context, scope Scope, disputeID, title string) (evidence.Section, error) {
	dispute, err := c.loadDispute(ctx, scope, disputeID)
	if err != nil {
		return evidence.Section{}, err
	}
	tmpl := c.registry.Resolve(dispute.Classification)

	var (
		spec  templates.SectionSpec
		found bool
	)
	for _, s := range tmpl.Sections {
		if s.Title == title {
			spec, found = s, true
			break
		}
	}
	if !found {
		return evidence.Section{}, ErrSectionNotFound
	}

	override, err := c.source.GetOverride(ctx, dispute.ID, title)
	if err != nil {
		return evidence.Section{}, fmt.Errorf("load override %q: %w", title, err)
	}
	if override != nil {
		if override.Locked {
			return evidence.Section{}, ErrSectionLocked
		}
		if err := c.source.DeleteOverride(ctx, dispute.ID, title); err != nil {
			return evidence.Section{}, err
		}
	}

	records, err := c.loadRecords(ctx, dispute)
	if err != nil {
		return evidence.Section{}, err
	}
	forced := spec
	forced.Required = true
	section, _ := c.builder.Build(forced, dispute, records)
	section.Required = spec.Required
	return section, nil
}

func (c *Composer) loadDispute(ctx context.Context, scope Scope, disputeID string) (store.Dispute, error) {
	dispute, err := c.source.GetDispute(ctx, scope.OrgID, disputeID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Dispute{}, ErrDisputeNotFound
	}
	if err != nil {
		return store.Dispute{}, fmt.Errorf("load dispute: %w", err)
	}
	return dispute, nil
}

func (c *Composer) loadRecords(ctx context.Context, dispute store.Dispute) (evidence.Records, error) {
	var records evidence.Records
	if dispute.OrderID == "" {
		return records, nil
	}
	order, err := c.source.GetOrder(ctx, dispute.OrgID, dispute.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return records, nil
	}
	if err != nil {
		return records, fmt.Errorf("load order: %w", err)
	}
	records.Order = &order

	if records.Shipments, err = c.source.ListShipments(ctx, order.ID); err != nil {
		return records, err
	}
	if records.Sessions, err = c.source.ListSessions(ctx, order.ID); err != nil {
		return records, err
	}
	if records.Communications, err = c.source.ListCommunications(ctx, order.ID); err != nil {
		return records, err
	}
	if records.Refunds, err = c.source.ListRefundEvents(ctx, order.ID); err != nil {
		return records, err
	}
	return records, nil
}
