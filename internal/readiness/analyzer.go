// Package readiness scores a composed packet and lists the gaps that block submission.
package readiness

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"rebuttal/api/internal/evidence"
	"rebuttal/api/internal/store"
	"rebuttal/api/internal/templates"
)

type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warn"
)

// Gap codes that are not derived from a section or attachment type.
const (
	CodeMissingAVS              = "missing_avs"
	CodeMissingCVV              = "missing_cvv"
	CodeMissingDelivery         = "missing_delivery_confirmation"
	CodePartialRefund           = "partial_refund"
	CodeRefundCoversDispute     = "refund_covers_dispute"
	CodeDuplicateRefundCheck    = "duplicate_refund_check"
	CodeMissingTermsTimestamp   = "missing_terms_timestamp"
	CodeNoCustomerCommunication = "no_customer_communication"
	CodeDeadlinePassed          = "deadline_passed"
	CodeDeadlineApproaching     = "deadline_approaching"
)

const deliveryAttachment = "delivery_confirmation"

// DeadlineWarning is how close to due-by a dispute gets a deadline_approaching gap.
const DeadlineWarning = 48 * time.Hour

type Gap struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Target   string   `json:"target"`
}

type Report struct {
	Readiness int   `json:"readiness"`
	Gaps      []Gap `json:"gaps"`
}

// Blocking returns the error-severity gaps.
func (r Report) Blocking() []Gap {
	out := make([]Gap, 0)
	for _, g := range r.Gaps {
		if g.Severity == SeverityError {
			out = append(out, g)
		}
	}
	return out
}

func (r Report) HasErrors() bool {
	return len(r.Blocking()) > 0
}

type Input struct {
	Template    templates.Template
	Sections    []evidence.Section
	Attachments []evidence.Attachment
	Dispute     store.Dispute
	Refunds     []store.RefundEvent
	Now         time.Time
}

// Policy overrides the default severity of individual gap codes.
type Policy map[string]Severity

// ParsePolicy validates a code→severity map read from configuration.
func ParsePolicy(raw map[string]string) (Policy, error) {
	p := make(Policy, len(raw))
	for code, sev := range raw {
		switch Severity(strings.ToLower(strings.TrimSpace(sev))) {
		case SeverityError:
			p[code] = SeverityError
		case SeverityWarn:
			p[code] = SeverityWarn
		default:
			return nil, fmt.Errorf("readiness policy: unknown severity %q for %s", sev, code)
		}
	}
	return p, nil
}

type Analyzer struct {
	policy Policy
}

func NewAnalyzer(policy Policy) *Analyzer {
	return &Analyzer{policy: policy}
}

// Analyze is pure: the same input always yields the same report.
func (a *Analyzer) Analyze(in Input) Report {
	var gaps []Gap
	add := func(code string, def Severity, target, msg string) {
		sev := def
		if override, ok := a.policy[code]; ok {
			sev = override
		}
		gaps = append(gaps, Gap{Code: code, Severity: sev, Message: msg, Target: target})
	}

	rules := in.Template.Rules
	sections := map[string]evidence.Section{}
	for _, s := range in.Sections {
		sections[s.Title] = s
	}
	attachments := map[string]evidence.Attachment{}
	for _, att := range in.Attachments {
		attachments[att.Type] = att
	}

	total, present := 0, 0

	for _, spec := range in.Template.Sections {
		if !spec.Required {
			continue
		}
		total++
		s, ok := sections[spec.Title]
		if ok && (!s.MissingData || s.Overridden) {
			present++
			continue
		}
		add("missing_"+spec.Type, SeverityError, "section:"+spec.Title,
			fmt.Sprintf("Required section %q has no supporting data.", spec.Title))
	}

	for _, spec := range in.Template.Attachments {
		if !spec.Required {
			continue
		}
		total++
		if attachments[spec.Type].Present {
			present++
			continue
		}
		if spec.Type == deliveryAttachment && rules.RequireDelivery {
			continue
		}
		add("missing_"+spec.Type, SeverityError, "attachment:"+spec.Type,
			fmt.Sprintf("Required attachment %q has not been uploaded.", spec.Title))
	}

	if rules.RequireAVSCVV {
		if firstFact(in.Sections, evidence.FactAVSResult) == "" {
			add(CodeMissingAVS, SeverityError, "field:"+evidence.FactAVSResult, "No AVS result was recorded for the payment.")
		}
		if firstFact(in.Sections, evidence.FactCVVResult) == "" {
			add(CodeMissingCVV, SeverityError, "field:"+evidence.FactCVVResult, "No CVV result was recorded for the payment.")
		}
	}

	if rules.RequireDelivery && !attachments[deliveryAttachment].Present {
		sev := SeverityWarn
		if rules.DeliveryStrict {
			sev = SeverityError
		}
		add(CodeMissingDelivery, sev, "attachment:"+deliveryAttachment, "No proof of delivery has been uploaded.")
	}

	a.refundGaps(in, add)

	if rules.RequireTermsTimestamp && firstFact(in.Sections, evidence.FactTermsAcceptedAt) == "" {
		add(CodeMissingTermsTimestamp, SeverityWarn, "field:"+evidence.FactTermsAcceptedAt,
			"The customer's terms of service acceptance time is not on record.")
	}

	if rules.RecommendCommunication && !hasSection(in.Sections, evidence.SectionCustomerCommunication) {
		add(CodeNoCustomerCommunication, SeverityWarn, "section:"+evidence.SectionCustomerCommunication,
			"No customer communication is included; prior contact often strengthens a rebuttal.")
	}

	if due := in.Dispute.DueBy; due != nil && !in.Dispute.Status.Terminal() && !in.Now.IsZero() {
		switch {
		case !in.Now.Before(*due):
			add(CodeDeadlinePassed, SeverityError, "dispute:due_by",
				fmt.Sprintf("The evidence deadline passed at %s.", due.UTC().Format(time.RFC3339)))
		case due.Sub(in.Now) <= DeadlineWarning:
			add(CodeDeadlineApproaching, SeverityWarn, "dispute:due_by",
				fmt.Sprintf("Evidence is due by %s.", due.UTC().Format(time.RFC3339)))
		}
	}

	if gaps == nil {
		gaps = []Gap{}
	}
	return Report{Readiness: score(present, total), Gaps: gaps}
}

func (a *Analyzer) refundGaps(in Input, add func(code string, def Severity, target, msg string)) {
	if len(in.Refunds) == 0 {
		return
	}
	const target = "section:" + evidence.SectionRefundHistory

	sum := decimal.Zero
	seen := map[string]int{}
	for _, r := range in.Refunds {
		sum = sum.Add(r.Amount)
		seen[r.Amount.StringFixed(2)]++
	}
	amount := in.Dispute.Amount
	switch {
	case sum.Sign() > 0 && sum.LessThan(amount):
		add(CodePartialRefund, SeverityWarn, target,
			fmt.Sprintf("Refunds of %s partially cover the disputed %s.", sum.StringFixed(2), amount.StringFixed(2)))
	case sum.Sign() > 0 && sum.GreaterThanOrEqual(amount):
		add(CodeRefundCoversDispute, SeverityError, target,
			fmt.Sprintf("Refunds of %s already cover the disputed %s.", sum.StringFixed(2), amount.StringFixed(2)))
	}

	for _, r := range in.Refunds {
		key := r.Amount.StringFixed(2)
		if seen[key] > 1 {
			add(CodeDuplicateRefundCheck, SeverityWarn, target,
				fmt.Sprintf("%d refunds of %s were issued; check for a duplicate refund.", seen[key], key))
			return
		}
	}
}

func score(present, total int) int {
	if total == 0 {
		return 100
	}
	v := int(math.Round(100 * float64(present) / float64(total)))
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func firstFact(sections []evidence.Section, key string) string {
	for _, s := range sections {
		if v := s.Fact(key); v != "" {
			return v
		}
	}
	return ""
}

func hasSection(sections []evidence.Section, sectionType string) bool {
	for _, s := range sections {
		if s.Type == sectionType && (!s.MissingData || s.Overridden) {
			return true
		}
	}
	return false
}
