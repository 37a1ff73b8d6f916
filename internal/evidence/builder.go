package evidence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"rebuttal/api/internal/store"
	"rebuttal/api/internal/templates"
)

type buildFunc func(dispute store.Dispute, records Records) (content string, facts []Fact, missing string)

// Builder extracts one section per template entry. It is stateless.
type Builder struct {
	rules map[string]buildFunc
}

func NewBuilder() *Builder {
	return &Builder{rules: map[string]buildFunc{
		SectionOrderDetails:          buildOrderDetails,
		SectionCustomerVerification:  buildCustomerVerification,
		SectionShippingInformation:   buildShippingInformation,
		SectionRefundHistory:         buildRefundHistory,
		SectionCustomerCommunication: buildCustomerCommunication,
		SectionSessionActivity:       buildSessionActivity,
		SectionTermsOfService:        buildTermsOfService,
		SectionProductDescription:    buildProductDescription,
	}}
}

// Build returns ok=false when the source data is absent and the section is optional.
// A required section with absent data is returned with MissingData set.
func (b *Builder) Build(spec templates.SectionSpec, dispute store.Dispute, records Records) (Section, bool) {
	section := Section{
		Type:     spec.Type,
		Title:    spec.Title,
		Required: spec.Required,
		Weight:   spec.Weight,
		Facts:    []Fact{},
	}

	rule, known := b.rules[spec.Type]
	var (
		content string
		facts   []Fact
		missing string
	)
	if known {
		content, facts, missing = rule(dispute, records)
	} else {
		missing = fmt.Sprintf("no extraction rule for section type %q", spec.Type)
	}

	if missing != "" {
		if !spec.Required {
			return Section{}, false
		}
		section.MissingData = true
		section.Content = "Missing data: " + missing + "."
		return section, true
	}
	section.Content = content
	if facts != nil {
		section.Facts = facts
	}
	return section, true
}

func formatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func money(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(2) + " " + strings.ToUpper(currency)
}

func noOrder(dispute store.Dispute) string {
	if dispute.OrderID == "" {
		return "the dispute is not linked to an order"
	}
	return fmt.Sprintf("order %s was not found", dispute.OrderID)
}

func buildOrderDetails(dispute store.Dispute, records Records) (string, []Fact, string) {
	order := records.Order
	if order == nil {
		return "", nil, noOrder(dispute)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Order %s was placed on %s", order.Number, formatDate(order.PlacedAt))
	if order.CustomerName != "" {
		fmt.Fprintf(&b, " by %s", order.CustomerName)
		if order.CustomerEmail != "" {
			fmt.Fprintf(&b, " (%s)", order.CustomerEmail)
		}
	}
	fmt.Fprintf(&b, " for a total of %s.", money(order.Total, order.Currency))
	for _, item := range order.LineItems {
		fmt.Fprintf(&b, "\n- %d x %s at %s", item.Quantity, item.Description, money(item.UnitPrice, order.Currency))
	}
	if order.BillingAddress != "" {
		fmt.Fprintf(&b, "\nBilling address: %s", order.BillingAddress)
	}
	if order.ShippingAddress != "" {
		fmt.Fprintf(&b, "\nShipping address: %s", order.ShippingAddress)
	}

	facts := []Fact{
		{Key: FactOrderNumber, Value: order.Number},
		{Key: FactOrderDate, Value: formatTimestamp(order.PlacedAt)},
		{Key: FactOrderTotal, Value: order.Total.StringFixed(2)},
		{Key: FactCustomerName, Value: order.CustomerName},
		{Key: FactCustomerEmail, Value: order.CustomerEmail},
		{Key: FactBillingAddress, Value: order.BillingAddress},
		{Key: FactShippingAddress, Value: order.ShippingAddress},
		{Key: FactLineItems, Value: strconv.Itoa(len(order.LineItems))},
	}
	return b.String(), facts, ""
}

var avsDescriptions = map[string]string{
	"Y": "street address and postal code match",
	"A": "street address matches, postal code does not",
	"Z": "postal code matches, street address does not",
	"N": "neither street address nor postal code match",
	"U": "address information unavailable",
	"R": "issuer system unavailable, retry",
	"S": "AVS not supported by issuer",
	"G": "non-US issuer does not participate",
}

var cvvDescriptions = map[string]string{
	"M": "CVV matched",
	"N": "CVV did not match",
	"P": "CVV not processed",
	"U": "issuer not certified for CVV",
	"S": "CVV should be on card but merchant indicated it is not present",
}

func describe(table map[string]string, code string) string {
	if d, ok := table[strings.ToUpper(code)]; ok {
		return fmt.Sprintf("%s (%s)", strings.ToUpper(code), d)
	}
	return code
}

func buildCustomerVerification(dispute store.Dispute, records Records) (string, []Fact, string) {
	order := records.Order
	if order == nil {
		return "", nil, noOrder(dispute)
	}
	var session *store.Session
	if len(records.Sessions) > 0 {
		session = &records.Sessions[0]
	}
	if order.AVSResult == "" && order.CVVResult == "" && session == nil {
		return "", nil, "no AVS, CVV or session verification data was recorded"
	}

	var lines []string
	if order.AVSResult != "" {
		lines = append(lines, "AVS result: "+describe(avsDescriptions, order.AVSResult))
	}
	if order.CVVResult != "" {
		lines = append(lines, "CVV result: "+describe(cvvDescriptions, order.CVVResult))
	}
	facts := []Fact{
		{Key: FactAVSResult, Value: order.AVSResult},
		{Key: FactCVVResult, Value: order.CVVResult},
	}
	if session != nil {
		if session.ThreeDSResult != "" {
			lines = append(lines, "3-D Secure: "+session.ThreeDSResult)
		}
		if session.IPAddress != "" {
			lines = append(lines, "Purchase IP address: "+session.IPAddress)
		}
		facts = append(facts,
			Fact{Key: FactThreeDSResult, Value: session.ThreeDSResult},
			Fact{Key: FactIPAddress, Value: session.IPAddress},
		)
	}
	return strings.Join(lines, "\n"), facts, ""
}

func buildShippingInformation(dispute store.Dispute, records Records) (string, []Fact, string) {
	if len(records.Shipments) == 0 {
		return "", nil, "no shipment records are linked to the order"
	}
	// The most recently delivered shipment carries the strongest proof.
	primary := records.Shipments[0]
	for _, s := range records.Shipments[1:] {
		if s.DeliveredAt != nil && (primary.DeliveredAt == nil || s.DeliveredAt.After(*primary.DeliveredAt)) {
			primary = s
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Shipped via %s with tracking number %s", orUnknown(primary.Carrier), orUnknown(primary.TrackingNumber))
	if primary.ShippedAt != nil {
		fmt.Fprintf(&b, " on %s", formatDate(*primary.ShippedAt))
	}
	b.WriteString(".")
	if primary.Status != "" {
		fmt.Fprintf(&b, " Carrier status: %s.", primary.Status)
	}
	if primary.DeliveredAt != nil {
		fmt.Fprintf(&b, " Delivered on %s", formatDate(*primary.DeliveredAt))
		if primary.DeliveryAddress != "" {
			fmt.Fprintf(&b, " to %s", primary.DeliveryAddress)
		}
		b.WriteString(".")
	}
	if primary.SignedBy != "" {
		fmt.Fprintf(&b, " Signed for by %s.", primary.SignedBy)
	}
	if n := len(records.Shipments); n > 1 {
		fmt.Fprintf(&b, " The order shipped in %d parcels.", n)
	}

	facts := []Fact{
		{Key: FactCarrier, Value: primary.Carrier},
		{Key: FactTrackingNumber, Value: primary.TrackingNumber},
		{Key: FactShippingStatus, Value: primary.Status},
		{Key: FactShippedAt, Value: optionalTimestamp(primary.ShippedAt)},
		{Key: FactDeliveredAt, Value: optionalTimestamp(primary.DeliveredAt)},
		{Key: FactSignedBy, Value: primary.SignedBy},
		{Key: FactDeliveryAddress, Value: primary.DeliveryAddress},
	}
	return b.String(), facts, ""
}

func buildRefundHistory(dispute store.Dispute, records Records) (string, []Fact, string) {
	if len(records.Refunds) == 0 {
		return "", nil, "no refunds were issued for the order"
	}
	total := decimal.Zero
	var b strings.Builder
	for _, r := range records.Refunds {
		total = total.Add(r.Amount)
		fmt.Fprintf(&b, "- %s refunded on %s", money(r.Amount, dispute.Currency), formatDate(r.CreatedAt))
		if r.Method != "" {
			fmt.Fprintf(&b, " via %s", r.Method)
		}
		if r.ExternalRef != "" {
			fmt.Fprintf(&b, " (ref %s)", r.ExternalRef)
		}
		b.WriteString("\n")
	}
	remaining := dispute.Amount.Sub(total)
	switch {
	case remaining.Sign() <= 0:
		fmt.Fprintf(&b, "Refunds totalling %s cover the disputed amount of %s.",
			money(total, dispute.Currency), money(dispute.Amount, dispute.Currency))
	default:
		fmt.Fprintf(&b, "Refunds totalling %s were issued against a disputed amount of %s; %s remains in dispute.",
			money(total, dispute.Currency), money(dispute.Amount, dispute.Currency), money(remaining, dispute.Currency))
	}
	if remaining.Sign() < 0 {
		remaining = decimal.Zero
	}

	facts := []Fact{
		{Key: FactRefundCount, Value: strconv.Itoa(len(records.Refunds))},
		{Key: FactRefundTotal, Value: total.StringFixed(2)},
		{Key: FactRefundRemaining, Value: remaining.StringFixed(2)},
	}
	return b.String(), facts, ""
}

func buildCustomerCommunication(_ store.Dispute, records Records) (string, []Fact, string) {
	if len(records.Communications) == 0 {
		return "", nil, "no customer communication was recorded"
	}
	var b strings.Builder
	last := records.Communications[0]
	for _, c := range records.Communications {
		if c.SentAt.After(last.SentAt) {
			last = c
		}
		fmt.Fprintf(&b, "- %s %s via %s", formatDate(c.SentAt), c.Direction, c.Channel)
		if c.Subject != "" {
			fmt.Fprintf(&b, ": %s", c.Subject)
		}
		b.WriteString("\n")
	}
	facts := []Fact{
		{Key: FactCommunicationCount, Value: strconv.Itoa(len(records.Communications))},
		{Key: FactLastContactAt, Value: formatTimestamp(last.SentAt)},
		{Key: FactLastContactVia, Value: last.Channel},
	}
	return strings.TrimRight(b.String(), "\n"), facts, ""
}

func buildSessionActivity(_ store.Dispute, records Records) (string, []Fact, string) {
	if len(records.Sessions) == 0 {
		return "", nil, "no checkout session activity was recorded"
	}
	var b strings.Builder
	for _, s := range records.Sessions {
		fmt.Fprintf(&b, "- %s from IP %s", formatTimestamp(s.StartedAt), orUnknown(s.IPAddress))
		if s.DeviceID != "" {
			fmt.Fprintf(&b, ", device %s", s.DeviceID)
		}
		if s.UserAgent != "" {
			fmt.Fprintf(&b, ", %s", s.UserAgent)
		}
		b.WriteString("\n")
	}
	first := records.Sessions[0]
	facts := []Fact{
		{Key: FactIPAddress, Value: first.IPAddress},
		{Key: FactUserAgent, Value: first.UserAgent},
		{Key: FactDeviceID, Value: first.DeviceID},
		{Key: FactSessionStartedAt, Value: formatTimestamp(first.StartedAt)},
	}
	return strings.TrimRight(b.String(), "\n"), facts, ""
}

func buildTermsOfService(dispute store.Dispute, records Records) (string, []Fact, string) {
	if records.Order == nil {
		return "", nil, noOrder(dispute)
	}
	if records.Order.TermsAcceptedAt == nil {
		return "", nil, "the customer's terms of service acceptance was not recorded"
	}
	at := *records.Order.TermsAcceptedAt
	content := fmt.Sprintf("The customer accepted the terms of service at checkout on %s.", formatTimestamp(at))
	return content, []Fact{{Key: FactTermsAcceptedAt, Value: formatTimestamp(at)}}, ""
}

func buildProductDescription(dispute store.Dispute, records Records) (string, []Fact, string) {
	if records.Order == nil {
		return "", nil, noOrder(dispute)
	}
	if len(records.Order.LineItems) == 0 {
		return "", nil, "the order has no line items to describe"
	}
	parts := make([]string, 0, len(records.Order.LineItems))
	for _, item := range records.Order.LineItems {
		desc := item.Description
		if item.SKU != "" {
			desc += " (SKU " + item.SKU + ")"
		}
		parts = append(parts, desc)
	}
	summary := strings.Join(parts, "; ")
	return "Products purchased: " + summary + ".", []Fact{{Key: FactProductSummary, Value: summary}}, ""
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "unknown"
	}
	return v
}

func optionalTimestamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTimestamp(*t)
}
