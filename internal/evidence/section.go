// Package evidence turns dispute records into evidence sections and attachment references.
package evidence

import (
	"rebuttal/api/internal/store"
)

// Section types understood by the builder.
const (
	SectionOrderDetails          = "order_details"
	SectionCustomerVerification  = "customer_verification"
	SectionShippingInformation   = "shipping_information"
	SectionRefundHistory         = "refund_history"
	SectionCustomerCommunication = "customer_communication"
	SectionSessionActivity       = "session_activity"
	SectionTermsOfService        = "terms_of_service"
	SectionProductDescription    = "product_description"
)

// Fact keys read by provider adapters and the readiness analyzer.
const (
	FactOrderNumber        = "order_number"
	FactOrderDate          = "order_date"
	FactOrderTotal         = "order_total"
	FactCustomerName       = "customer_name"
	FactCustomerEmail      = "customer_email"
	FactBillingAddress     = "billing_address"
	FactShippingAddress    = "shipping_address"
	FactLineItems          = "line_items"
	FactAVSResult          = "avs_result"
	FactCVVResult          = "cvv_result"
	FactThreeDSResult      = "three_ds_result"
	FactIPAddress          = "ip_address"
	FactUserAgent          = "user_agent"
	FactDeviceID           = "device_id"
	FactSessionStartedAt   = "session_started_at"
	FactCarrier            = "carrier"
	FactTrackingNumber     = "tracking_number"
	FactShippingStatus     = "shipping_status"
	FactShippedAt          = "shipped_at"
	FactDeliveredAt        = "delivered_at"
	FactSignedBy           = "signed_by"
	FactDeliveryAddress    = "delivery_address"
	FactRefundCount        = "refund_count"
	FactRefundTotal        = "refund_total"
	FactRefundRemaining    = "refund_remaining"
	FactCommunicationCount = "communication_count"
	FactLastContactAt      = "last_contact_at"
	FactLastContactVia     = "last_contact_channel"
	FactTermsAcceptedAt    = "terms_accepted_at"
	FactProductSummary     = "product_summary"
)

type Fact struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Section struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	Facts       []Fact `json:"facts"`
	Required    bool   `json:"required"`
	Weight      int    `json:"weight"`
	MissingData bool   `json:"missingData"`
	Overridden  bool   `json:"overridden"`
	Locked      bool   `json:"locked"`
}

// Fact returns the first value recorded under key, or "".
func (s Section) Fact(key string) string {
	for _, f := range s.Facts {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

// Records is everything linked to a dispute through its order reference.
type Records struct {
	Order          *store.Order
	Shipments      []store.Shipment
	Sessions       []store.Session
	Communications []store.Communication
	Refunds        []store.RefundEvent
}

type Attachment struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Required bool   `json:"required"`
	Present  bool   `json:"present"`
	Path     string `json:"path"`
}
