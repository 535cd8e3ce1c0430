package models

import "time"

// Event types published to the session event stream
const (
	EventTypeSessionCreated   = "SESSION_CREATED"
	EventTypeSessionCancelled = "SESSION_CANCELLED"
	EventTypePaymentInitiated = "PAYMENT_INITIATED"
	EventTypePaymentConfirmed = "PAYMENT_CONFIRMED"
	EventTypePaymentFailed    = "PAYMENT_FAILED"
	EventTypeOrderSubmitted   = "ORDER_SUBMITTED"
	EventTypeOrderFailed      = "ORDER_FAILED"
	EventTypeWebhookOrphaned  = "WEBHOOK_ORPHANED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionCreatedEvent published when a kiosk session is created
type SessionCreatedEvent struct {
	BaseEvent
	SessionID string `json:"session_id"`
	MachineID string `json:"machine_id"`
	ExpiresAt string `json:"expires_at"`
}

// SessionCancelledEvent published when a session is cancelled by the kiosk
type SessionCancelledEvent struct {
	BaseEvent
	SessionID string `json:"session_id"`
	MachineID string `json:"machine_id"`
}

// PaymentInitiatedEvent published when the partner accepts a payment initiation
type PaymentInitiatedEvent struct {
	BaseEvent
	SessionID     string  `json:"session_id"`
	CorrelationID string  `json:"correlation_id"`
	Amount        float64 `json:"amount"`
}

// PaymentConfirmedEvent published when the partner's callback reports paid
type PaymentConfirmedEvent struct {
	BaseEvent
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id"`
	StatusCode    string `json:"status_code"`
}

// PaymentFailedEvent published when the partner's callback reports failure
type PaymentFailedEvent struct {
	BaseEvent
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id"`
	StatusCode    string `json:"status_code"`
}

// OrderSubmittedEvent published when the partner accepts an order
type OrderSubmittedEvent struct {
	BaseEvent
	SessionID      string `json:"session_id"`
	OrderID        string `json:"order_id"`
	PartnerOrderID string `json:"partner_order_id"`
	QueueNumber    string `json:"queue_number"`
}

// OrderFailedEvent published when order submission exhausts all fallbacks
type OrderFailedEvent struct {
	BaseEvent
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id"`
	Reason        string `json:"reason"`
}

// WebhookOrphanedEvent published when a payment confirmation matches no
// session; these require manual follow-up and must never be dropped.
type WebhookOrphanedEvent struct {
	BaseEvent
	CorrelationID string `json:"correlation_id"`
	StatusCode    string `json:"status_code"`
}
