package models

import (
	"database/sql"
	"time"
)

// Machine represents a kiosk. Machines are created lazily the first time a
// session names an unknown machine id.
type Machine struct {
	ID         string    `db:"id" json:"id"`
	Location   string    `db:"location" json:"location"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	LastSeenAt time.Time `db:"last_seen_at" json:"last_seen_at"`
}

// Session represents one design/checkout attempt on one kiosk.
type Session struct {
	ID            string         `db:"id" json:"session_id"`
	MachineID     string         `db:"machine_id" json:"machine_id"`
	Status        string         `db:"status" json:"status"`
	UserProgress  string         `db:"user_progress" json:"user_progress"`
	PaymentAmount float64        `db:"payment_amount" json:"payment_amount"`
	OrderID       sql.NullString `db:"order_id" json:"order_id,omitempty"`
	Data          SessionData    `db:"data" json:"data"`
	ExpiresAt     time.Time      `db:"expires_at" json:"expires_at"`
	LastActivity  time.Time      `db:"last_activity" json:"last_activity"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// Order is created only after payment confirmation.
type Order struct {
	ID             string         `db:"id" json:"id"`
	SessionID      sql.NullString `db:"session_id" json:"session_id,omitempty"`
	BrandID        string         `db:"brand_id" json:"brand_id"`
	ModelID        string         `db:"model_id" json:"model_id"`
	TemplateID     string         `db:"template_id" json:"template_id"`
	TotalAmount    int64          `db:"total_amount" json:"total_amount"` // minor units
	Currency       string         `db:"currency" json:"currency"`
	Status         string         `db:"status" json:"status"`
	PartnerOrderID string         `db:"partner_order_id" json:"partner_order_id,omitempty"`
	QueueNumber    string         `db:"queue_number" json:"queue_number,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// PaymentRecord is a write-once mapping from our correlation id to the
// partner's payment id, kept outside the session so a webhook can still be
// matched when the session write raced the callback.
type PaymentRecord struct {
	CorrelationID    string    `db:"correlation_id" json:"correlation_id"`
	PartnerPaymentID string    `db:"partner_payment_id" json:"partner_payment_id"`
	SessionID        string    `db:"session_id" json:"session_id"`
	Amount           float64   `db:"amount" json:"amount"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// ProcessedWebhook records a handled partner callback for duplicate-delivery
// protection.
type ProcessedWebhook struct {
	CorrelationID string    `db:"correlation_id"`
	StatusCode    string    `db:"status_code"`
	Outcome       string    `db:"outcome"`
	ProcessedAt   time.Time `db:"processed_at"`
}

// CatalogModel maps a phone model in our catalog to the partner's own
// identifiers. Used as the fallback when the partner's live stock query is
// down.
type CatalogModel struct {
	BrandID        string    `db:"brand_id" json:"brand_id"`
	ModelID        string    `db:"model_id" json:"model_id"`
	Name           string    `db:"name" json:"name"`
	PartnerModelID string    `db:"partner_model_id" json:"partner_model_id"`
	PartnerShellID string    `db:"partner_shell_id" json:"partner_shell_id,omitempty"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Session statuses
const (
	SessionStatusActive           = "active"
	SessionStatusDesigning        = "designing"
	SessionStatusPaymentPending   = "payment_pending"
	SessionStatusPaymentCompleted = "payment_completed"
	SessionStatusPaymentFailed    = "payment_failed"
	SessionStatusExpired          = "expired"
	SessionStatusCancelled        = "cancelled"
)

// User progress steps
const (
	ProgressStarted        = "started"
	ProgressQRScanned      = "qr_scanned"
	ProgressDesigning      = "designing"
	ProgressDesignComplete = "design_complete"
	ProgressPaymentPending = "payment_pending"
	ProgressOrderSubmitted = "order_submitted"
	ProgressOrderFailed    = "order_failed"
	ProgressPaymentFailed  = "payment_failed"
)

// Order statuses
const (
	OrderStatusCreated   = "CREATED"
	OrderStatusSubmitted = "SUBMITTED"
	OrderStatusCompleted = "COMPLETED"
	OrderStatusFailed    = "FAILED"
	OrderStatusCancelled = "CANCELLED"
)

// progressEdges is the allowed user-progress transition graph. Re-registration
// of a payment_pending session back to qr_scanned is the one backward edge.
var progressEdges = map[string][]string{
	ProgressStarted:        {ProgressQRScanned},
	ProgressQRScanned:      {ProgressDesigning},
	ProgressDesigning:      {ProgressDesignComplete},
	ProgressDesignComplete: {ProgressPaymentPending},
	ProgressPaymentPending: {ProgressOrderSubmitted, ProgressOrderFailed, ProgressPaymentFailed, ProgressQRScanned},
}

// CanProgress reports whether a user-progress transition is allowed.
func CanProgress(from, to string) bool {
	for _, next := range progressEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether a session status accepts no further
// mutation except audit fields.
func IsTerminalStatus(status string) bool {
	switch status {
	case SessionStatusPaymentCompleted, SessionStatusPaymentFailed,
		SessionStatusExpired, SessionStatusCancelled:
		return true
	}
	return false
}

// AmountTolerance is the maximum difference allowed between the amount stored
// on the session and the amount the partner confirms.
const AmountTolerance = 0.01

// AmountsMatch compares two decimal amounts within AmountTolerance.
func AmountsMatch(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= AmountTolerance
}
