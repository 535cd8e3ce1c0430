package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SessionDataSchemaVersion is bumped whenever the shape of SessionData
// changes incompatibly.
const SessionDataSchemaVersion = 1

// SessionData is the structured document attached to a session. It is stored
// as a single JSONB blob but modelled as well-known sub-documents so callers
// never grope through untyped maps.
type SessionData struct {
	SchemaVersion int                    `json:"schema_version"`
	OrderSummary  *OrderSummary          `json:"order_summary,omitempty"`
	Payment       *PaymentContext        `json:"payment,omitempty"`
	Fulfillment   *FulfillmentResult     `json:"fulfillment,omitempty"`
	FinalImageURL string                 `json:"final_image_url,omitempty"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// OrderSummary captures the shopper's selections.
type OrderSummary struct {
	BrandID    string  `json:"brand_id"`
	BrandName  string  `json:"brand_name,omitempty"`
	ModelID    string  `json:"model_id"`
	ModelName  string  `json:"model_name,omitempty"`
	TemplateID string  `json:"template_id,omitempty"`
	Text       string  `json:"text,omitempty"`
	Color      string  `json:"color,omitempty"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
}

// PaymentContext is written when payment is initiated with the partner.
// CorrelationID is write-once; it never changes after the first initiation.
type PaymentContext struct {
	CorrelationID    string    `json:"correlation_id"`
	PartnerPaymentID string    `json:"partner_payment_id,omitempty"`
	Amount           float64   `json:"amount"`
	ModelID          string    `json:"model_id"`
	DeviceID         string    `json:"device_id"`
	ShellID          string    `json:"shell_id,omitempty"`
	PayType          string    `json:"pay_type"`
	InitiatedAt      time.Time `json:"initiated_at"`
}

// FulfillmentResult records the outcome of order submission, success or not,
// so support can reconstruct what was sent to the partner.
type FulfillmentResult struct {
	PartnerOrderID string    `json:"partner_order_id,omitempty"`
	QueueNumber    string    `json:"queue_number,omitempty"`
	Variant        string    `json:"variant,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
}

// Value implements driver.Valuer so SessionData round-trips through a JSONB
// column with sqlx.
func (d SessionData) Value() (driver.Value, error) {
	if d.SchemaVersion == 0 {
		d.SchemaVersion = SessionDataSchemaVersion
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner.
func (d *SessionData) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = SessionData{SchemaVersion: SessionDataSchemaVersion}
		return nil
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("unsupported session data type %T", src)
	}
}

// AsMap returns the data document as a generic map, the form the
// verified-persistence comparison works on.
func (d SessionData) AsMap() (map[string]interface{}, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// SessionDataFromMap rebuilds the typed document from a generic map.
func SessionDataFromMap(m map[string]interface{}) (SessionData, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return SessionData{}, err
	}
	var d SessionData
	if err := json.Unmarshal(raw, &d); err != nil {
		return SessionData{}, err
	}
	if d.SchemaVersion == 0 {
		d.SchemaVersion = SessionDataSchemaVersion
	}
	return d, nil
}
