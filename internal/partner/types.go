package partner

import "fmt"

// Partner response codes
const (
	CodeOK                = 200
	CodeAuthFailed        = 401
	CodeDeviceUnavailable = 1011
)

// Payment status values the partner understands
const (
	PaymentStatusPaid   = "2"
	PaymentStatusFailed = "3"
)

// Error is a typed partner API failure. Transient errors (timeouts, 5xx) are
// retryable; everything else is a partner-side rejection.
type Error struct {
	Endpoint  string
	Code      int
	Message   string
	Transient bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("partner %s failed: code=%d msg=%s", e.Endpoint, e.Code, e.Message)
}

// IsTransient reports whether err is a retryable partner failure
func IsTransient(err error) bool {
	pe, ok := err.(*Error)
	return ok && pe.Transient
}

// IsDeviceUnavailable reports whether err is the partner's "device
// unavailable" rejection, which has its own retry path in the order pipeline.
func IsDeviceUnavailable(err error) bool {
	pe, ok := err.(*Error)
	return ok && pe.Code == CodeDeviceUnavailable
}

// StockModel is one available model from the partner's live stock query
type StockModel struct {
	ModelID string `json:"model_id"`
	ShellID string `json:"shell_id"`
	Name    string `json:"name"`
	Stock   int    `json:"stock"`
}

// PaymentRequest initiates a payment on the physical machine
type PaymentRequest struct {
	CorrelationID string
	ModelID       string
	DeviceID      string
	ShellID       string
	Amount        float64
	PayType       string
}

// OrderRequest submits a confirmed design for printing
type OrderRequest struct {
	PayCorrelationID   string
	OrderCorrelationID string
	ModelID            string
	ImageURL           string
	DeviceID           string
	ShellID            string
}

// OrderResult is the partner's acknowledgement of a submitted order
type OrderResult struct {
	OrderID     string `json:"order_id"`
	QueueNumber string `json:"queue_number"`
}
