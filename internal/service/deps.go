package service

import (
	"context"
	"time"

	"kiosk-service/internal/models"
	"kiosk-service/internal/partner"
)

// Store is the durable persistence surface the services depend on,
// implemented by store.Store.
type Store interface {
	EnsureMachine(ctx context.Context, machineID, location string) error
	GetMachine(ctx context.Context, machineID string) (*models.Machine, error)

	CreateSession(ctx context.Context, session *models.Session) error
	GetSessionByID(ctx context.Context, id string) (*models.Session, error)
	UpdateSessionData(ctx context.Context, id string, data models.SessionData) error
	UpdateSessionState(ctx context.Context, id, status, progress string) error
	SetPaymentPending(ctx context.Context, id string, amount float64) error
	TouchSession(ctx context.Context, id string) error
	MarkSessionExpired(ctx context.Context, id string) error
	LinkOrder(ctx context.Context, sessionID, orderID string) error
	GetSessionByCorrelationID(ctx context.Context, correlationID string) (*models.Session, error)
	GetSessionByPartnerPaymentID(ctx context.Context, partnerPaymentID string) (*models.Session, error)
	GetRecentSessionsMissingCorrelation(ctx context.Context, since time.Time) ([]models.Session, error)
	CountActiveSessions(ctx context.Context, machineID string) (int, error)

	GetCatalogModel(ctx context.Context, brandID, modelID string) (*models.CatalogModel, error)
	GetCatalogModels(ctx context.Context) ([]models.CatalogModel, error)

	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID, status string) error

	CreatePaymentRecord(ctx context.Context, rec *models.PaymentRecord) error
	GetPaymentRecord(ctx context.Context, correlationID string) (*models.PaymentRecord, error)

	ClaimWebhookDelivery(ctx context.Context, correlationID, statusCode string) (bool, error)
	MarkWebhookProcessed(ctx context.Context, correlationID, statusCode, outcome string) error
}

// Counters is the Redis-backed shared counter surface, implemented by
// redisclient.Client.
type Counters interface {
	AcquireSessionSlot(ctx context.Context, machineID string, max int) (bool, error)
	ReleaseSessionSlot(ctx context.Context, machineID string) error
	SetSessionCount(ctx context.Context, machineID string, count int) error
	NextCorrelationSeq(ctx context.Context, day string) (int64, error)
	ClaimWebhook(ctx context.Context, correlationID, statusCode string, ttl time.Duration) (bool, error)
	GetCachedCatalogModel(ctx context.Context, brandID, modelID string) (string, string, error)
	CacheCatalogModel(ctx context.Context, brandID, modelID, partnerModelID, partnerShellID string) error
}

// PartnerAPI is the manufacturing partner surface, implemented by
// partner.Client.
type PartnerAPI interface {
	Login(ctx context.Context) error
	QueryStock(ctx context.Context, deviceID, brandID string) ([]partner.StockModel, error)
	InitiatePayment(ctx context.Context, req partner.PaymentRequest) (string, error)
	NotifyPaymentStatus(ctx context.Context, correlationID, status string) error
	SubmitOrder(ctx context.Context, req partner.OrderRequest) (*partner.OrderResult, error)
}

// EventPublisher is the session event stream surface, implemented by
// broker.EventPublisher.
type EventPublisher interface {
	PublishSessionCreated(ctx context.Context, event *models.SessionCreatedEvent) error
	PublishSessionCancelled(ctx context.Context, event *models.SessionCancelledEvent) error
	PublishPaymentInitiated(ctx context.Context, event *models.PaymentInitiatedEvent) error
	PublishPaymentConfirmed(ctx context.Context, event *models.PaymentConfirmedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishOrderSubmitted(ctx context.Context, event *models.OrderSubmittedEvent) error
	PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error
	PublishWebhookOrphaned(ctx context.Context, event *models.WebhookOrphanedEvent) error
}
