package service

import (
	"context"
	"time"

	"kiosk-service/internal/models"
	"kiosk-service/internal/partner"
	"kiosk-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Webhook processing outcomes
const (
	OutcomeSubmitted     = "submitted"
	OutcomeFailed        = "submission_failed"
	OutcomePaymentFailed = "payment_failed"
	OutcomeOrphaned      = "orphaned"
	OutcomeDuplicate     = "duplicate"
	OutcomeAmountDrift   = "amount_mismatch"
	OutcomeError         = "internal_error"
)

const webhookClaimTTL = 24 * time.Hour

// WebhookService reconciles the partner's asynchronous payment-status pushes
// with the sessions that initiated them. It never propagates internal errors
// back to the partner: the partner redelivers indefinitely on non-success
// responses, so failures are absorbed, logged and recorded instead.
type WebhookService struct {
	sessions  *SessionService
	pipeline  *OrderPipeline
	store     Store
	counters  Counters
	publisher EventPublisher
	logger    *zap.Logger
}

// NewWebhookService creates a new webhook reconciliation service
func NewWebhookService(
	sessions *SessionService,
	pipeline *OrderPipeline,
	store Store,
	counters Counters,
	publisher EventPublisher,
) *WebhookService {
	return &WebhookService{
		sessions:  sessions,
		pipeline:  pipeline,
		store:     store,
		counters:  counters,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// OnPaymentStatus processes one callback delivery and returns the outcome for
// logging. The HTTP layer acknowledges success regardless. amount is the
// collected amount as reported by the partner, zero when the callback does
// not carry one.
func (ws *WebhookService) OnPaymentStatus(ctx context.Context, correlationID, statusCode string, amount float64) string {
	ctx, span := util.StartSpan(ctx, "WebhookService.OnPaymentStatus")
	defer span.End()

	outcome := ws.process(ctx, correlationID, statusCode, amount)
	util.WebhooksReceivedTotal.WithLabelValues(outcome).Inc()

	if outcome != OutcomeDuplicate {
		if err := ws.store.MarkWebhookProcessed(ctx, correlationID, statusCode, outcome); err != nil {
			ws.logger.Error("Failed to record processed webhook",
				zap.String("correlation_id", correlationID),
				zap.Error(err))
		}
	}
	return outcome
}

func (ws *WebhookService) process(ctx context.Context, correlationID, statusCode string, amount float64) string {
	if correlationID == "" {
		ws.logger.Error("Payment callback without correlation id", zap.String("status_code", statusCode))
		return OutcomeError
	}

	// The Redis claim is a fast path that sheds redeliveries without a
	// database round trip. It is advisory only: when Redis is down or
	// restarted the delivery falls through to the durable claim.
	claimed, err := ws.counters.ClaimWebhook(ctx, correlationID, statusCode, webhookClaimTTL)
	if err != nil {
		ws.logger.Warn("Webhook claim cache unavailable, relying on store claim", zap.Error(err))
	} else if !claimed {
		ws.logger.Info("Duplicate webhook delivery ignored",
			zap.String("correlation_id", correlationID),
			zap.String("status_code", statusCode))
		return OutcomeDuplicate
	}

	// The durable claim is the authority. The processed_webhooks row is
	// inserted before any processing, so of two concurrent deliveries of the
	// same confirmation exactly one can reach the partner.
	claimed, err = ws.store.ClaimWebhookDelivery(ctx, correlationID, statusCode)
	if err != nil {
		ws.logger.Error("Failed to claim webhook delivery", zap.Error(err))
		return OutcomeError
	}
	if !claimed {
		ws.logger.Info("Webhook delivery already claimed",
			zap.String("correlation_id", correlationID),
			zap.String("status_code", statusCode))
		return OutcomeDuplicate
	}

	session, strategy, err := ws.sessions.FindByCorrelationID(ctx, correlationID)
	if err != nil {
		if models.IsKind(err, models.ErrKindNotFound) {
			return ws.recordOrphan(ctx, correlationID, statusCode)
		}
		ws.logger.Error("Session lookup failed for webhook",
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		return OutcomeError
	}

	ws.logger.Info("Payment callback matched to session",
		zap.String("correlation_id", correlationID),
		zap.String("session_id", session.ID),
		zap.String("strategy", strategy),
		zap.String("status_code", statusCode))

	if statusCode != partner.PaymentStatusPaid {
		return ws.markPaymentFailed(ctx, session, correlationID, statusCode)
	}

	return ws.fulfil(ctx, session, correlationID, statusCode, amount)
}

func (ws *WebhookService) fulfil(ctx context.Context, session *models.Session, correlationID, statusCode string, amount float64) string {
	if session.OrderID.Valid || session.UserProgress == models.ProgressOrderSubmitted {
		ws.logger.Info("Order already submitted for session, ignoring confirmation",
			zap.String("session_id", session.ID))
		return OutcomeDuplicate
	}

	// When the partner reports what it collected, it must match what the
	// session initiated. A drifted confirmation is withheld from fulfillment
	// and goes to manual reconciliation instead.
	if amount > 0 && session.PaymentAmount > 0 &&
		!models.AmountsMatch(amount, session.PaymentAmount) {
		ws.logger.Error("Collected amount does not match session amount",
			zap.String("session_id", session.ID),
			zap.Float64("session_amount", session.PaymentAmount),
			zap.Float64("collected_amount", amount))
		return OutcomeAmountDrift
	}

	if ws.publisher != nil {
		event := &models.PaymentConfirmedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypePaymentConfirmed,
				Timestamp: time.Now(),
			},
			SessionID:     session.ID,
			CorrelationID: correlationID,
			StatusCode:    statusCode,
		}
		if err := ws.publisher.PublishPaymentConfirmed(ctx, event); err != nil {
			ws.logger.Error("Failed to publish PaymentConfirmed event", zap.Error(err))
		}
	}

	imageURL := session.Data.FinalImageURL
	if imageURL == "" {
		ws.logger.Error("Payment confirmed but session has no design image",
			zap.String("session_id", session.ID))
		if err := ws.store.UpdateSessionState(ctx, session.ID, models.SessionStatusPaymentFailed, models.ProgressOrderFailed); err != nil {
			ws.logger.Error("Failed to mark session failed", zap.Error(err))
		}
		return OutcomeFailed
	}

	if _, err := ws.pipeline.SubmitOrder(ctx, session, imageURL); err != nil {
		ws.logger.Error("Order submission failed after payment confirmation",
			zap.String("session_id", session.ID),
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		return OutcomeFailed
	}
	return OutcomeSubmitted
}

func (ws *WebhookService) markPaymentFailed(ctx context.Context, session *models.Session, correlationID, statusCode string) string {
	if err := ws.store.UpdateSessionState(ctx, session.ID, models.SessionStatusPaymentFailed, models.ProgressPaymentFailed); err != nil {
		ws.logger.Error("Failed to mark payment failed",
			zap.String("session_id", session.ID),
			zap.Error(err))
		return OutcomeError
	}

	ws.logger.Info("Payment reported failed by partner",
		zap.String("session_id", session.ID),
		zap.String("correlation_id", correlationID),
		zap.String("status_code", statusCode))

	if ws.publisher != nil {
		event := &models.PaymentFailedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypePaymentFailed,
				Timestamp: time.Now(),
			},
			SessionID:     session.ID,
			CorrelationID: correlationID,
			StatusCode:    statusCode,
		}
		if err := ws.publisher.PublishPaymentFailed(ctx, event); err != nil {
			ws.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
		}
	}
	return OutcomePaymentFailed
}

// recordOrphan logs a confirmation that matched no session. These are never
// silently dropped: support reconciles them manually against the partner's
// ledger.
func (ws *WebhookService) recordOrphan(ctx context.Context, correlationID, statusCode string) string {
	ws.logger.Error("Orphaned payment confirmation",
		zap.String("correlation_id", correlationID),
		zap.String("status_code", statusCode))

	if ws.publisher != nil {
		event := &models.WebhookOrphanedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeWebhookOrphaned,
				Timestamp: time.Now(),
			},
			CorrelationID: correlationID,
			StatusCode:    statusCode,
		}
		if err := ws.publisher.PublishWebhookOrphaned(ctx, event); err != nil {
			ws.logger.Error("Failed to publish WebhookOrphaned event", zap.Error(err))
		}
	}
	return OutcomeOrphaned
}
