package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kiosk-service/internal/models"
	"kiosk-service/internal/partner"
	"kiosk-service/internal/token"
	"kiosk-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Submission variants, in the order they are attempted.
const (
	variantPrimary             = "primary"
	variantRenotified          = "renotified"
	variantOriginalCorrelation = "original_correlation"
	variantStrippedQuery       = "stripped_query"
)

// OrderPipeline turns a confirmed payment into a print order, walking a fixed
// ladder of fallbacks when the partner's order endpoint misbehaves.
type OrderPipeline struct {
	sessions  *SessionService
	store     Store
	partner   PartnerAPI
	tokens    *token.Service
	corr      *CorrelationSource
	publisher EventPublisher
	logger    *zap.Logger
}

// NewOrderPipeline creates a new order submission pipeline
func NewOrderPipeline(
	sessions *SessionService,
	store Store,
	partnerAPI PartnerAPI,
	tokens *token.Service,
	corr *CorrelationSource,
	publisher EventPublisher,
) *OrderPipeline {
	return &OrderPipeline{
		sessions:  sessions,
		store:     store,
		partner:   partnerAPI,
		tokens:    tokens,
		corr:      corr,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// SubmitOrder hands the finished design to the partner. The image URL is
// guaranteed to carry a manufacturer-scoped token before anything is sent.
// On success the session moves to order_submitted/payment_completed and the
// order row is created; when every fallback is exhausted the session moves to
// order_failed/payment_failed with the failure reason retained for support,
// since the shopper's payment is not reversed automatically.
func (op *OrderPipeline) SubmitOrder(ctx context.Context, session *models.Session, imageURL string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderPipeline.SubmitOrder")
	defer span.End()

	pc := session.Data.Payment
	if pc == nil || pc.CorrelationID == "" {
		return nil, models.NewError(models.ErrKindValidation, "session %s has no payment context", session.ID)
	}
	summary := session.Data.OrderSummary
	if summary == nil {
		return nil, models.NewError(models.ErrKindValidation, "session %s has no order summary", session.ID)
	}

	tokenizedURL, err := op.ensureManufacturerToken(imageURL)
	if err != nil {
		return nil, models.WrapError(models.ErrKindValidation, err, "cannot tokenize image url")
	}

	orderCorrelationID := op.corr.Next(ctx)

	// The partner substitutes its own payment id for ours during initiation;
	// submission prefers that id and falls back to the original.
	payCorrelationID := pc.CorrelationID
	if pc.PartnerPaymentID != "" {
		payCorrelationID = pc.PartnerPaymentID
	}

	req := partner.OrderRequest{
		PayCorrelationID:   payCorrelationID,
		OrderCorrelationID: orderCorrelationID,
		ModelID:            pc.ModelID,
		ImageURL:           tokenizedURL,
		DeviceID:           pc.DeviceID,
		ShellID:            pc.ShellID,
	}

	result, variant, err := op.submitWithFallbacks(ctx, req, pc)
	if err != nil {
		return nil, op.recordFailure(ctx, session, pc, err)
	}

	return op.recordSuccess(ctx, session, summary, result, variant)
}

// ensureManufacturerToken returns the URL with a valid manufacturer-scoped
// token, replacing whatever query string it carried. An untokenized URL is
// never sent to the partner.
func (op *OrderPipeline) ensureManufacturerToken(imageURL string) (string, error) {
	return op.tokens.TokenizeURL(imageURL, token.PartnerManufacturer, 0)
}

// submitWithFallbacks runs the strictly ordered submission sequence:
// pre-notify, submit, retry after re-notification on device unavailability,
// retry with the original correlation id, then retry with the query string
// stripped. Each attempt is logged with the exact correlation id and URL
// variant sent, because diagnosing partner rejections means reconstructing
// what went over the wire.
func (op *OrderPipeline) submitWithFallbacks(ctx context.Context, req partner.OrderRequest, pc *models.PaymentContext) (*partner.OrderResult, string, error) {
	// Pre-notify that payment is confirmed: the partner's order endpoint
	// reports "device unavailable" when called too soon after payment.
	if err := op.partner.NotifyPaymentStatus(ctx, pc.CorrelationID, partner.PaymentStatusPaid); err != nil {
		op.logger.Warn("Payment pre-notification failed, submitting anyway",
			zap.String("correlation_id", pc.CorrelationID),
			zap.Error(err))
	}

	result, err := op.attempt(ctx, variantPrimary, req)
	if err == nil {
		return result, variantPrimary, nil
	}

	if partner.IsDeviceUnavailable(err) {
		if nerr := op.partner.NotifyPaymentStatus(ctx, pc.CorrelationID, partner.PaymentStatusPaid); nerr != nil {
			op.logger.Warn("Payment re-notification failed",
				zap.String("correlation_id", pc.CorrelationID),
				zap.Error(nerr))
		}
		result, err = op.attempt(ctx, variantRenotified, req)
		if err == nil {
			return result, variantRenotified, nil
		}
	}

	// The partner may reject the substituted payment id itself; retry with
	// the original correlation id, never a derived one.
	if req.PayCorrelationID != pc.CorrelationID {
		fallback := req
		fallback.PayCorrelationID = pc.CorrelationID
		result, err = op.attempt(ctx, variantOriginalCorrelation, fallback)
		if err == nil {
			return result, variantOriginalCorrelation, nil
		}
		req = fallback
	}

	// Some partner-side validators reject unexpected query strings.
	if token.HasQuery(req.ImageURL) {
		stripped := req
		stripped.ImageURL = token.StripQuery(req.ImageURL)
		result, err = op.attempt(ctx, variantStrippedQuery, stripped)
		if err == nil {
			return result, variantStrippedQuery, nil
		}
	}

	return nil, "", err
}

func (op *OrderPipeline) attempt(ctx context.Context, variant string, req partner.OrderRequest) (*partner.OrderResult, error) {
	util.OrderSubmitAttempts.WithLabelValues(variant).Inc()
	op.logger.Info("Submitting order",
		zap.String("variant", variant),
		zap.String("pay_correlation_id", req.PayCorrelationID),
		zap.String("order_correlation_id", req.OrderCorrelationID),
		zap.String("image_url", req.ImageURL))

	result, err := op.partner.SubmitOrder(ctx, req)
	if err != nil {
		op.logger.Warn("Order submission attempt failed",
			zap.String("variant", variant),
			zap.String("pay_correlation_id", req.PayCorrelationID),
			zap.Error(err))
		return nil, err
	}
	return result, nil
}

func (op *OrderPipeline) recordSuccess(ctx context.Context, session *models.Session, summary *models.OrderSummary, result *partner.OrderResult, variant string) (*models.Order, error) {
	order := &models.Order{
		ID:             uuid.New().String(),
		SessionID:      nullString(session.ID),
		BrandID:        summary.BrandID,
		ModelID:        summary.ModelID,
		TemplateID:     summary.TemplateID,
		TotalAmount:    toMinorUnits(summary.Amount),
		Currency:       summary.Currency,
		Status:         models.OrderStatusSubmitted,
		PartnerOrderID: result.OrderID,
		QueueNumber:    result.QueueNumber,
	}
	if err := op.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}
	if err := op.store.LinkOrder(ctx, session.ID, order.ID); err != nil {
		// Already linked means a concurrent submission won; surface the
		// existing order rather than a duplicate.
		if models.IsKind(err, models.ErrKindConflict) {
			op.logger.Warn("Session already linked to an order", zap.String("session_id", session.ID))
			return op.store.GetOrderBySessionID(ctx, session.ID)
		}
		return nil, err
	}

	fulfillment := &models.FulfillmentResult{
		PartnerOrderID: result.OrderID,
		QueueNumber:    result.QueueNumber,
		Variant:        variant,
		CompletedAt:    time.Now().UTC(),
	}
	if err := op.sessions.UpdateSessionData(ctx, session.ID, map[string]interface{}{"fulfillment": fulfillment}, true); err != nil {
		op.logger.Error("Failed to persist fulfillment result", zap.String("session_id", session.ID), zap.Error(err))
	}
	if err := op.store.UpdateSessionState(ctx, session.ID, models.SessionStatusPaymentCompleted, models.ProgressOrderSubmitted); err != nil {
		op.logger.Error("Failed to finalize session state", zap.String("session_id", session.ID), zap.Error(err))
	}

	util.OrdersSubmittedTotal.Inc()
	op.logger.Info("Order submitted",
		zap.String("session_id", session.ID),
		zap.String("order_id", order.ID),
		zap.String("partner_order_id", result.OrderID),
		zap.String("queue_number", result.QueueNumber),
		zap.String("variant", variant))

	if op.publisher != nil {
		event := &models.OrderSubmittedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOrderSubmitted,
				Timestamp: time.Now(),
			},
			SessionID:      session.ID,
			OrderID:        order.ID,
			PartnerOrderID: result.OrderID,
			QueueNumber:    result.QueueNumber,
		}
		if err := op.publisher.PublishOrderSubmitted(ctx, event); err != nil {
			op.logger.Error("Failed to publish OrderSubmitted event", zap.Error(err))
		}
	}

	return order, nil
}

// recordFailure marks the session terminally failed with the reason retained
// in session data. Fulfillment failed after payment: manual reconciliation,
// no automatic reversal.
func (op *OrderPipeline) recordFailure(ctx context.Context, session *models.Session, pc *models.PaymentContext, cause error) error {
	reason := cause.Error()
	util.OrdersFailedTotal.WithLabelValues("fallbacks_exhausted").Inc()
	op.logger.Error("Order submission exhausted all fallbacks",
		zap.String("session_id", session.ID),
		zap.String("correlation_id", pc.CorrelationID),
		zap.String("reason", reason))

	fulfillment := &models.FulfillmentResult{FailureReason: reason}
	if err := op.sessions.UpdateSessionData(ctx, session.ID, map[string]interface{}{"fulfillment": fulfillment}, true); err != nil {
		op.logger.Error("Failed to retain failure reason", zap.String("session_id", session.ID), zap.Error(err))
	}
	if err := op.store.UpdateSessionState(ctx, session.ID, models.SessionStatusPaymentFailed, models.ProgressOrderFailed); err != nil {
		op.logger.Error("Failed to mark session failed", zap.String("session_id", session.ID), zap.Error(err))
	}

	if op.publisher != nil {
		event := &models.OrderFailedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOrderFailed,
				Timestamp: time.Now(),
			},
			SessionID:     session.ID,
			CorrelationID: pc.CorrelationID,
			Reason:        reason,
		}
		if err := op.publisher.PublishOrderFailed(ctx, event); err != nil {
			op.logger.Error("Failed to publish OrderFailed event", zap.Error(err))
		}
	}

	return models.WrapError(models.ErrKindFulfillment, cause, "order submission failed for session %s", session.ID)
}

func toMinorUnits(amount float64) int64 {
	return int64(amount*100 + 0.5)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
