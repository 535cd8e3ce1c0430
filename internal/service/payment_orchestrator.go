package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"kiosk-service/internal/models"
	"kiosk-service/internal/partner"
	"kiosk-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CorrelationSource generates partner correlation ids in the mandated format:
// prefix + 6-digit date + 6-digit sequence. The sequence comes from a per-day
// Redis counter so concurrent processes never collide; a process-local counter
// seeded from the clock takes over when Redis is unreachable.
type CorrelationSource struct {
	counters Counters
	prefix   string
	logger   *zap.Logger
	now      func() time.Time
	localSeq int64
}

// NewCorrelationSource creates a correlation id generator
func NewCorrelationSource(counters Counters, prefix string) *CorrelationSource {
	return &CorrelationSource{
		counters: counters,
		prefix:   prefix,
		logger:   util.GetLogger(),
		now:      time.Now,
		localSeq: time.Now().UnixNano() % 1000000,
	}
}

// Next returns a fresh correlation id, unique per call
func (g *CorrelationSource) Next(ctx context.Context) string {
	day := g.now().UTC().Format("060102")

	seq, err := g.counters.NextCorrelationSeq(ctx, day)
	if err != nil {
		g.logger.Warn("Correlation sequence unavailable, using local counter", zap.Error(err))
		seq = atomic.AddInt64(&g.localSeq, 1)
	}
	return fmt.Sprintf("%s%s%06d", g.prefix, day, seq%1000000)
}

// PaymentOrchestrator initiates payment with the manufacturing partner and
// records the correlation context on the session.
type PaymentOrchestrator struct {
	sessions  *SessionService
	store     Store
	partner   PartnerAPI
	catalog   *CatalogClient
	corr      *CorrelationSource
	publisher EventPublisher
	logger    *zap.Logger
	payType   string
}

// NewPaymentOrchestrator creates a new payment orchestrator
func NewPaymentOrchestrator(
	sessions *SessionService,
	store Store,
	partnerAPI PartnerAPI,
	catalog *CatalogClient,
	corr *CorrelationSource,
	publisher EventPublisher,
	payType string,
) *PaymentOrchestrator {
	return &PaymentOrchestrator{
		sessions:  sessions,
		store:     store,
		partner:   partnerAPI,
		catalog:   catalog,
		corr:      corr,
		publisher: publisher,
		logger:    util.GetLogger(),
		payType:   payType,
	}
}

// InitiatePayment starts payment collection on the kiosk for a session whose
// design is complete. On success the correlation id and full payment context
// are persisted through the verified-write protocol before the id is returned;
// if that persistence cannot be verified the initiation is reported failed
// even though the partner may already have accepted it, and the kiosk retries.
func (po *PaymentOrchestrator) InitiatePayment(ctx context.Context, sessionID string) (string, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.InitiatePayment")
	defer span.End()

	session, err := po.sessions.GetSession(ctx, sessionID, false)
	if err != nil {
		return "", err
	}

	summary := session.Data.OrderSummary
	if summary == nil {
		util.PaymentsFailedTotal.WithLabelValues("no_summary").Inc()
		return "", models.NewError(models.ErrKindValidation, "session %s has no order summary", sessionID)
	}

	// Repeated confirmation of an already-pending payment returns the
	// existing correlation id; the id is immutable once set.
	if pc := session.Data.Payment; pc != nil && pc.CorrelationID != "" &&
		session.Status == models.SessionStatusPaymentPending {
		return pc.CorrelationID, nil
	}

	if session.UserProgress != models.ProgressDesignComplete {
		return "", models.NewError(models.ErrKindConflict,
			"cannot initiate payment at progress %s", session.UserProgress)
	}

	partnerModelID, shellID, err := po.catalog.ResolveModel(ctx, session.MachineID, summary.BrandID, summary.ModelID)
	if err != nil {
		util.PaymentsFailedTotal.WithLabelValues("model_resolution").Inc()
		return "", err
	}

	correlationID := po.corr.Next(ctx)

	partnerPaymentID, err := po.partner.InitiatePayment(ctx, partner.PaymentRequest{
		CorrelationID: correlationID,
		ModelID:       partnerModelID,
		DeviceID:      session.MachineID,
		ShellID:       shellID,
		Amount:        summary.Amount,
		PayType:       po.payType,
	})
	if err != nil {
		util.PaymentsFailedTotal.WithLabelValues("partner").Inc()
		if partner.IsTransient(err) {
			return "", models.WrapError(models.ErrKindPartnerTransient, err, "payment initiation timed out")
		}
		return "", models.WrapError(models.ErrKindPartnerRejected, err, "payment initiation rejected")
	}

	pc := &models.PaymentContext{
		CorrelationID:    correlationID,
		PartnerPaymentID: partnerPaymentID,
		Amount:           summary.Amount,
		ModelID:          partnerModelID,
		DeviceID:         session.MachineID,
		ShellID:          shellID,
		PayType:          po.payType,
		InitiatedAt:      time.Now().UTC(),
	}

	// Critical path: the webhook can only be matched back to this session if
	// this write sticks, so an unverifiable write fails the initiation.
	if err := po.sessions.UpdateSessionData(ctx, sessionID, map[string]interface{}{"payment": pc}, true); err != nil {
		util.PaymentsFailedTotal.WithLabelValues("persistence").Inc()
		po.logger.Error("Payment context write failed after partner accepted initiation",
			zap.String("session_id", sessionID),
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		return "", err
	}

	if err := po.store.SetPaymentPending(ctx, sessionID, summary.Amount); err != nil {
		return "", fmt.Errorf("failed to set payment pending: %w", err)
	}

	// Independent mapping strengthens webhook matching when the session scan
	// misses.
	rec := &models.PaymentRecord{
		CorrelationID:    correlationID,
		PartnerPaymentID: partnerPaymentID,
		SessionID:        sessionID,
		Amount:           summary.Amount,
	}
	if err := po.store.CreatePaymentRecord(ctx, rec); err != nil {
		po.logger.Error("Failed to write payment record",
			zap.String("correlation_id", correlationID),
			zap.Error(err))
	}

	util.PaymentsInitiatedTotal.Inc()
	po.logger.Info("Payment initiated",
		zap.String("session_id", sessionID),
		zap.String("correlation_id", correlationID),
		zap.String("partner_payment_id", partnerPaymentID),
		zap.Float64("amount", summary.Amount))

	if po.publisher != nil {
		event := &models.PaymentInitiatedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypePaymentInitiated,
				Timestamp: time.Now(),
			},
			SessionID:     sessionID,
			CorrelationID: correlationID,
			Amount:        summary.Amount,
		}
		if err := po.publisher.PublishPaymentInitiated(ctx, event); err != nil {
			po.logger.Error("Failed to publish PaymentInitiated event", zap.Error(err))
		}
	}

	return correlationID, nil
}
