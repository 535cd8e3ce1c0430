package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"kiosk-service/internal/broker"
	"kiosk-service/internal/models"
	"kiosk-service/internal/redisclient"
	"kiosk-service/internal/store"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// AuditWorker consumes the session event stream and surfaces the events that
// need operator attention, orphaned payment confirmations above all.
type AuditWorker struct {
	consumer *broker.Consumer
	logger   *zap.Logger
}

// NewAuditWorker creates a new audit worker
func NewAuditWorker(consumer *broker.Consumer, logger *zap.Logger) *AuditWorker {
	return &AuditWorker{consumer: consumer, logger: logger}
}

// Start starts the worker
func (w *AuditWorker) Start(ctx context.Context) error {
	log.Println("Starting audit worker...")

	return w.consumer.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		var base models.BaseEvent
		if err := json.Unmarshal(msg.Value, &base); err != nil {
			w.logger.Error("Undecodable session event", zap.Error(err))
			return nil // skip, never block the partition on a bad message
		}

		switch base.EventType {
		case models.EventTypeWebhookOrphaned:
			var event models.WebhookOrphanedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return nil
			}
			w.logger.Error("AUDIT: orphaned payment confirmation needs manual follow-up",
				zap.String("correlation_id", event.CorrelationID),
				zap.String("status_code", event.StatusCode))

		case models.EventTypeOrderFailed:
			var event models.OrderFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return nil
			}
			w.logger.Error("AUDIT: fulfillment failed after payment, manual reconciliation required",
				zap.String("session_id", event.SessionID),
				zap.String("correlation_id", event.CorrelationID),
				zap.String("reason", event.Reason))

		default:
			w.logger.Debug("Session event",
				zap.String("event_type", base.EventType),
				zap.String("event_id", base.EventID))
		}
		return nil
	})
}

// Stop stops the worker
func (w *AuditWorker) Stop() error {
	log.Println("Stopping audit worker...")
	return w.consumer.Close()
}

// CounterReconciler periodically replaces the cached per-machine session
// counters with counts derived from the durable store. Replacement, not
// adjustment: the cache drifts across process restarts and lazy expiry.
type CounterReconciler struct {
	store    *store.Store
	redis    *redisclient.Client
	interval time.Duration
	logger   *zap.Logger
}

// NewCounterReconciler creates a new counter reconciler
func NewCounterReconciler(st *store.Store, redis *redisclient.Client, interval time.Duration, logger *zap.Logger) *CounterReconciler {
	return &CounterReconciler{store: st, redis: redis, interval: interval, logger: logger}
}

// Start runs the reconciliation loop until the context is cancelled
func (r *CounterReconciler) Start(ctx context.Context) {
	log.Printf("Starting counter reconciler: interval=%s", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Counter reconciler stopped")
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

func (r *CounterReconciler) reconcile(ctx context.Context) {
	counts, err := r.store.CountActiveSessionsByMachine(ctx)
	if err != nil {
		r.logger.Error("Counter reconciliation query failed", zap.Error(err))
		return
	}

	for machineID, count := range counts {
		if cached, err := r.redis.GetSessionCount(ctx, machineID); err == nil && cached != count {
			r.logger.Warn("Session counter drift detected",
				zap.String("machine_id", machineID),
				zap.Int("cached", cached),
				zap.Int("store", count))
		}
		if err := r.redis.SetSessionCount(ctx, machineID, count); err != nil {
			r.logger.Error("Failed to reconcile session counter",
				zap.String("machine_id", machineID),
				zap.Error(err))
		}
	}
	r.logger.Debug("Session counters reconciled", zap.Int("machines", len(counts)))
}
