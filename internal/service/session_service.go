package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kiosk-service/internal/models"
	"kiosk-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// Session timeout bounds in minutes
	minTimeoutMinutes = 5
	maxTimeoutMinutes = 60

	// Verified-persistence retry policy
	maxWriteAttempts  = 3
	writeBackoffStep  = 150 * time.Millisecond
	recentSessionScan = 10 * time.Minute
)

// SessionService owns the kiosk session lifecycle: creation with per-machine
// quota, the state machine, the verified-persistence data update protocol and
// the webhook correlation lookup.
type SessionService struct {
	store     Store
	counters  Counters
	publisher EventPublisher
	logger    *zap.Logger

	maxPerMachine  int
	defaultTimeout int

	now   func() time.Time
	sleep func(time.Duration)
}

// NewSessionService creates a new session service
func NewSessionService(store Store, counters Counters, publisher EventPublisher, maxPerMachine, defaultTimeoutMinutes int) *SessionService {
	return &SessionService{
		store:          store,
		counters:       counters,
		publisher:      publisher,
		logger:         util.GetLogger(),
		maxPerMachine:  maxPerMachine,
		defaultTimeout: defaultTimeoutMinutes,
		now:            time.Now,
		sleep:          time.Sleep,
	}
}

// CreateSession starts a new kiosk session for a machine, registering the
// machine on first use. timeoutMinutes <= 0 means the configured default;
// anything outside [5,60] is clamped.
func (s *SessionService) CreateSession(ctx context.Context, machineID, location string, timeoutMinutes int, metadata map[string]interface{}) (*models.Session, error) {
	ctx, span := util.StartSpan(ctx, "SessionService.CreateSession")
	defer span.End()

	if err := validateMachineID(machineID); err != nil {
		util.SessionsRejectedTotal.WithLabelValues("invalid_machine").Inc()
		return nil, err
	}

	if timeoutMinutes <= 0 {
		timeoutMinutes = s.defaultTimeout
	}
	timeoutMinutes = clampTimeout(timeoutMinutes)

	if err := s.store.EnsureMachine(ctx, machineID, location); err != nil {
		return nil, fmt.Errorf("failed to register machine: %w", err)
	}

	if err := s.acquireSlot(ctx, machineID); err != nil {
		util.SessionsRejectedTotal.WithLabelValues("quota").Inc()
		return nil, err
	}

	now := s.now().UTC()
	session := &models.Session{
		ID:           s.newSessionID(machineID, now),
		MachineID:    machineID,
		Status:       models.SessionStatusActive,
		UserProgress: models.ProgressStarted,
		Data: models.SessionData{
			SchemaVersion: models.SessionDataSchemaVersion,
			Extra:         metadata,
		},
		ExpiresAt:    now.Add(time.Duration(timeoutMinutes) * time.Minute),
		LastActivity: now,
	}

	if err := s.store.CreateSession(ctx, session); err != nil {
		_ = s.counters.ReleaseSessionSlot(ctx, machineID)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	util.SessionsCreatedTotal.Inc()
	s.logger.Info("Session created",
		zap.String("session_id", session.ID),
		zap.String("machine_id", machineID),
		zap.Time("expires_at", session.ExpiresAt))

	if s.publisher != nil {
		event := &models.SessionCreatedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeSessionCreated,
				Timestamp: s.now(),
			},
			SessionID: session.ID,
			MachineID: machineID,
			ExpiresAt: session.ExpiresAt.Format(time.RFC3339),
		}
		if err := s.publisher.PublishSessionCreated(ctx, event); err != nil {
			s.logger.Error("Failed to publish SessionCreated event", zap.Error(err))
		}
	}

	return session, nil
}

// acquireSlot claims a concurrent-session slot, lazily reconciling the cached
// counter against the store on first refusal so expired sessions never
// permanently consume quota.
func (s *SessionService) acquireSlot(ctx context.Context, machineID string) error {
	granted, err := s.counters.AcquireSessionSlot(ctx, machineID, s.maxPerMachine)
	if err != nil {
		// Counter cache unreachable: fall back to the durable store.
		s.logger.Warn("Session counter unavailable, checking store", zap.Error(err))
		count, cerr := s.store.CountActiveSessions(ctx, machineID)
		if cerr != nil {
			return fmt.Errorf("failed to count sessions: %w", cerr)
		}
		if count >= s.maxPerMachine {
			return models.NewError(models.ErrKindConflict, "machine %s has too many active sessions", machineID)
		}
		return nil
	}
	if granted {
		return nil
	}

	count, err := s.store.CountActiveSessions(ctx, machineID)
	if err != nil {
		return fmt.Errorf("failed to count sessions: %w", err)
	}
	if err := s.counters.SetSessionCount(ctx, machineID, count); err != nil {
		s.logger.Warn("Failed to reconcile session counter", zap.String("machine_id", machineID), zap.Error(err))
	}

	granted, err = s.counters.AcquireSessionSlot(ctx, machineID, s.maxPerMachine)
	if err != nil || !granted {
		return models.NewError(models.ErrKindConflict, "machine %s has too many active sessions", machineID)
	}
	return nil
}

func (s *SessionService) newSessionID(machineID string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
	return fmt.Sprintf("%s_%s_%s_%s", machineID, now.Format("20060102"), now.Format("150405"), suffix)
}

// GetSession fetches a session, lazily expiring it when past expires_at. A
// successful read of a live session refreshes last_activity. When recover is
// set, access to an expired session issues a brand-new session for the same
// machine with an extended timeout instead of failing.
func (s *SessionService) GetSession(ctx context.Context, sessionID string, recover bool) (*models.Session, error) {
	session, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := s.expireIfNeeded(ctx, session); err != nil {
		if recover && models.IsKind(err, models.ErrKindExpired) {
			return s.recoverExpired(ctx, session)
		}
		return nil, err
	}

	if err := s.store.TouchSession(ctx, sessionID); err != nil {
		s.logger.Warn("Failed to refresh last_activity", zap.String("session_id", sessionID), zap.Error(err))
	}
	return session, nil
}

// expireIfNeeded lazily flips a live session past its deadline to expired
func (s *SessionService) expireIfNeeded(ctx context.Context, session *models.Session) error {
	if session.Status == models.SessionStatusExpired {
		return models.NewError(models.ErrKindExpired, "session %s expired", session.ID)
	}
	if models.IsTerminalStatus(session.Status) {
		return nil
	}
	if s.now().After(session.ExpiresAt) {
		if err := s.store.MarkSessionExpired(ctx, session.ID); err != nil {
			s.logger.Error("Failed to mark session expired", zap.String("session_id", session.ID), zap.Error(err))
		}
		_ = s.counters.ReleaseSessionSlot(ctx, session.MachineID)
		session.Status = models.SessionStatusExpired
		util.SessionsExpiredTotal.Inc()
		return models.NewError(models.ErrKindExpired, "session %s expired", session.ID)
	}
	return nil
}

// recoverExpired self-heals the QR flow: the shopper scans a stale code and
// gets a fresh session with a longer timeout rather than a dead end.
func (s *SessionService) recoverExpired(ctx context.Context, old *models.Session) (*models.Session, error) {
	timeout := int(old.ExpiresAt.Sub(old.CreatedAt) / time.Minute)
	extended := clampTimeout(timeout * 2)

	replacement, err := s.CreateSession(ctx, old.MachineID, "", extended, old.Data.Extra)
	if err != nil {
		return nil, err
	}

	util.SessionsRecoveredTotal.Inc()
	s.logger.Info("Issued replacement for expired session",
		zap.String("expired_session_id", old.ID),
		zap.String("session_id", replacement.ID),
		zap.Int("timeout_minutes", extended))
	return replacement, nil
}

// RegisterUser handles the QR scan. A session already in payment_pending is
// reset to active: the shopper re-scanned and can recover the flow.
func (s *SessionService) RegisterUser(ctx context.Context, sessionID string) (*models.Session, error) {
	ctx, span := util.StartSpan(ctx, "SessionService.RegisterUser")
	defer span.End()

	session, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.expireIfNeeded(ctx, session); err != nil {
		return nil, err
	}

	if session.Status == models.SessionStatusPaymentPending {
		if err := s.store.UpdateSessionState(ctx, sessionID, models.SessionStatusActive, models.ProgressQRScanned); err != nil {
			return nil, fmt.Errorf("failed to reset session: %w", err)
		}
		session.Status = models.SessionStatusActive
		session.UserProgress = models.ProgressQRScanned
		s.logger.Info("Session reset by re-registration", zap.String("session_id", sessionID))
		return session, nil
	}

	if models.IsTerminalStatus(session.Status) {
		return nil, models.NewError(models.ErrKindConflict, "session %s is terminal", sessionID)
	}
	if session.UserProgress == models.ProgressQRScanned {
		return session, nil // repeated scan, nothing to do
	}
	if !models.CanProgress(session.UserProgress, models.ProgressQRScanned) {
		return nil, models.NewError(models.ErrKindConflict,
			"cannot register user at progress %s", session.UserProgress)
	}

	if err := s.store.UpdateSessionState(ctx, sessionID, models.SessionStatusActive, models.ProgressQRScanned); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	session.UserProgress = models.ProgressQRScanned
	return session, nil
}

// AttachOrderSummary stores the shopper's selections and the rendered design
// URL, moving the session to design_complete. The amount may be set once;
// attaching a different amount afterwards is a conflict.
func (s *SessionService) AttachOrderSummary(ctx context.Context, sessionID string, summary models.OrderSummary, finalImageURL string) (*models.Session, error) {
	ctx, span := util.StartSpan(ctx, "SessionService.AttachOrderSummary")
	defer span.End()

	if summary.Amount <= 0 {
		return nil, models.NewError(models.ErrKindValidation, "order amount must be positive")
	}
	if summary.BrandID == "" || summary.ModelID == "" {
		return nil, models.NewError(models.ErrKindValidation, "brand and model are required")
	}

	session, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.expireIfNeeded(ctx, session); err != nil {
		return nil, err
	}
	if models.IsTerminalStatus(session.Status) {
		return nil, models.NewError(models.ErrKindConflict, "session %s is terminal", sessionID)
	}

	if existing := session.Data.OrderSummary; existing != nil && !models.AmountsMatch(existing.Amount, summary.Amount) {
		return nil, models.NewError(models.ErrKindConflict,
			"order amount already set to %.2f", existing.Amount)
	}

	// qr_scanned walks through designing on its way to design_complete.
	progress := session.UserProgress
	for progress != models.ProgressDesignComplete {
		next := models.ProgressDesigning
		if progress == models.ProgressDesigning {
			next = models.ProgressDesignComplete
		}
		if !models.CanProgress(progress, next) {
			return nil, models.NewError(models.ErrKindConflict,
				"cannot attach summary at progress %s", session.UserProgress)
		}
		progress = next
	}

	updates := map[string]interface{}{
		"order_summary": &summary,
	}
	if finalImageURL != "" {
		updates["final_image_url"] = finalImageURL
	}
	if err := s.UpdateSessionData(ctx, sessionID, updates, true); err != nil {
		return nil, err
	}

	if err := s.store.UpdateSessionState(ctx, sessionID, models.SessionStatusDesigning, models.ProgressDesignComplete); err != nil {
		return nil, fmt.Errorf("failed to update session state: %w", err)
	}

	return s.store.GetSessionByID(ctx, sessionID)
}

// CancelSession terminates a session at the kiosk's request
func (s *SessionService) CancelSession(ctx context.Context, sessionID string) error {
	session, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if models.IsTerminalStatus(session.Status) {
		return models.NewError(models.ErrKindConflict, "session %s is terminal", sessionID)
	}

	if err := s.store.UpdateSessionState(ctx, sessionID, models.SessionStatusCancelled, session.UserProgress); err != nil {
		return fmt.Errorf("failed to cancel session: %w", err)
	}
	_ = s.counters.ReleaseSessionSlot(ctx, session.MachineID)

	if s.publisher != nil {
		event := &models.SessionCancelledEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeSessionCancelled,
				Timestamp: s.now(),
			},
			SessionID: sessionID,
			MachineID: session.MachineID,
		}
		if err := s.publisher.PublishSessionCancelled(ctx, event); err != nil {
			s.logger.Error("Failed to publish SessionCancelled event", zap.Error(err))
		}
	}
	return nil
}

// UpdateSessionData is the guaranteed-persistence protocol: merge (or
// replace) the given keys into the session's data document, write, then read
// the row back and structurally compare every written key against what is now
// persisted. A verification mismatch retries the whole write with linear
// backoff before surfacing a persistence failure. Callers must not assume a
// write stuck just because no error was returned by the store.
func (s *SessionService) UpdateSessionData(ctx context.Context, sessionID string, updates map[string]interface{}, merge bool) error {
	ctx, span := util.StartSpan(ctx, "SessionService.UpdateSessionData")
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		if attempt > 1 {
			util.SessionDataVerifyRetries.Inc()
			s.sleep(time.Duration(attempt-1) * writeBackoffStep)
		}

		session, err := s.store.GetSessionByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if models.IsTerminalStatus(session.Status) {
			return models.NewError(models.ErrKindConflict, "session %s is terminal", sessionID)
		}

		doc, err := session.Data.AsMap()
		if err != nil {
			return fmt.Errorf("failed to decode session data: %w", err)
		}
		applyUpdates(doc, updates, merge)

		newData, err := models.SessionDataFromMap(doc)
		if err != nil {
			return models.WrapError(models.ErrKindValidation, err, "updates do not fit session data schema")
		}

		if err := s.store.UpdateSessionData(ctx, sessionID, newData); err != nil {
			lastErr = err
			continue
		}

		persisted, err := s.store.GetSessionByID(ctx, sessionID)
		if err != nil {
			lastErr = err
			continue
		}
		got, err := persisted.Data.AsMap()
		if err != nil {
			lastErr = err
			continue
		}

		if verifyWritten(updates, got) {
			return nil
		}
		lastErr = fmt.Errorf("read-back verification mismatch on attempt %d", attempt)
		s.logger.Warn("Session data write did not verify",
			zap.String("session_id", sessionID),
			zap.Int("attempt", attempt))
	}

	util.SessionDataVerifyFailures.Inc()
	return models.WrapError(models.ErrKindPersistence, lastErr,
		"session data write could not be verified after %d attempts", maxWriteAttempts)
}

// verifyWritten checks every key the caller wrote against the persisted doc
func verifyWritten(updates map[string]interface{}, got map[string]interface{}) bool {
	for k, want := range updates {
		if !structurallyEqual(want, got[k]) {
			return false
		}
	}
	return true
}

// applyUpdates merges or replaces the given keys in the document
func applyUpdates(doc, updates map[string]interface{}, merge bool) {
	for k, v := range updates {
		if merge {
			if existing, ok := doc[k].(map[string]interface{}); ok {
				if incoming, ok := normalizeJSON(v).(map[string]interface{}); ok {
					deepMerge(existing, incoming)
					continue
				}
			}
		}
		doc[k] = normalizeJSON(v)
	}
}

func deepMerge(dst, src map[string]interface{}) {
	for k, v := range src {
		if sv, ok := v.(map[string]interface{}); ok {
			if dv, ok := dst[k].(map[string]interface{}); ok {
				deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}

// FindByCorrelationID resolves the session a payment callback belongs to,
// trying three strategies in order: the correlation id written into session
// data, the independent payment-record mapping, then a scan of recently
// active sessions still missing a correlation id. The last tier indicates the
// initiation write raced the callback and is flagged, not silently accepted.
func (s *SessionService) FindByCorrelationID(ctx context.Context, correlationID string) (*models.Session, string, error) {
	ctx, span := util.StartSpan(ctx, "SessionService.FindByCorrelationID")
	defer span.End()

	session, err := s.store.GetSessionByCorrelationID(ctx, correlationID)
	if err == nil {
		return session, "correlation_id", nil
	}
	if !models.IsKind(err, models.ErrKindNotFound) {
		return nil, "", err
	}

	if rec, err := s.store.GetPaymentRecord(ctx, correlationID); err == nil {
		if rec.SessionID != "" {
			if session, err := s.store.GetSessionByID(ctx, rec.SessionID); err == nil {
				return session, "payment_record", nil
			}
		}
		if session, err := s.store.GetSessionByPartnerPaymentID(ctx, rec.PartnerPaymentID); err == nil {
			return session, "payment_record", nil
		}
	} else if !models.IsKind(err, models.ErrKindNotFound) {
		return nil, "", err
	}

	recent, err := s.store.GetRecentSessionsMissingCorrelation(ctx, s.now().Add(-recentSessionScan))
	if err != nil {
		return nil, "", err
	}
	if len(recent) > 0 {
		s.logger.Warn("Matched webhook to session heuristically, possible race on payment context write",
			zap.String("correlation_id", correlationID),
			zap.String("session_id", recent[0].ID))
		return &recent[0], "recent_scan", nil
	}

	return nil, "", models.NewError(models.ErrKindNotFound, "no session for correlation id %s", correlationID)
}

// GetOrderInfo returns the order linked to a session
func (s *SessionService) GetOrderInfo(ctx context.Context, sessionID string) (*models.Order, error) {
	session, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.OrderID.Valid {
		return nil, models.NewError(models.ErrKindNotFound, "no order for session %s", sessionID)
	}
	return s.store.GetOrderByID(ctx, session.OrderID.String)
}

func clampTimeout(minutes int) int {
	if minutes < minTimeoutMinutes {
		return minTimeoutMinutes
	}
	if minutes > maxTimeoutMinutes {
		return maxTimeoutMinutes
	}
	return minutes
}

func validateMachineID(machineID string) error {
	if machineID == "" || len(machineID) > 64 {
		return models.NewError(models.ErrKindValidation, "invalid machine id")
	}
	for _, r := range machineID {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return models.NewError(models.ErrKindValidation, "invalid machine id")
		}
	}
	return nil
}
