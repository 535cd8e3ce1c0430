package store

import (
	"context"
	"database/sql"
	"time"

	"kiosk-service/internal/models"
)

// CreateSession inserts a new session row
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO sessions (id, machine_id, status, user_progress, payment_amount, data, expires_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	return s.db.GetContext(ctx, &session.CreatedAt, query,
		session.ID, session.MachineID, session.Status, session.UserProgress,
		session.PaymentAmount, session.Data, session.ExpiresAt, session.LastActivity)
}

// GetSessionByID retrieves a session by ID
func (s *Store) GetSessionByID(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	err := s.db.GetContext(ctx, &session, "SELECT * FROM sessions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.NewError(models.ErrKindNotFound, "session not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateSessionData replaces the session's data document and bumps
// last_activity. The caller is expected to read the row back and verify the
// write (see service.SessionService.UpdateSessionData).
func (s *Store) UpdateSessionData(ctx context.Context, id string, data models.SessionData) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET data = $1, last_activity = NOW() WHERE id = $2",
		data, id)
	return err
}

// UpdateSessionState updates status and user_progress together
func (s *Store) UpdateSessionState(ctx context.Context, id, status, progress string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = $1, user_progress = $2, last_activity = NOW() WHERE id = $3",
		status, progress, id)
	return err
}

// SetPaymentPending transitions the session into payment_pending and sets the
// payment amount in the same statement.
func (s *Store) SetPaymentPending(ctx context.Context, id string, amount float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = $1, user_progress = $2, payment_amount = $3, last_activity = NOW()
		WHERE id = $4`,
		models.SessionStatusPaymentPending, models.ProgressPaymentPending, amount, id)
	return err
}

// TouchSession refreshes last_activity; expiry itself is absolute.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_activity = NOW() WHERE id = $1", id)
	return err
}

// MarkSessionExpired flips a session to expired
func (s *Store) MarkSessionExpired(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = $1 WHERE id = $2", models.SessionStatusExpired, id)
	return err
}

// LinkOrder sets the session's order back-reference; a session links to at
// most one order so a second link attempt is a no-op conflict.
func (s *Store) LinkOrder(ctx context.Context, sessionID, orderID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET order_id = $1 WHERE id = $2 AND order_id IS NULL",
		orderID, sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.NewError(models.ErrKindConflict, "session %s already linked to an order", sessionID)
	}
	return nil
}

// GetSessionByCorrelationID matches a session on the correlation id stored in
// its payment context. This is the primary webhook resolution path.
func (s *Store) GetSessionByCorrelationID(ctx context.Context, correlationID string) (*models.Session, error) {
	var session models.Session
	err := s.db.GetContext(ctx, &session,
		"SELECT * FROM sessions WHERE data->'payment'->>'correlation_id' = $1", correlationID)
	if err == sql.ErrNoRows {
		return nil, models.NewError(models.ErrKindNotFound, "no session for correlation id %s", correlationID)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSessionByPartnerPaymentID matches a session on the partner's payment id.
func (s *Store) GetSessionByPartnerPaymentID(ctx context.Context, partnerPaymentID string) (*models.Session, error) {
	var session models.Session
	err := s.db.GetContext(ctx, &session,
		"SELECT * FROM sessions WHERE data->'payment'->>'partner_payment_id' = $1", partnerPaymentID)
	if err == sql.ErrNoRows {
		return nil, models.NewError(models.ErrKindNotFound, "no session for partner payment id %s", partnerPaymentID)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetRecentSessionsMissingCorrelation returns payment_pending sessions active
// since the cutoff that have no correlation id yet. Last-resort webhook
// matching only.
func (s *Store) GetRecentSessionsMissingCorrelation(ctx context.Context, since time.Time) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE user_progress = $1
		  AND last_activity >= $2
		  AND (data->'payment'->>'correlation_id') IS NULL
		ORDER BY last_activity DESC`,
		models.ProgressPaymentPending, since)
	return sessions, err
}

// CountActiveSessions counts non-expired active-family sessions for one machine
func (s *Store) CountActiveSessions(ctx context.Context, machineID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM sessions
		WHERE machine_id = $1
		  AND status IN ($2, $3, $4)
		  AND expires_at > NOW()`,
		machineID, models.SessionStatusActive, models.SessionStatusDesigning, models.SessionStatusPaymentPending)
	return count, err
}

// CountActiveSessionsByMachine returns active session counts for every
// machine, used by the background counter reconciler.
func (s *Store) CountActiveSessionsByMachine(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT machine_id, COUNT(*) AS n FROM sessions
		WHERE status IN ($1, $2, $3)
		  AND expires_at > NOW()
		GROUP BY machine_id`,
		models.SessionStatusActive, models.SessionStatusDesigning, models.SessionStatusPaymentPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var machineID string
		var n int
		if err := rows.Scan(&machineID, &n); err != nil {
			return nil, err
		}
		counts[machineID] = n
	}
	return counts, rows.Err()
}
