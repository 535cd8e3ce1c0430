package store

import (
	"context"
	"database/sql"

	"kiosk-service/internal/models"
)

// CreateOrder inserts a new order row
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (id, session_id, brand_id, model_id, template_id, total_amount, currency, status, partner_order_id, queue_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`

	return s.db.GetContext(ctx, order, query,
		order.ID, order.SessionID, order.BrandID, order.ModelID, order.TemplateID,
		order.TotalAmount, order.Currency, order.Status, order.PartnerOrderID, order.QueueNumber)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.NewError(models.ErrKindNotFound, "order not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderBySessionID retrieves the order linked to a session
func (s *Store) GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE session_id = $1", sessionID)
	if err == sql.ErrNoRows {
		return nil, models.NewError(models.ErrKindNotFound, "no order for session: %s", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus updates order status
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	return err
}

// CreatePaymentRecord writes the correlation-id to partner-payment-id mapping.
// Write-once: a second insert for the same correlation id is ignored.
func (s *Store) CreatePaymentRecord(ctx context.Context, rec *models.PaymentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_records (correlation_id, partner_payment_id, session_id, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (correlation_id) DO NOTHING`,
		rec.CorrelationID, rec.PartnerPaymentID, rec.SessionID, rec.Amount)
	return err
}

// GetPaymentRecord retrieves the mapping for a correlation id
func (s *Store) GetPaymentRecord(ctx context.Context, correlationID string) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := s.db.GetContext(ctx, &rec,
		"SELECT * FROM payment_records WHERE correlation_id = $1", correlationID)
	if err == sql.ErrNoRows {
		return nil, models.NewError(models.ErrKindNotFound, "no payment record for correlation id %s", correlationID)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ClaimWebhookDelivery claims one callback delivery for processing. The row
// is inserted before any work happens, so of two concurrent deliveries of the
// same confirmation exactly one insert lands and the other caller sees false.
func (s *Store) ClaimWebhookDelivery(ctx context.Context, correlationID, statusCode string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_webhooks (correlation_id, status_code, outcome)
		VALUES ($1, $2, 'processing')
		ON CONFLICT (correlation_id, status_code) DO NOTHING`,
		correlationID, statusCode)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// MarkWebhookProcessed records the final outcome on a claimed delivery
func (s *Store) MarkWebhookProcessed(ctx context.Context, correlationID, statusCode, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processed_webhooks
		SET outcome = $3
		WHERE correlation_id = $1 AND status_code = $2`,
		correlationID, statusCode, outcome)
	return err
}
