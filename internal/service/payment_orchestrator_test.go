package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"kiosk-service/internal/models"
	"kiosk-service/internal/partner"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPaymentHarness(t *testing.T) (*harness, *PaymentOrchestrator) {
	t.Helper()
	h := newHarness(t)

	h.store.catalog["apple/iphone-15"] = &models.CatalogModel{
		BrandID:        "apple",
		ModelID:        "iphone-15",
		Name:           "iPhone 15",
		PartnerModelID: "PM1",
		PartnerShellID: "SH1",
	}
	h.partner.stock = []partner.StockModel{{ModelID: "PM1", ShellID: "SH1", Stock: 5}}
	h.partner.paymentID = "PP-77"

	catalog := NewCatalogClient(h.store, h.counters, h.partner)
	corr := NewCorrelationSource(h.counters, "KSK")
	corr.now = func() time.Time { return h.now }

	po := NewPaymentOrchestrator(h.sessions, h.store, h.partner, catalog, corr, h.events, "card")
	return h, po
}

func designCompleteSession(t *testing.T, h *harness) *models.Session {
	t.Helper()
	ctx := context.Background()

	session := h.mustCreate(t, "VM001", 30)
	_, err := h.sessions.RegisterUser(ctx, session.ID)
	require.NoError(t, err)
	got, err := h.sessions.AttachOrderSummary(ctx, session.ID,
		testSummary(), "https://img.example.com/designs/d1.png")
	require.NoError(t, err)
	return got
}

func TestCorrelationIDFormat(t *testing.T) {
	h := newHarness(t)
	corr := NewCorrelationSource(h.counters, "KSK")
	corr.now = func() time.Time { return h.now }

	first := corr.Next(context.Background())
	second := corr.Next(context.Background())

	// Prefix, six-digit date, six-digit zero-padded sequence.
	assert.Equal(t, "KSK260823000001", first)
	assert.Equal(t, "KSK260823000002", second)
}

func TestCorrelationIDRollsOverByDay(t *testing.T) {
	h := newHarness(t)
	corr := NewCorrelationSource(h.counters, "KSK")
	corr.now = func() time.Time { return h.now }

	assert.Equal(t, "KSK260823000001", corr.Next(context.Background()))
	h.advance(24 * time.Hour)
	assert.Equal(t, "KSK260824000001", corr.Next(context.Background()))
}

type seqFailCounters struct {
	*fakeCounters
}

func (s *seqFailCounters) NextCorrelationSeq(ctx context.Context, day string) (int64, error) {
	return 0, errors.New("redis unavailable")
}

func TestCorrelationIDLocalFallback(t *testing.T) {
	h := newHarness(t)
	corr := NewCorrelationSource(&seqFailCounters{h.counters}, "KSK")
	corr.now = func() time.Time { return h.now }

	first := corr.Next(context.Background())
	second := corr.Next(context.Background())

	assert.Regexp(t, `^KSK260823\d{6}$`, first)
	assert.Regexp(t, `^KSK260823\d{6}$`, second)
	assert.NotEqual(t, first, second)
}

func TestInitiatePayment(t *testing.T) {
	ctx := context.Background()
	h, po := newPaymentHarness(t)
	session := designCompleteSession(t, h)

	correlationID, err := po.InitiatePayment(ctx, session.ID)
	require.NoError(t, err)
	assert.Regexp(t, `^KSK260823\d{6}$`, correlationID)

	stored, err := h.store.GetSessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaymentPending, stored.Status)
	assert.Equal(t, models.ProgressPaymentPending, stored.UserProgress)
	assert.Equal(t, 21.99, stored.PaymentAmount)

	require.NotNil(t, stored.Data.Payment)
	assert.Equal(t, correlationID, stored.Data.Payment.CorrelationID)
	assert.Equal(t, "PP-77", stored.Data.Payment.PartnerPaymentID)
	assert.Equal(t, "PM1", stored.Data.Payment.ModelID)
	assert.Equal(t, "SH1", stored.Data.Payment.ShellID)
	assert.Equal(t, 21.99, stored.Data.Payment.Amount)

	rec, err := h.store.GetPaymentRecord(ctx, correlationID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, rec.SessionID)
	assert.Equal(t, "PP-77", rec.PartnerPaymentID)

	var initiated *models.PaymentInitiatedEvent
	for _, e := range h.events.events {
		if ev, ok := e.(*models.PaymentInitiatedEvent); ok {
			initiated = ev
		}
	}
	require.NotNil(t, initiated)
	assert.Equal(t, correlationID, initiated.CorrelationID)
}

func TestInitiatePaymentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h, po := newPaymentHarness(t)
	session := designCompleteSession(t, h)

	first, err := po.InitiatePayment(ctx, session.ID)
	require.NoError(t, err)

	// Re-confirming while payment is pending returns the same correlation id
	// without touching the partner again.
	second, err := po.InitiatePayment(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.partner.paymentCalls)
}

func TestInitiatePaymentRequiresSummary(t *testing.T) {
	ctx := context.Background()
	h, po := newPaymentHarness(t)
	session := h.mustCreate(t, "VM001", 30)

	_, err := po.InitiatePayment(ctx, session.ID)
	assert.True(t, models.IsKind(err, models.ErrKindValidation))
}

func TestInitiatePaymentRequiresDesignComplete(t *testing.T) {
	ctx := context.Background()
	h, po := newPaymentHarness(t)

	session := h.mustCreate(t, "VM001", 30)
	_, err := h.sessions.RegisterUser(ctx, session.ID)
	require.NoError(t, err)

	// Summary present in data but the design was never finished.
	summary := testSummary()
	require.NoError(t, h.sessions.UpdateSessionData(ctx, session.ID,
		map[string]interface{}{"order_summary": &summary}, true))

	_, err = po.InitiatePayment(ctx, session.ID)
	assert.True(t, models.IsKind(err, models.ErrKindConflict))
}

func TestInitiatePaymentPartnerRejected(t *testing.T) {
	ctx := context.Background()
	h, po := newPaymentHarness(t)
	session := designCompleteSession(t, h)

	h.partner.paymentErr = &partner.Error{Endpoint: "payment/initiate", Code: 400, Message: "bad amount"}
	_, err := po.InitiatePayment(ctx, session.ID)
	assert.True(t, models.IsKind(err, models.ErrKindPartnerRejected))

	h.partner.paymentErr = &partner.Error{Endpoint: "payment/initiate", Message: "timeout", Transient: true}
	_, err = po.InitiatePayment(ctx, session.ID)
	assert.True(t, models.IsKind(err, models.ErrKindPartnerTransient))

	// The session never reached payment_pending.
	stored, err := h.store.GetSessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.SessionStatusPaymentPending, stored.Status)
}

func TestInitiatePaymentOutOfStock(t *testing.T) {
	ctx := context.Background()
	h, po := newPaymentHarness(t)
	session := designCompleteSession(t, h)

	h.partner.stock = []partner.StockModel{{ModelID: "PM1", Stock: 0}}
	_, err := po.InitiatePayment(ctx, session.ID)
	assert.True(t, models.IsKind(err, models.ErrKindPartnerRejected))
}

func TestInitiatePaymentStockQueryDownUsesLocalCatalog(t *testing.T) {
	ctx := context.Background()
	h, po := newPaymentHarness(t)
	session := designCompleteSession(t, h)

	h.partner.stockErr = &partner.Error{Endpoint: "stock/query", Message: "timeout", Transient: true}
	correlationID, err := po.InitiatePayment(ctx, session.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, correlationID)
}

func TestInitiatePaymentUnverifiableWriteFailsInitiation(t *testing.T) {
	ctx := context.Background()
	h, po := newPaymentHarness(t)
	session := designCompleteSession(t, h)

	// The partner accepts but the payment context never verifiably lands; the
	// initiation must be reported failed so the kiosk retries.
	h.sessions.store = &flakyStore{fakeStore: h.store, failWrites: 3}

	_, err := po.InitiatePayment(ctx, session.ID)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindPersistence))

	stored, err := h.store.GetSessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.SessionStatusPaymentPending, stored.Status)
	assert.Nil(t, stored.Data.Payment)
}
