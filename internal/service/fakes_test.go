package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"kiosk-service/internal/models"
	"kiosk-service/internal/partner"
)

// fakeStore is an in-memory Store. Sessions round-trip through JSON on write
// and read so persisted data behaves like the JSONB column does.
type fakeStore struct {
	mu             sync.Mutex
	machines       map[string]*models.Machine
	sessions       map[string]*models.Session
	orders         map[string]*models.Order
	catalog        map[string]*models.CatalogModel
	paymentRecords map[string]*models.PaymentRecord
	webhooks       map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		machines:       make(map[string]*models.Machine),
		sessions:       make(map[string]*models.Session),
		orders:         make(map[string]*models.Order),
		catalog:        make(map[string]*models.CatalogModel),
		paymentRecords: make(map[string]*models.PaymentRecord),
		webhooks:       make(map[string]string),
	}
}

func copySession(s *models.Session) *models.Session {
	raw, _ := json.Marshal(s)
	var out models.Session
	_ = json.Unmarshal(raw, &out)
	out.OrderID = s.OrderID
	return &out
}

func (f *fakeStore) EnsureMachine(ctx context.Context, machineID, location string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.machines[machineID]; !ok {
		f.machines[machineID] = &models.Machine{ID: machineID, Location: location, CreatedAt: time.Now()}
	}
	f.machines[machineID].LastSeenAt = time.Now()
	return nil
}

func (f *fakeStore) GetMachine(ctx context.Context, machineID string) (*models.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[machineID]
	if !ok {
		return nil, models.NewError(models.ErrKindNotFound, "machine not found: %s", machineID)
	}
	return m, nil
}

func (f *fakeStore) CreateSession(ctx context.Context, session *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session.CreatedAt = time.Now()
	f.sessions[session.ID] = copySession(session)
	return nil
}

func (f *fakeStore) GetSessionByID(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, models.NewError(models.ErrKindNotFound, "session not found: %s", id)
	}
	return copySession(s), nil
}

func (f *fakeStore) UpdateSessionData(ctx context.Context, id string, data models.SessionData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return models.NewError(models.ErrKindNotFound, "session not found: %s", id)
	}
	raw, _ := json.Marshal(data)
	var stored models.SessionData
	_ = json.Unmarshal(raw, &stored)
	s.Data = stored
	s.LastActivity = time.Now()
	return nil
}

func (f *fakeStore) UpdateSessionState(ctx context.Context, id, status, progress string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return models.NewError(models.ErrKindNotFound, "session not found: %s", id)
	}
	s.Status = status
	s.UserProgress = progress
	s.LastActivity = time.Now()
	return nil
}

func (f *fakeStore) SetPaymentPending(ctx context.Context, id string, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return models.NewError(models.ErrKindNotFound, "session not found: %s", id)
	}
	s.Status = models.SessionStatusPaymentPending
	s.UserProgress = models.ProgressPaymentPending
	s.PaymentAmount = amount
	return nil
}

func (f *fakeStore) TouchSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.LastActivity = time.Now()
	}
	return nil
}

func (f *fakeStore) MarkSessionExpired(ctx context.Context, id string) error {
	return f.UpdateSessionState(ctx, id, models.SessionStatusExpired, f.progress(id))
}

func (f *fakeStore) progress(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		return s.UserProgress
	}
	return ""
}

func (f *fakeStore) LinkOrder(ctx context.Context, sessionID, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return models.NewError(models.ErrKindNotFound, "session not found: %s", sessionID)
	}
	if s.OrderID.Valid {
		return models.NewError(models.ErrKindConflict, "session %s already linked to an order", sessionID)
	}
	s.OrderID.String = orderID
	s.OrderID.Valid = true
	return nil
}

func (f *fakeStore) GetSessionByCorrelationID(ctx context.Context, correlationID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.Data.Payment != nil && s.Data.Payment.CorrelationID == correlationID {
			return copySession(s), nil
		}
	}
	return nil, models.NewError(models.ErrKindNotFound, "no session for correlation id %s", correlationID)
}

func (f *fakeStore) GetSessionByPartnerPaymentID(ctx context.Context, partnerPaymentID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.Data.Payment != nil && s.Data.Payment.PartnerPaymentID == partnerPaymentID {
			return copySession(s), nil
		}
	}
	return nil, models.NewError(models.ErrKindNotFound, "no session for partner payment id %s", partnerPaymentID)
}

func (f *fakeStore) GetRecentSessionsMissingCorrelation(ctx context.Context, since time.Time) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Session
	for _, s := range f.sessions {
		if s.UserProgress == models.ProgressPaymentPending &&
			s.LastActivity.After(since) &&
			(s.Data.Payment == nil || s.Data.Payment.CorrelationID == "") {
			out = append(out, *copySession(s))
		}
	}
	return out, nil
}

func (f *fakeStore) CountActiveSessions(ctx context.Context, machineID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, s := range f.sessions {
		if s.MachineID == machineID && !models.IsTerminalStatus(s.Status) {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) GetCatalogModel(ctx context.Context, brandID, modelID string) (*models.CatalogModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cm, ok := f.catalog[brandID+"/"+modelID]
	if !ok {
		return nil, models.NewError(models.ErrKindNotFound, "catalog model not found: %s/%s", brandID, modelID)
	}
	return cm, nil
}

func (f *fakeStore) GetCatalogModels(ctx context.Context) ([]models.CatalogModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CatalogModel
	for _, cm := range f.catalog {
		out = append(out, *cm)
	}
	return out, nil
}

func (f *fakeStore) CreateOrder(ctx context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	cp := *order
	f.orders[order.ID] = &cp
	return nil
}

func (f *fakeStore) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, models.NewError(models.ErrKindNotFound, "order not found: %s", id)
	}
	return o, nil
}

func (f *fakeStore) GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok && s.OrderID.Valid {
		if o, ok := f.orders[s.OrderID.String]; ok {
			return o, nil
		}
	}
	for _, o := range f.orders {
		if o.SessionID.Valid && o.SessionID.String == sessionID {
			return o, nil
		}
	}
	return nil, models.NewError(models.ErrKindNotFound, "no order for session: %s", sessionID)
}

func (f *fakeStore) UpdateOrderStatus(ctx context.Context, orderID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.Status = status
	}
	return nil
}

func (f *fakeStore) CreatePaymentRecord(ctx context.Context, rec *models.PaymentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.paymentRecords[rec.CorrelationID]; ok {
		return nil // write-once
	}
	cp := *rec
	f.paymentRecords[rec.CorrelationID] = &cp
	return nil
}

func (f *fakeStore) GetPaymentRecord(ctx context.Context, correlationID string) (*models.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.paymentRecords[correlationID]
	if !ok {
		return nil, models.NewError(models.ErrKindNotFound, "no payment record for correlation id %s", correlationID)
	}
	return rec, nil
}

func (f *fakeStore) ClaimWebhookDelivery(ctx context.Context, correlationID, statusCode string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := correlationID + ":" + statusCode
	if _, ok := f.webhooks[key]; ok {
		return false, nil
	}
	f.webhooks[key] = "processing"
	return true, nil
}

func (f *fakeStore) MarkWebhookProcessed(ctx context.Context, correlationID, statusCode, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := correlationID + ":" + statusCode
	if _, ok := f.webhooks[key]; ok {
		f.webhooks[key] = outcome
	}
	return nil
}

// flakyStore drops every write to session data for the first failWrites
// calls, simulating the store's unreliable nested-document change tracking.
type flakyStore struct {
	*fakeStore
	failWrites int
	writes     int
}

func (f *flakyStore) UpdateSessionData(ctx context.Context, id string, data models.SessionData) error {
	f.writes++
	if f.writes <= f.failWrites {
		return nil // silently dropped, no error raised
	}
	return f.fakeStore.UpdateSessionData(ctx, id, data)
}

// fakeCounters is an in-memory Counters implementation
type fakeCounters struct {
	mu     sync.Mutex
	counts map[string]int
	seqs   map[string]int64
	claims map[string]bool
	cached map[string][2]string

	failSlots bool
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{
		counts: make(map[string]int),
		seqs:   make(map[string]int64),
		claims: make(map[string]bool),
		cached: make(map[string][2]string),
	}
}

func (f *fakeCounters) AcquireSessionSlot(ctx context.Context, machineID string, max int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSlots {
		return false, errors.New("redis unavailable")
	}
	if f.counts[machineID] >= max {
		return false, nil
	}
	f.counts[machineID]++
	return true, nil
}

func (f *fakeCounters) ReleaseSessionSlot(ctx context.Context, machineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[machineID] > 0 {
		f.counts[machineID]--
	}
	return nil
}

func (f *fakeCounters) SetSessionCount(ctx context.Context, machineID string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[machineID] = count
	return nil
}

func (f *fakeCounters) NextCorrelationSeq(ctx context.Context, day string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seqs[day]++
	return f.seqs[day], nil
}

func (f *fakeCounters) ClaimWebhook(ctx context.Context, correlationID, statusCode string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := correlationID + ":" + statusCode
	if f.claims[key] {
		return false, nil
	}
	f.claims[key] = true
	return true, nil
}

func (f *fakeCounters) GetCachedCatalogModel(ctx context.Context, brandID, modelID string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.cached[brandID+"/"+modelID]; ok {
		return v[0], v[1], nil
	}
	return "", "", models.NewError(models.ErrKindNotFound, "not cached")
}

func (f *fakeCounters) CacheCatalogModel(ctx context.Context, brandID, modelID, partnerModelID, partnerShellID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached[brandID+"/"+modelID] = [2]string{partnerModelID, partnerShellID}
	return nil
}

// fakePartner is a scripted PartnerAPI
type fakePartner struct {
	mu sync.Mutex

	stock    []partner.StockModel
	stockErr error

	paymentID    string
	paymentErr   error
	paymentCalls int

	notifyErr   error
	notifyCalls []string

	// submitErrs are returned in order before submitResult succeeds
	submitErrs   []error
	submitResult *partner.OrderResult
	submits      []partner.OrderRequest
}

func (f *fakePartner) Login(ctx context.Context) error { return nil }

func (f *fakePartner) QueryStock(ctx context.Context, deviceID, brandID string) ([]partner.StockModel, error) {
	if f.stockErr != nil {
		return nil, f.stockErr
	}
	return f.stock, nil
}

func (f *fakePartner) InitiatePayment(ctx context.Context, req partner.PaymentRequest) (string, error) {
	f.mu.Lock()
	f.paymentCalls++
	f.mu.Unlock()
	if f.paymentErr != nil {
		return "", f.paymentErr
	}
	return f.paymentID, nil
}

func (f *fakePartner) NotifyPaymentStatus(ctx context.Context, correlationID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyCalls = append(f.notifyCalls, correlationID+":"+status)
	return f.notifyErr
}

func (f *fakePartner) SubmitOrder(ctx context.Context, req partner.OrderRequest) (*partner.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return nil, err
	}
	if f.submitResult != nil {
		return f.submitResult, nil
	}
	return &partner.OrderResult{OrderID: "P-ORDER-1", QueueNumber: "Q1"}, nil
}

// fakePublisher records published events
type fakePublisher struct {
	mu     sync.Mutex
	events []interface{}
}

func (f *fakePublisher) record(e interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakePublisher) PublishSessionCreated(ctx context.Context, e *models.SessionCreatedEvent) error {
	return f.record(e)
}
func (f *fakePublisher) PublishSessionCancelled(ctx context.Context, e *models.SessionCancelledEvent) error {
	return f.record(e)
}
func (f *fakePublisher) PublishPaymentInitiated(ctx context.Context, e *models.PaymentInitiatedEvent) error {
	return f.record(e)
}
func (f *fakePublisher) PublishPaymentConfirmed(ctx context.Context, e *models.PaymentConfirmedEvent) error {
	return f.record(e)
}
func (f *fakePublisher) PublishPaymentFailed(ctx context.Context, e *models.PaymentFailedEvent) error {
	return f.record(e)
}
func (f *fakePublisher) PublishOrderSubmitted(ctx context.Context, e *models.OrderSubmittedEvent) error {
	return f.record(e)
}
func (f *fakePublisher) PublishOrderFailed(ctx context.Context, e *models.OrderFailedEvent) error {
	return f.record(e)
}
func (f *fakePublisher) PublishWebhookOrphaned(ctx context.Context, e *models.WebhookOrphanedEvent) error {
	return f.record(e)
}

func (f *fakePublisher) orphanedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if _, ok := e.(*models.WebhookOrphanedEvent); ok {
			n++
		}
	}
	return n
}
