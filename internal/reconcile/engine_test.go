package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/checkout-gateway/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-gateway/internal/lock"
	"github.com/akylbek/payment-system/checkout-gateway/internal/models"
)

// fakeStore is an in-memory PaymentStore with real compare-and-swap
// semantics, so conflict replay can be exercised without a database.
type fakeStore struct {
	mu       sync.Mutex
	payments map[string]*models.Payment

	// beforeCAS runs inside ConditionalUpdate before the status check,
	// letting tests interleave a competing writer.
	beforeCAS func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{payments: make(map[string]*models.Payment)}
}

func (s *fakeStore) Put(_ context.Context, p *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (*models.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) GetByProcessorOrderID(_ context.Context, orderID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ProcessorOrderID == orderID && orderID != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *fakeStore) GetByIdempotencyKey(_ context.Context, key string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.IdempotencyKey == key && key != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *fakeStore) ConditionalUpdate(ctx context.Context, id string, expected models.PaymentStatus, change models.PaymentChange) (*models.Payment, error) {
	// Refuses cancelled contexts the way database/sql does.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.beforeCAS != nil {
		hook := s.beforeCAS
		s.beforeCAS = nil
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if p.Status != expected {
		return nil, models.ErrConflict
	}

	p.Status = change.Status
	if p.ProcessorOrderID == "" {
		p.ProcessorOrderID = change.ProcessorOrderID
	}
	if change.PayerEmail != "" {
		p.PayerEmail = change.PayerEmail
	}
	if change.ErrorMessage != "" {
		p.ErrorMessage = change.ErrorMessage
	}
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, nil
}

func (s *fakeStore) List(_ context.Context, _ models.ListFilter) ([]models.Payment, error) {
	return nil, nil
}

func (s *fakeStore) Stats(_ context.Context) (*models.PaymentStats, error) {
	return &models.PaymentStats{}, nil
}

type fakeGateway struct {
	createFunc  func(ctx context.Context, req interfaces.CreateOrderRequest) (*interfaces.OrderResult, error)
	getFunc     func(ctx context.Context, orderID string) (*interfaces.OrderResult, error)
	captureFunc func(ctx context.Context, orderID string) (*interfaces.CaptureResult, error)

	captureCalls int
}

func (g *fakeGateway) CreateOrder(ctx context.Context, req interfaces.CreateOrderRequest) (*interfaces.OrderResult, error) {
	if g.createFunc == nil {
		return &interfaces.OrderResult{ID: "O-1", Status: "CREATED", ApprovalURL: "https://pay/O-1"}, nil
	}
	return g.createFunc(ctx, req)
}

func (g *fakeGateway) GetOrder(ctx context.Context, orderID string) (*interfaces.OrderResult, error) {
	if g.getFunc == nil {
		return &interfaces.OrderResult{ID: orderID, Status: "CREATED"}, nil
	}
	return g.getFunc(ctx, orderID)
}

func (g *fakeGateway) CaptureOrder(ctx context.Context, orderID string) (*interfaces.CaptureResult, error) {
	g.captureCalls++
	if g.captureFunc == nil {
		return &interfaces.CaptureResult{Status: "COMPLETED", PayerEmail: "a@b.com"}, nil
	}
	return g.captureFunc(ctx, orderID)
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []string
}

func (p *recordingPublisher) PaymentStateChanged(_ context.Context, paymentID string, from, to models.PaymentStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, fmt.Sprintf("%s:%s->%s", paymentID, from, to))
}

func newTestEngine(store *fakeStore, gateway *fakeGateway) (*Engine, *recordingPublisher) {
	pub := &recordingPublisher{}
	return NewEngine(store, gateway, lock.NewLocalLocker(), pub), pub
}

func createRequest() models.CreatePaymentRequest {
	return models.CreatePaymentRequest{
		Amount:      decimal.RequireFromString("25.00"),
		Currency:    "USD",
		Description: "Widget",
	}
}

func TestEngine_Create(t *testing.T) {
	store := newFakeStore()
	engine, pub := newTestEngine(store, &fakeGateway{})

	res, err := engine.Create(context.Background(), createRequest(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !res.Success || res.OrderID != "O-1" || res.ApprovalURL != "https://pay/O-1" {
		t.Errorf("result = %+v", res)
	}
	if res.Payment.Status != models.StatusPending {
		t.Errorf("status = %s, want pending", res.Payment.Status)
	}
	if res.Payment.ProcessorOrderID != "O-1" {
		t.Errorf("processor order id = %q, want O-1", res.Payment.ProcessorOrderID)
	}
	if len(pub.changes) != 0 {
		// Pending to pending is not a status change.
		t.Errorf("unexpected published changes: %v", pub.changes)
	}
}

func TestEngine_Create_RemoteFailure(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{
		createFunc: func(context.Context, interfaces.CreateOrderRequest) (*interfaces.OrderResult, error) {
			return nil, errors.New("connection timed out")
		},
	}
	engine, _ := newTestEngine(store, gateway)

	res, err := engine.Create(context.Background(), createRequest(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure result")
	}
	if res.Payment.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", res.Payment.Status)
	}
	if res.Payment.ErrorMessage != "connection timed out" {
		t.Errorf("error_message = %q", res.Payment.ErrorMessage)
	}
	if res.Payment.ProcessorOrderID != "" {
		t.Errorf("processor order id = %q, want empty after failed creation", res.Payment.ProcessorOrderID)
	}
}

func seedPayment(t *testing.T, store *fakeStore, status models.PaymentStatus, orderID string) *models.Payment {
	t.Helper()
	p := &models.Payment{
		ID:               "pay-1",
		Amount:           decimal.RequireFromString("25.00"),
		Currency:         "USD",
		Description:      "Widget",
		ProcessorOrderID: orderID,
		Status:           status,
	}
	if err := store.Put(context.Background(), p); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return p
}

func TestEngine_Capture(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{}
	engine, pub := newTestEngine(store, gateway)
	seedPayment(t, store, models.StatusPending, "O-1")

	res, err := engine.Capture(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !res.Success || res.AlreadyCompleted {
		t.Errorf("result = %+v", res)
	}
	if res.Payment.Status != models.StatusCompleted || res.Payment.PayerEmail != "a@b.com" {
		t.Errorf("payment = %+v", res.Payment)
	}
	if len(pub.changes) != 1 || pub.changes[0] != "pay-1:pending->completed" {
		t.Errorf("published changes = %v", pub.changes)
	}
}

func TestEngine_Capture_NotFound(t *testing.T) {
	engine, _ := newTestEngine(newFakeStore(), &fakeGateway{})

	_, err := engine.Capture(context.Background(), "missing")
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestEngine_Capture_NoProcessorOrder(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{}
	engine, _ := newTestEngine(store, gateway)
	seedPayment(t, store, models.StatusPending, "")

	_, err := engine.Capture(context.Background(), "pay-1")
	if !errors.Is(err, models.ErrNoProcessorOrder) {
		t.Fatalf("err = %v, want ErrNoProcessorOrder", err)
	}
	if gateway.captureCalls != 0 {
		t.Errorf("gateway contacted %d times, want 0", gateway.captureCalls)
	}
}

func TestEngine_Capture_AlreadyCompleted(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{}
	engine, _ := newTestEngine(store, gateway)
	p := seedPayment(t, store, models.StatusCompleted, "O-1")
	p.PayerEmail = "a@b.com"
	store.payments[p.ID].PayerEmail = "a@b.com"

	res, err := engine.Capture(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !res.AlreadyCompleted {
		t.Errorf("result = %+v, want already completed", res)
	}
	if gateway.captureCalls != 0 {
		t.Errorf("gateway contacted %d times on idempotent fast path", gateway.captureCalls)
	}
}

func TestEngine_Capture_ProcessorDeclines(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{
		captureFunc: func(context.Context, string) (*interfaces.CaptureResult, error) {
			return &interfaces.CaptureResult{Status: "DECLINED"}, nil
		},
	}
	engine, _ := newTestEngine(store, gateway)
	seedPayment(t, store, models.StatusPending, "O-1")

	res, err := engine.Capture(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure result")
	}
	if res.Payment.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", res.Payment.Status)
	}
	if res.Payment.ErrorMessage == "" {
		t.Error("expected error_message to be recorded")
	}
}

func TestEngine_Capture_RetriesAfterFailure(t *testing.T) {
	store := newFakeStore()
	attempts := 0
	gateway := &fakeGateway{
		captureFunc: func(context.Context, string) (*interfaces.CaptureResult, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("timeout")
			}
			return &interfaces.CaptureResult{Status: "COMPLETED", PayerEmail: "a@b.com"}, nil
		},
	}
	engine, _ := newTestEngine(store, gateway)
	seedPayment(t, store, models.StatusPending, "O-1")

	if res, err := engine.Capture(context.Background(), "pay-1"); err != nil || res.Success {
		t.Fatalf("first capture: res=%+v err=%v", res, err)
	}

	// A later capture may still complete a locally-failed payment.
	res, err := engine.Capture(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("second capture: %v", err)
	}
	if !res.Success || res.Payment.Status != models.StatusCompleted {
		t.Errorf("result = %+v", res)
	}
}

// A webhook completes the payment between the capture's processor call
// and its commit. The capture's conditional update loses, the event is
// replayed against the fresh record, and the webhook's write survives.
func TestEngine_Capture_RacesWebhook(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{
		captureFunc: func(context.Context, string) (*interfaces.CaptureResult, error) {
			return &interfaces.CaptureResult{Status: "COMPLETED", PayerEmail: "capture@b.com"}, nil
		},
	}
	engine, _ := newTestEngine(store, gateway)
	seedPayment(t, store, models.StatusPending, "O-1")

	store.beforeCAS = func() {
		store.mu.Lock()
		defer store.mu.Unlock()
		p := store.payments["pay-1"]
		p.Status = models.StatusCompleted
		p.PayerEmail = "webhook@b.com"
	}

	res, err := engine.Capture(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success after replay", res)
	}

	final, _ := store.Get(context.Background(), "pay-1")
	if final.Status != models.StatusCompleted {
		t.Errorf("final status = %s", final.Status)
	}
	// Exactly one writer determined the payer email; the capture's
	// conflicting value was dropped, not blindly overwritten.
	if final.PayerEmail != "webhook@b.com" {
		t.Errorf("payer email = %q, want webhook@b.com", final.PayerEmail)
	}
}

// The client disconnects while the processor call is in flight. The
// processor is the source of truth for money movement, so the local
// commit must still happen.
func TestEngine_Capture_ClientDisconnectStillCommits(t *testing.T) {
	store := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gateway := &fakeGateway{
		captureFunc: func(context.Context, string) (*interfaces.CaptureResult, error) {
			cancel()
			return &interfaces.CaptureResult{Status: "COMPLETED", PayerEmail: "a@b.com"}, nil
		},
	}
	engine, _ := newTestEngine(store, gateway)
	seedPayment(t, store, models.StatusPending, "O-1")

	res, err := engine.Capture(ctx, "pay-1")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !res.Success || res.Payment.Status != models.StatusCompleted {
		t.Fatalf("result = %+v, want committed capture", res)
	}

	p, _ := store.Get(context.Background(), "pay-1")
	if p.Status != models.StatusCompleted || p.PayerEmail != "a@b.com" {
		t.Errorf("payment = %+v, capture must be recorded despite disconnect", p)
	}
}

func TestEngine_Create_ClientDisconnectStillCommits(t *testing.T) {
	store := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gateway := &fakeGateway{
		createFunc: func(context.Context, interfaces.CreateOrderRequest) (*interfaces.OrderResult, error) {
			cancel()
			return &interfaces.OrderResult{ID: "O-1", Status: "CREATED", ApprovalURL: "https://pay/O-1"}, nil
		},
	}
	engine, _ := newTestEngine(store, gateway)

	res, err := engine.Create(ctx, createRequest(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !res.Success || res.Payment.ProcessorOrderID != "O-1" {
		t.Fatalf("result = %+v, want order id recorded despite disconnect", res)
	}
}

func TestEngine_Capture_Locked(t *testing.T) {
	store := newFakeStore()
	locker := lock.NewLocalLocker()
	engine := NewEngine(store, &fakeGateway{}, locker, nil)
	seedPayment(t, store, models.StatusPending, "O-1")

	if ok, _ := locker.Acquire(context.Background(), "pay-1", time.Minute); !ok {
		t.Fatal("setup: could not pre-acquire lock")
	}

	_, err := engine.Capture(context.Background(), "pay-1")
	if !errors.Is(err, models.ErrLocked) {
		t.Fatalf("err = %v, want ErrLocked", err)
	}
}

func webhookCaptureCompleted(orderID, email string) models.WebhookRequest {
	req := models.WebhookRequest{EventType: "PAYMENT.CAPTURE.COMPLETED"}
	req.Resource.SupplementaryData.RelatedIDs.OrderID = orderID
	req.Resource.Payer.EmailAddress = email
	return req
}

func TestEngine_IngestWebhook_CaptureCompleted(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store, &fakeGateway{})
	seedPayment(t, store, models.StatusPending, "O-1")

	engine.IngestWebhook(context.Background(), webhookCaptureCompleted("O-1", "a@b.com"))

	p, _ := store.Get(context.Background(), "pay-1")
	if p.Status != models.StatusCompleted || p.PayerEmail != "a@b.com" {
		t.Errorf("payment = %+v", p)
	}
}

func TestEngine_IngestWebhook_Duplicate(t *testing.T) {
	store := newFakeStore()
	engine, pub := newTestEngine(store, &fakeGateway{})
	seedPayment(t, store, models.StatusPending, "O-1")

	ev := webhookCaptureCompleted("O-1", "a@b.com")
	engine.IngestWebhook(context.Background(), ev)
	engine.IngestWebhook(context.Background(), ev)

	p, _ := store.Get(context.Background(), "pay-1")
	if p.Status != models.StatusCompleted || p.PayerEmail != "a@b.com" {
		t.Errorf("payment = %+v", p)
	}
	if len(pub.changes) != 1 {
		t.Errorf("published %d changes, want 1: %v", len(pub.changes), pub.changes)
	}
}

func TestEngine_IngestWebhook_UnknownOrder(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store, &fakeGateway{})
	seedPayment(t, store, models.StatusPending, "O-1")

	engine.IngestWebhook(context.Background(), webhookCaptureCompleted("O-unknown", "a@b.com"))

	p, _ := store.Get(context.Background(), "pay-1")
	if p.Status != models.StatusPending {
		t.Errorf("status = %s, unmatched webhook must not mutate", p.Status)
	}
}

func TestEngine_IngestWebhook_OrderApproved(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store, &fakeGateway{})
	seedPayment(t, store, models.StatusPending, "O-1")

	req := models.WebhookRequest{EventType: "CHECKOUT.ORDER.APPROVED"}
	req.Resource.ID = "O-1"
	engine.IngestWebhook(context.Background(), req)

	p, _ := store.Get(context.Background(), "pay-1")
	if p.Status != models.StatusPending {
		t.Errorf("status = %s, approval is informational only", p.Status)
	}
}

func TestEngine_IngestWebhook_UnknownEventType(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store, &fakeGateway{})
	seedPayment(t, store, models.StatusPending, "O-1")

	engine.IngestWebhook(context.Background(), models.WebhookRequest{EventType: "PAYMENT.CAPTURE.REFUNDED"})

	p, _ := store.Get(context.Background(), "pay-1")
	if p.Status != models.StatusPending {
		t.Errorf("status = %s, unmodeled events must be ignored", p.Status)
	}
}

func TestEngine_RefreshStatus(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{
		getFunc: func(_ context.Context, orderID string) (*interfaces.OrderResult, error) {
			return &interfaces.OrderResult{
				ID:         orderID,
				Status:     "APPROVED",
				PayerEmail: "a@b.com",
				Amount:     "25.00",
				Currency:   "USD",
			}, nil
		},
	}
	engine, _ := newTestEngine(store, gateway)
	seedPayment(t, store, models.StatusPending, "O-1")

	view, err := engine.RefreshStatus(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("RefreshStatus: %v", err)
	}
	if view.ProcessorStatus != "APPROVED" || view.ProcessorPayerEmail != "a@b.com" {
		t.Errorf("view = %+v", view)
	}

	// A snapshot never mutates the local record.
	p, _ := store.Get(context.Background(), "pay-1")
	if p.Status != models.StatusPending || p.PayerEmail != "" {
		t.Errorf("payment mutated by refresh: %+v", p)
	}
}

func TestEngine_RefreshStatus_RemoteFault(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{
		getFunc: func(context.Context, string) (*interfaces.OrderResult, error) {
			return nil, errors.New("connection refused")
		},
	}
	engine, _ := newTestEngine(store, gateway)
	seedPayment(t, store, models.StatusPending, "O-1")

	view, err := engine.RefreshStatus(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("RefreshStatus must not escalate remote faults: %v", err)
	}
	if view.ProcessorError == "" {
		t.Error("expected processor error note in the merged view")
	}
	if view.Payment.ID != "pay-1" {
		t.Errorf("view payment = %+v", view.Payment)
	}
}

func TestEngine_Cancel(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store, &fakeGateway{})
	seedPayment(t, store, models.StatusPending, "")

	p, err := engine.Cancel(context.Background(), "pay-1", "operator request")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if p.Status != models.StatusCancelled {
		t.Errorf("status = %s, want cancelled", p.Status)
	}

	// Cancellation is terminal; nothing moves it back.
	engine.IngestWebhook(context.Background(), webhookCaptureCompleted("O-1", "a@b.com"))
	p, _ = store.Get(context.Background(), "pay-1")
	if p.Status != models.StatusCancelled {
		t.Errorf("status = %s after webhook, want cancelled", p.Status)
	}
}

func TestEngine_Cancel_Completed(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store, &fakeGateway{})
	seedPayment(t, store, models.StatusCompleted, "O-1")

	_, err := engine.Cancel(context.Background(), "pay-1", "")
	if !errors.Is(err, models.ErrNotCancellable) {
		t.Fatalf("err = %v, want ErrNotCancellable", err)
	}
}
