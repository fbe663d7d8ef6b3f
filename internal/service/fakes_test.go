package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/gateway"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/gateway/mpesa"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/metrics"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/model"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/notify"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
)

// fakeDB is an in-memory store shared by the fake repositories. WithTx
// holds the store lock for the whole function and restores a snapshot
// when it fails, which gives serializable transactions with rollback.
type fakeDB struct {
	mu     sync.Mutex
	events map[string]model.Event
	orders map[string]model.Order
	txns   map[string]model.PaymentTransaction
	outbox map[string]model.OutboxRecord

	// releases logs Release calls in the order they were made.
	releases []string
}

type fakeTxKey struct{}

func newFakeDB() *fakeDB {
	return &fakeDB{
		events: map[string]model.Event{},
		orders: map[string]model.Order{},
		txns:   map[string]model.PaymentTransaction{},
		outbox: map[string]model.OutboxRecord{},
	}
}

func (db *fakeDB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inFakeTx(ctx) {
		return fn(ctx)
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	snap := db.snapshot()
	if err := fn(context.WithValue(ctx, fakeTxKey{}, true)); err != nil {
		db.events, db.orders, db.txns, db.outbox = snap.events, snap.orders, snap.txns, snap.outbox
		return err
	}
	return nil
}

func inFakeTx(ctx context.Context) bool {
	v, _ := ctx.Value(fakeTxKey{}).(bool)
	return v
}

// do runs fn under the store lock unless ctx is already inside WithTx.
func (db *fakeDB) do(ctx context.Context, fn func() error) error {
	if inFakeTx(ctx) {
		return fn()
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return fn()
}

func (db *fakeDB) snapshot() *fakeDB {
	s := newFakeDB()
	for k, v := range db.events {
		s.events[k] = v
	}
	for k, v := range db.orders {
		v.Items = append([]model.OrderItem(nil), v.Items...)
		s.orders[k] = v
	}
	for k, v := range db.txns {
		s.txns[k] = v
	}
	for k, v := range db.outbox {
		s.outbox[k] = v
	}
	return s
}

func (db *fakeDB) addEvent(id string, capacity int, price int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.events[id] = model.Event{ID: id, Name: id, Capacity: capacity, PricePerTicket: price, CreatedAt: time.Now().UTC()}
}

func (db *fakeDB) event(t *testing.T, id string) model.Event {
	t.Helper()
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.events[id]
	if !ok {
		t.Fatalf("event %s not found", id)
	}
	return e
}

func (db *fakeDB) order(t *testing.T, id string) model.Order {
	t.Helper()
	db.mu.Lock()
	defer db.mu.Unlock()
	o, ok := db.orders[id]
	if !ok {
		t.Fatalf("order %s not found", id)
	}
	return o
}

func (db *fakeDB) transactionsFor(orderID string) []model.PaymentTransaction {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []model.PaymentTransaction
	for _, t := range db.txns {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (db *fakeDB) notifications(orderID string) []model.OutboxRecord {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []model.OutboxRecord
	for _, rec := range db.outbox {
		if rec.OrderID == orderID {
			out = append(out, rec)
		}
	}
	return out
}

func (db *fakeDB) releaseLog() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.releases...)
}

func (db *fakeDB) countByStatus(orderID string, status model.TransactionStatus) int {
	n := 0
	for _, t := range db.transactionsFor(orderID) {
		if t.Status == status {
			n++
		}
	}
	return n
}

// ─── Inventory ────────────────────────────────────────────────────────────────

type fakeInventory struct{ db *fakeDB }

func (f fakeInventory) Create(ctx context.Context, req model.CreateEventRequest) (*model.Event, error) {
	e := model.Event{
		ID:             newID(),
		Name:           req.Name,
		Description:    req.Description,
		Capacity:       req.Capacity,
		PricePerTicket: req.PricePerTicket,
		CreatedAt:      time.Now().UTC(),
	}
	err := f.db.do(ctx, func() error {
		f.db.events[e.ID] = e
		return nil
	})
	return &e, err
}

func (f fakeInventory) List(ctx context.Context) ([]model.Event, error) {
	var out []model.Event
	err := f.db.do(ctx, func() error {
		for _, e := range f.db.events {
			out = append(out, e)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (f fakeInventory) GetByID(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	err := f.db.do(ctx, func() error {
		var ok bool
		if e, ok = f.db.events[id]; !ok {
			return repository.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (f fakeInventory) Reserve(ctx context.Context, id string, quantity int) (*model.Event, error) {
	var e model.Event
	err := f.db.do(ctx, func() error {
		var ok bool
		if e, ok = f.db.events[id]; !ok {
			return repository.ErrNotFound
		}
		if e.Capacity-e.Reserved < quantity {
			return repository.ErrCapacityExceeded
		}
		e.Reserved += quantity
		f.db.events[id] = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (f fakeInventory) Release(ctx context.Context, id string, quantity int) error {
	return f.db.do(ctx, func() error {
		e, ok := f.db.events[id]
		if !ok {
			return repository.ErrNotFound
		}
		e.Reserved = max(e.Reserved-quantity, 0)
		f.db.events[id] = e
		f.db.releases = append(f.db.releases, id)
		return nil
	})
}

// ─── Orders ───────────────────────────────────────────────────────────────────

type fakeOrders struct{ db *fakeDB }

func (f fakeOrders) Create(ctx context.Context, o *model.Order) error {
	return f.db.do(ctx, func() error {
		if _, ok := f.db.orders[o.ID]; ok {
			return fmt.Errorf("duplicate order %s", o.ID)
		}
		cp := *o
		cp.Items = append([]model.OrderItem(nil), o.Items...)
		f.db.orders[o.ID] = cp
		return nil
	})
}

func (f fakeOrders) GetByID(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	err := f.db.do(ctx, func() error {
		var ok bool
		if o, ok = f.db.orders[id]; !ok {
			return repository.ErrNotFound
		}
		o.Items = append([]model.OrderItem(nil), o.Items...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (f fakeOrders) GetForUpdate(ctx context.Context, id string) (*model.Order, error) {
	if !inFakeTx(ctx) {
		return nil, errors.New("get order for update: no transaction in context")
	}
	return f.GetByID(ctx, id)
}

func (f fakeOrders) Transition(ctx context.Context, id string, from, to model.OrderStatus, _ string, at time.Time) error {
	return f.db.do(ctx, func() error {
		o, ok := f.db.orders[id]
		if !ok {
			return repository.ErrNotFound
		}
		if o.Status != from {
			return repository.ErrInvalidTransition
		}
		o.Status = to
		o.UpdatedAt = at
		f.db.orders[id] = o
		return nil
	})
}

func (f fakeOrders) ListStaleReserved(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var stale []model.Order
	err := f.db.do(ctx, func() error {
		for _, o := range f.db.orders {
			if o.Status != model.OrderReserved || !o.CreatedAt.Before(cutoff) {
				continue
			}
			busy := false
			for _, t := range f.db.txns {
				if t.OrderID == o.ID && (t.Status == model.TransactionPending || t.Status == model.TransactionCompleted) {
					busy = true
				}
			}
			if !busy {
				stale = append(stale, o)
			}
		}
		return nil
	})
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	var ids []string
	for _, o := range stale {
		if len(ids) == limit {
			break
		}
		ids = append(ids, o.ID)
	}
	return ids, err
}

// ─── Payment ledger ───────────────────────────────────────────────────────────

type fakeLedger struct{ db *fakeDB }

func (f fakeLedger) CreatePending(ctx context.Context, t *model.PaymentTransaction) error {
	return f.db.do(ctx, func() error {
		for _, existing := range f.db.txns {
			if existing.OrderID == t.OrderID && existing.Status == model.TransactionPending {
				return repository.ErrDuplicatePending
			}
		}
		cp := *t
		cp.Status = model.TransactionPending
		f.db.txns[t.ID] = cp
		return nil
	})
}

func (f fakeLedger) AttachCheckout(ctx context.Context, id, checkoutID, merchantID string, at time.Time) error {
	return f.db.do(ctx, func() error {
		t, ok := f.db.txns[id]
		if !ok || t.Status != model.TransactionPending {
			return repository.ErrAlreadyFinalized
		}
		t.CheckoutRequestID, t.MerchantRequestID, t.UpdatedAt = checkoutID, merchantID, at
		f.db.txns[id] = t
		return nil
	})
}

func (f fakeLedger) RecordLateCheckout(ctx context.Context, id, checkoutID, merchantID string, at time.Time) error {
	return f.db.do(ctx, func() error {
		t, ok := f.db.txns[id]
		if !ok || t.CheckoutRequestID != "" {
			return repository.ErrNotFound
		}
		t.CheckoutRequestID, t.MerchantRequestID, t.UpdatedAt = checkoutID, merchantID, at
		f.db.txns[id] = t
		return nil
	})
}

func (f fakeLedger) FailAttempt(ctx context.Context, id, reason string, at time.Time) error {
	return f.db.do(ctx, func() error {
		t, ok := f.db.txns[id]
		if !ok || t.Status != model.TransactionPending {
			return repository.ErrAlreadyFinalized
		}
		t.Status, t.ResultDescription, t.UpdatedAt = model.TransactionFailed, reason, at
		f.db.txns[id] = t
		return nil
	})
}

func (f fakeLedger) find(checkoutID string) (model.PaymentTransaction, bool) {
	for _, t := range f.db.txns {
		if checkoutID != "" && t.CheckoutRequestID == checkoutID {
			return t, true
		}
	}
	return model.PaymentTransaction{}, false
}

func (f fakeLedger) GetByCheckoutID(ctx context.Context, checkoutID string) (*model.PaymentTransaction, error) {
	var t model.PaymentTransaction
	err := f.db.do(ctx, func() error {
		var ok bool
		if t, ok = f.find(checkoutID); !ok {
			return repository.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (f fakeLedger) GetByCheckoutIDForUpdate(ctx context.Context, checkoutID string) (*model.PaymentTransaction, error) {
	if !inFakeTx(ctx) {
		return nil, errors.New("get transaction for update: no transaction in context")
	}
	return f.GetByCheckoutID(ctx, checkoutID)
}

func (f fakeLedger) Finalize(ctx context.Context, checkoutID string, status model.TransactionStatus, code int, desc, receipt string, at time.Time) error {
	return f.db.do(ctx, func() error {
		t, ok := f.find(checkoutID)
		if !ok || t.Status != model.TransactionPending {
			return repository.ErrAlreadyFinalized
		}
		t.Status, t.ResultCode, t.ResultDescription, t.ReceiptNumber, t.UpdatedAt = status, &code, desc, receipt, at
		f.db.txns[t.ID] = t
		return nil
	})
}

func (f fakeLedger) ListByOrder(ctx context.Context, orderID string) ([]model.PaymentTransaction, error) {
	var out []model.PaymentTransaction
	err := f.db.do(ctx, func() error {
		for _, t := range f.db.txns {
			if t.OrderID == orderID {
				out = append(out, t)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (f fakeLedger) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]model.PaymentTransaction, error) {
	var out []model.PaymentTransaction
	err := f.db.do(ctx, func() error {
		for _, t := range f.db.txns {
			if t.Status == model.TransactionPending && t.CreatedAt.Before(cutoff) {
				out = append(out, t)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

// ─── Outbox ───────────────────────────────────────────────────────────────────

type fakeOutbox struct{ db *fakeDB }

func (f fakeOutbox) Enqueue(ctx context.Context, rec *model.OutboxRecord) error {
	return f.db.do(ctx, func() error {
		if _, ok := f.db.outbox[rec.ID]; ok {
			return fmt.Errorf("duplicate outbox record %s", rec.ID)
		}
		f.db.outbox[rec.ID] = *rec
		return nil
	})
}

func (f fakeOutbox) FetchPending(ctx context.Context, cutoff time.Time, limit int) ([]model.OutboxRecord, error) {
	var out []model.OutboxRecord
	err := f.db.do(ctx, func() error {
		for _, rec := range f.db.outbox {
			if rec.SentAt == nil && rec.CreatedAt.Before(cutoff) {
				out = append(out, rec)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (f fakeOutbox) MarkSent(ctx context.Context, id string, at time.Time) error {
	return f.db.do(ctx, func() error {
		rec, ok := f.db.outbox[id]
		if !ok || rec.SentAt != nil {
			return nil
		}
		rec.SentAt, rec.Attempts, rec.LastError = &at, rec.Attempts+1, ""
		f.db.outbox[id] = rec
		return nil
	})
}

func (f fakeOutbox) MarkFailed(ctx context.Context, id, reason string) error {
	return f.db.do(ctx, func() error {
		rec, ok := f.db.outbox[id]
		if !ok || rec.SentAt != nil {
			return nil
		}
		rec.Attempts, rec.LastError = rec.Attempts+1, reason
		f.db.outbox[id] = rec
		return nil
	})
}

// ─── Gateway and notifier ─────────────────────────────────────────────────────

type fakeGateway struct {
	mu       sync.Mutex
	seq      int
	requests []gateway.PaymentRequest
	err      error
	query    map[string]gateway.QueryResult
	queryErr error

	// When hold is set, Initiate signals entered and then waits for hold
	// to close or its context to end.
	hold    chan struct{}
	entered chan struct{}
}

func (g *fakeGateway) NormalizePayerRef(raw string) (string, error) {
	return mpesa.NormalizePhone(raw)
}

func (g *fakeGateway) Initiate(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResponse, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	hold, entered := g.hold, g.entered
	g.mu.Unlock()

	if hold != nil {
		entered <- struct{}{}
		select {
		case <-hold:
		case <-ctx.Done():
			return gateway.PaymentResponse{}, gateway.ErrGatewayTimeout
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return gateway.PaymentResponse{}, g.err
	}
	g.seq++
	return gateway.PaymentResponse{
		CheckoutRequestID: fmt.Sprintf("ws_CO_%03d", g.seq),
		MerchantRequestID: fmt.Sprintf("mr-%03d", g.seq),
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (g *fakeGateway) Query(_ context.Context, id string) (gateway.QueryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queryErr != nil {
		return gateway.QueryResult{}, g.queryErr
	}
	if res, ok := g.query[id]; ok {
		return res, nil
	}
	return gateway.QueryResult{CheckoutRequestID: id, ResponseCode: "0"}, nil
}

func (g *fakeGateway) setQuery(id string, code int, desc string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.query == nil {
		g.query = map[string]gateway.QueryResult{}
	}
	g.query[id] = gateway.QueryResult{CheckoutRequestID: id, ResponseCode: "0", ResultCode: &code, ResultDesc: desc}
}

// holdInitiate makes the next Initiate calls block until release is called.
func (g *fakeGateway) holdInitiate() (entered <-chan struct{}, release func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	hold := make(chan struct{})
	g.hold, g.entered = hold, make(chan struct{}, 1)
	return g.entered, func() { close(hold) }
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type countingNotifier struct {
	count atomic.Int32

	mu   sync.Mutex
	err  error
	last notify.Confirmation
	ids  []string
}

func (n *countingNotifier) Dispatch(_ context.Context, c notify.Confirmation) error {
	n.count.Add(1)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.last = c
	n.ids = append(n.ids, c.EventID)
	return n.err
}

func (n *countingNotifier) setErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *countingNotifier) eventIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.ids...)
}

// ─── Harness ──────────────────────────────────────────────────────────────────

type harness struct {
	db       *fakeDB
	gw       *fakeGateway
	notifier *countingNotifier
	events   *EventService
	orders   *OrderService
	payments *PaymentService
	sweeper  *Sweeper
	metrics  *metrics.Metrics
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:       newFakeDB(),
		gw:       &fakeGateway{},
		notifier: &countingNotifier{},
		metrics:  metrics.New(prometheus.NewRegistry()),
		now:      time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	logger := zaptest.NewLogger(t)
	clock := func() time.Time { return h.now }

	h.events = NewEventService(fakeInventory{h.db})
	h.orders = NewOrderService(h.db, fakeInventory{h.db}, fakeOrders{h.db}, fakeLedger{h.db}, logger, h.metrics,
		WithOrderClock(clock),
	)
	h.payments = NewPaymentService(h.db, h.orders, fakeOrders{h.db}, fakeLedger{h.db}, fakeOutbox{h.db}, h.gw, h.notifier, logger, h.metrics,
		WithPaymentClock(clock),
		WithGatewayTimeout(time.Second),
	)
	h.sweeper = NewSweeper(h.orders, h.payments, fakeLedger{h.db}, fakeOrders{h.db}, SweepConfig{
		ReservationTTL: 15 * time.Minute,
		PendingAfter:   2 * time.Minute,
	}, logger, h.metrics)
	h.sweeper.now = clock
	t.Cleanup(h.payments.Wait)
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

// reserve creates an order and fails the test unless it is RESERVED.
func (h *harness) reserve(t *testing.T, items ...model.CartItem) *model.Order {
	t.Helper()
	res, err := h.orders.CreateOrder(context.Background(), model.CreateOrderRequest{UserID: "user-1", CartItems: items})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if !res.OK() {
		t.Fatalf("CreateOrder: unexpected shortages %+v", res.Shortages)
	}
	return res.Order
}

// pay initiates payment for o and returns the checkout request id.
func (h *harness) pay(t *testing.T, o *model.Order) string {
	t.Helper()
	res, err := h.payments.Initiate(context.Background(), InitiateInput{
		OrderID:     o.ID,
		PhoneNumber: "0712345678",
		Amount:      o.TotalAmount,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	return res.Transaction.CheckoutRequestID
}

func success(checkoutID string) gateway.Callback {
	return gateway.Callback{
		CheckoutRequestID: checkoutID,
		ResultCode:        0,
		ResultDesc:        "The service request is processed successfully.",
		ReceiptNumber:     "NLJ7RT61SV",
	}
}

func failure(checkoutID string) gateway.Callback {
	return gateway.Callback{
		CheckoutRequestID: checkoutID,
		ResultCode:        1032,
		ResultDesc:        "Request cancelled by user",
	}
}
