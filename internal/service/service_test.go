package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/merchstore-system/internal/catalog"
	"github.com/mmeshcher/merchstore-system/internal/model"
	"github.com/mmeshcher/merchstore-system/internal/payment"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (m *memStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _ := strconv.ParseInt(m.data[key], 10, 64)
	cur += delta
	m.data[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *memStore) snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]string, len(m.data))
	for k, v := range m.data {
		cp[k] = v
	}
	return cp
}

type stubCatalog struct {
	products  map[string]*model.Product
	loadCalls int
}

func (c *stubCatalog) Load(ctx context.Context) error {
	c.loadCalls++
	return nil
}

func (c *stubCatalog) ProductByID(ctx context.Context, id string) (*model.Product, error) {
	p, ok := c.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrUnknownProduct, id)
	}
	cp := *p
	return &cp, nil
}

func (c *stubCatalog) Products(ctx context.Context) ([]model.Product, error) {
	res := make([]model.Product, 0, len(c.products))
	for _, p := range c.products {
		res = append(res, *p)
	}
	return res, nil
}

type stubPayments struct {
	lastParams payment.SessionParams
	session    *payment.Session
	err        error
}

func (p *stubPayments) CreateCheckoutSession(ctx context.Context, params payment.SessionParams) (*payment.Session, error) {
	p.lastParams = params
	if p.err != nil {
		return nil, p.err
	}
	if p.session != nil {
		return p.session, nil
	}
	return &payment.Session{ID: "cs_test", URL: "https://pay.example/cs_test"}, nil
}

func price(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testCatalog() *stubCatalog {
	return &stubCatalog{products: map[string]*model.Product{
		"vinyl-01": {
			ID:       "vinyl-01",
			Slug:     "limited-vinyl-lp",
			Category: "vinyl",
			Name:     "Limited Vinyl LP",
			Desc:     "180g, genummerd",
			Price:    price("35"),
			Type:     model.ProductTypePhysical,
			Limited:  &model.LimitedEdition{Enabled: true, Total: 150, PressMin: 100},
		},
		"tshirt-01": {
			ID:       "tshirt-01",
			Slug:     "tour-shirt",
			Category: "merch",
			Name:     "Tour Shirt",
			Price:    price("20.00"),
			Type:     model.ProductTypePhysical,
		},
		"dl-01": {
			ID:       "dl-01",
			Slug:     "album-download",
			Category: "digitaal",
			Name:     "Album Download",
			Price:    price("9.99"),
			Type:     model.ProductTypeDigital,
		},
		"free-01": {
			ID:       "free-01",
			Slug:     "freebie",
			Category: "merch",
			Name:     "Freebie",
			Price:    price("0"),
			Type:     model.ProductTypeDigital,
		},
	}}
}

func newTestService(store Store) (*Service, *stubPayments) {
	payments := &stubPayments{}
	svc := NewService(store, testCatalog(), payments, "https://shop.example/")
	return svc, payments
}

func TestBuildCheckoutSession_EmptyCart(t *testing.T) {
	svc, _ := newTestService(newMemStore())

	_, err := svc.BuildCheckoutSession(context.Background(), nil)
	if !errors.Is(err, ErrCartEmpty) {
		t.Fatalf("error = %v, want ErrCartEmpty", err)
	}
}

func TestBuildCheckoutSession_DropsInvalidLines(t *testing.T) {
	svc, payments := newTestService(newMemStore())

	url, err := svc.BuildCheckoutSession(context.Background(), []model.CartItem{
		{ID: "tshirt-01", Qty: 2},
		{ID: "ZZZ", Qty: 1},
		{ID: "free-01", Qty: 1},
	})
	if err != nil {
		t.Fatalf("BuildCheckoutSession error: %v", err)
	}
	if url != "https://pay.example/cs_test" {
		t.Errorf("url = %s", url)
	}

	items := payments.lastParams.LineItems
	if len(items) != 1 {
		t.Fatalf("line items = %d, want 1", len(items))
	}
	if items[0].Quantity != 2 || items[0].UnitAmount != 2000 {
		t.Errorf("line item = %+v, want qty 2, unit 2000", items[0])
	}
	if items[0].Metadata["id"] != "tshirt-01" || items[0].Metadata["slug"] != "tour-shirt" {
		t.Errorf("line metadata = %v", items[0].Metadata)
	}
}

func TestBuildCheckoutSession_AllLinesDropped(t *testing.T) {
	svc, _ := newTestService(newMemStore())

	_, err := svc.BuildCheckoutSession(context.Background(), []model.CartItem{
		{ID: "ZZZ", Qty: 1},
		{ID: "free-01", Qty: 3},
	})
	if !errors.Is(err, ErrNoValidItems) {
		t.Fatalf("error = %v, want ErrNoValidItems", err)
	}
}

func TestBuildCheckoutSession_QtyClamped(t *testing.T) {
	svc, payments := newTestService(newMemStore())

	_, err := svc.BuildCheckoutSession(context.Background(), []model.CartItem{
		{ID: "tshirt-01", Qty: -4},
	})
	if err != nil {
		t.Fatalf("BuildCheckoutSession error: %v", err)
	}
	if got := payments.lastParams.LineItems[0].Quantity; got != 1 {
		t.Errorf("quantity = %d, want 1 (clamped)", got)
	}
}

func TestBuildCheckoutSession_StockGate(t *testing.T) {
	store := newMemStore()
	store.data[paidCountKey("vinyl-01")] = "149"
	svc, _ := newTestService(store)

	ctx := context.Background()

	// 149 оплачено из 150: одна единица ещё проходит
	if _, err := svc.BuildCheckoutSession(ctx, []model.CartItem{{ID: "vinyl-01", Qty: 1}}); err != nil {
		t.Fatalf("qty=1 should pass, got %v", err)
	}

	before := store.snapshot()

	_, err := svc.BuildCheckoutSession(ctx, []model.CartItem{{ID: "vinyl-01", Qty: 2}})
	var soldOut *SoldOutError
	if !errors.As(err, &soldOut) {
		t.Fatalf("qty=2 error = %v, want SoldOutError", err)
	}
	if soldOut.ProductID != "vinyl-01" || soldOut.Remaining != 1 {
		t.Errorf("sold out details = %+v", soldOut)
	}

	// отказ не оставляет частичных изменений
	after := store.snapshot()
	if len(after) != len(before) {
		t.Errorf("store mutated by rejected checkout: %v -> %v", before, after)
	}

	// проверка повторяется на каждый запрос, отказ её не «отравляет»
	if _, err := svc.BuildCheckoutSession(ctx, []model.CartItem{{ID: "vinyl-01", Qty: 1}}); err != nil {
		t.Fatalf("qty=1 after rejection should pass, got %v", err)
	}
}

func TestBuildCheckoutSession_ShippingInclusion(t *testing.T) {
	svc, payments := newTestService(newMemStore())
	ctx := context.Background()

	// только цифровые товары: доставка не настраивается
	if _, err := svc.BuildCheckoutSession(ctx, []model.CartItem{{ID: "dl-01", Qty: 1}}); err != nil {
		t.Fatalf("digital cart error: %v", err)
	}
	if payments.lastParams.CollectShipping || len(payments.lastParams.ShippingOptions) != 0 {
		t.Errorf("digital-only cart got shipping config: %+v", payments.lastParams)
	}
	if payments.lastParams.Metadata["has_physical"] != "false" {
		t.Errorf("has_physical = %q, want false", payments.lastParams.Metadata["has_physical"])
	}

	// хотя бы один физический товар: ровно два варианта доставки
	if _, err := svc.BuildCheckoutSession(ctx, []model.CartItem{{ID: "dl-01", Qty: 1}, {ID: "tshirt-01", Qty: 1}}); err != nil {
		t.Fatalf("mixed cart error: %v", err)
	}
	opts := payments.lastParams.ShippingOptions
	if !payments.lastParams.CollectShipping || len(opts) != 2 {
		t.Fatalf("mixed cart shipping = %+v", payments.lastParams)
	}
	if opts[0].Amount != 0 || opts[1].Amount != 700 {
		t.Errorf("shipping amounts = %d, %d, want 0 and 700", opts[0].Amount, opts[1].Amount)
	}
	if payments.lastParams.Metadata["has_physical"] != "true" {
		t.Errorf("has_physical = %q, want true", payments.lastParams.Metadata["has_physical"])
	}
}

func TestBuildCheckoutSession_LimitedMetadata(t *testing.T) {
	svc, payments := newTestService(newMemStore())

	_, err := svc.BuildCheckoutSession(context.Background(), []model.CartItem{
		{ID: "vinyl-01", Qty: 2},
		{ID: "vinyl-01", Qty: 1},
		{ID: "tshirt-01", Qty: 1},
	})
	if err != nil {
		t.Fatalf("BuildCheckoutSession error: %v", err)
	}

	var counts map[string]int64
	if err := json.Unmarshal([]byte(payments.lastParams.Metadata["limited_counts_json"]), &counts); err != nil {
		t.Fatalf("unmarshal limited_counts_json: %v", err)
	}
	if len(counts) != 1 || counts["vinyl-01"] != 3 {
		t.Errorf("limited counts = %v, want {vinyl-01: 3}", counts)
	}
}

func TestBuildCheckoutSession_ProviderFailure(t *testing.T) {
	store := newMemStore()
	payments := &stubPayments{err: errors.New("provider down")}
	svc := NewService(store, testCatalog(), payments, "https://shop.example")

	_, err := svc.BuildCheckoutSession(context.Background(), []model.CartItem{{ID: "tshirt-01", Qty: 1}})
	if err == nil || errors.Is(err, ErrCartEmpty) || errors.Is(err, ErrNoValidItems) {
		t.Fatalf("error = %v, want wrapped provider error", err)
	}
	if len(store.snapshot()) != 0 {
		t.Errorf("store mutated by failed checkout")
	}
}

func completedEvent(sessionID, countsJSON string) *payment.Event {
	object := map[string]any{
		"id":               sessionID,
		"amount_total":     7700,
		"currency":         "eur",
		"customer_details": map[string]string{"email": "fan@example.com"},
		"metadata":         map[string]string{"limited_counts_json": countsJSON},
	}
	raw, err := json.Marshal(object)
	if err != nil {
		panic(err)
	}

	evt := &payment.Event{ID: "evt_" + sessionID, Type: payment.EventTypeCheckoutCompleted}
	evt.Data.Object = raw
	return evt
}

func TestProcessEvent_RoundTrip(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)

	err := svc.ProcessEvent(context.Background(), completedEvent("cs_1", `{"vinyl-01":3}`))
	if err != nil {
		t.Fatalf("ProcessEvent error: %v", err)
	}

	data := store.snapshot()
	if data[paidCountKey("vinyl-01")] != "3" {
		t.Errorf("paid count = %q, want 3", data[paidCountKey("vinyl-01")])
	}
	if data[seqKey("vinyl-01")] != "3" {
		t.Errorf("sequence = %q, want 3", data[seqKey("vinyl-01")])
	}
	if data["paid:vinyl-01:last_email"] != "fan@example.com" {
		t.Errorf("last_email = %q", data["paid:vinyl-01:last_email"])
	}
	if data["paid:vinyl-01:last_session"] != "cs_1" {
		t.Errorf("last_session = %q", data["paid:vinyl-01:last_session"])
	}
	if data[doneKey("cs_1")] != "1" {
		t.Errorf("idempotency marker not set")
	}

	order, err := svc.GetOrder(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("GetOrder error: %v", err)
	}
	if order.AmountTotal != 7700 || order.Currency != "eur" {
		t.Errorf("order = %+v", order)
	}
	nums := order.Allocations["vinyl-01"]
	if len(nums) != 3 {
		t.Fatalf("allocations = %v, want 3 numbers", nums)
	}
	for i, n := range nums {
		if n != int64(i+1) {
			t.Errorf("allocation[%d] = %d, want %d", i, n, i+1)
		}
	}
}

func TestProcessEvent_IdempotentReplay(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	evt := completedEvent("cs_1", `{"vinyl-01":2}`)

	if err := svc.ProcessEvent(ctx, evt); err != nil {
		t.Fatalf("first ProcessEvent error: %v", err)
	}
	first := store.snapshot()

	if err := svc.ProcessEvent(ctx, evt); err != nil {
		t.Fatalf("replay ProcessEvent error: %v", err)
	}
	second := store.snapshot()

	if len(first) != len(second) {
		t.Fatalf("replay changed key set: %v vs %v", first, second)
	}
	for k, v := range first {
		if second[k] != v {
			t.Errorf("replay changed %q: %q -> %q", k, v, second[k])
		}
	}
}

func TestProcessEvent_AllocationUniqueness(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	sessions := []struct {
		id  string
		qty int
	}{
		{id: "cs_a", qty: 2},
		{id: "cs_b", qty: 3},
		{id: "cs_c", qty: 1},
	}

	seen := make(map[int64]string)
	var last int64

	for _, s := range sessions {
		evt := completedEvent(s.id, fmt.Sprintf(`{"vinyl-01":%d}`, s.qty))
		if err := svc.ProcessEvent(ctx, evt); err != nil {
			t.Fatalf("ProcessEvent(%s) error: %v", s.id, err)
		}

		order, err := svc.GetOrder(ctx, s.id)
		if err != nil {
			t.Fatalf("GetOrder(%s) error: %v", s.id, err)
		}
		for _, n := range order.Allocations["vinyl-01"] {
			if owner, dup := seen[n]; dup {
				t.Errorf("number %d assigned to both %s and %s", n, owner, s.id)
			}
			seen[n] = s.id
			if n <= last {
				t.Errorf("numbers not monotonically assigned: %d after %d", n, last)
			}
			last = n
		}
	}

	// 6 единиц: номера 1..6 без пропусков
	for n := int64(1); n <= 6; n++ {
		if _, ok := seen[n]; !ok {
			t.Errorf("number %d never assigned", n)
		}
	}
	if len(seen) != 6 {
		t.Errorf("assigned %d numbers, want 6", len(seen))
	}
}

func TestProcessEvent_MalformedCountsIgnored(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)

	err := svc.ProcessEvent(context.Background(), completedEvent("cs_bad", `{broken`))
	if err != nil {
		t.Fatalf("ProcessEvent error: %v", err)
	}

	data := store.snapshot()
	if _, ok := data[paidCountKey("vinyl-01")]; ok {
		t.Errorf("malformed counts incremented a counter")
	}
	if data[doneKey("cs_bad")] != "1" {
		t.Errorf("marker not set for benign event")
	}
	if _, err := svc.GetOrder(context.Background(), "cs_bad"); err != nil {
		t.Errorf("order record missing: %v", err)
	}
}

func TestProcessEvent_IgnoresOtherEventKinds(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)

	evt := &payment.Event{ID: "evt_x", Type: "payment_intent.created"}

	if err := svc.ProcessEvent(context.Background(), evt); err != nil {
		t.Fatalf("ProcessEvent error: %v", err)
	}
	if len(store.snapshot()) != 0 {
		t.Errorf("unrecognized event mutated state")
	}
}

func TestLimitedStatus(t *testing.T) {
	store := newMemStore()
	store.data[paidCountKey("vinyl-01")] = "120"
	svc, _ := newTestService(store)

	status, err := svc.LimitedStatus(context.Background(), "vinyl-01")
	if err != nil {
		t.Fatalf("LimitedStatus error: %v", err)
	}
	if status.Paid != 120 || status.Total != 150 || status.Remaining != 30 {
		t.Errorf("status = %+v", status)
	}
	if status.NextNumber != 121 || status.SoldOut {
		t.Errorf("status = %+v", status)
	}
	if !status.PressReached {
		t.Errorf("press_min 100 with 120 paid must be reached")
	}

	if _, err := svc.LimitedStatus(context.Background(), "tshirt-01"); !errors.Is(err, ErrNotLimited) {
		t.Errorf("non-limited error = %v, want ErrNotLimited", err)
	}
	if _, err := svc.LimitedStatus(context.Background(), "nope"); !errors.Is(err, catalog.ErrUnknownProduct) {
		t.Errorf("unknown product error = %v, want ErrUnknownProduct", err)
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	svc, _ := newTestService(newMemStore())

	_, err := svc.GetOrder(context.Background(), "cs_missing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("error = %v, want ErrOrderNotFound", err)
	}
}
