// Package service реализует бизнес-логику сервиса мерч-магазина:
// сборку checkout-сессий и обработку вебхуков платёжного провайдера.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/merchstore-system/internal/catalog"
	"github.com/mmeshcher/merchstore-system/internal/model"
	"github.com/mmeshcher/merchstore-system/internal/payment"
	"github.com/mmeshcher/merchstore-system/internal/validation"
)

// ErrCartEmpty возвращается для пустой корзины.
var (
	ErrCartEmpty = errors.New("cart is empty")
	// ErrNoValidItems возвращается, если все позиции корзины были отброшены.
	ErrNoValidItems = errors.New("no valid items")
	// ErrOrderNotFound возвращается при запросе несуществующей записи заказа.
	ErrOrderNotFound = errors.New("order not found")
	// ErrNotLimited возвращается при запросе статуса тиража обычного товара.
	ErrNotLimited = errors.New("product is not limited")
)

// SoldOutError возвращается, если запрошенное количество лимитированного
// товара превышает остаток тиража. Корзина отклоняется целиком.
type SoldOutError struct {
	ProductID   string
	ProductName string
	Requested   int64
	Remaining   int64
}

func (e *SoldOutError) Error() string {
	return fmt.Sprintf("sold out: %s (requested %d, remaining %d)", e.ProductID, e.Requested, e.Remaining)
}

// Store описывает контракт хранилища ключ-значение, используемый сервисом.
// Единственный примитив конкурентной безопасности — атомарный IncrBy.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
}

// Catalog описывает контракт источника каталога товаров.
type Catalog interface {
	Load(ctx context.Context) error
	ProductByID(ctx context.Context, id string) (*model.Product, error)
	Products(ctx context.Context) ([]model.Product, error)
}

// PaymentProvider описывает контракт платёжного провайдера.
type PaymentProvider interface {
	CreateCheckoutSession(ctx context.Context, params payment.SessionParams) (*payment.Session, error)
}

const (
	currency         = "eur"
	descriptionLimit = 300

	pickupShippingAmount   = 0
	deliveryShippingAmount = 700
	deliveryMinDays        = 2
	deliveryMaxDays        = 5

	catalogRefreshInterval = 5 * time.Minute
)

// Service содержит бизнес-логику сервиса мерч-магазина.
type Service struct {
	store    Store
	catalog  Catalog
	payments PaymentProvider
	baseURL  string
}

// NewService создаёт новый сервис с указанными хранилищем, каталогом и
// платёжным провайдером. baseURL — абсолютный адрес сайта для редиректов
// и ссылок на изображения.
func NewService(store Store, cat Catalog, payments PaymentProvider, baseURL string) *Service {
	return &Service{
		store:    store,
		catalog:  cat,
		payments: payments,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

func paidCountKey(productID string) string { return "paid:" + productID + ":count" }
func seqKey(productID string) string       { return "seq:" + productID + ":next" }
func doneKey(sessionID string) string      { return "session:" + sessionID + ":done" }
func orderKey(sessionID string) string     { return "order:" + sessionID }

type resolvedLine struct {
	product    model.Product
	qty        int64
	unitAmount int64
}

// BuildCheckoutSession превращает недоверенную корзину в оплаченную по
// каталогу checkout-сессию и возвращает URL для редиректа покупателя.
//
// Проверка остатка тиража носит рекомендательный характер: между чтением
// счётчика и подтверждением оплаты другие покупатели могут пройти ту же
// проверку, резервирования нет. Хранилище здесь не изменяется.
func (s *Service) BuildCheckoutSession(ctx context.Context, items []model.CartItem) (string, error) {
	if s.baseURL == "" {
		return "", fmt.Errorf("site base url not configured")
	}

	if len(items) == 0 {
		return "", ErrCartEmpty
	}

	lines, err := s.resolveItems(ctx, items)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", ErrNoValidItems
	}

	limitedCounts, err := s.gateLimitedStock(ctx, lines)
	if err != nil {
		return "", err
	}

	params, err := s.sessionParams(lines, limitedCounts)
	if err != nil {
		return "", err
	}

	session, err := s.payments.CreateCheckoutSession(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}

	return session.URL, nil
}

// resolveItems перепроверяет позиции корзины по каталогу. Позиции с
// неизвестным идентификатором или неположительной ценой отбрасываются
// молча, остальные получают цену каталога, а не присланную клиентом.
func (s *Service) resolveItems(ctx context.Context, items []model.CartItem) ([]resolvedLine, error) {
	lines := make([]resolvedLine, 0, len(items))

	for _, it := range items {
		p, err := s.catalog.ProductByID(ctx, it.ID)
		if err != nil {
			if errors.Is(err, catalog.ErrUnknownProduct) {
				continue
			}
			return nil, fmt.Errorf("resolve item %q: %w", it.ID, err)
		}

		unitAmount := validation.MinorUnits(p.Price)
		if unitAmount <= 0 {
			continue
		}

		lines = append(lines, resolvedLine{
			product:    *p,
			qty:        int64(validation.ClampQty(it.Qty)),
			unitAmount: unitAmount,
		})
	}

	return lines, nil
}

// gateLimitedStock сверяет суммарные количества лимитированных товаров
// корзины с оплаченными счётчиками. Любое превышение отклоняет корзину
// целиком до каких-либо записей.
func (s *Service) gateLimitedStock(ctx context.Context, lines []resolvedLine) (map[string]int64, error) {
	counts := make(map[string]int64)
	products := make(map[string]model.Product)

	for _, line := range lines {
		if !line.product.IsLimited() {
			continue
		}
		counts[line.product.ID] += line.qty
		products[line.product.ID] = line.product
	}

	for _, id := range sortedKeys(counts) {
		p := products[id]

		paid, err := s.getInt(ctx, paidCountKey(id))
		if err != nil {
			return nil, err
		}

		if paid+counts[id] > p.Limited.Total {
			remaining := p.Limited.Total - paid
			if remaining < 0 {
				remaining = 0
			}
			return nil, &SoldOutError{
				ProductID:   id,
				ProductName: p.Name,
				Requested:   counts[id],
				Remaining:   remaining,
			}
		}
	}

	return counts, nil
}

func (s *Service) sessionParams(lines []resolvedLine, limitedCounts map[string]int64) (payment.SessionParams, error) {
	hasPhysical := false
	lineItems := make([]payment.LineItem, 0, len(lines))

	for _, line := range lines {
		p := line.product
		if p.Type == model.ProductTypePhysical {
			hasPhysical = true
		}

		lineItems = append(lineItems, payment.LineItem{
			Quantity:    int(line.qty),
			UnitAmount:  line.unitAmount,
			Currency:    currency,
			Name:        p.Name,
			Description: validation.TruncateRunes(p.Desc, descriptionLimit),
			ImageURL:    s.absoluteURL(p.Images.Front),
			Metadata: map[string]string{
				"id":       p.ID,
				"category": p.Category,
				"slug":     p.Slug,
			},
		})
	}

	countsJSON, err := json.Marshal(limitedCounts)
	if err != nil {
		return payment.SessionParams{}, fmt.Errorf("marshal limited counts: %w", err)
	}

	params := payment.SessionParams{
		LineItems:       lineItems,
		CollectShipping: hasPhysical,
		SuccessURL:      s.baseURL + "/?success=1&sid={CHECKOUT_SESSION_ID}#shop",
		CancelURL:       s.baseURL + "/?canceled=1#shop",
		Metadata: map[string]string{
			"limited_counts_json": string(countsJSON),
			"has_physical":        strconv.FormatBool(hasPhysical),
		},
	}

	if hasPhysical {
		params.AllowedCountries = []string{"BE"}
		params.ShippingOptions = []payment.ShippingOption{
			{
				Amount:      pickupShippingAmount,
				Currency:    currency,
				DisplayName: "Ophaling (gratis)",
			},
			{
				Amount:      deliveryShippingAmount,
				Currency:    currency,
				DisplayName: "Verzending (BE)",
				DeliveryEstimate: &payment.DeliveryEstimate{
					MinDays: deliveryMinDays,
					MaxDays: deliveryMaxDays,
				},
			},
		}
	}

	return params, nil
}

func (s *Service) absoluteURL(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return s.baseURL + "/" + strings.TrimLeft(path, "/")
}

// ProcessEvent применяет побочные эффекты завершённой оплаты: увеличивает
// оплаченные счётчики, выделяет номера экземпляров и сохраняет запись
// заказа. Повторная доставка того же события безопасна: маркер
// идемпотентности ставится последним, после записи заказа, и при его
// наличии обработка не выполняется.
//
// Известное ограничение: при сбое посреди цикла по товарам повтор события
// переначислит уже продвинутые счётчики — по-корзинный маркер один,
// по-товарных нет.
func (s *Service) ProcessEvent(ctx context.Context, event *payment.Event) error {
	if event.Type != payment.EventTypeCheckoutCompleted {
		return nil
	}

	session, err := event.CheckoutSession()
	if err != nil {
		return err
	}

	done, ok, err := s.store.Get(ctx, doneKey(session.ID))
	if err != nil {
		return fmt.Errorf("check idempotency marker: %w", err)
	}
	if ok && done != "" {
		return nil
	}

	limitedCounts := parseLimitedCounts(session.Metadata["limited_counts_json"])
	email := session.Email()

	allocations := make(map[string][]int64, len(limitedCounts))

	for _, productID := range sortedKeys(limitedCounts) {
		qty := limitedCounts[productID]

		newPaid, err := s.store.IncrBy(ctx, paidCountKey(productID), qty)
		if err != nil {
			return fmt.Errorf("increment paid counter %q: %w", productID, err)
		}

		// Номер экземпляра — чистое пост-инкрементное чтение одного
		// атомарного счётчика, по единице на юнит.
		nums := make([]int64, 0, qty)
		for i := int64(0); i < qty; i++ {
			n, err := s.store.IncrBy(ctx, seqKey(productID), 1)
			if err != nil {
				return fmt.Errorf("allocate number %q: %w", productID, err)
			}
			nums = append(nums, n)
		}
		allocations[productID] = nums

		if err := s.store.Set(ctx, "paid:"+productID+":last_email", email); err != nil {
			return fmt.Errorf("set last email: %w", err)
		}
		if err := s.store.Set(ctx, "paid:"+productID+":last_session", session.ID); err != nil {
			return fmt.Errorf("set last session: %w", err)
		}
		if err := s.store.Set(ctx, "paid:"+productID+":last_paid_count", strconv.FormatInt(newPaid, 10)); err != nil {
			return fmt.Errorf("set last paid count: %w", err)
		}
	}

	order := model.Order{
		SessionID:   session.ID,
		Email:       email,
		AmountTotal: session.AmountTotal,
		Currency:    session.Currency,
		Shipping:    session.ShippingDetails,
		Allocations: allocations,
		CreatedAt:   time.Now().UTC(),
	}

	orderJSON, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	if err := s.store.Set(ctx, orderKey(session.ID), string(orderJSON)); err != nil {
		return fmt.Errorf("store order: %w", err)
	}

	if err := s.store.Set(ctx, doneKey(session.ID), "1"); err != nil {
		return fmt.Errorf("set idempotency marker: %w", err)
	}

	return nil
}

// parseLimitedCounts разбирает метаданные лимитированных количеств.
// Испорченные или отсутствующие метаданные трактуются как пустая карта,
// а не как ошибка всего вебхука.
func parseLimitedCounts(raw string) map[string]int64 {
	if raw == "" {
		return map[string]int64{}
	}

	var parsed map[string]int64
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return map[string]int64{}
	}

	counts := make(map[string]int64, len(parsed))
	for id, qty := range parsed {
		if id == "" {
			continue
		}
		counts[id] = int64(validation.ClampQty(int(qty)))
	}

	return counts
}

// LimitedStatus возвращает текущее состояние лимитированного тиража товара.
func (s *Service) LimitedStatus(ctx context.Context, productID string) (*model.LimitedStatus, error) {
	p, err := s.catalog.ProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !p.IsLimited() {
		return nil, fmt.Errorf("%w: %s", ErrNotLimited, productID)
	}

	paid, err := s.getInt(ctx, paidCountKey(productID))
	if err != nil {
		return nil, err
	}

	total := p.Limited.Total
	remaining := total - paid
	if remaining < 0 {
		remaining = 0
	}
	next := paid + 1
	if next > total {
		next = total
	}

	return &model.LimitedStatus{
		ProductID:    productID,
		Paid:         paid,
		Total:        total,
		Remaining:    remaining,
		NextNumber:   next,
		SoldOut:      remaining == 0,
		PressMin:     p.Limited.PressMin,
		PressReached: p.Limited.PressMin > 0 && paid >= p.Limited.PressMin,
	}, nil
}

// GetOrder возвращает запись заказа по идентификатору платёжной сессии.
func (s *Service) GetOrder(ctx context.Context, sessionID string) (*model.Order, error) {
	raw, ok, err := s.store.Get(ctx, orderKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, sessionID)
	}

	var order model.Order
	if err := json.Unmarshal([]byte(raw), &order); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}

	return &order, nil
}

// Products возвращает текущий снимок каталога.
func (s *Service) Products(ctx context.Context) ([]model.Product, error) {
	return s.catalog.Products(ctx)
}

// StartCatalogRefresh запускает фоновое периодическое обновление снимка
// каталога. При ошибке обновления остаётся предыдущий снимок.
func (s *Service) StartCatalogRefresh(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(catalogRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.catalog.Load(ctx)
			}
		}
	}()
}

func (s *Service) getInt(ctx context.Context, key string) (int64, error) {
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("get %q: %w", key, err)
	}
	if !ok || raw == "" {
		return 0, nil
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %q: %w", key, err)
	}

	return v, nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
