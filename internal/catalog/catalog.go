// Package catalog предоставляет клиент для внешнего источника каталога товаров.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/merchstore-system/internal/model"
	"github.com/mmeshcher/merchstore-system/internal/validation"
)

// ErrUnknownProduct возвращается, если товар с указанным идентификатором
// отсутствует в каталоге.
var (
	ErrUnknownProduct = errors.New("unknown product")
	// ErrNotLoaded возвращается, если каталог ещё ни разу не был загружен.
	ErrNotLoaded = errors.New("catalog not loaded")
)

// Client инкапсулирует загрузку и кэширование ленты каталога.
// Снимок каталога хранится в памяти и обновляется целиком; при ошибке
// обновления остаётся последний успешно загруженный снимок.
type Client struct {
	feedURL    string
	httpClient *retryablehttp.Client

	mu    sync.RWMutex
	byID  map[string]*model.Product
	items []model.Product
}

// NewClient создаёт клиент каталога для указанного URL ленты товаров.
func NewClient(feedURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		feedURL:    feedURL,
		httpClient: rc,
	}
}

// feedEnvelope поддерживает оба формата ленты: массив и {"products": [...]}.
type feedEnvelope struct {
	Products []rawProduct `json:"products"`
}

// rawProduct принимает свободную схему внешней ленты с альтернативными
// именами полей. Нормализация в model.Product выполняется отдельным шагом.
type rawProduct struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Title       string          `json:"title"`
	Desc        string          `json:"desc"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Category    string          `json:"category"`
	Cat         string          `json:"cat"`
	Slug        string          `json:"slug"`
	Tag         string          `json:"tag"`
	Type        string          `json:"type"`
	Image       string          `json:"image"`
	ImageBack   string          `json:"imageBack"`
	Images      *struct {
		Front string `json:"front"`
		Back  string `json:"back"`
	} `json:"images"`
	Limited *struct {
		Enabled  bool  `json:"enabled"`
		Total    int64 `json:"total"`
		PressMin int64 `json:"press_min"`
	} `json:"limited"`
}

// Load загружает ленту каталога и заменяет текущий снимок.
func (c *Client) Load(ctx context.Context) error {
	if c.feedURL == "" {
		return fmt.Errorf("catalog client not configured")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read feed: %w", err)
	}

	raws, err := parseFeed(body)
	if err != nil {
		return fmt.Errorf("parse feed: %w", err)
	}

	items := make([]model.Product, 0, len(raws))
	byID := make(map[string]*model.Product, len(raws))
	for _, rp := range raws {
		p := normalizeProduct(rp)
		if p == nil {
			continue
		}
		items = append(items, *p)
		byID[p.ID] = &items[len(items)-1]
	}

	c.mu.Lock()
	c.items = items
	c.byID = byID
	c.mu.Unlock()

	return nil
}

func parseFeed(body []byte) ([]rawProduct, error) {
	var list []rawProduct
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}

	var env feedEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return env.Products, nil
}

// normalizeProduct приводит запись ленты к фиксированной схеме.
// Записи без идентификатора отбрасываются.
func normalizeProduct(rp rawProduct) *model.Product {
	if rp.ID == "" {
		return nil
	}

	name := rp.Name
	if name == "" {
		name = rp.Title
	}
	if name == "" {
		name = rp.ID
	}

	desc := rp.Desc
	if desc == "" {
		desc = rp.Description
	}

	category := rp.Category
	if category == "" {
		category = rp.Cat
	}
	if category == "" {
		category = "merch"
	}

	slug := rp.Slug
	if slug == "" {
		slug = validation.Slugify(name)
	}

	ptype := model.ProductType(rp.Type)
	if ptype != model.ProductTypeDigital {
		ptype = model.ProductTypePhysical
	}

	images := model.ProductImages{Front: rp.Image, Back: rp.ImageBack}
	if rp.Images != nil {
		images = model.ProductImages{Front: rp.Images.Front, Back: rp.Images.Back}
	}

	var limited *model.LimitedEdition
	if rp.Limited != nil {
		limited = &model.LimitedEdition{
			Enabled:  rp.Limited.Enabled,
			Total:    rp.Limited.Total,
			PressMin: rp.Limited.PressMin,
		}
	}

	return &model.Product{
		ID:       rp.ID,
		Slug:     slug,
		Category: category,
		Name:     name,
		Desc:     desc,
		Price:    rp.Price,
		Tag:      rp.Tag,
		Type:     ptype,
		Images:   images,
		Limited:  limited,
	}
}

// ProductByID возвращает товар по идентификатору. Если каталог ещё не
// загружался, выполняется загрузка.
func (c *Client) ProductByID(ctx context.Context, id string) (*model.Product, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	p, ok := c.byID[id]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, id)
	}

	cp := *p
	return &cp, nil
}

// Products возвращает текущий снимок каталога.
func (c *Client) Products(ctx context.Context) ([]model.Product, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.byID == nil {
		return nil, ErrNotLoaded
	}

	res := make([]model.Product, len(c.items))
	copy(res, c.items)
	return res, nil
}

func (c *Client) ensureLoaded(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.byID != nil
	c.mu.RUnlock()

	if loaded {
		return nil
	}
	return c.Load(ctx)
}
