// Package model содержит доменные сущности сервиса мерч-магазина.
package model

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProductType описывает тип товара: физический или цифровой.
type ProductType string

const (
	ProductTypePhysical ProductType = "physical"
	ProductTypeDigital  ProductType = "digital"
)

// ProductImages содержит ссылки на изображения товара.
type ProductImages struct {
	Front string `json:"front,omitempty"`
	Back  string `json:"back,omitempty"`
}

// LimitedEdition описывает параметры лимитированного тиража товара.
type LimitedEdition struct {
	Enabled  bool  `json:"enabled"`
	Total    int64 `json:"total"`
	PressMin int64 `json:"press_min,omitempty"`
}

// Product представляет товар каталога. Каталог доступен только на чтение:
// сервис никогда не изменяет товары, только разрешает по ним позиции корзины.
type Product struct {
	ID       string          `json:"id"`
	Slug     string          `json:"slug"`
	Category string          `json:"category"`
	Name     string          `json:"name"`
	Desc     string          `json:"desc,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Tag      string          `json:"tag,omitempty"`
	Type     ProductType     `json:"type"`
	Images   ProductImages   `json:"images"`
	Limited  *LimitedEdition `json:"limited,omitempty"`
}

// IsLimited сообщает, участвует ли товар в лимитированном тираже.
func (p *Product) IsLimited() bool {
	return p != nil && p.Limited != nil && p.Limited.Enabled && p.Limited.Total > 0
}

// CartItem представляет одну позицию корзины, присланную клиентом.
// Данные не являются доверенными: цена и существование товара
// перепроверяются по каталогу.
type CartItem struct {
	ID  string `json:"id"`
	Qty int    `json:"qty"`
}

// UnmarshalJSON принимает свободную форму позиции корзины: qty может быть
// числом, числовой строкой или отсутствовать. Некорректные значения
// становятся нулём и позже приводятся к единице при разрешении позиций.
func (c *CartItem) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID  string          `json:"id"`
		Qty json.RawMessage `json:"qty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.ID = raw.ID
	c.Qty = coerceQty(raw.Qty)
	return nil
}

func coerceQty(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int(math.Round(f))
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return int(math.Round(parsed))
		}
	}

	return 0
}

// LimitedStatus содержит текущее состояние лимитированного тиража товара.
type LimitedStatus struct {
	ProductID    string `json:"product_id"`
	Paid         int64  `json:"paid"`
	Total        int64  `json:"total"`
	Remaining    int64  `json:"remaining"`
	NextNumber   int64  `json:"next_number"`
	SoldOut      bool   `json:"sold_out"`
	PressMin     int64  `json:"press_min"`
	PressReached bool   `json:"press_reached"`
}

// Order описывает запись о завершённом заказе, создаваемую один раз
// на платёжную сессию. После создания запись не изменяется.
type Order struct {
	SessionID   string             `json:"session_id"`
	Email       string             `json:"email"`
	AmountTotal int64              `json:"amount_total"`
	Currency    string             `json:"currency"`
	Shipping    json.RawMessage    `json:"shipping,omitempty"`
	Allocations map[string][]int64 `json:"allocations"`
	CreatedAt   time.Time          `json:"created_at"`
}
