// Package payment инкапсулирует взаимодействие с платёжным провайдером:
// создание hosted-checkout-сессий и проверку подписи его вебхуков.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LineItem описывает одну оплачиваемую позицию checkout-сессии.
// Цена задаётся в минорных единицах валюты.
type LineItem struct {
	Quantity    int
	UnitAmount  int64
	Currency    string
	Name        string
	Description string
	ImageURL    string
	Metadata    map[string]string
}

// DeliveryEstimate задаёт окно доставки в рабочих днях.
type DeliveryEstimate struct {
	MinDays int
	MaxDays int
}

// ShippingOption описывает фиксированный вариант доставки.
type ShippingOption struct {
	Amount           int64
	Currency         string
	DisplayName      string
	DeliveryEstimate *DeliveryEstimate
}

// SessionParams содержит параметры создаваемой checkout-сессии.
type SessionParams struct {
	LineItems        []LineItem
	CollectShipping  bool
	AllowedCountries []string
	ShippingOptions  []ShippingOption
	SuccessURL       string
	CancelURL        string
	Metadata         map[string]string
}

// Session описывает созданную провайдером checkout-сессию.
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Client инкапсулирует HTTP-взаимодействие с API платёжного провайдера.
type Client struct {
	apiBase    string
	secretKey  string
	httpClient *http.Client
}

// NewClient создаёт клиент провайдера с указанным адресом API и секретным ключом.
func NewClient(apiBase, secretKey string) *Client {
	return &Client{
		apiBase:   strings.TrimRight(apiBase, "/"),
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// CreateCheckoutSession создаёт hosted-checkout-сессию и возвращает её
// идентификатор и URL для редиректа покупателя.
func (c *Client) CreateCheckoutSession(ctx context.Context, params SessionParams) (*Session, error) {
	if c == nil || c.secretKey == "" {
		return nil, fmt.Errorf("payment client not configured")
	}

	base := c.apiBase
	if base == "" {
		base = "https://api.stripe.com"
	}

	form := encodeSessionParams(params)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		base+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if session.URL == "" {
		return nil, fmt.Errorf("provider returned session without url")
	}

	return &session, nil
}

func encodeSessionParams(params SessionParams) url.Values {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)

	for i, li := range params.LineItems {
		prefix := fmt.Sprintf("line_items[%d]", i)
		form.Set(prefix+"[quantity]", strconv.Itoa(li.Quantity))
		form.Set(prefix+"[price_data][currency]", li.Currency)
		form.Set(prefix+"[price_data][unit_amount]", strconv.FormatInt(li.UnitAmount, 10))
		form.Set(prefix+"[price_data][product_data][name]", li.Name)
		if li.Description != "" {
			form.Set(prefix+"[price_data][product_data][description]", li.Description)
		}
		if li.ImageURL != "" {
			form.Set(prefix+"[price_data][product_data][images][0]", li.ImageURL)
		}
		for k, v := range li.Metadata {
			form.Set(prefix+"[price_data][product_data][metadata]["+k+"]", v)
		}
	}

	if params.CollectShipping {
		for i, country := range params.AllowedCountries {
			form.Set(fmt.Sprintf("shipping_address_collection[allowed_countries][%d]", i), country)
		}
		for i, opt := range params.ShippingOptions {
			prefix := fmt.Sprintf("shipping_options[%d][shipping_rate_data]", i)
			form.Set(prefix+"[type]", "fixed_amount")
			form.Set(prefix+"[fixed_amount][amount]", strconv.FormatInt(opt.Amount, 10))
			form.Set(prefix+"[fixed_amount][currency]", opt.Currency)
			form.Set(prefix+"[display_name]", opt.DisplayName)
			if est := opt.DeliveryEstimate; est != nil {
				form.Set(prefix+"[delivery_estimate][minimum][unit]", "business_day")
				form.Set(prefix+"[delivery_estimate][minimum][value]", strconv.Itoa(est.MinDays))
				form.Set(prefix+"[delivery_estimate][maximum][unit]", "business_day")
				form.Set(prefix+"[delivery_estimate][maximum][value]", strconv.Itoa(est.MaxDays))
			}
		}
	}

	for k, v := range params.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	return form
}
