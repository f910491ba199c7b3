// Package handler содержит HTTP-обработчики API сервиса мерч-магазина.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/merchstore-system/internal/catalog"
	"github.com/mmeshcher/merchstore-system/internal/model"
	"github.com/mmeshcher/merchstore-system/internal/payment"
	"github.com/mmeshcher/merchstore-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	BuildCheckoutSession(ctx context.Context, items []model.CartItem) (string, error)
	ProcessEvent(ctx context.Context, event *payment.Event) error
	LimitedStatus(ctx context.Context, productID string) (*model.LimitedStatus, error)
	GetOrder(ctx context.Context, sessionID string) (*model.Order, error)
	Products(ctx context.Context) ([]model.Product, error)
}

// Handler реализует HTTP-обработчики API сервиса мерч-магазина.
type Handler struct {
	service       Service
	logger        *zap.Logger
	webhookSecret string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, webhookSecret string) *Handler {
	return &Handler{
		service:       s,
		logger:        logger,
		webhookSecret: webhookSecret,
	}
}

type checkoutRequest struct {
	Items []model.CartItem `json:"items"`
}

type checkoutResponse struct {
	URL string `json:"url"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// CreateCheckoutSession превращает корзину клиента в checkout-сессию
// провайдера и возвращает URL для редиректа на оплату.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Cart is empty"})
		return
	}

	url, err := h.service.BuildCheckoutSession(r.Context(), req.Items)
	if err != nil {
		var soldOut *service.SoldOutError
		switch {
		case errors.Is(err, service.ErrCartEmpty):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Cart is empty"})
		case errors.Is(err, service.ErrNoValidItems):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No valid items"})
		case errors.As(err, &soldOut):
			writeJSON(w, http.StatusConflict, errorResponse{
				Error:   "sold_out",
				Message: soldOut.Error(),
			})
		default:
			h.logger.Error("create checkout session error", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal Server Error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{URL: url})
}

// Webhook принимает событие платёжного провайдера. Подпись проверяется
// по сырому телу запроса до любого разбора; неузнанные типы событий
// подтверждаются без обработки, чтобы провайдер их не ретраил.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret == "" {
		h.logger.Error("webhook secret is not configured")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	event, err := payment.ConstructEvent(body, r.Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verify failed", zap.Error(err))
		http.Error(w, "Webhook Error", http.StatusBadRequest)
		return
	}

	if err := h.service.ProcessEvent(r.Context(), event); err != nil {
		h.logger.Error("webhook handler error", zap.Error(err), zap.String("event", event.ID))
		http.Error(w, "Webhook handler failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// LimitedStatus возвращает состояние лимитированного тиража товара.
func (h *Handler) LimitedStatus(w http.ResponseWriter, r *http.Request) {
	productID := pathParam(r, "productID")

	status, err := h.service.LimitedStatus(r.Context(), productID)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownProduct) || errors.Is(err, service.ErrNotLimited) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("limited status error", zap.Error(err), zap.String("product", productID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// GetOrder возвращает запись заказа по идентификатору платёжной сессии.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	sessionID := pathParam(r, "sessionID")

	order, err := h.service.GetOrder(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, service.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.String("session", sessionID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// Products возвращает нормализованный снимок каталога.
func (h *Handler) Products(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.Products(r.Context())
	if err != nil {
		h.logger.Error("products error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, products)
}
