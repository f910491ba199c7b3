package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature возвращается при несовпадении подписи вебхука
// или некорректном заголовке подписи.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// EventTypeCheckoutCompleted — единственный тип события, вызывающий обработку.
const EventTypeCheckoutCompleted = "checkout.session.completed"

// DefaultTolerance задаёт допустимое расхождение метки времени подписи.
const DefaultTolerance = 5 * time.Minute

// Event представляет событие вебхука платёжного провайдера.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// CheckoutSession описывает объект завершённой checkout-сессии из события.
type CheckoutSession struct {
	ID              string            `json:"id"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerDetails *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata        map[string]string `json:"metadata"`
	ShippingDetails json.RawMessage   `json:"shipping_details"`
}

// Email возвращает адрес покупателя, предпочитая customer_details.
func (s *CheckoutSession) Email() string {
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		return s.CustomerDetails.Email
	}
	return s.CustomerEmail
}

// CheckoutSession разбирает объект сессии из данных события.
func (e *Event) CheckoutSession() (*CheckoutSession, error) {
	var session CheckoutSession
	if err := json.Unmarshal(e.Data.Object, &session); err != nil {
		return nil, fmt.Errorf("parse session object: %w", err)
	}
	if session.ID == "" {
		return nil, fmt.Errorf("session object without id")
	}
	return &session, nil
}

// ConstructEvent проверяет подпись сырого тела вебхука и разбирает событие.
// Подпись никогда не проверяется обычным сравнением строк, только hmac.Equal.
func ConstructEvent(payload []byte, sigHeader, secret string) (*Event, error) {
	return constructEvent(payload, sigHeader, secret, DefaultTolerance, time.Now())
}

func constructEvent(payload []byte, sigHeader, secret string, tolerance time.Duration, now time.Time) (*Event, error) {
	ts, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return nil, err
	}

	if tolerance > 0 {
		at := time.Unix(ts, 0)
		if at.Before(now.Add(-tolerance)) || at.After(now.Add(tolerance)) {
			return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}

	expected := computeSignature(payload, secret, ts)
	matched := false
	for _, sig := range signatures {
		raw, decErr := hex.DecodeString(sig)
		if decErr != nil {
			continue
		}
		if hmac.Equal(raw, expected) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, fmt.Errorf("%w: no matching v1 signature", ErrInvalidSignature)
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: malformed payload", ErrInvalidSignature)
	}

	return &event, nil
}

func parseSignatureHeader(header string) (int64, []string, error) {
	if header == "" {
		return 0, nil, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	var ts int64 = -1
	var signatures []string

	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			ts = parsed
		case "v1":
			signatures = append(signatures, v)
		}
	}

	if ts < 0 || len(signatures) == 0 {
		return 0, nil, fmt.Errorf("%w: malformed signature header", ErrInvalidSignature)
	}

	return ts, signatures, nil
}

func computeSignature(payload []byte, secret string, ts int64) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignatureHeader строит заголовок подписи для указанного тела и момента
// времени. Используется в тестах обработчика вебхуков.
func SignatureHeader(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	sig := computeSignature(payload, secret, ts)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(sig))
}
