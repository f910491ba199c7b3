// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// MaxQty ограничивает количество единиц одной позиции корзины.
const MaxQty = 999

// ClampQty приводит количество к диапазону [1, MaxQty].
// Нулевые и отрицательные значения трактуются как 1.
func ClampQty(qty int) int {
	if qty < 1 {
		return 1
	}
	if qty > MaxQty {
		return MaxQty
	}
	return qty
}

// MinorUnits переводит цену в основных единицах валюты в минорные
// (евро в центы) с округлением до ближайшего целого.
func MinorUnits(price decimal.Decimal) int64 {
	return price.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// Slugify строит url-совместимый слаг из названия товара.
func Slugify(s string) string {
	var b strings.Builder
	prevDash := false

	for _, r := range strings.TrimSpace(strings.ToLower(s)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevDash = false
		case r == ' ' || r == '-' || r == '_':
			if !prevDash && b.Len() > 0 {
				b.WriteRune('-')
				prevDash = true
			}
		}
	}

	return strings.TrimRight(b.String(), "-")
}

// TruncateRunes обрезает строку до limit рун, не разрывая руны посередине.
func TruncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
