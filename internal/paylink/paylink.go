// Package paylink turns settlement transfers into payment request links.
package paylink

import (
	"fmt"
	"net/url"

	"splitledger/internal/core"
)

// Generator produces a payment link for one settlement transfer. The
// computation is pure; no network calls are made.
type Generator interface {
	Link(amount core.Money, fromUserID, toUserID string) string
}

// URLGenerator builds links against a configurable payment service base
// URL, e.g. https://pay.example.com/request.
type URLGenerator struct {
	base string
}

func NewURLGenerator(base string) *URLGenerator {
	return &URLGenerator{base: base}
}

func (g *URLGenerator) Link(amount core.Money, fromUserID, toUserID string) string {
	q := url.Values{}
	q.Set("amount", amount.String())
	q.Set("from", fromUserID)
	q.Set("to", toUserID)
	return fmt.Sprintf("%s?%s", g.base, q.Encode())
}

// ForSettlement maps a whole settlement plan to its links, in transfer
// order.
func ForSettlement(g Generator, transfers []core.Transfer) []string {
	links := make([]string, len(transfers))
	for i, t := range transfers {
		links[i] = g.Link(t.Amount, t.From, t.To)
	}
	return links
}
