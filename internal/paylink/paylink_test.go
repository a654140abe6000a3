package paylink

import (
	"testing"

	"splitledger/internal/core"
)

func TestURLGeneratorLink(t *testing.T) {
	g := NewURLGenerator("https://pay.example.com/request")

	link := g.Link(core.Money{Cents: 12345}, "bob", "alice")
	want := "https://pay.example.com/request?amount=123.45&from=bob&to=alice"
	if link != want {
		t.Errorf("Link() = %q, want %q", link, want)
	}
}

func TestForSettlement(t *testing.T) {
	g := NewURLGenerator("https://pay.example.com/request")
	transfers := []core.Transfer{
		{From: "b", To: "a", Amount: core.Money{Cents: 500}},
		{From: "c", To: "a", Amount: core.Money{Cents: 250}},
	}

	links := ForSettlement(g, transfers)
	if len(links) != 2 {
		t.Fatalf("got %d links, want 2", len(links))
	}
	if links[0] != "https://pay.example.com/request?amount=5.00&from=b&to=a" {
		t.Errorf("links[0] = %q", links[0])
	}
}
