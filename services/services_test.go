package services

import (
	"bytes"
	"testing"
)

func TestPriceForKnownServices(t *testing.T) {
	p := NewPricingService()

	cases := map[string]int64{
		"scraping":     5,
		"design":       8,
		"storage":      3,
		"data-tooling": 4,
		"Scraping":     5,
		" scraping ":   5,
		"unknown":      5,
	}
	for service, want := range cases {
		if got := p.PriceFor(service); got != want {
			t.Fatalf("%q: expected %d, got %d", service, want, got)
		}
	}
}

func TestPriceForDefaultOverride(t *testing.T) {
	t.Setenv("SERVICE_DEFAULT_PRICE_CENTS", "12")
	p := NewPricingService()
	if got := p.PriceFor("unknown"); got != 12 {
		t.Fatalf("expected env default 12, got %d", got)
	}
}

func TestGenerateChallengeQR(t *testing.T) {
	svc := NewQRCodeService()
	img, err := svc.GenerateChallengeQR("sponsorgate:treasury", 5)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	// PNG magic bytes.
	if !bytes.HasPrefix(img, []byte{0x89, 'P', 'N', 'G'}) {
		t.Fatal("expected PNG output")
	}
}
