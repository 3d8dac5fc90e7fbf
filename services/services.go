package services

import (
	"bytes"
	"fmt"
	"image/png"
	"os"
	"strconv"
	"strings"

	"github.com/skip2/go-qrcode"
)

// PricingService quotes per-call prices in cents for the paid services.
type PricingService struct {
	prices       map[string]int64
	defaultPrice int64
}

// NewPricingService builds the price table. SERVICE_DEFAULT_PRICE_CENTS
// overrides the fallback price for unknown services.
func NewPricingService() *PricingService {
	defaultPrice := int64(5)
	if v := os.Getenv("SERVICE_DEFAULT_PRICE_CENTS"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			defaultPrice = parsed
		}
	}
	return &PricingService{
		prices: map[string]int64{
			"scraping":     5,
			"design":       8,
			"storage":      3,
			"data-tooling": 4,
		},
		defaultPrice: defaultPrice,
	}
}

// PriceFor returns the user price for one call to the service.
func (s *PricingService) PriceFor(service string) int64 {
	if price, ok := s.prices[strings.ToLower(strings.TrimSpace(service))]; ok {
		return price
	}
	return s.defaultPrice
}

// Services lists the known paid services.
func (s *PricingService) Services() []string {
	names := make([]string, 0, len(s.prices))
	for name := range s.prices {
		names = append(names, name)
	}
	return names
}

// QRCodeService renders payment challenges as scannable QR codes.
type QRCodeService struct{}

func NewQRCodeService() *QRCodeService {
	return &QRCodeService{}
}

// GenerateChallengeQR renders a pay-to URI with the amount as a PNG.
func (s *QRCodeService) GenerateChallengeQR(payTo string, amountCents int64) ([]byte, error) {
	uri := fmt.Sprintf("%s?amount_cents=%d", payTo, amountCents)
	qr, err := qrcode.New(uri, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, qr.Image(256)); err != nil {
		return nil, fmt.Errorf("failed to encode QR code to PNG: %w", err)
	}
	return buf.Bytes(), nil
}
