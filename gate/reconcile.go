package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	core "sponsorgate-backend/core/sponsorship"
	storage "sponsorgate-backend/storage/sponsorship"
)

// Reconciliation errors for malformed settlement events.
const (
	ErrSettlementNoHash    = Err("settlement event missing tx hash")
	ErrSettlementBadSource = Err("settlement event has unknown source")
	ErrSettlementBadStatus = Err("settlement event has unknown status")
	ErrSettlementBadAmount = Err("settlement event has non-positive amount")
)

// Reconciler folds externally reported settlement events into the
// ledger. Events arrive at least once and possibly out of order, from
// the webhook and from the polling sync, so every apply goes through
// the store's idempotent settlement path.
type Reconciler struct {
	store   storage.Store
	metrics *Metrics
}

func NewReconciler(store storage.Store, metrics *Metrics) *Reconciler {
	return &Reconciler{store: store, metrics: metrics}
}

// Reconcile validates and applies one settlement event.
func (r *Reconciler) Reconcile(ctx context.Context, ev core.SettlementEvent) (storage.SettlementOutcome, error) {
	if strings.TrimSpace(ev.TxHash) == "" {
		return "", ErrSettlementNoHash
	}
	if !core.ValidSource(ev.Source) {
		return "", ErrSettlementBadSource
	}
	if !core.ValidStatus(ev.Status) {
		return "", ErrSettlementBadStatus
	}
	if ev.AmountCents <= 0 {
		return "", ErrSettlementBadAmount
	}

	outcome, err := r.store.ApplySettlement(ctx, ev)
	if err != nil {
		return "", err
	}
	r.metrics.MarkSettlement(string(outcome))
	if outcome == storage.SettlementIgnored {
		log.Printf("gate: settlement for %s already reconciled", ev.TxHash)
	}
	return outcome, nil
}

// SettlementFeed is a pollable source of settlement events.
type SettlementFeed interface {
	Fetch(ctx context.Context) ([]core.SettlementEvent, error)
}

// HTTPSettlementFeed pulls settlement events from a facilitator feed
// endpoint returning a JSON array.
type HTTPSettlementFeed struct {
	url         string
	bearerToken string
	client      *http.Client
}

func NewHTTPSettlementFeed(url, bearerToken string, timeout time.Duration) *HTTPSettlementFeed {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSettlementFeed{
		url:         url,
		bearerToken: bearerToken,
		client:      &http.Client{Timeout: timeout},
	}
}

func (f *HTTPSettlementFeed) Fetch(ctx context.Context) ([]core.SettlementEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	if f.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.bearerToken)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("settlement feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("settlement feed: unexpected status %d", resp.StatusCode)
	}
	var events []core.SettlementEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("settlement feed: %w", err)
	}
	return events, nil
}

// SettlementSync periodically drains a settlement feed through the
// reconciler. It backstops the webhook for deliveries that were missed.
type SettlementSync struct {
	reconciler *Reconciler
	feed       SettlementFeed
	interval   time.Duration

	stop chan struct{}
	once sync.Once
}

func NewSettlementSync(reconciler *Reconciler, feed SettlementFeed, interval time.Duration) *SettlementSync {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SettlementSync{
		reconciler: reconciler,
		feed:       feed,
		interval:   interval,
		stop:       make(chan struct{}),
	}
}

// Start launches the sync loop. One immediate pass, then on a ticker.
func (s *SettlementSync) Start() {
	go func() {
		s.runOnce()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runOnce()
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *SettlementSync) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *SettlementSync) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	events, err := s.feed.Fetch(ctx)
	if err != nil {
		log.Printf("gate: settlement sync fetch failed: %v", err)
		return
	}
	applied := 0
	for _, ev := range events {
		outcome, err := s.reconciler.Reconcile(ctx, ev)
		if err != nil {
			log.Printf("gate: settlement sync skipping %s: %v", ev.TxHash, err)
			continue
		}
		if outcome == storage.SettlementApplied {
			applied++
		}
	}
	if applied > 0 {
		log.Printf("gate: settlement sync applied %d of %d events", applied, len(events))
	}
}
