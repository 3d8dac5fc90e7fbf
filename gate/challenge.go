package gate

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrTokenNotFound = Err("challenge token not found")
	ErrTokenExpired  = Err("challenge token expired")
	ErrTokenConsumed = Err("challenge token already consumed")
)

// DefaultChallengeTTL bounds how long a caller has to come back with
// payment proof.
const DefaultChallengeTTL = 5 * time.Minute

// ChallengeToken is the ephemeral half of the 402 exchange. Tokens are
// never persisted; a restart simply forces a fresh challenge.
type ChallengeToken struct {
	Token       string    `json:"token"`
	Service     string    `json:"service"`
	AmountCents int64     `json:"amount_cents"`
	PayTo       string    `json:"pay_to,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type challengeEntry struct {
	token    ChallengeToken
	consumed bool
}

// ChallengeStore issues and consumes single-use payment challenge
// tokens. Consumed entries stay until the sweep evicts them at expiry,
// so a replay is told "consumed" rather than "not found".
type ChallengeStore struct {
	mu     sync.Mutex
	tokens map[string]*challengeEntry
	ttl    time.Duration
	now    func() time.Time
	stop   chan struct{}
	once   sync.Once
}

// NewChallengeStore returns a store issuing tokens with the given TTL.
// A non-positive ttl falls back to DefaultChallengeTTL.
func NewChallengeStore(ttl time.Duration) *ChallengeStore {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ChallengeStore{
		tokens: make(map[string]*challengeEntry),
		ttl:    ttl,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

// Issue mints a fresh token for the service and amount.
func (s *ChallengeStore) Issue(service string, amountCents int64, payTo string) ChallengeToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := ChallengeToken{
		Token:       "chl-" + uuid.NewString(),
		Service:     service,
		AmountCents: amountCents,
		PayTo:       payTo,
		ExpiresAt:   s.now().Add(s.ttl),
	}
	s.tokens[token.Token] = &challengeEntry{token: token}
	return token
}

// Peek returns a live token without consuming it.
func (s *ChallengeStore) Peek(token string) (ChallengeToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.liveLocked(token)
	if err != nil {
		return ChallengeToken{}, err
	}
	return entry.token, nil
}

// Consume marks the token used. Exactly one caller wins; every later
// call gets ErrTokenConsumed.
func (s *ChallengeStore) Consume(token string) (ChallengeToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.liveLocked(token)
	if err != nil {
		return ChallengeToken{}, err
	}
	entry.consumed = true
	return entry.token, nil
}

func (s *ChallengeStore) liveLocked(token string) (*challengeEntry, error) {
	entry, ok := s.tokens[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if entry.consumed {
		return nil, ErrTokenConsumed
	}
	if s.now().After(entry.token.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	return entry, nil
}

// StartSweep evicts expired tokens on a fixed interval until Stop.
func (s *ChallengeStore) StartSweep(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.sweep(); n > 0 {
					log.Printf("challenge sweep evicted %d expired tokens", n)
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop.
func (s *ChallengeStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *ChallengeStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	evicted := 0
	for key, entry := range s.tokens {
		if now.After(entry.token.ExpiresAt) {
			delete(s.tokens, key)
			evicted++
		}
	}
	return evicted
}

// Pending reports how many tokens are held, expired or not.
func (s *ChallengeStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
