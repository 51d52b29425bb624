package tower

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultChallengeTTL is how long an MFA challenge stays answerable.
const DefaultChallengeTTL = 5 * time.Minute

// ChallengeState tracks an out-of-band verification handshake.
type ChallengeState string

const (
	ChallengePending  ChallengeState = "pending"
	ChallengeApproved ChallengeState = "approved"
	ChallengeDenied   ChallengeState = "denied"
	ChallengeExpired  ChallengeState = "expired"
)

// Challenge binds a pending verification to a person (or, before
// identification, to a destination IP) and a gate.
type Challenge struct {
	Token         string         `json:"token"`
	PersonID      int64          `json:"person_id,omitempty"`
	DestinationIP string         `json:"destination_ip,omitempty"`
	GateID        int64          `json:"gate_id"`
	State         ChallengeState `json:"state"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// ErrChallengeNotFound is returned for unknown challenge tokens.
var ErrChallengeNotFound = errors.New("challenge not found")

// ChallengeStore holds in-flight MFA challenges. Challenges are
// ephemeral and deliberately not persisted.
type ChallengeStore struct {
	mu         sync.RWMutex
	challenges map[string]*Challenge
	ttl        time.Duration
	now        func() time.Time
}

// NewChallengeStore creates a challenge store with the default TTL.
func NewChallengeStore() *ChallengeStore {
	return NewChallengeStoreWithClock(DefaultChallengeTTL, func() time.Time { return time.Now().UTC() })
}

// NewChallengeStoreWithClock creates a challenge store with a custom
// TTL and clock.
func NewChallengeStoreWithClock(ttl time.Duration, now func() time.Time) *ChallengeStore {
	if now == nil {
		panic("tower: nil clock")
	}
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ChallengeStore{
		challenges: make(map[string]*Challenge),
		ttl:        ttl,
		now:        now,
	}
}

// Create opens a new pending challenge and returns it.
func (c *ChallengeStore) Create(personID int64, destinationIP string, gateID int64) *Challenge {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ch := &Challenge{
		Token:         uuid.NewString(),
		PersonID:      personID,
		DestinationIP: destinationIP,
		GateID:        gateID,
		State:         ChallengePending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(c.ttl),
	}
	c.challenges[ch.Token] = ch
	return ch
}

// Get returns the challenge for a token, marking it expired if its TTL
// has lapsed.
func (c *ChallengeStore) Get(token string) (*Challenge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.challenges[token]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	if ch.State == ChallengePending && !c.now().Before(ch.ExpiresAt) {
		ch.State = ChallengeExpired
	}
	cp := *ch
	return &cp, nil
}

// Resolve answers a pending challenge. Expired or already-answered
// challenges are left as they are.
func (c *ChallengeStore) Resolve(token string, approved bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.challenges[token]
	if !ok {
		return ErrChallengeNotFound
	}
	if ch.State != ChallengePending {
		return errors.New("challenge already resolved")
	}
	if !c.now().Before(ch.ExpiresAt) {
		ch.State = ChallengeExpired
		return errors.New("challenge expired")
	}
	if approved {
		ch.State = ChallengeApproved
	} else {
		ch.State = ChallengeDenied
	}
	return nil
}

// Cancel removes a challenge outright.
func (c *ChallengeStore) Cancel(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.challenges[token]; !ok {
		return ErrChallengeNotFound
	}
	delete(c.challenges, token)
	return nil
}

// Sweep drops expired challenges and returns how many were removed.
func (c *ChallengeStore) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for token, ch := range c.challenges {
		if !now.Before(ch.ExpiresAt) {
			delete(c.challenges, token)
			removed++
		}
	}
	return removed
}
