package engine

import (
	"sync"

	"github.com/google/uuid"
)

// TokenGenerator issues subscription tokens. Implementations must be
// safe for concurrent use.
type TokenGenerator interface {
	Generate() string
}

// UUIDTokens issues UUIDv7 tokens. Time-ordered, so a dump of active
// subscriptions sorts by registration.
type UUIDTokens struct{}

func (UUIDTokens) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedTokens replays a predetermined sequence, for tests that assert
// on subscription identity.
type FixedTokens struct {
	mu     sync.Mutex
	tokens []string
	next   int
}

// NewFixedTokens returns a generator that yields the given tokens in
// order and panics when they run out.
func NewFixedTokens(tokens ...string) *FixedTokens {
	return &FixedTokens{tokens: tokens}
}

func (g *FixedTokens) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.next >= len(g.tokens) {
		panic("engine: fixed token sequence exhausted")
	}
	t := g.tokens[g.next]
	g.next++
	return t
}
