// Package ids issues record identifiers.
package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Provider issues unique identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type ulidProvider struct {
	prefix  string
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewULIDProvider constructs a Provider that issues lexically sortable ULIDs
// prefixed with prefix, e.g. "msg_01J...".
func NewULIDProvider(prefix string) Provider {
	return &ulidProvider{
		prefix:  prefix,
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

func (p *ulidProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	value, err := ulid.New(ulid.Timestamp(p.now()), p.entropy)
	if err != nil {
		return "", err
	}
	return p.prefix + value.String(), nil
}

// Suffix returns n lowercase characters of a fresh ULID's random part, for
// disambiguating human-readable keys.
func Suffix(n int) string {
	value := strings.ToLower(ulid.Make().String())
	if n <= 0 || n > len(value) {
		return value
	}
	return value[len(value)-n:]
}
