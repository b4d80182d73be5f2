package oidcx

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Authenticator discovers the issuer on first use and verifies tokens
// afterwards. A failed discovery is not cached; the next call retries it.
// Concurrent first calls share a single discovery.
type Authenticator struct {
	cfg  IssuerConfig
	opts []DiscoverOption

	mu       sync.RWMutex
	keys     *KeySet
	verifier *Verifier
	group    singleflight.Group
}

var _ TokenVerifier = (*Authenticator)(nil)

// NewAuthenticator returns a lazily discovering verifier.
func NewAuthenticator(cfg IssuerConfig, opts ...DiscoverOption) *Authenticator {
	return &Authenticator{cfg: cfg, opts: opts}
}

// Verify implements TokenVerifier. Discovery failures match ErrDiscovery.
func (a *Authenticator) Verify(ctx context.Context, token string) (*Claims, error) {
	verifier, err := a.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return verifier.Verify(ctx, token)
}

// Close releases the discovered key set, if any.
func (a *Authenticator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.keys != nil {
		a.keys.Close()
	}
}

func (a *Authenticator) resolve(ctx context.Context) (*Verifier, error) {
	a.mu.RLock()
	verifier := a.verifier
	a.mu.RUnlock()
	if verifier != nil {
		return verifier, nil
	}

	v, err, _ := a.group.Do("discover", func() (any, error) {
		a.mu.RLock()
		existing := a.verifier
		a.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}
		keys, err := Discover(detach(ctx), a.cfg, a.opts...)
		if err != nil {
			return nil, err
		}
		verifier := NewVerifier(keys, a.cfg)
		a.mu.Lock()
		a.keys = keys
		a.verifier = verifier
		a.mu.Unlock()
		return verifier, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Verifier), nil
}
