package oidcx

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

const (
	refreshRetryDelay = 200 * time.Millisecond
	// missRefreshCooldown bounds how often unknown key IDs may force a fetch.
	missRefreshCooldown = 10 * time.Second
)

// KeyResolver resolves signing keys for a single issuer.
type KeyResolver interface {
	// Issuer returns the authoritative issuer that tokens must carry in "iss".
	Issuer() string
	// LookupKey returns the verification key for kid.
	LookupKey(ctx context.Context, kid string) (jwk.Key, error)
}

// KeySet is the resolved key set of a discovered issuer. Keys are cached and
// refetched when a requested key ID is missing.
type KeySet struct {
	issuer        string
	jwksURI       string
	tokenEndpoint string
	timeout       time.Duration

	cache  *jwk.Cache
	cancel context.CancelFunc
	group  singleflight.Group

	cooldown time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastForced time.Time
}

var _ KeyResolver = (*KeySet)(nil)

func newKeySet(issuer, jwksURI, tokenEndpoint string, cfg IssuerConfig, client *http.Client) (*KeySet, error) {
	cacheCtx, cancel := context.WithCancel(context.Background())
	cache := jwk.NewCache(cacheCtx)
	if err := cache.Register(
		jwksURI,
		jwk.WithMinRefreshInterval(cfg.MinRefresh),
		jwk.WithHTTPClient(client),
	); err != nil {
		cancel()
		return nil, fmt.Errorf("register jwks %q: %w", jwksURI, err)
	}
	return &KeySet{
		issuer:        issuer,
		jwksURI:       jwksURI,
		tokenEndpoint: tokenEndpoint,
		timeout:       cfg.HTTPTimeout,
		cache:         cache,
		cancel:        cancel,
		cooldown:      missRefreshCooldown,
		now:           time.Now,
	}, nil
}

// Issuer returns the issuer taken from the discovery document.
func (k *KeySet) Issuer() string { return k.issuer }

// JWKSURI returns the endpoint keys are fetched from.
func (k *KeySet) JWKSURI() string { return k.jwksURI }

// TokenEndpoint returns the advertised token endpoint, if any.
func (k *KeySet) TokenEndpoint() string { return k.tokenEndpoint }

// Warmup fetches the key set ahead of the first verification.
func (k *KeySet) Warmup(ctx context.Context) error {
	if _, err := k.refresh(ctx); err != nil {
		return newError(ErrCodeJWKSUnavailable, err)
	}
	return nil
}

// Close stops the background refresh of the cache.
func (k *KeySet) Close() {
	k.cancel()
}

// LookupKey returns the key for kid. On a cache miss the key set is refetched,
// at most once per cooldown window; concurrent misses share that fetch. A
// miss inside the window reports unknown_key without contacting the issuer.
func (k *KeySet) LookupKey(ctx context.Context, kid string) (jwk.Key, error) {
	set, err := k.current(ctx)
	if err != nil {
		return nil, newError(ErrCodeJWKSUnavailable, err)
	}
	if key, ok := lookupKey(set, kid); ok {
		return key, nil
	}

	v, err, _ := k.group.Do("refresh", func() (any, error) {
		flightCtx := detach(ctx)
		set, err := k.current(flightCtx)
		if err == nil {
			if _, ok := lookupKey(set, kid); ok {
				return set, nil
			}
		}
		if !k.claimRefresh() {
			if err != nil {
				return nil, err
			}
			return set, nil
		}
		return k.refresh(flightCtx)
	})
	if err != nil {
		return nil, newError(ErrCodeJWKSUnavailable, err)
	}
	if key, ok := lookupKey(v.(jwk.Set), kid); ok {
		return key, nil
	}
	return nil, newError(ErrCodeUnknownKey, fmt.Errorf("key %q not found in %s", kid, k.jwksURI))
}

// claimRefresh reports whether a miss may force a fetch now and, if so,
// starts a new cooldown window. Failed fetches count too.
func (k *KeySet) claimRefresh() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	if !k.lastForced.IsZero() && now.Sub(k.lastForced) < k.cooldown {
		return false
	}
	k.lastForced = now
	return true
}

func (k *KeySet) current(ctx context.Context) (jwk.Set, error) {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.cache.Get(ctx, k.jwksURI)
}

// refresh forces a fetch, retrying once after a short delay.
func (k *KeySet) refresh(ctx context.Context) (jwk.Set, error) {
	ctx, span := tracer.Start(ctx, "oidcx.KeySet.refresh")
	defer span.End()
	span.SetAttributes(attribute.String("oidc.jwks_uri", k.jwksURI))

	set, err := backoff.Retry(ctx, func() (jwk.Set, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, k.timeout)
		defer cancel()
		return k.cache.Refresh(attemptCtx, k.jwksURI)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(refreshRetryDelay)),
		backoff.WithMaxTries(2),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "jwks refresh failed")
		return nil, err
	}
	return set, nil
}

// lookupKey finds kid in set. A token without kid is accepted only when the
// set holds exactly one key.
func lookupKey(set jwk.Set, kid string) (jwk.Key, bool) {
	if kid == "" {
		if set.Len() == 1 {
			return set.Key(0)
		}
		return nil, false
	}
	return set.LookupKeyID(kid)
}

// StaticKeys is a KeyResolver over a fixed key set. It never fetches.
type StaticKeys struct {
	issuer string
	set    jwk.Set
}

// NewStaticKeys returns a resolver serving set for issuer.
func NewStaticKeys(issuer string, set jwk.Set) *StaticKeys {
	return &StaticKeys{issuer: issuer, set: set}
}

// Issuer implements KeyResolver.
func (s *StaticKeys) Issuer() string { return s.issuer }

// LookupKey implements KeyResolver.
func (s *StaticKeys) LookupKey(_ context.Context, kid string) (jwk.Key, error) {
	if key, ok := lookupKey(s.set, kid); ok {
		return key, nil
	}
	return nil, newError(ErrCodeUnknownKey, fmt.Errorf("key %q not found", kid))
}
