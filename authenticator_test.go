package oidcx

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
)

func TestAuthenticator_DiscoversOnFirstUse(t *testing.T) {
	ti := newTestIssuer(t)
	auth := NewAuthenticator(ti.Config())
	t.Cleanup(auth.Close)

	if got := ti.discoveryHits.Load(); got != 0 {
		t.Fatalf("discovery should be lazy, got %d fetches", got)
	}

	for range 3 {
		claims, err := auth.Verify(context.Background(), ti.Token("orders-api"))
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if claims.Subject != "user-1" {
			t.Fatalf("unexpected subject: %s", claims.Subject)
		}
	}
	if got := ti.discoveryHits.Load(); got != 1 {
		t.Fatalf("expected a single discovery, got %d", got)
	}
}

func TestAuthenticator_FailureIsNotCached(t *testing.T) {
	ti := newTestIssuer(t)
	ti.SetDiscoveryStatus(http.StatusInternalServerError)
	auth := NewAuthenticator(ti.Config())
	t.Cleanup(auth.Close)

	_, err := auth.Verify(context.Background(), ti.Token("orders-api"))
	if !errors.Is(err, ErrDiscovery) {
		t.Fatalf("expected ErrDiscovery, got %v", err)
	}

	ti.SetDiscoveryStatus(http.StatusOK)
	if _, err := auth.Verify(context.Background(), ti.Token("orders-api")); err != nil {
		t.Fatalf("Verify after recovery: %v", err)
	}
	if got := ti.discoveryHits.Load(); got != 2 {
		t.Fatalf("expected discovery to be retried once, got %d fetches", got)
	}
}

func TestAuthenticator_ConcurrentFirstCallsShareDiscovery(t *testing.T) {
	ti := newTestIssuer(t)
	auth := NewAuthenticator(ti.Config())
	t.Cleanup(auth.Close)
	token := ti.Token("orders-api")

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := auth.Verify(context.Background(), token)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
	}
	if got := ti.discoveryHits.Load(); got != 1 {
		t.Fatalf("expected one discovery for concurrent first calls, got %d", got)
	}
}

func TestAuthenticator_BehindGate(t *testing.T) {
	ti := newTestIssuer(t)
	auth := NewAuthenticator(ti.Config())
	t.Cleanup(auth.Close)

	var user *NormalizedUser
	h := NewGate(auth, ProviderGeneric).Middleware(protectedHandler(t, &user))

	rec := serve(h, "/whoami", "Bearer "+ti.Token("orders-api"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if user == nil || user.Subject != "user-1" {
		t.Fatalf("unexpected user: %+v", user)
	}
}
