package oidcx

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const testRealmPath = "/realms/test"

// testIssuer is an httptest OIDC provider serving a discovery document and a
// rotating single-key JWKS.
type testIssuer struct {
	t      *testing.T
	server *httptest.Server

	mu              sync.Mutex
	key             *rsa.PrivateKey
	kid             string
	generation      int
	docIssuer       *string
	docJWKSURI      *string
	discoveryStatus int
	jwksStatus      int

	discoveryHits atomic.Int32
	jwksHits      atomic.Int32
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	ti := &testIssuer{t: t, discoveryStatus: http.StatusOK, jwksStatus: http.StatusOK}
	ti.rotate()

	mux := http.NewServeMux()
	mux.HandleFunc(testRealmPath+"/.well-known/openid-configuration", ti.serveDiscovery)
	mux.HandleFunc(testRealmPath+"/keys", ti.serveJWKS)
	ti.server = httptest.NewServer(mux)
	t.Cleanup(ti.server.Close)
	return ti
}

// Issuer is the configured issuer URL, without a trailing slash.
func (ti *testIssuer) Issuer() string {
	return ti.server.URL + testRealmPath
}

func (ti *testIssuer) JWKSURL() string {
	return ti.server.URL + testRealmPath + "/keys"
}

func (ti *testIssuer) Config() IssuerConfig {
	return IssuerConfig{
		Issuer:         ti.Issuer(),
		Audience:       "orders-api",
		ClockTolerance: Tolerance(5 * time.Second),
		MinRefresh:     time.Minute,
		HTTPTimeout:    2 * time.Second,
	}
}

func (ti *testIssuer) SetDocumentIssuer(iss string) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.docIssuer = &iss
}

func (ti *testIssuer) SetDocumentJWKSURI(uri string) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.docJWKSURI = &uri
}

func (ti *testIssuer) SetDiscoveryStatus(code int) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.discoveryStatus = code
}

func (ti *testIssuer) SetJWKSStatus(code int) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.jwksStatus = code
}

// rotate replaces the signing key and returns the new key ID.
func (ti *testIssuer) rotate() string {
	ti.t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		ti.t.Fatalf("generate key: %v", err)
	}
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.generation++
	ti.key = key
	ti.kid = fmt.Sprintf("key-%d", ti.generation)
	return ti.kid
}

// Sign signs builder with the current key.
func (ti *testIssuer) Sign(builder *jwt.Builder) string {
	ti.t.Helper()
	ti.mu.Lock()
	key, kid := ti.key, ti.kid
	ti.mu.Unlock()
	return sign(ti.t, builder, key, kid)
}

// Token returns a valid token for the issuer with the given audience.
func (ti *testIssuer) Token(audience ...string) string {
	now := time.Now()
	b := jwt.NewBuilder().
		Issuer(ti.Issuer()).
		Subject("user-1").
		IssuedAt(now).
		Expiration(now.Add(time.Hour))
	if len(audience) > 0 {
		b = b.Audience(audience)
	}
	return ti.Sign(b)
}

func (ti *testIssuer) serveDiscovery(w http.ResponseWriter, _ *http.Request) {
	ti.discoveryHits.Add(1)
	ti.mu.Lock()
	status := ti.discoveryStatus
	doc := map[string]any{
		"issuer":         ti.Issuer(),
		"jwks_uri":       ti.JWKSURL(),
		"token_endpoint": ti.server.URL + testRealmPath + "/token",
	}
	if ti.docIssuer != nil {
		if *ti.docIssuer == "" {
			delete(doc, "issuer")
		} else {
			doc["issuer"] = *ti.docIssuer
		}
	}
	if ti.docJWKSURI != nil {
		if *ti.docJWKSURI == "" {
			delete(doc, "jwks_uri")
		} else {
			doc["jwks_uri"] = *ti.docJWKSURI
		}
	}
	ti.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, "unavailable", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (ti *testIssuer) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	ti.jwksHits.Add(1)
	ti.mu.Lock()
	status := ti.jwksStatus
	key, kid := ti.key, ti.kid
	ti.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, "unavailable", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(publicJWKS(ti.t, key, kid))
}

func publicJWKS(t *testing.T, key *rsa.PrivateKey, kid string) []byte {
	t.Helper()
	pub, err := jwk.PublicKeyOf(key)
	if err != nil {
		t.Errorf("public key: %v", err)
		return nil
	}
	if err := pub.Set(jwk.KeyIDKey, kid); err != nil {
		t.Errorf("set kid: %v", err)
	}
	if err := pub.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Errorf("set alg: %v", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Errorf("add key: %v", err)
	}
	payload, err := json.Marshal(set)
	if err != nil {
		t.Errorf("marshal jwks: %v", err)
	}
	return payload
}

func sign(t *testing.T, builder *jwt.Builder, key *rsa.PrivateKey, kid string) string {
	t.Helper()
	token, err := builder.Build()
	if err != nil {
		t.Fatalf("build token: %v", err)
	}
	jwkPriv, err := jwk.FromRaw(key)
	if err != nil {
		t.Fatalf("private key jwk: %v", err)
	}
	if err := jwkPriv.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("set alg: %v", err)
	}
	if kid != "" {
		if err := jwkPriv.Set(jwk.KeyIDKey, kid); err != nil {
			t.Fatalf("set kid: %v", err)
		}
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, jwkPriv))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return string(signed)
}

func discover(t *testing.T, cfg IssuerConfig) *KeySet {
	t.Helper()
	ks, err := Discover(t.Context(), cfg)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	t.Cleanup(ks.Close)
	return ks
}

func requireCode(t *testing.T, err error, want ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if e.Code != want {
		t.Fatalf("expected code %s, got %s (%v)", want, e.Code, err)
	}
}
