package oidcx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/impersonate"
)

// TokenFactory builds a token source for an audience.
type TokenFactory func(context.Context, string, MintParams) (oauth2.TokenSource, error)

// MinterConfig defines how tokens should be minted by default.
type MinterConfig struct {
	ServiceAccount string
	Scopes         []string
	TokenFactory   TokenFactory
}

// MintParams are the per-call minting parameters.
type MintParams struct {
	ServiceAccount string
	Scopes         []string
}

// MintOption customizes a single Token call.
type MintOption func(*MintParams)

// WithServiceAccount overrides the principal the token is minted for.
func WithServiceAccount(email string) MintOption {
	return func(p *MintParams) {
		p.ServiceAccount = email
	}
}

// WithScopes sets the requested scopes.
func WithScopes(scopes ...string) MintOption {
	return func(p *MintParams) {
		p.Scopes = append([]string(nil), scopes...)
	}
}

// TokenMinter obtains bearer tokens for testing protected endpoints. Token
// sources are cached per (audience, principal, scopes).
type TokenMinter struct {
	mu       sync.RWMutex
	factory  TokenFactory
	entries  map[minterKey]oauth2.TokenSource
	defaults MintParams
}

type minterKey struct {
	Audience       string
	ServiceAccount string
	Scopes         string
}

// NewTokenMinter constructs a minter. Without a factory it mints Google
// identity tokens.
func NewTokenMinter(cfg MinterConfig) *TokenMinter {
	factory := cfg.TokenFactory
	if factory == nil {
		factory = GoogleIDTokenFactory
	}
	return &TokenMinter{
		factory: factory,
		entries: make(map[minterKey]oauth2.TokenSource),
		defaults: MintParams{
			ServiceAccount: cfg.ServiceAccount,
			Scopes:         append([]string(nil), cfg.Scopes...),
		},
	}
}

// Token returns a token for audience. ID tokens are preferred over access
// tokens when the token response carries one.
func (m *TokenMinter) Token(ctx context.Context, audience string, opts ...MintOption) (string, error) {
	if strings.TrimSpace(audience) == "" {
		return "", errors.New("audience is required")
	}

	params := m.defaults
	params.Scopes = append([]string(nil), m.defaults.Scopes...)
	for _, opt := range opts {
		opt(&params)
	}

	key := minterKey{
		Audience:       audience,
		ServiceAccount: params.ServiceAccount,
		Scopes:         strings.Join(params.Scopes, " "),
	}
	source, err := m.getOrCreate(ctx, key, params)
	if err != nil {
		return "", err
	}

	tok, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		return idToken, nil
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access token returned")
	}
	return tok.AccessToken, nil
}

func (m *TokenMinter) getOrCreate(ctx context.Context, key minterKey, params MintParams) (oauth2.TokenSource, error) {
	m.mu.RLock()
	source, ok := m.entries[key]
	m.mu.RUnlock()
	if ok {
		return source, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if source, ok = m.entries[key]; ok {
		return source, nil
	}

	ts, err := m.factory(detach(ctx), key.Audience, params)
	if err != nil {
		return nil, err
	}
	source = oauth2.ReuseTokenSource(nil, ts)
	m.entries[key] = source
	return source, nil
}

// GoogleIDTokenFactory mints Google identity tokens, impersonating
// params.ServiceAccount when set.
func GoogleIDTokenFactory(ctx context.Context, audience string, params MintParams) (oauth2.TokenSource, error) {
	if params.ServiceAccount != "" {
		return impersonate.IDTokenSource(ctx, impersonate.IDTokenConfig{
			Audience:        audience,
			TargetPrincipal: params.ServiceAccount,
			IncludeEmail:    true,
		})
	}
	return idtoken.NewTokenSource(ctx, audience)
}

// ClientCredentialsFactory mints tokens with the OAuth2 client credentials
// grant against tokenURL. The audience is sent as the "audience" parameter,
// which Keycloak, Auth0 and similar providers honor.
func ClientCredentialsFactory(tokenURL, clientID, clientSecret string) TokenFactory {
	return func(ctx context.Context, audience string, params MintParams) (oauth2.TokenSource, error) {
		if tokenURL == "" {
			return nil, errors.New("token endpoint is required for client credentials")
		}
		if clientID == "" {
			return nil, errors.New("client id is required for client credentials")
		}
		cfg := clientcredentials.Config{
			ClientID:       clientID,
			ClientSecret:   clientSecret,
			TokenURL:       tokenURL,
			Scopes:         params.Scopes,
			EndpointParams: map[string][]string{"audience": {audience}},
		}
		return cfg.TokenSource(ctx), nil
	}
}
