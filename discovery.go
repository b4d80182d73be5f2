package oidcx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/bionicotaku/lingo-utils-oidcx")

// discoveryDocument is the subset of the OpenID provider metadata we rely on.
type discoveryDocument struct {
	Issuer        string `json:"issuer"`
	JWKSURI       string `json:"jwks_uri"`
	TokenEndpoint string `json:"token_endpoint"`
}

// DiscoverOption customizes Discover.
type DiscoverOption func(*discoverOptions)

type discoverOptions struct {
	httpClient *http.Client
}

// WithHTTPClient sets the client used for discovery and key fetches.
func WithHTTPClient(client *http.Client) DiscoverOption {
	return func(o *discoverOptions) {
		o.httpClient = client
	}
}

// Discover fetches the issuer's discovery document and returns a KeySet bound
// to the resolved key endpoint. The returned KeySet must be closed on shutdown.
func Discover(ctx context.Context, cfg IssuerConfig, opts ...DiscoverOption) (*KeySet, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, newError(ErrCodeDiscovery, err)
	}

	o := discoverOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = defaultHTTPClient(cfg)
	}

	ctx, span := tracer.Start(ctx, "oidcx.Discover")
	defer span.End()
	span.SetAttributes(attribute.String("oidc.issuer", cfg.Issuer))

	doc, err := fetchDiscovery(ctx, o.httpClient, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "discovery failed")
		return nil, newError(ErrCodeDiscovery, err)
	}

	// An explicit override always wins over the advertised endpoint.
	jwksURI := cfg.JWKSURI
	if jwksURI == "" {
		jwksURI = doc.JWKSURI
	}
	if jwksURI == "" {
		err := errors.New("discovery document has no jwks_uri and no override is configured")
		span.SetStatus(codes.Error, "no jwks_uri")
		return nil, newError(ErrCodeDiscovery, err)
	}

	issuer := doc.Issuer
	if issuer == "" {
		issuer = cfg.Issuer
	}
	span.SetAttributes(attribute.String("oidc.jwks_uri", jwksURI))

	ks, err := newKeySet(issuer, jwksURI, doc.TokenEndpoint, cfg, o.httpClient)
	if err != nil {
		return nil, newError(ErrCodeDiscovery, err)
	}
	return ks, nil
}

func fetchDiscovery(ctx context.Context, client *http.Client, cfg IssuerConfig) (*discoveryDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.HTTPTimeout)
	defer cancel()

	endpoint := cfg.discoveryURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("discovery returned %s: %s", resp.Status, string(body))
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	return &doc, nil
}

func defaultHTTPClient(cfg IssuerConfig) *http.Client {
	return &http.Client{
		Timeout: cfg.HTTPTimeout,
		Transport: otelhttp.NewTransport(&http.Transport{
			Proxy: http.ProxyFromEnvironment,
		}),
	}
}
