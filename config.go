package oidcx

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	defaultClockTolerance = 5 * time.Second
	defaultMinRefresh     = 5 * time.Minute
	defaultHTTPTimeout    = 5 * time.Second

	wellKnownPath = "/.well-known/openid-configuration"
)

// IssuerConfig contains validation parameters for the trusted issuer.
type IssuerConfig struct {
	// Issuer is the configured issuer base URL used for discovery.
	Issuer string
	// Audience is the expected "aud" value. Takes precedence over ClientID.
	Audience string
	// ClientID is the fallback expected audience.
	ClientID string
	// JWKSURI overrides the jwks_uri advertised by the discovery document.
	JWKSURI string
	// ClockTolerance is the allowed skew for exp and nbf. Nil selects the
	// 5s default; a zero value disables tolerance.
	ClockTolerance *time.Duration
	MinRefresh     time.Duration
	HTTPTimeout    time.Duration
}

// Tolerance returns a ClockTolerance value for d.
func Tolerance(d time.Duration) *time.Duration {
	return &d
}

// normalize sets default values for optional fields.
func (c *IssuerConfig) normalize() {
	c.Issuer = strings.TrimSpace(c.Issuer)
	c.Audience = strings.TrimSpace(c.Audience)
	c.ClientID = strings.TrimSpace(c.ClientID)
	c.JWKSURI = strings.TrimSpace(c.JWKSURI)
	if c.MinRefresh <= 0 {
		c.MinRefresh = defaultMinRefresh
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
}

// validate ensures the issuer configuration is usable.
func (c IssuerConfig) validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if err := requireAbsoluteURL(c.Issuer); err != nil {
		return fmt.Errorf("issuer: %w", err)
	}
	if c.JWKSURI != "" {
		if err := requireAbsoluteURL(c.JWKSURI); err != nil {
			return fmt.Errorf("jwks uri: %w", err)
		}
	}
	if c.ClockTolerance != nil && *c.ClockTolerance < 0 {
		return fmt.Errorf("clock tolerance %s is negative", *c.ClockTolerance)
	}
	return nil
}

func (c IssuerConfig) clockTolerance() time.Duration {
	if c.ClockTolerance == nil {
		return defaultClockTolerance
	}
	return max(*c.ClockTolerance, 0)
}

// ExpectedAudience returns Audience, falling back to ClientID. An empty
// result means the audience claim is not checked at all; some providers omit
// "aud" entirely, so this is an explicit opt-in rather than an error.
func (c IssuerConfig) ExpectedAudience() string {
	if c.Audience != "" {
		return c.Audience
	}
	return c.ClientID
}

func (c IssuerConfig) discoveryURL() string {
	return strings.TrimRight(c.Issuer, "/") + wellKnownPath
}

func requireAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	return nil
}
