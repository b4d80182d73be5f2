package oidcx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TokenVerifier verifies a raw bearer token.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// Verifier validates tokens against a KeyResolver and the issuer expectations.
// Every failure is an *Error matching ErrTokenInvalid.
type Verifier struct {
	keys     KeyResolver
	audience string
	skew     time.Duration
	now      func() time.Time
}

var _ TokenVerifier = (*Verifier)(nil)

// NewVerifier builds a verifier. The expected audience is cfg.Audience, then
// cfg.ClientID; when both are empty the "aud" claim is not checked.
func NewVerifier(keys KeyResolver, cfg IssuerConfig) *Verifier {
	cfg.normalize()
	return &Verifier{
		keys:     keys,
		audience: cfg.ExpectedAudience(),
		skew:     cfg.clockTolerance(),
		now:      time.Now,
	}
}

// Issuer returns the issuer tokens are checked against.
func (v *Verifier) Issuer() string { return v.keys.Issuer() }

// Audience returns the expected audience, empty when audience checks are off.
func (v *Verifier) Audience() string { return v.audience }

// Verify checks signature, issuer, audience and the validity window of token.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	ctx, span := tracer.Start(ctx, "oidcx.Verifier.Verify")
	defer span.End()

	claims, err := v.verify(ctx, token)
	if err != nil {
		span.SetAttributes(attribute.String("oidc.reason", string(ReasonOf(err))))
		span.SetStatus(codes.Error, "token rejected")
		return nil, err
	}
	return claims, nil
}

func (v *Verifier) verify(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, newError(ErrCodeInvalidToken, errors.New("token is empty"))
	}

	var keyErr error
	provider := jws.KeyProviderFunc(func(_ context.Context, sink jws.KeySink, sig *jws.Signature, _ *jws.Message) error {
		headers := sig.ProtectedHeaders()
		alg := headers.Algorithm()
		if err := checkAlgorithm(alg); err != nil {
			keyErr = newError(ErrCodeInvalidToken, err)
			return keyErr
		}
		key, err := v.keys.LookupKey(ctx, headers.KeyID())
		if err != nil {
			keyErr = err
			return err
		}
		if want := key.Algorithm(); want != nil && want.String() != "" && want.String() != alg.String() {
			keyErr = newError(ErrCodeInvalidToken, fmt.Errorf("token alg %s does not match key alg %s", alg, want))
			return keyErr
		}
		sink.Key(alg, key)
		return nil
	})

	parsed, err := jwt.Parse([]byte(token), jwt.WithKeyProvider(provider), jwt.WithValidate(false))
	if err != nil {
		if keyErr != nil {
			return nil, keyErr
		}
		return nil, newError(ErrCodeInvalidToken, err)
	}

	validateOpts := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(v.now)),
		jwt.WithAcceptableSkew(v.skew),
		jwt.WithIssuer(v.keys.Issuer()),
	}
	if v.audience != "" {
		validateOpts = append(validateOpts, jwt.WithAudience(v.audience))
	}
	if err := jwt.Validate(parsed, validateOpts...); err != nil {
		switch {
		case errors.Is(err, jwt.ErrInvalidIssuer()):
			return nil, newError(ErrCodeInvalidIssuer, err)
		case errors.Is(err, jwt.ErrInvalidAudience()):
			return nil, newError(ErrCodeInvalidAudience, err)
		case errors.Is(err, jwt.ErrTokenExpired()):
			return nil, newError(ErrCodeExpired, err)
		case errors.Is(err, jwt.ErrTokenNotYetValid()):
			return nil, newError(ErrCodeNotYetValid, err)
		default:
			if mapped := classifyValidationError(err); mapped != nil {
				return nil, mapped
			}
			return nil, newError(ErrCodeInvalidToken, err)
		}
	}
	if parsed.Subject() == "" {
		return nil, newError(ErrCodeMissingSubject, errors.New(`"sub" claim is missing`))
	}

	return extractClaims(parsed, token)
}

// checkAlgorithm refuses unsigned and symmetric tokens; only the issuer's
// public keys can verify a token.
func checkAlgorithm(alg jwa.SignatureAlgorithm) error {
	switch alg {
	case "", jwa.NoSignature:
		return errors.New("unsigned token")
	case jwa.HS256, jwa.HS384, jwa.HS512:
		return fmt.Errorf("symmetric algorithm %s not accepted", alg)
	}
	return nil
}

func extractClaims(token jwt.Token, raw string) (*Claims, error) {
	msg, err := jws.Parse([]byte(raw))
	if err != nil {
		return nil, newError(ErrCodeInvalidToken, err)
	}
	payload := msg.Payload()
	var all map[string]any
	if err := json.Unmarshal(payload, &all); err != nil {
		return nil, newError(ErrCodeInvalidToken, fmt.Errorf("decode payload: %w", err))
	}

	var audience []string
	if audList := token.Audience(); len(audList) > 0 {
		audience = append([]string(nil), audList...)
	}
	return &Claims{
		Subject:   token.Subject(),
		Issuer:    token.Issuer(),
		Audience:  audience,
		ExpiresAt: token.Expiration(),
		NotBefore: token.NotBefore(),
		IssuedAt:  token.IssuedAt(),
		JWTID:     token.JwtID(),
		Raw:       all,
		Payload:   payload,
	}, nil
}

func classifyValidationError(err error) error {
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, `"exp" not satisfied`):
		return newError(ErrCodeExpired, err)
	case strings.Contains(lower, `"nbf" not satisfied`):
		return newError(ErrCodeNotYetValid, err)
	case strings.Contains(lower, `"iss" not satisfied`):
		return newError(ErrCodeInvalidIssuer, err)
	case strings.Contains(lower, `"aud" not satisfied`):
		return newError(ErrCodeInvalidAudience, err)
	}
	return nil
}
