package oidcx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// RequestIDHeader is read by the gate to correlate rejection logs.
const RequestIDHeader = "X-Request-Id"

var bearerPattern = regexp.MustCompile(`(?i)^bearer\s+(\S+)$`)

var (
	errMissingHeader   = errors.New("authorization header missing")
	errMultipleHeaders = errors.New("multiple authorization headers")
	errMalformedHeader = errors.New("authorization header is not a bearer token")
)

// Gate authenticates requests before they reach protected handlers. Every
// rejection produces the same 401 response; the reason is only logged.
type Gate struct {
	verifier    TokenVerifier
	provider    ProviderTag
	logger      *zap.Logger
	publicPaths map[string]struct{}
	devBypass   *DevBypass
}

// GateOption customizes a Gate.
type GateOption func(*Gate)

// WithLogger sets the logger used for rejections.
func WithLogger(logger *zap.Logger) GateOption {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithPublicPaths lists exact paths that bypass authentication.
func WithPublicPaths(paths ...string) GateOption {
	return func(g *Gate) {
		for _, p := range paths {
			if p = strings.TrimSpace(p); p != "" {
				g.publicPaths[p] = struct{}{}
			}
		}
	}
}

// WithDevBypass makes the gate attach a synthetic user to every request
// without looking at the Authorization header. Each request gets its own
// copy of the user. Local development only.
func WithDevBypass(bypass DevBypass) GateOption {
	return func(g *Gate) {
		bypass.Roles = append([]string(nil), bypass.Roles...)
		g.devBypass = &bypass
	}
}

// NewGate returns a gate that verifies tokens with verifier and normalizes
// claims with the mapping selected by provider.
func NewGate(verifier TokenVerifier, provider ProviderTag, opts ...GateOption) *Gate {
	g := &Gate{
		verifier:    verifier,
		provider:    provider,
		logger:      zap.NewNop(),
		publicPaths: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Middleware wraps next with authentication.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := g.publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		if g.devBypass != nil {
			user := g.devBypass.User(g.provider)
			next.ServeHTTP(w, r.WithContext(BindUser(r.Context(), user)))
			return
		}

		user, err := g.Authenticate(r.Context(), r.Header.Values("Authorization"))
		if err != nil {
			g.logRejection(r, err)
			WriteUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(BindUser(r.Context(), user)))
	})
}

// Authenticate runs header extraction, verification and normalization for
// the given Authorization header values.
func (g *Gate) Authenticate(ctx context.Context, header []string) (*NormalizedUser, error) {
	token, err := ExtractBearer(header)
	if err != nil {
		return nil, err
	}
	claims, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	return Normalize(g.provider, claims), nil
}

// ExtractBearer returns the token of a single "Bearer <token>" header value.
// The scheme is matched case-insensitively.
func ExtractBearer(header []string) (string, error) {
	switch len(header) {
	case 0:
		return "", newError(ErrCodeInvalidToken, errMissingHeader)
	case 1:
	default:
		return "", newError(ErrCodeInvalidToken, errMultipleHeaders)
	}
	m := bearerPattern.FindStringSubmatch(strings.TrimSpace(header[0]))
	if m == nil {
		return "", newError(ErrCodeInvalidToken, errMalformedHeader)
	}
	return m[1], nil
}

func (g *Gate) logRejection(r *http.Request, err error) {
	fields := []zap.Field{
		zap.String("request_id", r.Header.Get(RequestIDHeader)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("reason", string(ReasonOf(err))),
		zap.Error(err),
	}
	if errors.Is(err, ErrDiscovery) {
		g.logger.Error("issuer discovery failed, rejecting request", fields...)
		return
	}
	g.logger.Warn("request rejected", fields...)
}

type unauthorizedBody struct {
	Message string `json:"message"`
}

// WriteUnauthorized writes the single 401 response used for every
// authentication failure.
func WriteUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(unauthorizedBody{Message: "Unauthorized"})
}
