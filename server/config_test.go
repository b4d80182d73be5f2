package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	oidcx "github.com/bionicotaku/lingo-utils-oidcx"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for key := range envDefaults {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	// Keep a stray .env in the package directory from leaking into tests.
	t.Chdir(t.TempDir())
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("OIDC_ISSUER", "https://idp.example/realms/main")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "generic", cfg.Provider)
	assert.Equal(t, oidcx.ProviderGeneric, cfg.ProviderTag())
	assert.Equal(t, 5, cfg.ClockTolerance)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 5*time.Minute, cfg.MinRefresh)
	assert.Equal(t, 3001, cfg.Port)
	assert.Equal(t, ":3001", cfg.Addr())
	assert.Equal(t, []string{"/health"}, cfg.PublicPaths)
	assert.False(t, cfg.LazyDiscovery)
	assert.False(t, cfg.DevBypass)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTH_PROVIDER", "Keycloak")
	t.Setenv("OIDC_ISSUER", "https://idp.example/realms/main")
	t.Setenv("OIDC_CLIENT_ID", "web-client")
	t.Setenv("OIDC_JWKS_URI", "https://keys.internal/jwks")
	t.Setenv("OIDC_CLOCK_TOLERANCE", "30")
	t.Setenv("OIDC_LAZY_DISCOVERY", "true")
	t.Setenv("AUTH_PUBLIC_PATHS", "/health, /metrics,,")
	t.Setenv("PORT", "8080")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, oidcx.ProviderKeycloak, cfg.ProviderTag())
	assert.True(t, cfg.LazyDiscovery)
	assert.Equal(t, []string{"/health", "/metrics"}, cfg.PublicPaths)
	assert.Equal(t, ":8080", cfg.Addr())

	issuer := cfg.IssuerConfig()
	assert.Equal(t, "https://idp.example/realms/main", issuer.Issuer)
	assert.Equal(t, "https://keys.internal/jwks", issuer.JWKSURI)
	require.NotNil(t, issuer.ClockTolerance)
	assert.Equal(t, 30*time.Second, *issuer.ClockTolerance)
	assert.Equal(t, "web-client", issuer.ExpectedAudience())
}

func TestLoadConfigEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "auth.env")
	require.NoError(t, os.WriteFile(path, []byte("OIDC_ISSUER=https://file.example\nOIDC_AUDIENCE=from-file\n"), 0o600))
	t.Setenv("OIDC_AUDIENCE", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://file.example", cfg.Issuer)
	assert.Equal(t, "from-env", cfg.Audience, "real environment wins over the env file")
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]map[string]string{
		"missing issuer":     {},
		"relative issuer":    {"OIDC_ISSUER": "/realms/main"},
		"unknown provider":   {"OIDC_ISSUER": "https://idp.example", "AUTH_PROVIDER": "auth0"},
		"bad port":           {"OIDC_ISSUER": "https://idp.example", "PORT": "70000"},
		"bad log level":      {"OIDC_ISSUER": "https://idp.example", "LOG_LEVEL": "verbose"},
		"bad jwks uri":       {"OIDC_ISSUER": "https://idp.example", "OIDC_JWKS_URI": "keys"},
		"text tolerance":     {"OIDC_ISSUER": "https://idp.example", "OIDC_CLOCK_TOLERANCE": "abc"},
		"unit tolerance":     {"OIDC_ISSUER": "https://idp.example", "OIDC_CLOCK_TOLERANCE": "5s"},
		"negative tolerance": {"OIDC_ISSUER": "https://idp.example", "OIDC_CLOCK_TOLERANCE": "-1"},
		"text timeout":       {"OIDC_ISSUER": "https://idp.example", "OIDC_HTTP_TIMEOUT": "abc"},
		"zero refresh":       {"OIDC_ISSUER": "https://idp.example", "OIDC_MIN_REFRESH": "0"},
		"text shutdown":      {"OIDC_ISSUER": "https://idp.example", "SHUTDOWN_TIMEOUT": "soon"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration")
		})
	}
}

func TestLoadConfigZeroClockTolerance(t *testing.T) {
	clearEnv(t)
	t.Setenv("OIDC_ISSUER", "https://idp.example")
	t.Setenv("OIDC_CLOCK_TOLERANCE", "0")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	issuer := cfg.IssuerConfig()
	require.NotNil(t, issuer.ClockTolerance)
	assert.Equal(t, time.Duration(0), *issuer.ClockTolerance, "zero must stay zero")
}

func TestLoadConfigDurations(t *testing.T) {
	clearEnv(t)
	t.Setenv("OIDC_ISSUER", "https://idp.example")
	t.Setenv("OIDC_HTTP_TIMEOUT", "5")
	t.Setenv("OIDC_MIN_REFRESH", "90s")
	t.Setenv("SHUTDOWN_TIMEOUT", "1m30s")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout, "bare integers are seconds")
	assert.Equal(t, 90*time.Second, cfg.MinRefresh)
	assert.Equal(t, 90*time.Second, cfg.ShutdownTimeout)
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"5":     5 * time.Second,
		" 10 ":  10 * time.Second,
		"750ms": 750 * time.Millisecond,
		"2m":    2 * time.Minute,
	}
	for raw, want := range cases {
		got, err := parseDuration(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	for _, raw := range []string{"abc", "5 seconds", ""} {
		_, err := parseDuration(raw)
		assert.Error(t, err, raw)
	}
}

func TestLoadConfigMissingEnvFile(t *testing.T) {
	clearEnv(t)
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", "console")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = NewLogger("loud", "json")
	require.Error(t, err)
}
