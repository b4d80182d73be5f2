package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	oidcx "github.com/bionicotaku/lingo-utils-oidcx"
)

// Config is the auth service configuration, read from the environment.
type Config struct {
	Provider       string `validate:"oneof=generic cognito keycloak"`
	Issuer         string `validate:"required,url"`
	Audience       string
	ClientID       string
	JWKSURI        string        `validate:"omitempty,url"`
	ClockTolerance int           `validate:"gte=0"` // seconds
	HTTPTimeout    time.Duration `validate:"gt=0"`
	MinRefresh     time.Duration `validate:"gt=0"`
	LazyDiscovery  bool
	DevBypass      bool
	PublicPaths    []string

	Port            int           `validate:"min=1,max=65535"`
	LogLevel        string        `validate:"oneof=debug info warn error"`
	LogFormat       string        `validate:"oneof=json console"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

var envDefaults = map[string]any{
	"AUTH_PROVIDER":        "generic",
	"OIDC_ISSUER":          "",
	"OIDC_AUDIENCE":        "",
	"OIDC_CLIENT_ID":       "",
	"OIDC_JWKS_URI":        "",
	"OIDC_CLOCK_TOLERANCE": 5,
	"OIDC_HTTP_TIMEOUT":    "5s",
	"OIDC_MIN_REFRESH":     "5m",
	"OIDC_LAZY_DISCOVERY":  false,
	"AUTH_DEV_BYPASS":      false,
	"AUTH_PUBLIC_PATHS":    "/health",
	"PORT":                 3001,
	"LOG_LEVEL":            "info",
	"LOG_FORMAT":           "json",
	"SHUTDOWN_TIMEOUT":     "10s",
}

// LoadConfig reads the configuration from the process environment. When
// envFile is set it is loaded first; variables already present in the
// environment win. Without envFile a ./.env file is loaded if it exists.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	for key, def := range envDefaults {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
		v.SetDefault(key, def)
	}

	var parseErrs []string
	seconds := func(key string) int {
		n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			parseErrs = append(parseErrs, fmt.Sprintf("%s is not a whole number of seconds", key))
		}
		return n
	}
	duration := func(key string) time.Duration {
		d, err := parseDuration(v.GetString(key))
		if err != nil {
			parseErrs = append(parseErrs, fmt.Sprintf("%s: %v", key, err))
		}
		return d
	}

	cfg := &Config{
		Provider:        strings.ToLower(strings.TrimSpace(v.GetString("AUTH_PROVIDER"))),
		Issuer:          strings.TrimSpace(v.GetString("OIDC_ISSUER")),
		Audience:        strings.TrimSpace(v.GetString("OIDC_AUDIENCE")),
		ClientID:        strings.TrimSpace(v.GetString("OIDC_CLIENT_ID")),
		JWKSURI:         strings.TrimSpace(v.GetString("OIDC_JWKS_URI")),
		ClockTolerance:  seconds("OIDC_CLOCK_TOLERANCE"),
		HTTPTimeout:     duration("OIDC_HTTP_TIMEOUT"),
		MinRefresh:      duration("OIDC_MIN_REFRESH"),
		LazyDiscovery:   v.GetBool("OIDC_LAZY_DISCOVERY"),
		DevBypass:       v.GetBool("AUTH_DEV_BYPASS"),
		PublicPaths:     splitList(v.GetString("AUTH_PUBLIC_PATHS")),
		Port:            v.GetInt("PORT"),
		LogLevel:        strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat:       strings.ToLower(v.GetString("LOG_FORMAT")),
		ShutdownTimeout: duration("SHUTDOWN_TIMEOUT"),
	}
	if cfg.Provider == "" {
		cfg.Provider = string(oidcx.ProviderGeneric)
	}
	if len(parseErrs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(parseErrs, "; "))
	}

	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, fmt.Errorf("invalid configuration: %s", describe(verrs))
		}
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// IssuerConfig converts the loaded settings into the library configuration.
func (c *Config) IssuerConfig() oidcx.IssuerConfig {
	return oidcx.IssuerConfig{
		Issuer:         c.Issuer,
		Audience:       c.Audience,
		ClientID:       c.ClientID,
		JWKSURI:        c.JWKSURI,
		ClockTolerance: oidcx.Tolerance(time.Duration(c.ClockTolerance) * time.Second),
		MinRefresh:     c.MinRefresh,
		HTTPTimeout:    c.HTTPTimeout,
	}
}

// ProviderTag returns the configured claim mapping.
func (c *Config) ProviderTag() oidcx.ProviderTag {
	tag, err := oidcx.ParseProviderTag(c.Provider)
	if err != nil {
		return oidcx.ProviderGeneric
	}
	return tag
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// parseDuration accepts Go duration strings ("750ms", "5m"). A bare integer
// is read as seconds.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var fieldEnv = map[string]string{
	"Provider":        "AUTH_PROVIDER",
	"Issuer":          "OIDC_ISSUER",
	"JWKSURI":         "OIDC_JWKS_URI",
	"ClockTolerance":  "OIDC_CLOCK_TOLERANCE",
	"HTTPTimeout":     "OIDC_HTTP_TIMEOUT",
	"MinRefresh":      "OIDC_MIN_REFRESH",
	"Port":            "PORT",
	"LogLevel":        "LOG_LEVEL",
	"LogFormat":       "LOG_FORMAT",
	"ShutdownTimeout": "SHUTDOWN_TIMEOUT",
}

func describe(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := fieldEnv[fe.Field()]
		if name == "" {
			name = fe.Field()
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %q", name, fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
