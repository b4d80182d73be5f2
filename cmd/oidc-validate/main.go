package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	oidcx "github.com/bionicotaku/lingo-utils-oidcx"
)

func main() {
	envFile := flag.String("env", ".env", "Path to .env file; missing files are ignored")
	issuer := flag.String("issuer", "", "Issuer URL (env OIDC_ISSUER)")
	audience := flag.String("audience", "", "Expected audience (env OIDC_AUDIENCE)")
	clientID := flag.String("client-id", "", "Client id, fallback audience and client credentials id (env OIDC_CLIENT_ID)")
	clientSecret := flag.String("client-secret", "", "Client secret; enables client credentials minting (env OIDC_CLIENT_SECRET)")
	jwksURI := flag.String("jwks-uri", "", "JWKS URI override (env OIDC_JWKS_URI)")
	provider := flag.String("provider", "", "Claim mapping: generic, cognito or keycloak (env AUTH_PROVIDER)")
	token := flag.String("token", "", "Token to verify; minted when empty (env OIDC_TOKEN)")
	serviceAccount := flag.String("service-account", "", "Google service account to impersonate when minting (env GOOGLE_SERVICE_ACCOUNT)")
	timeout := flag.Duration("timeout", 10*time.Second, "Timeout for discovery, key fetch and minting")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
			log.Printf("warning: load %s: %v", *envFile, err)
		}
	}
	fromEnv(issuer, "OIDC_ISSUER")
	fromEnv(audience, "OIDC_AUDIENCE")
	fromEnv(clientID, "OIDC_CLIENT_ID")
	fromEnv(clientSecret, "OIDC_CLIENT_SECRET")
	fromEnv(jwksURI, "OIDC_JWKS_URI")
	fromEnv(provider, "AUTH_PROVIDER")
	fromEnv(token, "OIDC_TOKEN")
	fromEnv(serviceAccount, "GOOGLE_SERVICE_ACCOUNT")

	if *issuer == "" {
		flag.Usage()
		log.Fatal("issuer is required (via flag, .env, or environment variables)")
	}
	tag, err := oidcx.ParseProviderTag(*provider)
	if err != nil {
		log.Fatal(err)
	}

	cfg := oidcx.IssuerConfig{
		Issuer:         *issuer,
		Audience:       *audience,
		ClientID:       *clientID,
		JWKSURI:        *jwksURI,
		ClockTolerance: oidcx.Tolerance(30 * time.Second),
		MinRefresh:     time.Minute,
		HTTPTimeout:    *timeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	keys, err := oidcx.Discover(ctx, cfg)
	if err != nil {
		log.Fatalf("discovery failed: %v", err)
	}
	defer keys.Close()
	log.Printf("issuer %s, jwks %s", keys.Issuer(), keys.JWKSURI())

	if err := keys.Warmup(ctx); err != nil {
		log.Printf("warmup warning: %v", err)
	}

	if *token == "" {
		*token = mint(ctx, keys, cfg, *clientID, *clientSecret, *serviceAccount)
	}

	claims, err := oidcx.NewVerifier(keys, cfg).Verify(ctx, *token)
	if err != nil {
		log.Fatalf("verification failed (%s): %v", oidcx.ReasonOf(err), err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(oidcx.Normalize(tag, claims)); err != nil {
		log.Fatalf("encode user: %v", err)
	}
}

// mint obtains a token for the expected audience. A client secret selects the
// client credentials grant against the discovered token endpoint; otherwise a
// Google identity token is minted from ambient credentials.
func mint(ctx context.Context, keys *oidcx.KeySet, cfg oidcx.IssuerConfig, clientID, clientSecret, serviceAccount string) string {
	audience := cfg.ExpectedAudience()
	if audience == "" {
		log.Fatal("audience or client-id is required to mint a token")
	}

	minterCfg := oidcx.MinterConfig{ServiceAccount: serviceAccount}
	if clientSecret != "" {
		minterCfg.TokenFactory = oidcx.ClientCredentialsFactory(keys.TokenEndpoint(), clientID, clientSecret)
		minterCfg.Scopes = []string{"openid"}
	}

	tok, err := oidcx.NewTokenMinter(minterCfg).Token(ctx, audience)
	if err != nil {
		log.Fatalf("failed to mint token: %v", err)
	}
	log.Println("acquired fresh token via minter")
	return tok
}

func fromEnv(value *string, key string) {
	if strings.TrimSpace(*value) == "" {
		*value = strings.TrimSpace(os.Getenv(key))
	}
}
