package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const jwksRefreshInterval = 5 * time.Minute

type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// DiscoverJWKSURL reads jwks_uri from the issuer's OpenID configuration.
func DiscoverJWKSURL(ctx context.Context, client *http.Client, issuer string) (string, error) {
	url := strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build discovery request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch OIDC discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OIDC discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode OIDC discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("OIDC discovery document missing jwks_uri")
	}
	return doc.JWKSURI, nil
}

// NewJWKSKeyfunc builds a key resolver backed by a JWKS endpoint that is
// refreshed in the background. When jwksURL is empty it is discovered from
// the issuer. The first fetch may fail so the server can start before the
// identity provider is reachable.
func NewJWKSKeyfunc(ctx context.Context, issuer, jwksURL string, logger zerolog.Logger) (jwt.Keyfunc, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	if jwksURL == "" {
		if issuer == "" {
			return nil, fmt.Errorf("issuer or JWKS URL is required")
		}
		discovered, err := DiscoverJWKSURL(ctx, client, issuer)
		if err != nil {
			return nil, err
		}
		jwksURL = discovered
	}

	log := logger.With().Str("component", "jwks").Str("url", jwksURL).Logger()
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    client,
		Ctx:                       ctx,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			log.Error().Err(err).Msg("JWKS refresh failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("create keyfunc: %w", err)
	}
	log.Info().Msg("JWKS key resolver ready")
	return k.Keyfunc, nil
}
