// Package auth resolves the bearer token presented on a WebSocket connect
// into the peer identity the scheduler works with (scheduler.PeerIdType),
// via JWKS-backed JWT validation.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/conferenced/backend/internal/v1/logging"
	"github.com/conferenced/backend/internal/v1/scheduler"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
)

// CustomClaims is the JWT payload a connecting client presents. Scope
// carries the token's access scope; Role carries the token's role claim.
// Nothing copies Role into a peer: JoinRoom takes the role from its own
// request.
type CustomClaims struct {
	Scope string `json:"scope"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// PeerID returns the token subject as a scheduler.PeerIdType, the identity
// Scheduler.Join is keyed on.
func (c *CustomClaims) PeerID() scheduler.PeerIdType {
	return scheduler.PeerIdType(c.Subject)
}

// DisplayName picks the best human-readable label for the peer: Name, then
// the local part of Email, then the subject itself.
func (c *CustomClaims) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.Email != "" {
		if local, _, ok := strings.Cut(c.Email, "@"); ok {
			return local
		}
	}
	return c.Subject
}

// TokenValidator authenticates a bearer token into peer claims. Satisfied by
// *Validator and *MockValidator.
type TokenValidator interface {
	ValidateToken(tokenString string) (*CustomClaims, error)
}

// Validator provides JWT validation functionality, including key retrieval,
// issuer verification, and audience checks.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string
}

// NewValidator builds a Validator that authenticates peers against the JWKS
// published at https://domain/.well-known/jwks.json, accepting only tokens
// issued by that domain for audience. regOpts customize the JWKS cache
// registration (tests use it to point at a local JWKS server).
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	// Fetch once up front so a misconfigured issuer fails at startup, not on
	// the first peer's connect.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &Validator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: []string{audience},
	}, nil
}

// ValidateToken parses and verifies tokenString against the configured
// JWKS, issuer, and audience, returning the peer's claims on success.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience[0]),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to CustomClaims")
	}
	return claims, nil
}

// GetAllowedOriginsFromEnv reads a comma-separated origin list from envVarName,
// falling back to defaultEnvs (logged) if unset. Used to populate the
// WebSocket upgrader's origin checker.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), "origin allowlist env var not set, using defaults",
			zap.String("envVar", envVarName), zap.Strings("defaults", defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}

// MockValidator is a development-only token validator that accepts any
// token and recovers as much of the real claim shape as it can from an
// unsigned JWT payload, so local clients see the same peer identity they
// would against a real issuer.
type MockValidator struct{}

func (m *MockValidator) ValidateToken(tokenString string) (*CustomClaims, error) {
	claims := &CustomClaims{}
	claims.Subject = "dev-peer-1"
	claims.Name = "Dev Peer"
	claims.Email = "dev@example.com"

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		if payload, err := base64.RawURLEncoding.DecodeString(parts[1]); err == nil {
			var raw map[string]interface{}
			if json.Unmarshal(payload, &raw) == nil {
				if sub, ok := raw["sub"].(string); ok && sub != "" {
					claims.Subject = sub
				}
				if name, ok := raw["name"].(string); ok && name != "" {
					claims.Name = name
				}
				if email, ok := raw["email"].(string); ok && email != "" {
					claims.Email = email
				}
				if role, ok := raw["role"].(string); ok && role != "" {
					claims.Role = role
				}
			}
		}
	}

	logging.Info(context.Background(), "MockValidator accepted token",
		logging.PeerField(claims.PeerID()), zap.String("token", logging.RedactToken(tokenString)))
	return claims, nil
}
