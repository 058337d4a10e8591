package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A token signed HS256, carrying the kid of an RSA key published in the
// JWKS, must be rejected by algorithm rather than accepted because the
// keyFunc happened to resolve a key for that kid.
func TestValidator_AlgorithmConfusion(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(&privateKey.PublicKey)
	require.NoError(t, err)
	_ = key.Set(jwk.KeyIDKey, "test-kid")
	_ = key.Set(jwk.AlgorithmKey, "RS256")
	_ = key.Set(jwk.KeyUsageKey, "sig")

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/jwks.json" {
			buf, _ := json.Marshal(map[string]interface{}{"keys": []interface{}{key}})
			w.Write(buf)
		}
	}))
	defer server.Close()

	u, _ := url.Parse(server.URL)
	v, err := NewValidator(context.Background(), u.Host, "test-audience", jwk.WithHTTPClient(server.Client()))
	require.NoError(t, err)

	token := jwt.New(jwt.SigningMethodHS256)
	token.Header["kid"] = "test-kid"
	token.Claims = jwt.MapClaims{
		"aud": "test-audience",
		"iss": "https://" + u.Host + "/",
		"sub": "attacker-peer",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signedString, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = v.ValidateToken(signedString)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected signing method", "must reject on signing method, not merely fail signature verification")
}
