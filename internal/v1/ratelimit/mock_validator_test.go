package ratelimit

import (
	"fmt"

	"github.com/conferenced/backend/internal/v1/auth"
)

// MockValidator is a TokenValidator test double: ValidateTokenFunc, when
// set, decides how a given test resolves a bearer token into peer claims;
// with it unset, every token is rejected, matching an unauthenticated
// caller.
type MockValidator struct {
	ValidateTokenFunc func(tokenString string) (*auth.CustomClaims, error)
}

func (m *MockValidator) ValidateToken(tokenString string) (*auth.CustomClaims, error) {
	if m.ValidateTokenFunc != nil {
		return m.ValidateTokenFunc(tokenString)
	}
	return nil, fmt.Errorf("invalid token")
}
