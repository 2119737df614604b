package approval

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrTokenInvalid = errors.New("approval: invalid actor token")

// ActorClaims are the JWT claims expected on a resolution token.
type ActorClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// ActorVerifier validates the signed token a human operator presents
// when resolving a request. The subject becomes the recorded actor and
// the token must carry the approver role.
type ActorVerifier struct {
	key  []byte
	role string
}

// NewActorVerifier creates a verifier for HS256 tokens signed with key.
func NewActorVerifier(key []byte, requiredRole string) *ActorVerifier {
	return &ActorVerifier{key: key, role: requiredRole}
}

// Verify parses tokenStr and returns the actor identity it asserts.
func (v *ActorVerifier) Verify(tokenStr string) (string, error) {
	claims := &ActorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return "", ErrTokenInvalid
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if v.role != "" && !hasRole(claims.Roles, v.role) {
		return "", fmt.Errorf("%w: subject %q lacks role %q", ErrTokenInvalid, claims.Subject, v.role)
	}
	return claims.Subject, nil
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}
