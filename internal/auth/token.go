package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoIdentity   = errors.New("no identity presented")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carries the authenticated user id.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Issue signs a token for userID. A zero ttl issues a token without expiry.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses token and returns its user id.
func (v *Verifier) Verify(token string) (string, error) {
	if len(v.secret) == 0 {
		return "", fmt.Errorf("%w: no secret configured", ErrInvalidToken)
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}
	uid := claims.UserID
	if uid == "" {
		uid = claims.Subject
	}
	if uid == "" {
		return "", fmt.Errorf("%w: missing userId claim", ErrInvalidToken)
	}
	return uid, nil
}

// PeekUserID reads the user id from token without verifying the signature.
// Clients use it to learn their own identity.
func PeekUserID(token string) (string, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID != "" {
		return claims.UserID, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", fmt.Errorf("%w: missing userId claim", ErrInvalidToken)
}
