// Package auth verifies the bearer tokens presented by clients before a
// realtime session or an API request is accepted.
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
)

// DefaultTokenTTL is the lifetime of issued tokens when none is configured.
const DefaultTokenTTL = 24 * time.Hour

// ErrUnauthorized is returned for missing, malformed, expired or forged
// credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated user behind a token.
type Identity struct {
	UserID   uuid.UUID
	Username string
}

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Claims are the JWT claims understood by JWTVerifier. The subject holds the
// user id.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTVerifier returns a verifier and issuer for the given secret. A
// non-positive ttl selects DefaultTokenTTL.
func NewJWTVerifier(secret string, ttl time.Duration) *JWTVerifier {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &JWTVerifier{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a token for the user.
func (v *JWTVerifier) Issue(userID uuid.UUID, username string) (string, error) {
	now := v.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", errors.Annotate(err, "sign token")
	}
	return token, nil
}

// Verify implements Verifier. Every failure is reported as ErrUnauthorized
// with the underlying reason attached.
func (v *JWTVerifier) Verify(token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, errors.Annotate(ErrUnauthorized, "missing token")
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Identity{}, errors.Annotatef(ErrUnauthorized, "invalid token: %v", err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Identity{}, errors.Annotate(ErrUnauthorized, "invalid user id in token")
	}

	return Identity{UserID: userID, Username: claims.Username}, nil
}

// IsUnauthorized reports whether err is an authentication failure.
func IsUnauthorized(err error) bool {
	return errors.Cause(err) == ErrUnauthorized
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}
