package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing authorization")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is what the relay needs from a verified token.
type Claims struct {
	Subject string
	Name    string
	Expires time.Time
}

// Verifier checks HS256 bearer tokens against a shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a verifier for secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(time.Minute),
		),
	}
}

// Verify validates tokenString and returns its claims.
func (v *Verifier) Verify(tokenString string) (Claims, error) {
	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	sub, _ := claims.GetSubject()
	exp, _ := claims.GetExpirationTime()
	name, _ := claims["name"].(string)

	out := Claims{Subject: sub, Name: name}
	if exp != nil {
		out.Expires = exp.Time
	}
	return out, nil
}

// VerifyRequest reads the bearer token from the Authorization header, or
// from the token query parameter for clients that cannot set headers.
func (v *Verifier) VerifyRequest(r *http.Request) (Claims, error) {
	var tokenString string
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, rest, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			tokenString = strings.TrimSpace(rest)
		}
	}
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}
	if tokenString == "" {
		return Claims{}, ErrMissingToken
	}
	return v.Verify(tokenString)
}

// Sign mints an HS256 token; used by the CLI and tests.
func (v *Verifier) Sign(subject, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if name != "" {
		claims["name"] = name
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
