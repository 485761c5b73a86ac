package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
)

// ErrUnauthenticated is returned when a request carries no usable identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// Roles allowed on operator routes.
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// #region claims
// Claims is the JWT payload the EHR front end signs for each clinician.
type Claims struct {
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
	Specialty      string `json:"specialty,omitempty"`
	AccountCreated string `json:"account_created,omitempty"` // RFC 3339 or YYYY-MM-DD
	jwt.RegisteredClaims
}

func (c *Claims) user() (identity.User, error) {
	if c.UserID == "" {
		return identity.User{}, fmt.Errorf("%w: missing user_id", ErrUnauthenticated)
	}
	u := identity.User{ID: c.UserID, Role: c.Role, Specialty: c.Specialty}
	if c.AccountCreated != "" {
		t, err := parseDate(c.AccountCreated)
		if err != nil {
			return identity.User{}, fmt.Errorf("%w: account_created: %v", ErrUnauthenticated, err)
		}
		u.AccountCreated = t
	}
	return u, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

// #endregion claims

// #region authenticator
// Authenticator resolves the caller from a bearer token, or from X-User-*
// headers when header identity is allowed.
type Authenticator struct {
	secret       []byte
	allowHeaders bool
}

func NewAuthenticator(secret string, allowHeaders bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), allowHeaders: allowHeaders}
}

// Token signs an HS256 token for user.
func (a *Authenticator) Token(user identity.User, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("no jwt secret configured")
	}
	now := time.Now()
	claims := Claims{
		UserID:    user.ID,
		Role:      user.Role,
		Specialty: user.Specialty,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if !user.AccountCreated.IsZero() {
		claims.AccountCreated = user.AccountCreated.UTC().Format(time.RFC3339)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) parse(tokenStr string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, fmt.Errorf("%w: bearer tokens are not accepted", ErrUnauthenticated)
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	return claims, nil
}

// Identify returns the calling clinician.
func (a *Authenticator) Identify(r *http.Request) (identity.User, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return identity.User{}, fmt.Errorf("%w: malformed authorization header", ErrUnauthenticated)
		}
		claims, err := a.parse(strings.TrimSpace(parts[1]))
		if err != nil {
			return identity.User{}, err
		}
		return claims.user()
	}
	if !a.allowHeaders {
		return identity.User{}, ErrUnauthenticated
	}
	claims := Claims{
		UserID:         r.Header.Get("X-User-Id"),
		Role:           r.Header.Get("X-User-Role"),
		Specialty:      r.Header.Get("X-User-Specialty"),
		AccountCreated: r.Header.Get("X-User-Account-Created"),
	}
	return claims.user()
}

func isOperator(u identity.User) bool {
	return u.Role == RoleOperator || u.Role == RoleAdmin
}

// #endregion authenticator
