// Package auth checks admin bearer tokens.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"storefront/internal/apperr"
)

var (
	errNoToken    = errors.New("missing bearer token")
	errNoSubject  = errors.New("token has no subject")
	errNoSecret   = errors.New("admin token secret not configured")
	errNotAnAdmin = errors.New("user is not an admin")
)

// AdminChecker reports whether uid has an admins/{uid} record.
type AdminChecker interface {
	IsAdmin(ctx context.Context, uid string) (bool, error)
}

// Verifier validates HS256 tokens whose subject is the user id.
type Verifier struct {
	Secret []byte
	Admins AdminChecker
}

func NewVerifier(secret string, admins AdminChecker) *Verifier {
	return &Verifier{Secret: []byte(secret), Admins: admins}
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// UserID verifies the token and returns its subject.
func (v *Verifier) UserID(token string) (string, error) {
	if len(v.Secret) == 0 {
		return "", apperr.New("verify token", apperr.KindInternal, errNoSecret)
	}
	if token == "" {
		return "", &apperr.Error{Kind: apperr.KindUnauthorized, Message: "unauthorized", Err: errNoToken}
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", &apperr.Error{Kind: apperr.KindUnauthorized, Message: "unauthorized", Err: err}
	}
	if claims.Subject == "" {
		return "", &apperr.Error{Kind: apperr.KindUnauthorized, Message: "unauthorized", Err: errNoSubject}
	}
	return claims.Subject, nil
}

// Admin authenticates r and requires the caller to be an admin. It returns
// the caller's user id.
func (v *Verifier) Admin(r *http.Request) (string, error) {
	uid, err := v.UserID(BearerToken(r))
	if err != nil {
		return "", err
	}
	if v.Admins == nil {
		return "", &apperr.Error{Kind: apperr.KindForbidden, Message: "forbidden", Err: errNotAnAdmin}
	}
	ok, err := v.Admins.IsAdmin(r.Context(), uid)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &apperr.Error{Kind: apperr.KindForbidden, Message: "forbidden", Err: errNotAnAdmin}
	}
	return uid, nil
}

// Sign issues a token for uid. Used by the grant-admin command and tests.
func (v *Verifier) Sign(uid string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = uid
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.Secret)
}
