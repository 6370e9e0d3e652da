package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	scopeAdminRead  = "admin:read"
	scopeAdminWrite = "admin:write"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// AdminClaims is the payload of an admin bearer token.
type AdminClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c AdminClaims) hasScope(scope string) bool {
	for _, granted := range c.Scopes {
		if granted == scope {
			return true
		}
	}
	// Write access implies read access.
	return scope == scopeAdminRead && c.hasScope(scopeAdminWrite)
}

// IssueAdminToken signs an admin token. It backs the CLI token command and
// tests.
func IssueAdminToken(secret, audience, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("admin jwt secret is required")
	}
	claims := AdminClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authHeader string) string {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}

func authorizeAdmin(token, secret, audience, requiredScope string, now time.Time) (AdminClaims, *authError) {
	if token == "" {
		return AdminClaims{}, &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	var claims AdminClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		message := "invalid token"
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			message = "token expired"
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			message = "invalid aud claim"
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			message = "jwt signature mismatch"
		}
		return AdminClaims{}, &authError{status: 401, code: "unauthorized", message: message}
	}
	if len(claims.Scopes) == 0 {
		return AdminClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return AdminClaims{}, &authError{status: 403, code: "forbidden", message: "missing required scope: " + requiredScope}
	}
	return claims, nil
}

// verifyWebhookHMAC checks hex(HMAC-SHA256(secret, timestamp + "\n" + body))
// and that the RFC 3339 timestamp is within maxSkew of now.
func verifyWebhookHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing webhook signature headers"}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &authError{status: 401, code: "unauthorized", message: "invalid webhook timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: 401, code: "unauthorized", message: "webhook outside replay window"}
	}

	expectedHex := SignWebhook(secret, timestamp, body)
	if !hmac.Equal([]byte(strings.ToLower(strings.TrimPrefix(signature, "sha256="))), []byte(expectedHex)) {
		return &authError{status: 401, code: "unauthorized", message: "webhook signature mismatch"}
	}
	return nil
}

// SignWebhook returns the hex signature a sender puts in X-Webhook-Signature.
func SignWebhook(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
