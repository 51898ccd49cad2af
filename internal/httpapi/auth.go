package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	wrikeSignatureHeader = "X-Hook-Secret"
	adminAudience        = "relaysync"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

// adminClaims is the operator token body. scopes may be a JSON array or a
// space separated string.
type adminClaims struct {
	jwt.RegisteredClaims
	Scopes scopeList `json:"scopes"`
}

type scopeList []string

func (l *scopeList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	*l = strings.Fields(joined)
	return nil
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, &authError{
				status:  403,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	var claims adminClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims,
		func(*jwt.Token) (any, error) { return []byte(jwtSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(adminAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return tokenClaims{}, unauthorized("token expired")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return tokenClaims{}, unauthorized("invalid aud claim")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	default:
		return tokenClaims{}, unauthorized("invalid jwt")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	scopes := make(map[string]struct{}, len(claims.Scopes))
	for _, scope := range claims.Scopes {
		if scope != "" {
			scopes[scope] = struct{}{}
		}
	}
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	return tokenClaims{Subject: claims.Subject, Scopes: scopes, Exp: claims.ExpiresAt.Unix()}, nil
}

func unauthorized(message string) *authError {
	return &authError{status: 401, code: "unauthorized", message: message}
}

func hmacSum(secret string, data []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(data)
	return mac.Sum(nil)
}

// handshakeChallenge bounds what the handshake will sign. Challenges are
// opaque tokens; anything shaped like a payload is refused so the endpoint
// cannot mint signatures for event bodies.
var handshakeChallenge = regexp.MustCompile(`^[A-Za-z0-9+/=_-]{1,256}$`)

func validHandshakeChallenge(challenge string) bool {
	return handshakeChallenge.MatchString(challenge)
}

// wrikeHandshakeSignature answers Wrike's secret verification request: the
// HMAC of the challenge value it sent in X-Hook-Secret.
func wrikeHandshakeSignature(secret, challenge string) string {
	return hex.EncodeToString(hmacSum(secret, []byte(challenge)))
}

// verifyWrikeSignature checks X-Hook-Secret against the HMAC of the exact
// bytes received.
func verifyWrikeSignature(secret, presented string, body []byte) *authError {
	presented = strings.ToLower(strings.TrimSpace(presented))
	if presented == "" {
		return &authError{status: 400, code: "bad_request", message: "missing " + wrikeSignatureHeader + " header"}
	}
	expected := hex.EncodeToString(hmacSum(secret, body))
	if !hmac.Equal([]byte(presented), []byte(expected)) {
		return unauthorized("webhook signature mismatch")
	}
	return nil
}

// clientStateMatches reports whether every notification carries the
// subscription secret.
func clientStateMatches(expected string, states []string) bool {
	if expected == "" || len(states) == 0 {
		return false
	}
	for _, state := range states {
		if subtle.ConstantTimeCompare([]byte(state), []byte(expected)) != 1 {
			return false
		}
	}
	return true
}
