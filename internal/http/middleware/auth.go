package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Token scopes.
const (
	ScopeEvents = "events"
	ScopeAdmin  = "admin"
)

// Claims is the bearer token payload. Scope is a space separated list.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// HasScope reports whether want is among the granted scopes.
func (c Claims) HasScope(want string) bool {
	for _, s := range strings.Fields(c.Scope) {
		if s == want {
			return true
		}
	}
	return false
}

var errUnexpectedAlg = errors.New("unexpected signing method")

// BearerAuth validates an HS256 bearer token carrying scope and stores its
// subject as the caller. An empty secret disables authentication.
func BearerAuth(secret, scope string) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) { c.Next() }
	}
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(c *gin.Context) {
		raw, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || strings.TrimSpace(raw) == "" {
			abortAuth(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		var claims Claims
		tok, err := parser.ParseWithClaims(strings.TrimSpace(raw), &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errUnexpectedAlg
			}
			return key, nil
		})
		if err != nil || !tok.Valid {
			abortAuth(c, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if !claims.HasScope(scope) {
			abortAuth(c, http.StatusForbidden, "forbidden", "token lacks scope "+scope)
			return
		}

		c.Set(callerKey, claims.Subject)
		c.Next()
	}
}

// SignToken issues an HS256 token for subject with the given scopes. Used
// by operators' tooling and tests.
func SignToken(secret, subject string, scopes ...string) (string, error) {
	claims := Claims{
		Scope:            strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func abortAuth(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       code,
		"message":    msg,
	})
}
