// Package auth turns the bearer token issued by the external auth collaborator
// into a lifecycle.Caller. It does not authenticate users itself.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"carbon-scribe/credit-lifecycle/pkg/lifecycle"
)

const callerKey = "lifecycle.caller"

// Claims represents the JWT claims the coordinator reads
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService validates (and, for tooling, issues) HS256 tokens
type TokenService struct {
	signingKey []byte
	issuer     string
}

func NewTokenService(signingKey, issuer string) *TokenService {
	return &TokenService{signingKey: []byte(signingKey), issuer: issuer}
}

// GenerateToken signs a token for subject with role
func (s *TokenService) GenerateToken(subject, role string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(s.signingKey)
}

// ValidateToken parses a token and returns the caller it names
func (s *TokenService) ValidateToken(tokenString string) (lifecycle.Caller, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return lifecycle.Caller{}, errors.New("token has expired")
		}
		return lifecycle.Caller{}, errors.New("invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return lifecycle.Caller{}, errors.New("invalid token claims")
	}
	return lifecycle.Caller{ID: claims.Subject, Role: claims.Role}, nil
}

// Middleware rejects requests without a valid bearer token. Browsers cannot
// set headers on WebSocket upgrades, so the token may also come in ?token=.
func Middleware(tokens *TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if raw == "" {
			raw = c.Query("token")
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		caller, err := tokens.ValidateToken(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// RequireRole lets the request through only for the given roles
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := CallerFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		for _, role := range roles {
			if caller.Is(role) {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role not permitted"})
	}
}

// CallerFrom returns the caller set by Middleware
func CallerFrom(c *gin.Context) (lifecycle.Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return lifecycle.Caller{}, false
	}
	caller, ok := v.(lifecycle.Caller)
	return caller, ok
}

// SetCaller stores caller on the context; used by tests and trusted proxies
func SetCaller(c *gin.Context, caller lifecycle.Caller) {
	c.Set(callerKey, caller)
}
