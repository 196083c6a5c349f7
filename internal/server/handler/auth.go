package handler

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const ctxActor = "healthledger_actor"

// ErrTokensNotConfigured is returned when no signing secret was supplied.
var ErrTokensNotConfigured = errors.New("actor token secret not configured")

// Actor is the authenticated caller recorded as a block's created_by.
type Actor struct {
	ID       string
	Username string
	Role     string
}

// ActorClaims are the JWT claims carried by an actor bearer token.
type ActorClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
	Role     string `json:"role"`
}

// ActorTokens issues and verifies HS256 actor tokens.
type ActorTokens struct {
	secret []byte
	ttl    time.Duration
}

// NewActorTokens creates an ActorTokens. ttl defaults to 8 hours.
func NewActorTokens(secret string, ttl time.Duration) *ActorTokens {
	if ttl == 0 {
		ttl = 8 * time.Hour
	}
	return &ActorTokens{secret: []byte(secret), ttl: ttl}
}

// Issue creates a signed token for actorID with the given role.
func (t *ActorTokens) Issue(actorID, username, role string) (string, error) {
	if len(t.secret) == 0 {
		return "", ErrTokensNotConfigured
	}
	now := time.Now().UTC()
	claims := ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		Username: username,
		Role:     role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign actor token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an actor token.
func (t *ActorTokens) Verify(tokenStr string) (*Actor, error) {
	if len(t.secret) == 0 {
		return nil, ErrTokensNotConfigured
	}
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&ActorClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify actor token: %w", err)
	}
	claims, ok := token.Claims.(*ActorClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid actor token claims")
	}
	return &Actor{ID: claims.Subject, Username: claims.Username, Role: claims.Role}, nil
}

// RequireActor returns a Gin middleware that enforces a valid actor Bearer
// token and injects the *Actor into the context.
func RequireActor(tokens *ActorTokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		actor, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxActor, actor)
		c.Next()
	}
}

// RequireRole returns a Gin middleware that admits only actors whose role is
// in allowed. It must run after RequireActor.
func RequireRole(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := ActorFromCtx(c)
		if actor == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !slices.Contains(allowed, actor.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// ActorFromCtx retrieves the actor injected by RequireActor, or nil.
func ActorFromCtx(c *gin.Context) *Actor {
	v, _ := c.Get(ctxActor)
	actor, _ := v.(*Actor)
	return actor
}
