// Package auth resolves the calling actor from a tauth session cookie or an HS256 bearer token.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
)

const (
	RoleAdmin   = "admin"
	RoleService = "service"

	// ClaimsContextKey is where the session middleware stores tauth claims.
	ClaimsContextKey = "auth_claims"
	actorContextKey  = "arena_actor"
	bearerPrefix     = "Bearer "
	clockLeeway      = 5 * time.Second
)

var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrMissingSubject    = errors.New("missing subject claim")
	ErrInvalidAuthConfig = errors.New("invalid auth config")
)

// Actor is the authenticated caller.
type Actor struct {
	ID    string
	Roles []string
}

// HasRole reports whether the actor carries role.
func (actor Actor) HasRole(role string) bool {
	return slices.Contains(actor.Roles, role)
}

// BearerClaims is the token shape accepted from service callers.
type BearerClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// BearerVerifier validates HS256 bearer tokens.
type BearerVerifier struct {
	secret []byte
	issuer string
}

// NewBearerVerifier returns a verifier. An empty issuer accepts any issuer.
func NewBearerVerifier(secret string, issuer string) (*BearerVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: bearer signing key is required", ErrInvalidAuthConfig)
	}
	return &BearerVerifier{secret: []byte(secret), issuer: strings.TrimSpace(issuer)}, nil
}

// ParseActor validates tokenString and returns its actor.
func (verifier *BearerVerifier) ParseActor(tokenString string) (Actor, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(clockLeeway),
		jwt.WithExpirationRequired(),
	}
	if verifier.issuer != "" {
		options = append(options, jwt.WithIssuer(verifier.issuer))
	}
	claims := &BearerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return verifier.secret, nil
	}, options...)
	if err != nil || !token.Valid {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Actor{}, ErrMissingSubject
	}
	return Actor{ID: subject, Roles: claims.Roles}, nil
}

// Sign issues a token for actor. It backs the service-token CLI and tests.
func (verifier *BearerVerifier) Sign(actor Actor, ttl time.Duration, now time.Time) (string, error) {
	claims := BearerClaims{
		Roles: actor.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    verifier.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(verifier.secret)
}

// BearerMiddleware resolves an actor from the Authorization header when one is present.
// A malformed or invalid token is rejected outright rather than falling through to the session cookie.
func BearerMiddleware(verifier *BearerVerifier) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if header == "" || verifier == nil {
			ctx.Next()
			return
		}
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", "malformed authorization header"))
			return
		}
		actor, err := verifier.ParseActor(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", "invalid token"))
			return
		}
		SetActor(ctx, actor)
		ctx.Next()
	}
}

// SessionFallback runs the session middleware only for requests without a bearer actor.
func SessionFallback(session gin.HandlerFunc) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if _, ok := ActorFrom(ctx); ok || session == nil {
			ctx.Next()
			return
		}
		session(ctx)
	}
}

// NewSessionMiddleware wraps the tauth validator.
func NewSessionMiddleware(signingKey string, issuer string, cookieName string) (gin.HandlerFunc, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(signingKey),
		Issuer:     issuer,
		CookieName: cookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	return validator.GinMiddleware(ClaimsContextKey), nil
}

// RequireActor rejects requests without an actor. Session claims are converted on the way through.
func RequireActor() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if _, ok := ActorFrom(ctx); ok {
			ctx.Next()
			return
		}
		claims := sessionClaims(ctx)
		if claims == nil || strings.TrimSpace(claims.GetUserID()) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", "missing session"))
			return
		}
		SetActor(ctx, Actor{ID: strings.TrimSpace(claims.GetUserID()), Roles: claims.GetUserRoles()})
		ctx.Next()
	}
}

// RequireRole rejects actors holding none of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		actor, ok := ActorFrom(ctx)
		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", "missing session"))
			return
		}
		for _, role := range roles {
			if actor.HasRole(role) {
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorBody("forbidden", "insufficient role"))
	}
}

// SetActor stores actor on the request.
func SetActor(ctx *gin.Context, actor Actor) {
	ctx.Set(actorContextKey, actor)
}

// ActorFrom returns the resolved actor.
func ActorFrom(ctx *gin.Context) (Actor, bool) {
	value, ok := ctx.Get(actorContextKey)
	if !ok {
		return Actor{}, false
	}
	actor, ok := value.(Actor)
	return actor, ok
}

func sessionClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(ClaimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorBody(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
