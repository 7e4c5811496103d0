package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/cortate/trust-engine/domain"
)

// Claims carried by API bearer tokens. The subject is the actor ID.
type Claims struct {
	Role       string `json:"role"`
	ProviderID string `json:"provider_id,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens and puts the actor on the
// request context.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string, clock domain.Clock) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: clock.Now}
}

// Issue signs a token for actor valid for ttl.
func (a *Authenticator) Issue(actor domain.Actor, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role:       string(actor.Role),
		ProviderID: actor.ProviderID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates tokenStr and returns the actor it names.
func (a *Authenticator) Parse(tokenStr string) (domain.Actor, error) {
	t, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return domain.Actor{}, err
	}
	c, ok := t.Claims.(*Claims)
	if !ok || !t.Valid {
		return domain.Actor{}, errors.New("invalid token")
	}
	actor := domain.Actor{ID: c.Subject, Role: domain.Role(c.Role), ProviderID: c.ProviderID}
	if err := validActor(actor); err != nil {
		return domain.Actor{}, err
	}
	return actor, nil
}

func validActor(a domain.Actor) error {
	if a.ID == "" {
		return errors.New("token has no subject")
	}
	switch a.Role {
	case domain.RoleClient, domain.RoleAdmin, domain.RoleSystem:
	case domain.RoleProvider:
		if a.ProviderID == "" {
			return errors.New("provider token has no provider_id")
		}
	default:
		return fmt.Errorf("unknown role %q", a.Role)
	}
	return nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}
		actor, err := a.Parse(tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

type actorKey struct{}

func WithActor(ctx context.Context, a domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the authenticated actor of the request.
func ActorFrom(ctx context.Context) (domain.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(domain.Actor)
	return a, ok
}
