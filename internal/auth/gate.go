package auth

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"taskrelay/pkg/interfaces"
	"taskrelay/pkg/types"
)

// Claims is the token body: standard registered claims plus optional
// pre-authorized project ids.
type Claims struct {
	Projects []types.ID `json:"projects,omitempty"`
	jwt.RegisteredClaims
}

// Config configures token validation
type Config struct {
	Secret string
	Issuer string // empty disables the issuer check
	Leeway time.Duration
}

// Gate validates bearer tokens and authorizes project room joins
type Gate struct {
	config Config
	oracle interfaces.AuthorizationOracle
	now    func() time.Time
}

// NewGate creates a gate backed by the given membership oracle
func NewGate(config Config, oracle interfaces.AuthorizationOracle) (*Gate, error) {
	if config.Secret == "" {
		return nil, ErrNoSecret
	}
	return &Gate{config: config, oracle: oracle, now: time.Now}, nil
}

// Authenticate validates signature, expiry and issuer and returns the identity.
// Every failure wraps types.ErrInvalidToken.
func (g *Gate) Authenticate(raw string) (*types.Identity, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
		jwt.WithLeeway(g.config.Leeway),
	}
	if g.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(g.config.Issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(g.config.Secret), nil
	}, options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, types.ErrInvalidToken
	}
	if claims.Subject == "" || !types.IsValidID(claims.Subject) {
		return nil, ErrMissingSubject
	}

	identity := &types.Identity{
		UserID:     claims.Subject,
		ProjectIDs: claims.Projects,
		Token:      raw,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

// AuthorizeProject re-validates the identity's token and asks the oracle whether the
// user may join the project room. Oracle failures deny access.
func (g *Gate) AuthorizeProject(ctx context.Context, identity *types.Identity, projectID types.ID) error {
	if identity == nil {
		return ErrNotAuthenticated
	}
	if _, err := g.Authenticate(identity.Token); err != nil {
		return err
	}

	if g.oracle == nil {
		if slices.Contains(identity.ProjectIDs, projectID) {
			return nil
		}
		return ErrNotProjectMember
	}

	ok, err := g.oracle.IsMember(ctx, identity.UserID, string(projectID))
	if err != nil {
		slog.Error("authorization oracle failed", "user_id", identity.UserID, "project_id", projectID, "error", err)
		return fmt.Errorf("%w: membership lookup failed", types.ErrUnauthorized)
	}
	if !ok {
		return ErrNotProjectMember
	}
	return nil
}

// IssueToken mints an HS256 token for userID valid for ttl
func (g *Gate) IssueToken(userID string, projects []types.ID, ttl time.Duration) (string, error) {
	return IssueToken(g.config.Secret, g.config.Issuer, userID, projects, ttl, g.now())
}

// IssueToken mints a token without a gate; used by tooling
func IssueToken(secret, issuer, userID string, projects []types.ID, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	claims := Claims{
		Projects: projects,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
