package authz

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jake-scott/devicehub/internal/pkg/deverr"
)

// Claims is the bearer token the property backend issues. Role
// associations and any guest grant travel as private claims.
type Claims struct {
	jwt.RegisteredClaims
	Roles []RoleAssociation `json:"roles,omitempty"`
	Guest *GuestGrant       `json:"guest,omitempty"`
}

// BearerParser validates HS256 bearer tokens signed with a shared secret
type BearerParser struct {
	secret []byte
	issuer string
}

// NewBearerParser returns a parser. An empty issuer accepts any issuer.
func NewBearerParser(secret, issuer string) *BearerParser {
	return &BearerParser{secret: []byte(secret), issuer: issuer}
}

func (b *BearerParser) Parse(tokenString string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if b.issuer != "" {
		opts = append(opts, jwt.WithIssuer(b.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return b.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, deverr.Wrap(err, deverr.AuthenticationFailed, "invalid bearer token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, deverr.New(deverr.AuthenticationFailed, "invalid bearer token")
	}
	if claims.Subject == "" {
		return Principal{}, deverr.New(deverr.AuthenticationFailed, "bearer token has no subject")
	}

	return Principal{UserID: claims.Subject, Roles: claims.Roles, Guest: claims.Guest}, nil
}

// Issue signs a bearer token for p, valid for ttl
func (b *BearerParser) Issue(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    b.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Roles: p.Roles,
		Guest: p.Guest,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		return "", errors.Wrap(err, "signing bearer token")
	}
	return signed, nil
}

type ctxKey int

const principalKey ctxKey = iota

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
