package authz

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jake-scott/devicehub/internal/pkg/deverr"
)

//go:generate mockgen -destination=mocks/mock_presence.go -package=mocks github.com/jake-scott/devicehub/internal/pkg/authz PresenceVerifier

// PresenceVerifier checks the proof that the user is physically present, or
// has confirmed interactively, before a sensitive command runs
type PresenceVerifier interface {
	VerifyPresence(ctx context.Context, p Principal, deviceID, operation, proof string) error
}

const DefaultAssertionTTL = 2 * time.Minute

// assertionClaims bind a presence confirmation to one user, device and
// operation
type assertionClaims struct {
	jwt.RegisteredClaims
	DeviceID  string `json:"dev"`
	Operation string `json:"op"`
}

// AssertionVerifier accepts short-lived HS256 tokens minted by the client
// app after a local confirmation step (eg. biometrics)
type AssertionVerifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time

	mu sync.Mutex
	// token id -> time after which the token is rejected anyway
	used map[string]time.Time
}

func NewAssertionVerifier(secret string, maxAge time.Duration) *AssertionVerifier {
	if maxAge <= 0 {
		maxAge = DefaultAssertionTTL
	}
	return &AssertionVerifier{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
		used:   make(map[string]time.Time),
	}
}

// spend marks an assertion id as used. Each assertion confirms one command.
func (v *AssertionVerifier) spend(id string, until time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	for k, exp := range v.used {
		if now.After(exp) {
			delete(v.used, k)
		}
	}
	if _, seen := v.used[id]; seen {
		return false
	}
	v.used[id] = until
	return true
}

func (v *AssertionVerifier) VerifyPresence(_ context.Context, p Principal, deviceID, operation, proof string) error {
	token, err := jwt.ParseWithClaims(proof, &assertionClaims{}, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return deverr.Wrap(err, deverr.PresenceRequired, "presence assertion rejected")
	}

	claims, ok := token.Claims.(*assertionClaims)
	if !ok || !token.Valid {
		return deverr.New(deverr.PresenceRequired, "presence assertion rejected")
	}

	switch {
	case claims.Subject != p.UserID:
		return deverr.New(deverr.PresenceRequired, "presence assertion was issued to another user")
	case claims.DeviceID != deviceID:
		return deverr.New(deverr.PresenceRequired, "presence assertion is for another device")
	case claims.Operation != operation:
		return deverr.New(deverr.PresenceRequired, "presence assertion is for another operation")
	case claims.IssuedAt == nil || v.now().Sub(claims.IssuedAt.Time) > v.maxAge:
		return deverr.New(deverr.PresenceRequired, "presence assertion is too old")
	case claims.ID == "":
		return deverr.New(deverr.PresenceRequired, "presence assertion has no id")
	}

	until := claims.IssuedAt.Time.Add(v.maxAge)
	if claims.ExpiresAt.Time.After(until) {
		until = claims.ExpiresAt.Time
	}
	if !v.spend(claims.ID, until) {
		return deverr.New(deverr.PresenceRequired, "presence assertion was already used")
	}
	return nil
}

// Issue mints an assertion; used by clients sharing the secret and by tests
func (v *AssertionVerifier) Issue(userID, deviceID, operation string) (string, error) {
	now := v.now()
	claims := assertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.maxAge)),
			ID:        uuid.NewString(),
		},
		DeviceID:  deviceID,
		Operation: operation,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", errors.Wrap(err, "signing presence assertion")
	}
	return signed, nil
}
