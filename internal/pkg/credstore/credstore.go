// Package credstore persists vendor OAuth tokens, keyed by vendor and
// tenancy scope. Backends keep token material encrypted at rest.
package credstore

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/devicehub/internal/pkg/device"
	"github.com/jake-scott/devicehub/internal/pkg/logging"
)

var ErrNotFound = errors.New("credstore: not found")

// Key identifies one stored credential
type Key struct {
	Vendor string
	Scope  device.TenancyScope
}

func (k Key) String() string {
	if k.Scope.IsZero() {
		return k.Vendor
	}
	return strings.Join([]string{k.Vendor, k.Scope.PortfolioID, k.Scope.PropertyID, k.Scope.UnitID}, "/")
}

type TokenRecord struct {
	Vendor       string              `json:"vendor"`
	AccessToken  string              `json:"accessToken"`
	RefreshToken string              `json:"refreshToken"`
	Expiry       time.Time           `json:"expiry"`
	Scope        string              `json:"scope,omitempty"`
	Tenancy      device.TenancyScope `json:"tenancy"`
	Active       bool                `json:"active"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

func (r TokenRecord) Key() Key {
	return Key{Vendor: r.Vendor, Scope: r.Tenancy}
}

// Expired reports whether the access token is past its expiry at now
func (r TokenRecord) Expired(now time.Time) bool {
	return !r.Expiry.IsZero() && !now.Before(r.Expiry)
}

// Fingerprint identifies a secret in logs without revealing it
func Fingerprint(s string) string {
	if s == "" {
		return ""
	}
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// obfuscate tokens when stringified
//
func (r TokenRecord) String() string {
	return fmt.Sprintf("Vendor [%s] Tenancy [%+v] Scope [%s] accessToken [%s] refreshToken [%s] expiry [%s] active [%t]",
		r.Vendor, r.Tenancy, r.Scope, Fingerprint(r.AccessToken), Fingerprint(r.RefreshToken), r.Expiry, r.Active)
}

type Store interface {
	Get(ctx context.Context, key Key) (TokenRecord, error)
	Set(ctx context.Context, rec TokenRecord) error
	Delete(ctx context.Context, key Key) error
}

// Lister is a Store that can enumerate its records
type Lister interface {
	Store
	List(ctx context.Context) ([]TokenRecord, error)
}

// Sweep marks active records whose access token expired before cutoff as
// inactive. Records are kept for audit.
func Sweep(ctx context.Context, store Lister, cutoff time.Time) (int, error) {
	recs, err := store.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "listing credentials")
	}

	swept := 0
	for _, rec := range recs {
		if !rec.Active || !rec.Expired(cutoff) {
			continue
		}
		rec.Active = false
		rec.UpdatedAt = time.Now()
		if err := store.Set(ctx, rec); err != nil {
			return swept, errors.Wrapf(err, "deactivating %s", rec.Key())
		}
		logging.Component(ctx, "credstore").Infof("marked expired credential %s inactive", rec.Key())
		swept++
	}
	return swept, nil
}
