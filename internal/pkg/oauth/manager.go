// Package oauth keeps one vendor's OAuth2 tokens fresh. It caches the
// current access token, refreshes it ahead of expiry and writes every new
// token pair back to the credential store.
package oauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/jake-scott/devicehub/internal/pkg/credstore"
	"github.com/jake-scott/devicehub/internal/pkg/deverr"
	"github.com/jake-scott/devicehub/internal/pkg/device"
	"github.com/jake-scott/devicehub/internal/pkg/logging"
)

const (
	DefaultMinAccessTokenValidity = 5 * time.Minute
	refreshTimeout                = 30 * time.Second
)

type Config struct {
	Vendor       string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	Tenancy      device.TenancyScope

	// Tokens closer than this to expiry are refreshed before use
	MinAccessTokenValidity time.Duration

	// Optional client for token endpoint calls
	HTTPClient *http.Client
}

type Manager struct {
	cfg    Config
	oauth  *oauth2.Config
	store  credstore.Store
	flight singleflight.Group
	now    func() time.Time

	mu     sync.RWMutex
	cached *credstore.TokenRecord
	// set when a vendor rejected the cached token before its expiry
	stale bool
}

func NewManager(cfg Config, store credstore.Store) *Manager {
	if cfg.MinAccessTokenValidity <= 0 {
		cfg.MinAccessTokenValidity = DefaultMinAccessTokenValidity
	}

	return &Manager{
		cfg:   cfg,
		store: store,
		now:   time.Now,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
	}
}

func (m *Manager) Vendor() string {
	return m.cfg.Vendor
}

func (m *Manager) key() credstore.Key {
	return credstore.Key{Vendor: m.cfg.Vendor, Scope: m.cfg.Tenancy}
}

// obfuscate secrets when stringified
func (m *Manager) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cached := "none"
	if m.cached != nil {
		cached = m.cached.String()
	}
	return fmt.Sprintf("Vendor [%s] ClientID [%s] clientSecret [%s] TokenURL [%s] cached [%s]",
		m.cfg.Vendor, m.cfg.ClientID, credstore.Fingerprint(m.cfg.ClientSecret), m.cfg.TokenURL, cached)
}

func (m *Manager) fresh(rec *credstore.TokenRecord) bool {
	return rec != nil && rec.Active && rec.AccessToken != "" &&
		rec.Expiry.After(m.now().Add(m.cfg.MinAccessTokenValidity))
}

// GetValidToken returns an access token valid for at least
// MinAccessTokenValidity, refreshing it first when needed. Concurrent callers
// share a single refresh.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	rec := m.cached
	m.mu.RUnlock()
	if m.fresh(rec) {
		return rec.AccessToken, nil
	}

	// The refresh outlives any one caller so that a cancelled caller does not
	// fail the others waiting on it.
	ch := m.flight.DoChan("refresh", func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(rctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", deverr.Wrap(ctx.Err(), deverr.Timeout, "waiting for token refresh")
	}
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	log := logging.Component(ctx, "oauth").WithField("vendor", m.cfg.Vendor)

	rec, err := m.store.Get(ctx, m.key())
	if err == credstore.ErrNotFound {
		return "", deverr.New(deverr.AuthenticationRequired, "no stored credentials for "+m.cfg.Vendor)
	}
	if err != nil {
		return "", errors.Wrapf(err, "loading credentials for %s", m.cfg.Vendor)
	}
	if !rec.Active {
		return "", deverr.New(deverr.AuthenticationRequired, "credentials for "+m.cfg.Vendor+" have been revoked")
	}

	// Another process may have refreshed already
	if !m.takeStale() && m.fresh(&rec) {
		m.setCached(&rec)
		return rec.AccessToken, nil
	}

	if rec.RefreshToken == "" {
		return "", deverr.New(deverr.AuthenticationRequired, "access token expired and no refresh token stored for "+m.cfg.Vendor)
	}

	log.Debugf("refreshing access token, current expiry %s", rec.Expiry)

	// An empty access token forces the token source to use the refresh token
	src := m.oauth.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: rec.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", m.refreshFailed(ctx, rec, err)
	}

	rec.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		rec.RefreshToken = tok.RefreshToken
	}
	rec.Expiry = tok.Expiry
	rec.Active = true
	rec.UpdatedAt = m.now()
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		rec.Scope = scope
	}

	if err := m.store.Set(ctx, rec); err != nil {
		// the token is still good for this process
		log.WithError(err).Error("could not persist refreshed token")
	}
	m.setCached(&rec)

	log.Infof("refreshed access token, new expiry %s", rec.Expiry)
	return rec.AccessToken, nil
}

// refreshFailed classifies a token endpoint failure. A 4xx answer means the
// grant is dead and the user must authorize again.
func (m *Manager) refreshFailed(ctx context.Context, rec credstore.TokenRecord, err error) error {
	log := logging.Component(ctx, "oauth").WithField("vendor", m.cfg.Vendor)

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		code := rerr.Response.StatusCode
		if code >= 400 && code < 500 {
			log.Warnf("refresh token rejected (%d %s), marking credentials inactive", code, rerr.ErrorCode)
			m.deactivate(ctx, rec)
			e := deverr.Wrap(err, deverr.AuthenticationRequired, "refresh token rejected by "+m.cfg.Vendor)
			if de, ok := deverr.As(e); ok {
				de.StatusCode = code
			}
			return e
		}
		return deverr.Wrap(err, deverr.ServerError, fmt.Sprintf("token endpoint returned %d", code))
	}

	return deverr.Wrap(err, deverr.NetworkError, "contacting token endpoint for "+m.cfg.Vendor)
}

func (m *Manager) deactivate(ctx context.Context, rec credstore.TokenRecord) {
	m.setCached(nil)

	rec.Active = false
	rec.UpdatedAt = m.now()
	if err := m.store.Set(ctx, rec); err != nil {
		logging.Component(ctx, "oauth").WithError(err).Error("could not mark credentials inactive")
	}
}

// Invalidate drops the cached token and forces the next GetValidToken to
// refresh, even if the stored expiry says the token is still good
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
	m.stale = true
}

func (m *Manager) takeStale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stale
	m.stale = false
	return s
}

func (m *Manager) setCached(rec *credstore.TokenRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec == nil {
		m.cached = nil
		return
	}
	cp := *rec
	m.cached = &cp
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	if m.cfg.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, m.cfg.HTTPClient)
	}
	return ctx
}

// AuthCodeURL is where the user is sent to grant access. Offline access and
// forced consent make sure a refresh token is issued.
func (m *Manager) AuthCodeURL(state string) string {
	return m.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

// ExchangeCode completes the authorization code grant
func (m *Manager) ExchangeCode(ctx context.Context, code string) error {
	tok, err := m.oauth.Exchange(m.clientContext(ctx), code)
	if err != nil {
		return deverr.Wrap(err, deverr.AuthenticationFailed, "exchanging authorization code with "+m.cfg.Vendor)
	}
	return m.saveToken(ctx, tok)
}

// PasswordLogin uses the resource owner password grant, for vendors that
// support nothing else
func (m *Manager) PasswordLogin(ctx context.Context, username, password string) error {
	tok, err := m.oauth.PasswordCredentialsToken(m.clientContext(ctx), username, password)
	if err != nil {
		return deverr.Wrap(err, deverr.AuthenticationFailed, "password login to "+m.cfg.Vendor)
	}
	return m.saveToken(ctx, tok)
}

func (m *Manager) saveToken(ctx context.Context, tok *oauth2.Token) error {
	rec := credstore.TokenRecord{
		Vendor:       m.cfg.Vendor,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        strings.Join(m.cfg.Scopes, " "),
		Tenancy:      m.cfg.Tenancy,
		Active:       true,
		UpdatedAt:    m.now(),
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		rec.Scope = scope
	}

	if err := m.store.Set(ctx, rec); err != nil {
		return errors.Wrapf(err, "saving credentials for %s", m.cfg.Vendor)
	}
	m.setCached(&rec)

	logging.Component(ctx, "oauth").Infof("stored new credentials: %s", rec)
	return nil
}

// Revoke soft-deletes the stored credentials. The record is kept, inactive.
func (m *Manager) Revoke(ctx context.Context) error {
	m.setCached(nil)

	rec, err := m.store.Get(ctx, m.key())
	if err == credstore.ErrNotFound {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "loading credentials for %s", m.cfg.Vendor)
	}

	rec.Active = false
	rec.UpdatedAt = m.now()
	if err := m.store.Set(ctx, rec); err != nil {
		return errors.Wrapf(err, "revoking credentials for %s", m.cfg.Vendor)
	}

	logging.Component(ctx, "oauth").Infof("revoked credentials for %s", m.cfg.Vendor)
	return nil
}

// TokenSource adapts the manager for libraries that take an
// oauth2.TokenSource
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return tokenSource{ctx: ctx, m: m}
}

type tokenSource struct {
	ctx context.Context
	m   *Manager
}

func (t tokenSource) Token() (*oauth2.Token, error) {
	access, err := t.m.GetValidToken(t.ctx)
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	t.m.mu.RLock()
	if t.m.cached != nil {
		tok.Expiry = t.m.cached.Expiry
	}
	t.m.mu.RUnlock()
	return tok, nil
}
