package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/jake-scott/devicehub/internal/pkg/audit"
	"github.com/jake-scott/devicehub/internal/pkg/deverr"
	"github.com/jake-scott/devicehub/internal/pkg/logging"
)

// DefaultStateTTL bounds how long a user has to complete the vendor consent
// screen
const DefaultStateTTL = 10 * time.Minute

/*
 * OauthHandler runs the authorization code grant for vendors that use it.
 * The authorize endpoint redirects the user to the vendor's consent page
 * with a one-time state value; the callback checks that state and hands
 * the code to the vendor's token manager, which stores the token pair.
 */

// CodeExchanger is the part of oauth.Manager the handler needs
type CodeExchanger interface {
	Vendor() string
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) error
}

type pendingAuth struct {
	vendor  string
	expires time.Time
}

type OauthHandler struct {
	vendors  map[string]CodeExchanger
	recorder *audit.Recorder
	ttl      time.Duration
	now      func() time.Time

	mu     sync.Mutex
	states map[string]pendingAuth
}

func NewOauthHandler(recorder *audit.Recorder, vendors ...CodeExchanger) *OauthHandler {
	h := &OauthHandler{
		vendors:  make(map[string]CodeExchanger, len(vendors)),
		recorder: recorder,
		ttl:      DefaultStateTTL,
		now:      time.Now,
		states:   make(map[string]pendingAuth),
	}
	for _, v := range vendors {
		h.vendors[v.Vendor()] = v
	}
	if h.recorder == nil {
		h.recorder = audit.NewRecorder(nil, nil)
	}
	return h
}

func (h *OauthHandler) Register(r *mux.Router) {
	r.HandleFunc("/oauth/{vendor}/authorize", h.Authorize).Methods(http.MethodGet)
	r.HandleFunc("/oauth/{vendor}/callback", h.Callback).Methods(http.MethodGet)
}

func (h *OauthHandler) vendor(r *http.Request) (CodeExchanger, error) {
	name := mux.Vars(r)["vendor"]
	v, ok := h.vendors[name]
	if !ok {
		return nil, deverr.Newf(deverr.DeviceNotFound, "no authorization flow for vendor %q", name)
	}
	return v, nil
}

func (h *OauthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	v, err := h.vendor(r)
	if err != nil {
		sendError(w, r, err)
		return
	}

	state := uuid.NewString()
	now := h.now()

	h.mu.Lock()
	for s, p := range h.states {
		if now.After(p.expires) {
			delete(h.states, s)
		}
	}
	h.states[state] = pendingAuth{vendor: v.Vendor(), expires: now.Add(h.ttl)}
	h.mu.Unlock()

	http.Redirect(w, r, v.AuthCodeURL(state), http.StatusFound)
}

// takeState consumes state; each value is good for one callback
func (h *OauthHandler) takeState(state, vendor string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.states[state]
	if !ok {
		return false
	}
	delete(h.states, state)
	return p.vendor == vendor && !h.now().After(p.expires)
}

func (h *OauthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	v, err := h.vendor(r)
	if err != nil {
		sendError(w, r, err)
		return
	}

	q := r.URL.Query()
	md := map[string]interface{}{"vendor": v.Vendor()}

	if msg := q.Get("error"); msg != "" {
		err = deverr.Newf(deverr.AuthenticationFailed, "%s declined authorization: %s", v.Vendor(), msg)
	} else if !h.takeState(q.Get("state"), v.Vendor()) {
		err = deverr.New(deverr.AuthenticationFailed, "unknown or expired authorization state")
	} else if q.Get("code") == "" {
		err = deverr.New(deverr.AuthenticationFailed, "callback carried no authorization code")
	} else {
		err = v.ExchangeCode(r.Context(), q.Get("code"))
	}

	if err != nil {
		md["error"] = err
		h.recorder.Record(r.Context(), audit.Event{
			Category: audit.CategoryAuthentication,
			Action:   "authorization-code",
			Outcome:  audit.OutcomeFailed,
			Metadata: md,
		})
		sendError(w, r, err)
		return
	}

	h.recorder.Record(r.Context(), audit.Event{
		Category: audit.CategoryAuthentication,
		Action:   "authorization-code",
		Outcome:  audit.OutcomeSuccess,
		Metadata: md,
	})
	logging.Component(r.Context(), "oauth").Infof("connected %s", v.Vendor())

	sendJSONResponse(w, r, http.StatusOK, map[string]string{
		"vendor": v.Vendor(),
		"status": "connected",
	})
}
