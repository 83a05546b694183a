package handlers

import (
	"net/http"
	"strconv"

	oaierrors "github.com/go-openapi/errors"
	"github.com/go-openapi/swag"
	"github.com/go-openapi/validate"
	"github.com/gorilla/mux"

	"github.com/jake-scott/devicehub/internal/pkg/authz"
	"github.com/jake-scott/devicehub/internal/pkg/command"
	"github.com/jake-scott/devicehub/internal/pkg/device"
	"github.com/jake-scott/devicehub/internal/pkg/deverr"
	"github.com/jake-scott/devicehub/internal/pkg/hub"
	"github.com/jake-scott/devicehub/internal/pkg/logging"
	"github.com/jake-scott/devicehub/pkg/middlewares"
)

type commandRequest struct {
	Command string                 `json:"command"`
	Args    map[string]interface{} `json:"args,omitempty"`
}

func (c commandRequest) Validate(formats interface{}) error {
	var res []error
	if err := validate.RequiredString("command", "body", c.Command); err != nil {
		res = append(res, err)
	} else if err := validate.Enum("command", "body", c.Command, command.Names()); err != nil {
		res = append(res, err)
	}
	if len(res) > 0 {
		return oaierrors.CompositeValidationError(res...)
	}
	return nil
}

type healthRequest struct {
	Online *bool `json:"online"`
}

func (h healthRequest) Validate(formats interface{}) error {
	if err := validate.Required("online", "body", h.Online); err != nil {
		return err
	}
	return nil
}

type commandResponse struct {
	Phase  hub.Phase     `json:"phase"`
	Reason string        `json:"reason,omitempty"`
	Device device.Device `json:"device"`
}

type deviceList struct {
	Devices []device.Device `json:"devices"`
	// Errors lists vendors that could not be listed during a refresh
	Errors []string `json:"errors,omitempty"`
}

// DeviceHandler exposes the hub's caller contract over HTTP
type DeviceHandler struct {
	hub *hub.Hub
}

func NewDeviceHandler(h *hub.Hub) DeviceHandler {
	return DeviceHandler{hub: h}
}

func (h *DeviceHandler) Register(r *mux.Router) {
	r.HandleFunc("/devices", h.List).Methods(http.MethodGet)
	r.HandleFunc("/devices", h.Add).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}", h.Get).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}", h.Remove).Methods(http.MethodDelete)
	r.HandleFunc("/devices/{id}/commands", h.Command).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/health", h.Health).Methods(http.MethodPut)
}

func principal(r *http.Request) (authz.Principal, error) {
	p, ok := authz.PrincipalFrom(r.Context())
	if !ok || p.IsZero() {
		return authz.Principal{}, deverr.New(deverr.AuthenticationRequired, "no caller identity")
	}
	return p, nil
}

// List returns the tracked devices; refresh=true lists every vendor first
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	if _, err := principal(r); err != nil {
		sendError(w, r, err)
		return
	}

	refresh := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			sendError(w, r, oaierrors.InvalidType("refresh", "query", "boolean", v))
			return
		}
		refresh = b
	}

	if !refresh {
		sendJSONResponse(w, r, http.StatusOK, deviceList{Devices: h.hub.Devices()})
		return
	}

	devices, err := h.hub.FetchAllDevices(r.Context())
	resp := deviceList{Devices: devices}
	for _, e := range unjoin(err) {
		resp.Errors = append(resp.Errors, logging.Redact(e.Error()))
	}
	sendJSONResponse(w, r, http.StatusOK, resp)
}

func unjoin(err error) []error {
	if err == nil {
		return nil
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// Get reads the device from its vendor
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	if _, err := principal(r); err != nil {
		sendError(w, r, err)
		return
	}

	d, err := h.hub.GetDeviceState(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendJSONResponse(w, r, http.StatusOK, d)
}

func (h *DeviceHandler) Command(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		sendError(w, r, err)
		return
	}

	var req commandRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		sendError(w, r, badRequest(err))
		return
	}
	if err := req.Validate(formats); err != nil {
		sendError(w, r, err)
		return
	}

	cmd, err := command.Parse(req.Command, req.Args)
	if err != nil {
		sendError(w, r, oaierrors.New(http.StatusUnprocessableEntity, "%s: %s", req.Command, err.Error()))
		return
	}

	res, err := h.hub.ExecuteCommand(r.Context(), hub.Request{
		DeviceID:  mux.Vars(r)["id"],
		Command:   cmd,
		Principal: p,
		Presence:  r.Header.Get(middlewares.PresenceHeader),
	})
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendJSONResponse(w, r, http.StatusOK, commandResponse{Phase: res.Phase, Reason: res.Reason, Device: res.Device})
}

func (h *DeviceHandler) Health(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		sendError(w, r, err)
		return
	}

	var req healthRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		sendError(w, r, badRequest(err))
		return
	}
	if err := req.Validate(formats); err != nil {
		sendError(w, r, err)
		return
	}

	d, err := h.hub.UpdateDeviceHealth(r.Context(), p, mux.Vars(r)["id"], swag.BoolValue(req.Online))
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendJSONResponse(w, r, http.StatusOK, d)
}

func (h *DeviceHandler) Add(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		sendError(w, r, err)
		return
	}

	var d device.Device
	if err := decodeJSONBody(w, r, &d); err != nil {
		sendError(w, r, badRequest(err))
		return
	}
	if err := validate.RequiredString("id", "body", d.ID); err != nil {
		sendError(w, r, err)
		return
	}

	added, err := h.hub.AddDevice(r.Context(), p, d)
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendJSONResponse(w, r, http.StatusCreated, added)
}

func (h *DeviceHandler) Remove(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		sendError(w, r, err)
		return
	}

	if err := h.hub.RemoveDevice(r.Context(), p, mux.Vars(r)["id"]); err != nil {
		sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
