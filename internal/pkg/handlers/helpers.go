package handlers

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	oaierrors "github.com/go-openapi/errors"
	"github.com/go-openapi/runtime/middleware/header"
	"github.com/go-openapi/strfmt"

	"github.com/jake-scott/devicehub/internal/pkg/deverr"
	"github.com/jake-scott/devicehub/internal/pkg/hub"
	"github.com/jake-scott/devicehub/internal/pkg/logging"
)

// For request validation routines
var formats strfmt.Registry

func init() {
	// Default validators
	formats = strfmt.NewFormats()
}

// errorBody is what callers receive for every failed request
type errorBody struct {
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	Detail            string `json:"detail,omitempty"`
	Suggestion        string `json:"suggestion,omitempty"`
	Recoverable       bool   `json:"recoverable"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if r.Header.Get("Content-Type") != "" {
		value, _ := header.ParseValueAndParams(r.Header, "Content-Type")
		if value != "application/json" {
			return fmt.Errorf("expected JSON request, got %s", value)
		}
	}

	// 100kb max body
	reader := http.MaxBytesReader(w, r.Body, 100*1024)
	dec := json.NewDecoder(reader)

	if err := dec.Decode(dst); err != nil {
		return err
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must only contain a single JSON object")
	}

	return nil
}

func sendJSONResponse(w http.ResponseWriter, r *http.Request, status int, d interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	if err := enc.Encode(d); err != nil {
		logging.Logger(r.Context()).WithError(err).Error("sending json response")
	}
}

// sendError maps err onto a status code and the caller-facing error body.
// Messages are redacted; raw vendor payloads never reach the caller.
func sendError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)

	log := logging.Logger(r.Context()).WithError(err).WithField("kind", body.Kind)
	if status >= http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Info("request refused")
	}

	if body.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}
	sendJSONResponse(w, r, status, body)
}

func errorResponse(err error) (int, errorBody) {
	if e, ok := deverr.As(err); ok {
		msg := e.Message
		if msg == "" {
			msg = e.Kind.String()
		}
		body := errorBody{
			Kind:        e.Kind.String(),
			Message:     logging.Redact(msg),
			Detail:      logging.Redact(e.Detail),
			Suggestion:  e.Suggestion(),
			Recoverable: e.Recoverable(),
		}
		if e.Retryable() {
			body.RetryAfterSeconds = int(math.Ceil(e.Delay().Seconds()))
		}
		return e.Kind.HTTPStatus(), body
	}

	if stderrors.Is(err, hub.ErrDeviceExists) {
		return http.StatusConflict, errorBody{
			Kind:    "device-exists",
			Message: logging.Redact(err.Error()),
		}
	}

	var apiErr oaierrors.Error
	if stderrors.As(err, &apiErr) {
		// validation codes above 599 are go-openapi's own
		status := int(apiErr.Code())
		if status >= 600 {
			status = http.StatusUnprocessableEntity
		} else if status < 400 {
			status = http.StatusBadRequest
		}
		return status, errorBody{
			Kind:        "invalid-request",
			Message:     logging.Redact(apiErr.Error()),
			Suggestion:  "Correct the request and try again.",
			Recoverable: true,
		}
	}

	return http.StatusInternalServerError, errorBody{
		Kind:       deverr.Unknown.String(),
		Message:    "internal error",
		Suggestion: deverr.Unknown.Suggestion(),
	}
}

// badRequest wraps a body decoding failure as a validation error
func badRequest(err error) error {
	return oaierrors.New(http.StatusBadRequest, "invalid request body: %s", err.Error())
}
