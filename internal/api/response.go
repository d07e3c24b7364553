package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/broadcast"
	"github.com/isqad/livelook-signal/internal/call"
	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/media"
	"github.com/isqad/livelook-signal/internal/retry"
)

var errBadRequest = errors.New("api: malformed request body")

type errorResponse struct {
	Error string `json:"error"`
}

var statusByError = []struct {
	err    error
	status int
}{
	{errBadRequest, http.StatusBadRequest},
	{core.ErrNotFound, http.StatusNotFound},
	{core.ErrCommentNotFound, http.StatusNotFound},
	{core.ErrNoInvite, http.StatusNotFound},
	{core.ErrNoRequest, http.StatusNotFound},
	{call.ErrNoIncomingCall, http.StatusNotFound},
	{ErrNotHosting, http.StatusNotFound},
	{ErrNotWatching, http.StatusNotFound},
	{core.ErrAlreadyInCall, http.StatusConflict},
	{core.ErrPeerBusy, http.StatusConflict},
	{core.ErrSessionTerminal, http.StatusConflict},
	{core.ErrStreamFull, http.StatusConflict},
	{core.ErrStreamNotLive, http.StatusConflict},
	{call.ErrCancelled, http.StatusConflict},
	{call.ErrNoCall, http.StatusConflict},
	{broadcast.ErrLeft, http.StatusConflict},
	{ErrAlreadyHosting, http.StatusConflict},
	{core.ErrNotHost, http.StatusForbidden},
	{core.ErrBlocked, http.StatusForbidden},
	{core.ErrMuted, http.StatusForbidden},
	{broadcast.ErrHostTarget, http.StatusForbidden},
	{broadcast.ErrNotOnScreen, http.StatusForbidden},
	{core.ErrSlowMode, http.StatusTooManyRequests},
	{core.ErrRateLimited, http.StatusTooManyRequests},
	{core.ErrInviteExpired, http.StatusGone},
	{core.ErrRequestExpired, http.StatusGone},
	{core.ErrCallYourself, http.StatusUnprocessableEntity},
	{call.ErrInvalidMode, http.StatusUnprocessableEntity},
	{broadcast.ErrInvalidType, http.StatusUnprocessableEntity},
	{broadcast.ErrInvalidMode, http.StatusUnprocessableEntity},
	{broadcast.ErrEmptyComment, http.StatusUnprocessableEntity},
	{broadcast.ErrEmptyEmoji, http.StatusUnprocessableEntity},
	{media.ErrPermissionDenied, http.StatusFailedDependency},
	{media.ErrDeviceUnavailable, http.StatusFailedDependency},
	{broadcast.ErrNoMedia, http.StatusFailedDependency},
	{retry.ErrExhausted, http.StatusGatewayTimeout},
	{ErrClientsClosed, http.StatusServiceUnavailable},
}

func statusOf(err error) int {
	for _, e := range statusByError {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Str("service", "api").Msg("can't encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	event := log.Debug()
	if status == http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).Str("service", "api").Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("request failed")

	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadRequest
	}
	return nil
}
