package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/and161185/neodb-bridge/internal/convert"
	"github.com/and161185/neodb-bridge/internal/errs"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError writes the coded error. Only task failures expose their cause;
// codes without a status of their own are reported as internal_error.
func respondError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err, errs.Internal)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		code = errs.Internal
	}
	body := convert.ErrorView{Error: code}
	var ce *errs.CodedError
	if code == errs.TaskFailed && errors.As(err, &ce) && ce.Err != nil {
		body.Message = ce.Err.Error()
	}
	respondJSON(w, status, body)
}

func statusFor(code errs.Code) int {
	switch code {
	case errs.InvalidRequest:
		return http.StatusBadRequest
	case errs.Unauthorized:
		return http.StatusUnauthorized
	case errs.ReauthRequired, errs.InvalidInstance:
		return http.StatusForbidden
	case errs.TaskNotFound:
		return http.StatusNotFound
	case errs.TaskNotCompleted, errs.Conflict:
		return http.StatusConflict
	case errs.TaskFailed:
		return http.StatusUnprocessableEntity
	case errs.PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case errs.RateLimited:
		return http.StatusTooManyRequests
	case errs.RemoteAPIError:
		return http.StatusBadGateway
	case errs.DatabaseUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
