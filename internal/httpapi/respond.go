package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"opendesk.org/internal/auth"
	"opendesk.org/internal/obs"
	"opendesk.org/internal/ratelimit"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// respondData wraps a payload in the success envelope.
func respondData(w http.ResponseWriter, r *http.Request, code int, data any) {
	writeJSON(w, code, map[string]any{
		"status": "success",
		"data":   data,
	})
}

// respondError writes the error envelope. extra carries error-specific keys
// such as locked_until or the per-field validation map.
func respondError(w http.ResponseWriter, r *http.Request, code int, errCode, message string, extra map[string]any) {
	body := map[string]any{
		"status": "error",
		"code":   errCode,
	}
	if message != "" {
		body["message"] = message
	}
	for k, v := range extra {
		body[k] = v
	}
	if rid := requestIDFrom(r.Context()); rid != "" {
		body["request_id"] = rid
	}
	writeJSON(w, code, body)
}

// respondAuthError translates auth sentinel errors into HTTP responses. It is
// the single place where the service error taxonomy meets status codes.
func respondAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *auth.ValidationError
	var locked *auth.LockedError
	switch {
	case errors.As(err, &verr):
		respondError(w, r, http.StatusBadRequest, "validation_error", "request validation failed", map[string]any{
			"errors": verr.Fields,
		})
	case errors.As(err, &locked):
		respondError(w, r, http.StatusForbidden, "account_locked", "account temporarily locked", map[string]any{
			"locked_until": locked.Until.UTC().Format(time.RFC3339),
		})
	case errors.Is(err, auth.ErrInvalidInput):
		respondError(w, r, http.StatusBadRequest, "validation_error", err.Error(), nil)
	case errors.Is(err, auth.ErrInvalidCredentials):
		respondError(w, r, http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	case errors.Is(err, auth.ErrTwoFactorCode):
		respondError(w, r, http.StatusUnauthorized, "invalid_2fa_code", "invalid verification code", nil)
	case errors.Is(err, auth.ErrTokenExpired):
		respondError(w, r, http.StatusUnauthorized, "token_expired", "token expired", nil)
	case errors.Is(err, auth.ErrTokenRevoked):
		respondError(w, r, http.StatusUnauthorized, "token_revoked", "token revoked", nil)
	case errors.Is(err, auth.ErrTokenInvalid):
		respondError(w, r, http.StatusUnauthorized, "token_invalid", "invalid token", nil)
	case errors.Is(err, ratelimit.ErrRateLimited):
		respondError(w, r, http.StatusTooManyRequests, "rate_limited", "too many attempts, slow down", nil)
	case errors.Is(err, auth.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "not_found", "resource not found", nil)
	case errors.Is(err, auth.ErrConflict):
		respondError(w, r, http.StatusConflict, "conflict", "resource already exists", nil)
	case errors.Is(err, auth.ErrUnauthorized):
		respondError(w, r, http.StatusForbidden, "forbidden", "insufficient permissions", nil)
	default:
		obs.LogRequest(map[string]any{
			"level":      "error",
			"msg":        "unhandled service error",
			"error":      err.Error(),
			"request_id": requestIDFrom(r.Context()),
			"path":       r.URL.Path,
		})
		respondError(w, r, http.StatusInternalServerError, "internal_error", "internal server error", nil)
	}
}

// decodeJSON reads a request body into dst. Unknown fields are ignored;
// malformed JSON maps to a field validation error.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return &auth.ValidationError{Fields: map[string]string{"body": "malformed JSON body"}}
	}
	return nil
}
