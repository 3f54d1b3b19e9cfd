// Package httpx holds the HTTP plumbing shared by middleware and httpapi:
// the {"detail": ...} error envelope, the error-to-status table and client
// address extraction.
package httpx

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/campusdesk/authcore"
)

// ErrBadRequest marks a malformed request body or parameter.
var ErrBadRequest = errors.New("bad request")

// ErrorBody is the error envelope of every endpoint.
type ErrorBody struct {
	Detail string `json:"detail"`
}

func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteDetail(w http.ResponseWriter, code int, detail string) {
	WriteJSON(w, code, ErrorBody{Detail: detail})
}

// WriteError maps err through StatusFor.
func WriteError(w http.ResponseWriter, err error) {
	code, detail := StatusFor(err)
	WriteDetail(w, code, detail)
}

type statusEntry struct {
	target error
	code   int
	detail string
}

// statusTable is matched in order; the first errors.Is hit wins. Forbidden
// comes first because a timed-out authorization wraps the graph error.
var statusTable = []statusEntry{
	{authcore.ErrForbidden, http.StatusForbidden, "forbidden"},
	{authcore.ErrSessionInvalid, http.StatusUnauthorized, "session invalid"},
	{authcore.ErrRefreshReuse, http.StatusUnauthorized, "session invalid"},
	{authcore.ErrInvalidCredentials, http.StatusUnauthorized, "invalid credentials"},
	{authcore.ErrUserInactive, http.StatusUnauthorized, "user inactive"},
	{authcore.ErrUserNotFound, http.StatusNotFound, "user not found"},
	{authcore.ErrRoleNotFound, http.StatusNotFound, "not found"},
	{authcore.ErrConflictInProgress, http.StatusConflict, "a request with this idempotency key is in progress"},
	{authcore.ErrUserExists, http.StatusConflict, "user already exists"},
	{authcore.ErrIdempotencyKeyReused, http.StatusUnprocessableEntity, "idempotency key reused with a different request"},
	{authcore.ErrIdempotencyKeyInvalid, http.StatusUnprocessableEntity, "invalid idempotency key"},
	{authcore.ErrInvalidAssignment, http.StatusUnprocessableEntity, "invalid assignment"},
	{authcore.ErrUnknownPermission, http.StatusUnprocessableEntity, "unknown permission"},
	{authcore.ErrSecretTooShort, http.StatusUnprocessableEntity, "credential too short"},
	{authcore.ErrSecretTooLong, http.StatusUnprocessableEntity, "credential too long"},
	{ErrBadRequest, http.StatusBadRequest, "bad request"},
	{authcore.ErrLoginRateLimited, http.StatusTooManyRequests, "too many login attempts"},
	{authcore.ErrRefreshRateLimited, http.StatusTooManyRequests, "too many refresh attempts"},
	{authcore.ErrCacheUnavailable, http.StatusServiceUnavailable, "service unavailable"},
	{authcore.ErrGraphUnavailable, http.StatusServiceUnavailable, "service unavailable"},
	{authcore.ErrCredentialsUnavailable, http.StatusServiceUnavailable, "service unavailable"},
	{authcore.ErrEngineNotReady, http.StatusServiceUnavailable, "service unavailable"},
}

// StatusFor returns the status code and client-safe detail for err. Unknown
// errors are 500 and never echo their text.
func StatusFor(err error) (int, string) {
	for _, e := range statusTable {
		if errors.Is(err, e.target) {
			return e.code, e.detail
		}
	}
	return http.StatusInternalServerError, "internal error"
}

// ClientIP returns the first X-Forwarded-For hop when trustProxy is set, and
// the peer address otherwise.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) <= len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(value[len(bearer):])
	return token, token != ""
}
