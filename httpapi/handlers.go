package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/campusdesk/authcore"
	"github.com/campusdesk/authcore/internal/httpx"
)

const maxBodyBytes = 64 << 10

type tokenRequest struct {
	Identifier string `json:"identifier"`
	Credential string `json:"credential"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type assignmentRequest struct {
	UserID string `json:"userId"`
	RoleID string `json:"roleId"`
	Scope  string `json:"scope,omitempty"`
}

type registerRequest struct {
	Identifier string `json:"identifier"`
	Credential string `json:"credential"`
}

type activeRequest struct {
	Active *bool `json:"active"`
}

type userResponse struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Active     bool   `json:"active"`
}

// decode reads one JSON object into dst. Unknown fields and trailing data
// are rejected.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", httpx.ErrBadRequest, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data", httpx.ErrBadRequest)
	}
	return nil
}

// fail writes err and logs it when it maps to a server error.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, _ := httpx.StatusFor(err)
	if code >= http.StatusInternalServerError {
		a.logger.Warn("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", authcore.RequestIDFromContext(r.Context())),
			zap.Error(err))
	}
	httpx.WriteError(w, err)
}

func principal(r *http.Request) *authcore.Principal {
	p, _ := authcore.PrincipalFromContext(r.Context())
	return p
}

func (a *API) token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Identifier) == "" || req.Credential == "" {
		a.fail(w, r, fmt.Errorf("%w: identifier and credential are required", httpx.ErrBadRequest))
		return
	}

	pair, err := a.engine.Login(r.Context(), req.Identifier, req.Credential)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(w, http.StatusOK, pair)
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		a.fail(w, r, fmt.Errorf("%w: refreshToken is required", httpx.ErrBadRequest))
		return
	}

	pair, err := a.engine.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(w, http.StatusOK, pair)
}

func (a *API) rolesPermissions(w http.ResponseWriter, r *http.Request) {
	scope := authcore.ScopeOf(r.URL.Query().Get("scope"))
	grants, err := a.engine.RolesAndPermissions(r.Context(), principal(r), scope)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, grants)
}

func (a *API) sessions(w http.ResponseWriter, r *http.Request) {
	list, err := a.engine.Sessions(r.Context(), principal(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Logout(r.Context(), principal(r)); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) logoutAll(w http.ResponseWriter, r *http.Request) {
	n, err := a.engine.LogoutAll(r.Context(), principal(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

func (a *API) assignment(w http.ResponseWriter, r *http.Request) (authcore.Assignment, bool) {
	var req assignmentRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return authcore.Assignment{}, false
	}
	return authcore.Assignment{
		UserID: req.UserID,
		RoleID: req.RoleID,
		Scope:  authcore.ScopeOf(req.Scope),
	}, true
}

func (a *API) grantRole(w http.ResponseWriter, r *http.Request) {
	asg, ok := a.assignment(w, r)
	if !ok {
		return
	}
	if err := a.engine.GrantRole(r.Context(), asg); err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, assignmentRequest{
		UserID: asg.UserID,
		RoleID: asg.RoleID,
		Scope:  asg.Scope.Value(),
	})
}

func (a *API) revokeRole(w http.ResponseWriter, r *http.Request) {
	asg, ok := a.assignment(w, r)
	if !ok {
		return
	}
	if err := a.engine.RevokeRole(r.Context(), asg); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) registerUser(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Identifier) == "" {
		a.fail(w, r, fmt.Errorf("%w: identifier is required", httpx.ErrBadRequest))
		return
	}
	u, err := a.engine.Register(r.Context(), req.Identifier, req.Credential)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/admin/users/"+u.ID+"/")
	httpx.WriteJSON(w, http.StatusCreated, userResponse{ID: u.ID, Identifier: u.Identifier, Active: u.Active})
}

func (a *API) setUserActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.Active == nil {
		a.fail(w, r, fmt.Errorf("%w: active is required", httpx.ErrBadRequest))
		return
	}
	if err := a.engine.SetUserActive(r.Context(), mux.Vars(r)["id"], *req.Active); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
