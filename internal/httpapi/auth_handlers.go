package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"nexahse.org/internal/audit"
	"nexahse.org/internal/auth"
	"nexahse.org/internal/credstore"
	"nexahse.org/internal/obs"
	"nexahse.org/internal/store/pg"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	ctx := audit.WithRequestID(r.Context(), RequestIDFromContext(r.Context()))
	token, manager, err := a.registry.Login(ctx, auth.LoginInput{
		Email:      req.Email,
		Password:   req.Password,
		DeviceID:   strings.TrimSpace(req.DeviceID),
		RemoteAddr: clientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		switch {
		case errors.Is(err, credstore.ErrInvalidCredentials):
			_ = audit.LogEvent(ctx, audit.EventLoginRejected, map[string]any{"email": req.Email})
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, auth.ErrUnauthorized):
			// Authenticated upstream but the profile forbids entry.
			_ = audit.LogEvent(ctx, audit.EventLoginDenied, map[string]any{"email": req.Email})
			writeError(w, r, http.StatusForbidden, "account is not active")
		default:
			writeError(w, r, http.StatusBadGateway, "sign-in failed")
		}
		return
	}

	identity := manager.Identity()
	if identity != nil {
		ctx = auth.ContextWithIdentityID(ctx, identity.ID)
		a.touchPresence(r, identity.ID)
	}
	_ = audit.LogEvent(ctx, audit.EventLogin, map[string]any{"email": req.Email})

	writeJSON(w, http.StatusOK, map[string]any{
		"token":   token,
		"state":   manager.State().String(),
		"profile": manager.Profile(),
	})
}

func (a *API) handleOAuthGoogle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	url, err := a.registry.AuthorizeURL(r.Context())
	if err != nil {
		if errors.Is(err, credstore.ErrUnsupported) {
			writeError(w, r, http.StatusNotImplemented, "oauth is not configured")
			return
		}
		writeError(w, r, http.StatusBadGateway, "oauth initiation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	ctx := audit.WithRequestID(r.Context(), RequestIDFromContext(r.Context()))
	manager := managerFromContext(ctx)
	if manager != nil {
		if identity := manager.Identity(); identity != nil && a.presence != nil {
			_ = a.presence.Forget(ctx, identity.ID)
		}
	}
	a.registry.Logout(ctx, sessionTokenFromContext(ctx))
	_ = audit.LogEvent(ctx, audit.EventLogout, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	manager := managerFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    manager.State().String(),
		"loading":  manager.IsLoading(),
		"identity": manager.Identity(),
		"profile":  manager.Profile(),
	})
}

func (a *API) handleRefreshProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	manager := managerFromContext(r.Context())
	if err := manager.RefreshProfile(r.Context()); err != nil {
		if errors.Is(err, auth.ErrProfileInactive) {
			writeError(w, r, http.StatusForbidden, "account is not active")
			return
		}
		// Transient failure: the previously resolved profile stays in force.
		writeJSON(w, http.StatusOK, map[string]any{
			"profile": manager.Profile(),
			"stale":   true,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profile": manager.Profile(),
	})
}

type activityRequest struct {
	Class string `json:"class"`
}

func (a *API) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req activityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	class := auth.ActivityClass(req.Class)
	if !auth.ValidActivity(class) {
		writeError(w, r, http.StatusBadRequest, "unrecognized activity class")
		return
	}
	manager := managerFromContext(r.Context())
	if !manager.Activity(class) {
		writeError(w, r, http.StatusConflict, "no active session")
		return
	}
	if identity := manager.Identity(); identity != nil {
		a.touchPresence(r, identity.ID)
	}
	w.WriteHeader(http.StatusAccepted)
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (a *API) handlePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Password) < 8 {
		writeError(w, r, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	ctx := audit.WithRequestID(r.Context(), RequestIDFromContext(r.Context()))
	manager := managerFromContext(ctx)
	if err := manager.UpdatePassword(ctx, req.Password); err != nil {
		writeError(w, r, http.StatusBadGateway, "password update failed")
		return
	}
	_ = audit.LogEvent(ctx, audit.EventPasswordUpdated, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	perms := q["permission"]
	if section, action := q.Get("section"), q.Get("action"); section != "" && action != "" {
		perms = append(perms, auth.PermissionKey(section, action))
	}
	if len(perms) == 0 {
		writeError(w, r, http.StatusBadRequest, "permission or section/action is required")
		return
	}

	gate := managerFromContext(r.Context()).Gate()
	results := make(map[string]bool, len(perms))
	for _, p := range perms {
		results[p] = gate.HasPermission(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed": gate.HasAnyPermission(perms...),
		"results": results,
	})
}

func (a *API) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requirePermission(w, r, auth.PermissionKey("configuracion", string(auth.ActionView))) {
		return
	}
	if a.presence == nil {
		writeError(w, r, http.StatusServiceUnavailable, "presence cache is not configured")
		return
	}
	entries, err := a.presence.Active(r.Context())
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "presence lookup failed")
		return
	}
	if entries == nil {
		entries = []pg.PresenceEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": entries,
	})
}

func (a *API) touchPresence(r *http.Request, userID string) {
	if a.presence == nil {
		return
	}
	entry := pg.PresenceEntry{
		UserID:    userID,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		LastSeen:  time.Now().UTC(),
	}
	// Presence is advisory; failures never block the request.
	if err := a.presence.Touch(r.Context(), entry); err != nil {
		obs.Log("warn", "presence touch failed", map[string]any{"error": err.Error()})
	}
}
