package proxy

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lkarlslund/sessionrelay/pkg/config"
	"github.com/lkarlslund/sessionrelay/pkg/tokencache"
)

const adminSessionCookie = "relay_admin_session"
const adminSessionTTL = 24 * time.Hour

// AdminHandler serves the credential-management surface described in
// SPEC_FULL §6: session-cookie-gated CRUD over the per-project token
// files under accounts/<project>/. The browser-facing dashboard itself
// (HTML pages, login form rendering) is an external collaborator and is
// not implemented here; only its JSON contract is.
type AdminHandler struct {
	store *config.ServerConfigStore
	tokens *tokencache.Cache

	sessionSecret []byte

	grokListTokens  func() (any, error)
	grokDeleteToken func(sso string, super bool) error
}

// SetGrokManagementHooks wires the grok-package-specific listing/deletion
// callbacks the management API needs for the store's nested sso/sso-super
// shape, which pkg/proxy cannot import directly (pkg/grok imports pkg/proxy
// for HTTPError types).
func (h *AdminHandler) SetGrokManagementHooks(list func() (any, error), del func(sso string, super bool) error) {
	h.grokListTokens = list
	h.grokDeleteToken = del
}

func NewAdminHandler(store *config.ServerConfigStore) *AdminHandler {
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	return &AdminHandler{
		store:         store,
		tokens:        tokencache.New(store.Snapshot().AccountsDir),
		sessionSecret: secret,
	}
}

// RegisterRoutes mounts only the canonical /api/v0/management surface;
// per the resolved auth ambiguity, the parallel legacy surface is omitted.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v0/management/login", h.managementLoginAPI)
	r.Post("/api/v0/management/logout", h.managementLogoutAPI)

	r.Group(func(g chi.Router) {
		g.Use(h.requireAdminSession)
		g.Get("/api/v0/management/check", h.managementCheckAPI)
		g.Get("/api/v0/management/projects/list", h.managementProjectsListAPI)
		g.Get("/api/v0/management/tokens/list", h.managementTokensListAPI)
		g.Get("/api/v0/management/tokens/get", h.managementTokenGetAPI)
		g.Post("/api/v0/management/tokens/add", h.managementTokenAddAPI)
		g.Post("/api/v0/management/tokens/delete", h.managementTokenDeleteAPI)
		g.Get("/api/v0/management/cache/stats", h.managementCacheStatsAPI)
	})
}

// managementLoginAPI checks the caller's username/password against the
// configured admin credentials and, on success, sets the session cookie.
func (h *AdminHandler) managementLoginAPI(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid json"})
		return
	}
	cfg := h.store.Snapshot()
	if strings.TrimSpace(cfg.Admin.Username) == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "message": "admin account not configured"})
		return
	}
	if req.Username != cfg.Admin.Username || !config.CheckAdminPassword(req.Password, cfg.Admin.Password) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "invalid username or password"})
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     adminSessionCookie,
		Value:    h.signSession(time.Now().Add(adminSessionTTL)),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(adminSessionTTL.Seconds()),
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "logged in"})
}

func (h *AdminHandler) managementLogoutAPI(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     adminSessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "logged out"})
}

// signSession produces a "<expiry-unix>.<hmac-hex>" cookie value so
// isValidSession can be checked without any server-side session store.
func (h *AdminHandler) signSession(expiresAt time.Time) string {
	exp := strconv.FormatInt(expiresAt.Unix(), 10)
	mac := hmac.New(sha256.New, h.sessionSecret)
	mac.Write([]byte(exp))
	return exp + "." + hex.EncodeToString(mac.Sum(nil))
}

func (h *AdminHandler) isValidSession(value string) bool {
	parts := strings.SplitN(value, ".", 2)
	if len(parts) != 2 {
		return false
	}
	expUnix, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return false
	}
	if time.Now().Unix() > expUnix {
		return false
	}
	mac := hmac.New(sha256.New, h.sessionSecret)
	mac.Write([]byte(parts[0]))
	expected, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	return hmac.Equal(expected, mac.Sum(nil))
}

type adminAuthContextKey struct{}

// requireAdminSession gates the management API on either the session cookie
// set by managementLoginAPI or, for local tooling, a trusted loopback
// caller when the operator has opted into allow_localhost_no_auth.
func (h *AdminHandler) requireAdminSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := h.store.Snapshot()
		if cfg.AllowLocalhostNoAuth && requestIsTrustedNoAuth(r, cfg) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminAuthContextKey{}, true)))
			return
		}
		c, err := r.Cookie(adminSessionCookie)
		if err != nil || !h.isValidSession(c.Value) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminAuthContextKey{}, true)))
	})
}
