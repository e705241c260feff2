package proxy

import (
	"encoding/json"
	"net/http"
	"strings"
)

// managementCheckAPI reports whether the caller's admin session/token is
// valid, mirroring the teacher's statsAPI-style liveness probes.
func (h *AdminHandler) managementCheckAPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// managementProjectsListAPI lists the credential-harvesting projects gated
// by config.Projects (deepseek, grok, and any reserved slots an operator has
// enabled), per SPEC_FULL §6.
func (h *AdminHandler) managementProjectsListAPI(w http.ResponseWriter, r *http.Request) {
	cfg := h.store.Snapshot()
	names := make([]string, 0, len(cfg.Projects))
	for name, p := range cfg.Projects {
		if p.Enabled {
			names = append(names, name)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": names})
}

// managementTokensListAPI lists the credential filenames stored under
// accounts/<project>/ for the requested project.
func (h *AdminHandler) managementTokensListAPI(w http.ResponseWriter, r *http.Request) {
	project := strings.TrimSpace(r.URL.Query().Get("project"))
	if project == "" {
		http.Error(w, "project is required", http.StatusBadRequest)
		return
	}
	if project == "grok" {
		h.managementGrokTokensListAPI(w, r)
		return
	}
	files, err := h.tokens.GetTokenList(project)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project, "tokens": files})
}

// managementTokenGetAPI returns the raw JSON contents of one credential file.
func (h *AdminHandler) managementTokenGetAPI(w http.ResponseWriter, r *http.Request) {
	project := strings.TrimSpace(r.URL.Query().Get("project"))
	filename := strings.TrimSpace(r.URL.Query().Get("filename"))
	if project == "" || filename == "" {
		http.Error(w, "project and filename are required", http.StatusBadRequest)
		return
	}
	raw, err := h.tokens.GetToken(project, filename)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if raw == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// managementTokenAddAPI writes a new (or replaces an existing) credential
// file under accounts/<project>/<type>.json. type is the credential's
// filename slug (e.g. an account email/mobile or a generated session id);
// data is the raw JSON record to persist, per the documented {project,
// type, data} wire shape.
func (h *AdminHandler) managementTokenAddAPI(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Project string          `json:"project"`
		Type    string          `json:"type"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.Project = strings.TrimSpace(req.Project)
	req.Type = strings.TrimSpace(req.Type)
	if req.Project == "" || req.Type == "" || len(req.Data) == 0 {
		http.Error(w, "project, type and data are required", http.StatusBadRequest)
		return
	}
	filename := req.Type
	if !strings.HasSuffix(filename, ".json") {
		filename += ".json"
	}
	if err := h.tokens.SaveToken(req.Project, filename, req.Data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// managementTokenDeleteAPI removes a credential file. Grok's nested
// sso/sso-super map doesn't fit the per-file model the other projects use,
// so it is special-cased onto the hooks installed by SetGrokManagementHooks:
// type selects the tier ("super" vs. anything else meaning normal) and
// token carries the sso value, per the documented {project, filename,
// type?, token?} wire shape.
func (h *AdminHandler) managementTokenDeleteAPI(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Project  string `json:"project"`
		Filename string `json:"filename"`
		Type     string `json:"type"`
		Token    string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.Project = strings.TrimSpace(req.Project)
	if req.Project == "grok" {
		if h.grokDeleteToken == nil {
			http.Error(w, "grok project not enabled", http.StatusServiceUnavailable)
			return
		}
		super := strings.TrimSpace(req.Type) == "super"
		if err := h.grokDeleteToken(strings.TrimSpace(req.Token), super); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	req.Filename = strings.TrimSpace(req.Filename)
	if req.Project == "" || req.Filename == "" {
		http.Error(w, "project and filename are required", http.StatusBadRequest)
		return
	}
	if err := h.tokens.DeleteToken(req.Project, req.Filename); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// managementGrokTokensListAPI reports the grok token store's entries via the
// hook installed by SetGrokManagementHooks, since the store's nested
// sso/sso-super shape lives in pkg/grok, which pkg/proxy must not import.
func (h *AdminHandler) managementGrokTokensListAPI(w http.ResponseWriter, r *http.Request) {
	if h.grokListTokens == nil {
		writeJSON(w, http.StatusOK, map[string]any{"project": "grok", "tokens": []any{}})
		return
	}
	snapshot, err := h.grokListTokens()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": "grok", "tokens": snapshot})
}

// managementCacheStatsAPI reports the token cache's per-project file counts,
// used by the management UI's cache diagnostics panel.
func (h *AdminHandler) managementCacheStatsAPI(w http.ResponseWriter, r *http.Request) {
	cfg := h.store.Snapshot()
	stats := make(map[string]int, len(cfg.Projects))
	for name, p := range cfg.Projects {
		if !p.Enabled {
			continue
		}
		files, err := h.tokens.GetTokenList(name)
		if err != nil {
			continue
		}
		stats[name] = len(files)
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": stats})
}
