package wizard

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/lkarlslund/sessionrelay/pkg/config"
)

// RunServerWizard prompts an operator for the minimum settings needed to
// bring a fresh server up: the listen address, a bearer key for inference
// callers, the admin username/password for the credential management
// surface, and which harvested-credential projects to enable.
func RunServerWizard(path string, cfg *config.ServerConfig) error {
	in := bufio.NewScanner(os.Stdin)
	fmt.Println("Server configuration wizard")
	cfg.ListenAddr = ask(in, "Listen address", cfg.ListenAddr)

	keys := ask(in, "Bearer keys for /v1, /v1beta callers (comma-separated)", strings.Join(cfg.Keys, ","))
	cfg.Keys = splitCSV(keys)

	cfg.Admin.Username = ask(in, "Admin username", cfg.Admin.Username)
	cfg.Admin.Password = ask(in, "Admin password", cfg.Admin.Password)

	cfg.AccountsDir = ask(in, "Accounts directory", cfg.AccountsDir)
	cfg.MediaCacheDir = ask(in, "Media cache directory", cfg.MediaCacheDir)

	if cfg.Projects == nil {
		cfg.Projects = map[string]config.ProjectConfig{}
	}
	for _, project := range []string{"deepseek", "grok"} {
		enabledStr := ask(in, fmt.Sprintf("Enable %s project? (y/N)", project), boolStr(cfg.Projects[project].Enabled))
		cfg.Projects[project] = config.ProjectConfig{Enabled: parseBool(enabledStr)}
	}

	if len(cfg.DeepSeek.Keys) > 0 || cfg.Projects["deepseek"].Enabled {
		keys := ask(in, "DeepSeek bearer keys (comma-separated)", strings.Join(cfg.DeepSeek.Keys, ","))
		cfg.DeepSeek.Keys = splitCSV(keys)
	}

	if cfg.Projects["grok"].Enabled {
		cfg.Grok.BaseURL = ask(in, "Grok base URL", cfg.Grok.BaseURL)
	}

	tlsEnabled := ask(in, "Enable Let's Encrypt TLS? (y/N)", boolStr(cfg.TLS.Enabled))
	cfg.TLS.Enabled = parseBool(tlsEnabled)
	if cfg.TLS.Enabled {
		cfg.TLS.Domain = ask(in, "TLS domain", cfg.TLS.Domain)
		cfg.TLS.Email = ask(in, "ACME email", cfg.TLS.Email)
		cfg.TLS.CacheDir = ask(in, "ACME cache dir", cfg.TLS.CacheDir)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	return config.Save(path, cfg)
}

func ask(in *bufio.Scanner, label, def string) string {
	if def == "" {
		fmt.Printf("%s: ", label)
	} else {
		fmt.Printf("%s [%s]: ", label, def)
	}
	if !in.Scan() {
		return def
	}
	txt := strings.TrimSpace(in.Text())
	if txt == "" {
		return def
	}
	return txt
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func parseBool(v string) bool {
	v = strings.TrimSpace(v)
	return strings.EqualFold(v, "true") || strings.EqualFold(v, "y") || strings.EqualFold(v, "yes")
}
