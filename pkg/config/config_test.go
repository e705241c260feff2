package config

import (
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
)

func TestServerConfigTOMLOmitsEmptyQuotaFields(t *testing.T) {
	cfg := ServerConfig{
		ListenAddr: ":8080",
		IncomingTokens: []IncomingAPIToken{
			{ID: "tok-1", Name: "Token 1", Key: "k"},
		},
	}
	cfg.Normalize()
	b, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	s := string(b)
	for _, forbidden := range []string{
		"\nparent_id = ''\n",
		"\ncomment = ''\n",
		"\nexpires_at = ''\n",
	} {
		if strings.Contains(s, forbidden) {
			t.Fatalf("found unexpected blank field %q in TOML:\n%s", forbidden, s)
		}
	}
}

func TestLegacyIncomingAPIKeysMigrateToIncomingTokens(t *testing.T) {
	raw := []byte(`
listen_addr = ":8080"
incoming_api_keys = ["legacy-key"]
admin_api_key = "legacy-key"
`)
	cfg := NewDefaultServerConfig()
	if err := unmarshalServerConfigTOML(raw, cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(cfg.IncomingTokens) != 1 {
		t.Fatalf("expected 1 migrated token, got %d", len(cfg.IncomingTokens))
	}
	tok := cfg.IncomingTokens[0]
	if tok.Key != "legacy-key" {
		t.Fatalf("expected migrated key %q, got %q", "legacy-key", tok.Key)
	}
	if tok.Role != TokenRoleAdmin {
		t.Fatalf("expected migrated legacy admin key to carry admin role, got %q", tok.Role)
	}
}
