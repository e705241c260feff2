package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultServerConfigPathUsesConfigToml(t *testing.T) {
	if got := filepath.Base(DefaultServerConfigPath()); got != defaultConfigFileName {
		t.Fatalf("expected default config file %q, got %q", defaultConfigFileName, got)
	}
}

func TestLoadServerConfigRehashesPlaintextAdminPassword(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, defaultConfigFileName)

	cfg := NewDefaultServerConfig()
	cfg.Admin.Username = "root"
	cfg.Admin.Password = "hunter2"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	loaded, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !EncryptedPasswordPrefix(loaded.Admin.Password) {
		t.Fatalf("expected admin password to be rehashed, got %q", loaded.Admin.Password)
	}
	if !CheckAdminPassword("hunter2", loaded.Admin.Password) {
		t.Fatalf("rehashed password no longer verifies against plaintext")
	}

	reloaded, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if reloaded.Admin.Password != loaded.Admin.Password {
		t.Fatalf("expected rehash to be idempotent across reloads")
	}
}
