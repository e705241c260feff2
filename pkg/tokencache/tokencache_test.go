package tokencache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetTokenMissingFileReturnsNil(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)
	v, err := c.GetToken("deepseek", "nope.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != nil {
		t.Fatalf("expected nil for missing file, got %s", v)
	}
}

func TestGetTokenReadsThroughAndCaches(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "deepseek")
	if err := os.MkdirAll(projectDir, 0o700); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(projectDir, "a.json")
	if err := os.WriteFile(path, []byte(`{"token":"x"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	c := New(dir)
	v, err := c.GetToken("deepseek", "a.json")
	if err != nil || v == nil {
		t.Fatalf("expected cached read, err=%v v=%v", err, v)
	}

	// Mutate on disk without invalidating; cached copy should still be served.
	if err := os.WriteFile(path, []byte(`{"token":"y"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	v2, _ := c.GetToken("deepseek", "a.json")
	if string(v2) != string(v) {
		t.Fatalf("expected cache hit to mask the on-disk change")
	}

	c.InvalidateToken("deepseek", "a.json")
	v3, _ := c.GetToken("deepseek", "a.json")
	if string(v3) == string(v) {
		t.Fatalf("expected invalidated entry to reread from disk")
	}
}

func TestGetTokenListFiltersJSONAndSorts(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "grok")
	if err := os.MkdirAll(projectDir, 0o700); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"b.json", "a.json", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(projectDir, name), []byte("{}"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	c := New(dir)
	list, err := c.GetTokenList("grok")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0] != "a.json" || list[1] != "b.json" {
		t.Fatalf("unexpected list: %v", list)
	}
}

func TestWatcherInvalidatesOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "deepseek")
	if err := os.MkdirAll(projectDir, 0o700); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(projectDir, "a.json")
	if err := os.WriteFile(path, []byte(`{"token":"x"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	c := New(dir)
	defer c.Close()

	v, _ := c.GetToken("deepseek", "a.json")
	if _, err := c.GetTokenList("deepseek"); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(`{"token":"z"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v2, _ := c.GetToken("deepseek", "a.json")
		if string(v2) != string(v) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected watcher to invalidate the entry after an on-disk write")
}
