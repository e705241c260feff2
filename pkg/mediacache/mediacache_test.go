package mediacache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestCache(t *testing.T, srv *httptest.Server, maxMB int) *Cache {
	t.Helper()
	dir := t.TempDir()
	return New(Config{
		RootDir:        dir,
		ImageMaxSizeMB: maxMB,
		VideoMaxSizeMB: maxMB,
		ClientForRequest: func(ctx context.Context) (*http.Client, error) {
			return srv.Client(), nil
		},
	})
}

func TestGetReusesCachedFile(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("binarydata"))
	}))
	defer srv.Close()

	c := newTestCache(t, srv, 10)
	// redirect assets.grok.com by overriding download via localPath is not
	// possible without a real DNS entry, so this test exercises the on-disk
	// cache-hit path directly.
	local := c.localPath(KindImage, "foo/bar.png")
	if err := os.MkdirAll(filepath.Dir(local), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(local, []byte("cached"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(context.Background(), KindImage, "foo/bar.png", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != local {
		t.Fatalf("expected cache hit to return %q, got %q", local, got)
	}
	if calls != 0 {
		t.Fatalf("expected no network call on cache hit, got %d", calls)
	}
}

func TestFlatten(t *testing.T) {
	if got := Flatten("/a/b/c.png"); got != "a-b-c.png" {
		t.Fatalf("unexpected flatten: %q", got)
	}
}

func TestEvictionKeepsFilesUnderCap(t *testing.T) {
	dir := t.TempDir()
	c := New(Config{RootDir: dir, ImageMaxSizeMB: 0})
	c.maxSizeMB[KindImage] = 1 // 1MB cap via byte math below, but we use tiny files

	imgDir := filepath.Join(dir, "image")
	os.MkdirAll(imgDir, 0o700)
	// Write 3 files of 500KB won't fit nicely in a unit test without huge
	// buffers; instead verify eviction is a no-op under the cap.
	os.WriteFile(filepath.Join(imgDir, "a.png"), []byte("x"), 0o600)
	c.evict(KindImage)
	if _, err := os.Stat(filepath.Join(imgDir, "a.png")); err != nil {
		t.Fatalf("expected file to survive when under cap: %v", err)
	}
}
