package egressproxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStaticProxyNoPolling(t *testing.T) {
	p := New(Config{StaticProxy: "http://127.0.0.1:9"})
	if got := p.Current(context.Background()); got != "http://127.0.0.1:9" {
		t.Fatalf("expected static proxy, got %q", got)
	}
}

func TestPoolURLRefreshesAndForceRefresh(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("http://proxy-" + http.StatusText(200) + ".example:8080"))
	}))
	defer srv.Close()

	p := New(Config{PoolURL: srv.URL, IntervalSec: 3600})
	ctx := context.Background()
	first := p.Current(ctx)
	if first == "" {
		t.Fatalf("expected a proxy value on first call")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one fetch on first call, got %d", calls)
	}
	// within interval: should not refetch
	p.Current(ctx)
	if calls != 1 {
		t.Fatalf("expected no refetch within interval, got %d calls", calls)
	}
	p.ForceRefresh(ctx)
	if calls != 2 {
		t.Fatalf("expected force refresh to fetch again, got %d calls", calls)
	}
}

func TestPoolURLThatLooksLikeProxyBecomesStatic(t *testing.T) {
	p := New(Config{PoolURL: "socks5://host:1080"})
	if p.enabled {
		t.Fatalf("expected pool polling to be disabled when pool_url looks like a proxy")
	}
	if got := p.Current(context.Background()); got != "socks5://host:1080" {
		t.Fatalf("expected reinterpreted static proxy, got %q", got)
	}
}

func TestTransportSchemes(t *testing.T) {
	if _, err := Transport(""); err != nil {
		t.Fatalf("direct transport should not error: %v", err)
	}
	if _, err := Transport("http://example.com:8080"); err != nil {
		t.Fatalf("http transport should not error: %v", err)
	}
	if _, err := Transport("ftp://example.com"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestInvalidFetchedProxyKeepsPrevious(t *testing.T) {
	toggle := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		toggle++
		if toggle == 1 {
			w.Write([]byte("http://good.example:8080"))
		} else {
			w.Write([]byte("not-a-url-at-all ::: garbage"))
		}
	}))
	defer srv.Close()

	p := New(Config{PoolURL: srv.URL, IntervalSec: 3600})
	ctx := context.Background()
	first := p.Current(ctx)
	p.ForceRefresh(ctx)
	second := p.Current(ctx)
	if first != second {
		t.Fatalf("expected invalid refresh to keep previous proxy: %q vs %q", first, second)
	}
	_ = time.Second
}
