package selector

import (
	"testing"
	"time"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New()
	p.Register("deepseek-chat", []string{"a", "b", "c"}, "deepseek")

	got := map[string]bool{}
	for i := 0; i < 3; i++ {
		id, ok := p.Acquire("deepseek-chat")
		if !ok {
			t.Fatalf("acquire %d: expected a credential", i)
		}
		if got[id] {
			t.Fatalf("acquire returned %q twice while all were in use", id)
		}
		got[id] = true
	}
	if _, ok := p.Acquire("deepseek-chat"); ok {
		t.Fatalf("expected no credential available once all are in use")
	}
	for id := range got {
		p.Release(id)
	}
	if _, ok := p.Acquire("deepseek-chat"); !ok {
		t.Fatalf("expected a credential after releasing all leases")
	}
}

func TestAcquireExhaustedAfterRingSizeSteps(t *testing.T) {
	p := New()
	p.Register("m", []string{"a", "b"}, "")
	idA, _ := p.Acquire("m")
	idB, _ := p.Acquire("m")
	if idA == idB {
		t.Fatalf("expected distinct credentials")
	}
	if _, ok := p.Acquire("m"); ok {
		t.Fatalf("expected acquire to fail once the ring is exhausted")
	}
}

func TestSkipWindowExcludesCredential(t *testing.T) {
	p := New()
	p.Register("m", []string{"a", "b"}, "")
	p.Skip("m", "a", 50*time.Millisecond)

	id, ok := p.Acquire("m")
	if !ok || id != "b" {
		t.Fatalf("expected b to be selected while a is skipped, got %q ok=%v", id, ok)
	}
	p.Release(id)

	if id, ok := p.Acquire("m"); !ok || id != "b" {
		t.Fatalf("expected only b available, a still skipped, got %q ok=%v", id, ok)
	}
	p.Release("b")

	time.Sleep(60 * time.Millisecond)
	p.ClearSkip("m", "a")
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		id, ok := p.Acquire("m")
		if !ok {
			t.Fatalf("expected credential after skip window expired")
		}
		seen[id] = true
		p.Release(id)
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected both credentials selectable after clearing skip, got %v", seen)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	p := New()
	p.Register("m", []string{"a"}, "owner1")
	p.Register("m", []string{"a", "b"}, "")
	p.Register("m", []string{"a"}, "owner2")

	stats := p.StatsSnapshot()
	if len(stats) != 1 {
		t.Fatalf("expected one model stats entry, got %d", len(stats))
	}
	if stats[0].RingSize != 2 {
		t.Fatalf("expected ring size 2, got %d", stats[0].RingSize)
	}
	if stats[0].OwnerTag != "owner2" {
		t.Fatalf("expected owner tag to update to owner2, got %q", stats[0].OwnerTag)
	}
}
