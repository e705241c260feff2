package proxy

import (
	"testing"
	"time"
)

func TestRecordUsageCountsRequestWithoutTokens(t *testing.T) {
	s := &Server{stats: NewStatsStore(100)}
	s.recordUsage("deepseek", "deepseek-chat", 200, 120*time.Millisecond, 0, 0, clientUsageMeta{ClientType: "cli"})

	summary := s.stats.Summary(time.Hour)
	if summary.Requests != 1 {
		t.Fatalf("expected 1 request, got %d", summary.Requests)
	}
	if summary.TotalTokens != 0 {
		t.Fatalf("expected 0 total tokens, got %d", summary.TotalTokens)
	}
	if got := summary.RequestsPerProvider["deepseek"]; got != 1 {
		t.Fatalf("expected provider request count 1, got %d", got)
	}
	if got := summary.RequestsPerModel["deepseek-chat"]; got != 1 {
		t.Fatalf("expected model request count 1, got %d", got)
	}
}

func TestRecordUsageSumsPromptAndCompletionTokens(t *testing.T) {
	s := &Server{stats: NewStatsStore(100)}
	s.recordUsage("grok", "grok-4", 200, 250*time.Millisecond, 11, 7, clientUsageMeta{})

	summary := s.stats.Summary(time.Hour)
	if summary.Requests != 1 {
		t.Fatalf("expected 1 request, got %d", summary.Requests)
	}
	if summary.PromptTokens != 11 {
		t.Fatalf("expected 11 prompt tokens, got %d", summary.PromptTokens)
	}
	if summary.CompletionTokens != 7 {
		t.Fatalf("expected 7 completion tokens, got %d", summary.CompletionTokens)
	}
	if summary.TotalTokens != 18 {
		t.Fatalf("expected 18 total tokens, got %d", summary.TotalTokens)
	}
}

func TestRecordUsageIgnoresNonSuccessStatus(t *testing.T) {
	s := &Server{stats: NewStatsStore(100)}
	s.recordUsage("grok", "grok-4", 500, 10*time.Millisecond, 3, 4, clientUsageMeta{})

	summary := s.stats.Summary(time.Hour)
	if summary.Requests != 0 {
		t.Fatalf("expected 0 requests recorded for failed status, got %d", summary.Requests)
	}
}

func TestComputePromptAndGenerationTPSUsesPhaseTimings(t *testing.T) {
	promptTPS, genTPS := computePromptAndGenerationTPS(200, 100, 2*time.Second, 12*time.Second)
	if promptTPS != 100 {
		t.Fatalf("expected prompt tps 100, got %f", promptTPS)
	}
	if genTPS != 10 {
		t.Fatalf("expected generation tps 10, got %f", genTPS)
	}
}
