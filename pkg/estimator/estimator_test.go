package estimator

import "testing"

func TestEstimateTextASCII(t *testing.T) {
	if got := EstimateText("abcd"); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := EstimateText("abcde"); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestEstimateTextChinese(t *testing.T) {
	if got := EstimateText("你好"); got != 1 {
		t.Fatalf("expected 1 for two CJK chars, got %d", got)
	}
	if got := EstimateText("你好世"); got != 2 {
		t.Fatalf("expected 2 for three CJK chars, got %d", got)
	}
}

func TestEstimateTextMixed(t *testing.T) {
	// 2 CJK chars -> 1, 4 ascii -> 1
	if got := EstimateText("你好abcd"); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestEstimateMessagesOverhead(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "abcd"}}
	if got := EstimateMessages(msgs); got != 5 {
		t.Fatalf("expected 4 overhead + 1 content = 5, got %d", got)
	}
}

func TestEstimateMessagesTextPartsOnly(t *testing.T) {
	msgs := []Message{{Role: "user", TextParts: []string{"abcd", "efgh"}}}
	if got := EstimateMessages(msgs); got != 6 {
		t.Fatalf("expected 4 overhead + 1 + 1 = 6, got %d", got)
	}
}
