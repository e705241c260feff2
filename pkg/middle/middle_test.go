package middle

import (
	"bytes"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestFromOpenAIConcatenatesTextParts(t *testing.T) {
	req := openai.ChatCompletionRequest{
		Model: "deepseek-chat",
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: "hello"},
					{Type: openai.ChatMessagePartTypeText, Text: "world"},
				},
			},
		},
	}
	c := FromOpenAI(req)
	if len(c.Messages) != 1 || c.Messages[0].Content != "hello\nworld" {
		t.Fatalf("unexpected messages: %+v", c.Messages)
	}
}

func TestAggregateStateConcatenatesDeltas(t *testing.T) {
	a := NewAggregateState()
	a.Absorb(openai.ChatCompletionStreamResponse{
		ID:    "chatcmpl-1",
		Model: "deepseek-chat",
		Choices: []openai.ChatCompletionStreamChoice{
			{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "hel"}},
		},
	})
	a.Absorb(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{
			{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "lo"}, FinishReason: openai.FinishReasonStop},
		},
	})
	resp := a.ToResponse()
	if resp.Choices[0].Message.Content != "hello" {
		t.Fatalf("expected aggregated content 'hello', got %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != openai.FinishReasonStop {
		t.Fatalf("expected finish reason stop")
	}
}

func TestFromAnthropicToolResult(t *testing.T) {
	req := AnthropicRequest{
		Model: "deepseek-chat",
		Messages: []AnthropicMessage{
			{Role: "user", Content: []AnthropicContentBlock{
				{Type: "tool_result", ToolUseID: "call1", Content: `{"ok":true}`},
			}},
		},
	}
	c := FromAnthropic(req)
	if len(c.Messages) != 1 || c.Messages[0].Role != "tool" {
		t.Fatalf("expected single tool message, got %+v", c.Messages)
	}
	if !strings.Contains(c.Messages[0].Content, "ok") {
		t.Fatalf("expected tool content preserved, got %q", c.Messages[0].Content)
	}
}

func TestFromGeminiInlineData(t *testing.T) {
	req := GeminiRequest{
		Contents: []GeminiContent{
			{Role: "user", Parts: []GeminiPart{
				{InlineData: &InlineData{MimeType: "image/png", Data: "AAAA"}},
			}},
		},
	}
	c := FromGemini(req, "deepseek-chat")
	if len(c.Messages) != 1 || len(c.Messages[0].ToolCalls) != 1 {
		t.Fatalf("expected one inline_data tool call, got %+v", c.Messages)
	}
	if c.Messages[0].ToolCalls[0].InlineData.MimeType != "image/png" {
		t.Fatalf("unexpected inline data: %+v", c.Messages[0].ToolCalls[0])
	}
}

func TestRewrapAsGeminiSSEOmitsFinishReasonOnContentDelta(t *testing.T) {
	var buf bytes.Buffer
	chunk := openai.ChatCompletionStreamResponse{
		Model: "deepseek-chat",
		Choices: []openai.ChatCompletionStreamChoice{
			{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "hi"}},
		},
	}
	if err := RewrapAsGeminiSSE(&buf, chunk); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(buf.String(), "finishReason") {
		t.Fatalf("expected no finishReason key on a content-only delta, got %q", buf.String())
	}
}

func TestRewrapAsGeminiSSEEmitsFinishReasonOnStop(t *testing.T) {
	var buf bytes.Buffer
	chunk := openai.ChatCompletionStreamResponse{
		Model: "deepseek-chat",
		Choices: []openai.ChatCompletionStreamChoice{
			{Delta: openai.ChatCompletionStreamChoiceDelta{Content: ""}, FinishReason: openai.FinishReasonStop},
		},
	}
	if err := RewrapAsGeminiSSE(&buf, chunk); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"finishReason":"STOP"`) {
		t.Fatalf("expected finishReason STOP, got %q", buf.String())
	}
}

func TestFromGeminiAnyModeSingleFunction(t *testing.T) {
	req := GeminiRequest{
		Contents: []GeminiContent{{Role: "user", Parts: []GeminiPart{{Text: "hi"}}}},
	}
	req.ToolConfig = &struct {
		FunctionCallingConfig GeminiFunctionCallingConfig `json:"functionCallingConfig"`
	}{
		FunctionCallingConfig: GeminiFunctionCallingConfig{Mode: "ANY", AllowedFunctionNames: []string{"lookup"}},
	}
	c := FromGemini(req, "deepseek-chat")
	if c.ToolChoice == nil || c.ToolChoice.Mode != "function" || c.ToolChoice.Function != "lookup" {
		t.Fatalf("expected forced function tool_choice, got %+v", c.ToolChoice)
	}
}
