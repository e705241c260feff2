package middle

import (
	"encoding/json"
	"strings"
)

// AnthropicContentBlock is one entry of an Anthropic message's content array.
type AnthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
}

// AnthropicMessage is one entry of an Anthropic request's messages array.
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []AnthropicContentBlock
}

// AnthropicRequest mirrors POST /v1/messages.
type AnthropicRequest struct {
	Model     string             `json:"model"`
	System    any                `json:"system,omitempty"` // string or []AnthropicContentBlock
	Messages  []AnthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
}

// AnthropicResponse mirrors the non-streaming POST /v1/messages response.
type AnthropicResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         string                  `json:"role"`
	Model        string                  `json:"model"`
	Content      []AnthropicContentBlock `json:"content"`
	StopReason   string                  `json:"stop_reason"`
	StopSequence *string                 `json:"stop_sequence"`
	Usage        AnthropicUsage          `json:"usage"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func blocksToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []AnthropicContentBlock:
		var parts []string
		for _, b := range t {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	case []any:
		var parts []string
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if m["type"] == "text" {
				if s, ok := m["text"].(string); ok {
					parts = append(parts, s)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

// FromAnthropic converts an Anthropic request into Content. tool_use blocks
// become an assistant message with tool_calls; tool_result blocks become a
// tool message, with content parsed as JSON into a synthetic function_result
// tool call named "toolResult" when possible, else kept as plain text.
func FromAnthropic(req AnthropicRequest) Content {
	c := Content{Model: req.Model, Stream: req.Stream}
	if req.Temperature != nil {
		c.Temperature = req.Temperature
	}
	if req.TopP != nil {
		c.TopP = req.TopP
	}

	if sysText := blocksToText(req.System); sysText != "" {
		c.Messages = append(c.Messages, Message{Role: "system", Content: sysText})
	}

	for _, m := range req.Messages {
		switch blocks := m.Content.(type) {
		case string:
			c.Messages = append(c.Messages, Message{Role: m.Role, Content: blocks})
		case []AnthropicContentBlock:
			c.Messages = append(c.Messages, anthropicBlocksToMessages(m.Role, blocks)...)
		case []any:
			var conv []AnthropicContentBlock
			raw, _ := json.Marshal(blocks)
			_ = json.Unmarshal(raw, &conv)
			c.Messages = append(c.Messages, anthropicBlocksToMessages(m.Role, conv)...)
		default:
			c.Messages = append(c.Messages, Message{Role: m.Role, Content: blocksToText(m.Content)})
		}
	}
	return c
}

func anthropicBlocksToMessages(role string, blocks []AnthropicContentBlock) []Message {
	var textParts []string
	var toolCalls []ToolCall
	var toolMessages []Message
	for _, b := range blocks {
		switch b.Type {
		case "text":
			textParts = append(textParts, b.Text)
		case "tool_use":
			tc := ToolCall{ID: b.ID, Type: "function"}
			tc.Function.Name = b.Name
			tc.Function.Arguments = string(b.Input)
			toolCalls = append(toolCalls, tc)
		case "tool_result":
			content := anthropicToolResultContent(b.Content)
			tc := ToolCall{ID: b.ToolUseID, Type: "function"}
			var js json.RawMessage
			if json.Unmarshal([]byte(content), &js) == nil && len(js) > 0 {
				tc.Function.Name = "toolResult"
				tc.Function.Arguments = content
			}
			toolMessages = append(toolMessages, Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: b.ToolUseID,
				ToolCalls:  toolCallsIfFunctionResult(tc),
			})
		}
	}
	var out []Message
	if len(textParts) > 0 || len(toolCalls) > 0 {
		out = append(out, Message{
			Role:      role,
			Content:   strings.Join(textParts, "\n"),
			ToolCalls: toolCalls,
		})
	}
	out = append(out, toolMessages...)
	return out
}

func toolCallsIfFunctionResult(tc ToolCall) []ToolCall {
	if tc.Function.Name == "toolResult" {
		return []ToolCall{tc}
	}
	return nil
}

func anthropicToolResultContent(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// ToAnthropicResponse converts an aggregated OpenAI-shaped completion into
// the Anthropic non-streaming response shape.
func ToAnthropicResponse(id, model, content, finishReason string, promptTokens, completionTokens int) AnthropicResponse {
	stopReason := "end_turn"
	if finishReason == "length" {
		stopReason = "max_tokens"
	} else if finishReason == "tool_calls" {
		stopReason = "tool_use"
	}
	return AnthropicResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    []AnthropicContentBlock{{Type: "text", Text: content}},
		StopReason: stopReason,
		Usage: AnthropicUsage{
			InputTokens:  promptTokens,
			OutputTokens: completionTokens,
		},
	}
}
