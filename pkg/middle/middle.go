// Package middle defines the intermediate message format ("MiddleContent")
// that every ingress shape (OpenAI, Anthropic, Gemini) is normalized into
// before dispatch, and converted back out of for responses. OpenAI-shaped
// wire structs reuse github.com/sashabaranov/go-openai rather than
// hand-rolled types, per the corpus-wiring rule; Gemini/Anthropic structs
// are hand-written since no example in the corpus models those shapes.
package middle

import (
	"encoding/json"
)

// ToolCall mirrors the wire shape shared by OpenAI/Anthropic/Gemini tool
// invocations once normalized.
type ToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
	// InlineData carries a Gemini inlineData part normalized as a tool call.
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData is a base64 media payload carried by a Gemini Part.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Message is one entry of a MiddleContent conversation.
type Message struct {
	Role             string     `json:"role"`
	Content          string     `json:"content"`
	Name             string     `json:"name,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
}

// ToolSpec mirrors an OpenAI-shaped tool/function declaration.
type ToolSpec struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

// ToolChoice mirrors OpenAI's tool_choice union ("none"/"auto"/"required" or
// a forced-function object).
type ToolChoice struct {
	Mode     string `json:"mode,omitempty"` // "none" | "auto" | "required" | ""
	Function string `json:"function,omitempty"`
}

// Content is the single intermediate request/response representation every
// adapter consumes and produces.
type Content struct {
	Model            string     `json:"model"`
	Messages         []Message  `json:"messages"`
	Temperature      *float64   `json:"temperature,omitempty"`
	TopP             *float64   `json:"top_p,omitempty"`
	TopK             *int       `json:"top_k,omitempty"`
	N                *int       `json:"n,omitempty"`
	Stream           bool       `json:"stream,omitempty"`
	PresencePenalty  *float64   `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64   `json:"frequency_penalty,omitempty"`
	Tools            []ToolSpec `json:"tools,omitempty"`
	ToolChoice       *ToolChoice `json:"tool_choice,omitempty"`
	Seed             *int       `json:"seed,omitempty"`
	ReasoningEffort  string     `json:"reasoning_effort,omitempty"`
}
