package middle

import (
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// FromOpenAI converts an OpenAI chat-completion request into Content.
// Text-only multi-part content is concatenated with "\n"; tool_calls and
// tool_choice/tools are forwarded structurally.
func FromOpenAI(req openai.ChatCompletionRequest) Content {
	c := Content{
		Model:  req.Model,
		Stream: req.Stream,
	}
	if req.Temperature != 0 {
		v := float64(req.Temperature)
		c.Temperature = &v
	}
	if req.TopP != 0 {
		v := float64(req.TopP)
		c.TopP = &v
	}
	if req.N != 0 {
		v := req.N
		c.N = &v
	}
	if req.PresencePenalty != 0 {
		v := float64(req.PresencePenalty)
		c.PresencePenalty = &v
	}
	if req.FrequencyPenalty != 0 {
		v := float64(req.FrequencyPenalty)
		c.FrequencyPenalty = &v
	}
	if req.Seed != nil {
		c.Seed = req.Seed
	}
	c.ReasoningEffort = req.ReasoningEffort

	for _, t := range req.Tools {
		spec := ToolSpec{Type: string(t.Type)}
		if t.Function != nil {
			spec.Function.Name = t.Function.Name
			spec.Function.Description = t.Function.Description
			if t.Function.Parameters != nil {
				if b, ok := t.Function.Parameters.([]byte); ok {
					spec.Function.Parameters = b
				}
			}
		}
		c.Tools = append(c.Tools, spec)
	}
	if req.ToolChoice != nil {
		switch v := req.ToolChoice.(type) {
		case string:
			c.ToolChoice = &ToolChoice{Mode: v}
		case openai.ToolChoice:
			c.ToolChoice = &ToolChoice{Mode: "function", Function: v.Function.Name}
		}
	}

	for _, m := range req.Messages {
		mm := Message{
			Role:       m.Role,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		if len(m.MultiContent) > 0 {
			var parts []string
			for _, p := range m.MultiContent {
				if p.Type == openai.ChatMessagePartTypeText {
					parts = append(parts, p.Text)
				}
			}
			mm.Content = strings.Join(parts, "\n")
		} else {
			mm.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			out := ToolCall{ID: tc.ID, Type: string(tc.Type)}
			out.Function.Name = tc.Function.Name
			out.Function.Arguments = tc.Function.Arguments
			mm.ToolCalls = append(mm.ToolCalls, out)
		}
		c.Messages = append(c.Messages, mm)
	}
	return c
}

// AggregateState concatenates an OpenAI-shaped stream's delta.content and
// delta.reasoning_content into a single non-stream ChatCompletionResponse,
// keeping the final finish_reason/usage/id/model observed on the stream.
type AggregateState struct {
	ID      string
	Model   string
	Content strings.Builder
	Reason  strings.Builder
	Finish  openai.FinishReason
	Usage   openai.Usage
}

func NewAggregateState() *AggregateState { return &AggregateState{} }

// Absorb folds one streaming chunk into the aggregate.
func (a *AggregateState) Absorb(chunk openai.ChatCompletionStreamResponse) {
	if chunk.ID != "" {
		a.ID = chunk.ID
	}
	if chunk.Model != "" {
		a.Model = chunk.Model
	}
	for _, ch := range chunk.Choices {
		if ch.Delta.Content != "" {
			a.Content.WriteString(ch.Delta.Content)
		}
		if ch.Delta.ReasoningContent != "" {
			a.Reason.WriteString(ch.Delta.ReasoningContent)
		}
		if ch.FinishReason != "" {
			a.Finish = ch.FinishReason
		}
	}
	if chunk.Usage != nil {
		a.Usage = *chunk.Usage
	}
}

// ToResponse materializes the final non-stream completion object.
func (a *AggregateState) ToResponse() openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:     a.ID,
		Object: "chat.completion",
		Model:  a.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:             openai.ChatMessageRoleAssistant,
					Content:          a.Content.String(),
					ReasoningContent: a.Reason.String(),
				},
				FinishReason: a.Finish,
			},
		},
		Usage: a.Usage,
	}
}
