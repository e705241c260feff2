package middle

import (
	"encoding/json"
	"strings"
)

// GeminiPart mirrors one entry of a Gemini Content.parts array.
type GeminiPart struct {
	Text         string            `json:"text,omitempty"`
	InlineData   *InlineData       `json:"inlineData,omitempty"`
	FunctionCall *GeminiFuncCall   `json:"functionCall,omitempty"`
	FunctionResp *GeminiFuncResult `json:"functionResponse,omitempty"`
}

type GeminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type GeminiFuncResult struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

// GeminiContent mirrors a Gemini Content entry (role + parts).
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiFunctionCallingConfig mirrors toolConfig.functionCallingConfig.
type GeminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode,omitempty"` // NONE|AUTO|ANY
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

// GeminiRequest mirrors the generateContent/streamGenerateContent body.
type GeminiRequest struct {
	SystemInstruction *GeminiContent `json:"systemInstruction,omitempty"`
	Contents          []GeminiContent `json:"contents"`
	ToolConfig        *struct {
		FunctionCallingConfig GeminiFunctionCallingConfig `json:"functionCallingConfig"`
	} `json:"toolConfig,omitempty"`
	GenerationConfig *struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		TopP            *float64 `json:"topP,omitempty"`
		TopK            *int     `json:"topK,omitempty"`
		CandidateCount  *int     `json:"candidateCount,omitempty"`
	} `json:"generationConfig,omitempty"`
}

// FromGemini converts a Gemini request into Content. systemInstruction
// becomes a system message; each Part becomes its own message; inlineData
// becomes an assistant message carrying a single inline_data tool call;
// functionCall/functionResponse map to tool_calls/tool messages.
func FromGemini(req GeminiRequest, model string) Content {
	c := Content{Model: model}
	if req.GenerationConfig != nil {
		c.Temperature = req.GenerationConfig.Temperature
		c.TopP = req.GenerationConfig.TopP
		c.TopK = req.GenerationConfig.TopK
		c.N = req.GenerationConfig.CandidateCount
	}
	if req.SystemInstruction != nil {
		text := joinGeminiText(req.SystemInstruction.Parts)
		if text != "" {
			c.Messages = append(c.Messages, Message{Role: "system", Content: text})
		}
	}
	for _, content := range req.Contents {
		role := geminiRoleToMiddle(content.Role)
		for _, part := range content.Parts {
			switch {
			case part.InlineData != nil:
				c.Messages = append(c.Messages, Message{
					Role: "assistant",
					ToolCalls: []ToolCall{{
						Type:       "inline_data",
						InlineData: part.InlineData,
					}},
				})
			case part.FunctionCall != nil:
				tc := ToolCall{Type: "function"}
				tc.Function.Name = part.FunctionCall.Name
				tc.Function.Arguments = string(part.FunctionCall.Args)
				c.Messages = append(c.Messages, Message{Role: "assistant", ToolCalls: []ToolCall{tc}})
			case part.FunctionResp != nil:
				c.Messages = append(c.Messages, Message{
					Role:    "tool",
					Name:    part.FunctionResp.Name,
					Content: string(part.FunctionResp.Response),
				})
			default:
				if part.Text != "" {
					c.Messages = append(c.Messages, Message{Role: role, Content: part.Text})
				}
			}
		}
	}
	if req.ToolConfig != nil {
		mode := strings.ToUpper(req.ToolConfig.FunctionCallingConfig.Mode)
		switch mode {
		case "NONE":
			c.ToolChoice = &ToolChoice{Mode: "none"}
		case "AUTO":
			c.ToolChoice = &ToolChoice{Mode: "auto"}
		case "ANY":
			names := req.ToolConfig.FunctionCallingConfig.AllowedFunctionNames
			if len(names) == 1 {
				c.ToolChoice = &ToolChoice{Mode: "function", Function: names[0]}
			} else {
				c.ToolChoice = &ToolChoice{Mode: "required"}
			}
		}
	}
	return c
}

func geminiRoleToMiddle(role string) string {
	switch strings.ToLower(role) {
	case "model":
		return "assistant"
	case "", "user":
		return "user"
	default:
		return role
	}
}

func joinGeminiText(parts []GeminiPart) string {
	var out []string
	for _, p := range parts {
		if p.Text != "" {
			out = append(out, p.Text)
		}
	}
	return strings.Join(out, "\n")
}

// GeminiResponse mirrors the non-streaming generateContent response.
type GeminiResponse struct {
	Candidates []struct {
		Content      GeminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
		Index        int           `json:"index"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// ToGeminiResponse converts an aggregated OpenAI-shaped completion into the
// Gemini non-streaming response shape.
func ToGeminiResponse(model, content string, promptTokens, completionTokens int) GeminiResponse {
	var resp GeminiResponse
	resp.ModelVersion = model
	cand := struct {
		Content      GeminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
		Index        int           `json:"index"`
	}{
		Content:      GeminiContent{Role: "model", Parts: []GeminiPart{{Text: content}}},
		FinishReason: "STOP",
		Index:        0,
	}
	resp.Candidates = append(resp.Candidates, cand)
	resp.UsageMetadata.PromptTokenCount = promptTokens
	resp.UsageMetadata.CandidatesTokenCount = completionTokens
	resp.UsageMetadata.TotalTokenCount = promptTokens + completionTokens
	return resp
}
