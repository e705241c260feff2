package middle

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// WriteOpenAISSE writes a single OpenAI-shaped SSE data frame.
func WriteOpenAISSE(w io.Writer, chunk openai.ChatCompletionStreamResponse) error {
	b, err := jsonMarshal(chunk)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

// WriteDone writes the terminal [DONE] SSE frame.
func WriteDone(w io.Writer) error {
	_, err := fmt.Fprint(w, "data: [DONE]\n\n")
	return err
}

// WriteKeepAlive writes an SSE comment frame used to hold the connection
// open while no data flows.
func WriteKeepAlive(w io.Writer) error {
	_, err := fmt.Fprint(w, ": keep-alive\n\n")
	return err
}

// ScanOpenAISSE reads upstream OpenAI-shaped SSE frames from r, invoking fn
// for each decoded chunk until [DONE] or EOF.
func ScanOpenAISSE(r io.Reader, fn func(openai.ChatCompletionStreamResponse) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil
		}
		if payload == "" {
			continue
		}
		var chunk openai.ChatCompletionStreamResponse
		if err := jsonUnmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// RewrapAsGeminiSSE converts one OpenAI-shaped stream chunk into a Gemini
// streamGenerateContent SSE frame carrying the same delta text.
func RewrapAsGeminiSSE(w io.Writer, chunk openai.ChatCompletionStreamResponse) error {
	var text string
	finish := ""
	for _, ch := range chunk.Choices {
		text += ch.Delta.Content
		if ch.FinishReason != "" {
			finish = "STOP"
		}
	}
	resp := GeminiResponse{ModelVersion: chunk.Model}
	cand := struct {
		Content      GeminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
		Index        int           `json:"index"`
	}{
		Content:      GeminiContent{Role: "model", Parts: []GeminiPart{{Text: text}}},
		FinishReason: finish,
		Index:        0,
	}
	resp.Candidates = append(resp.Candidates, cand)
	if chunk.Usage != nil {
		resp.UsageMetadata.PromptTokenCount = chunk.Usage.PromptTokens
		resp.UsageMetadata.CandidatesTokenCount = chunk.Usage.CompletionTokens
		resp.UsageMetadata.TotalTokenCount = chunk.Usage.TotalTokens
	}
	b, err := jsonMarshal(resp)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}
