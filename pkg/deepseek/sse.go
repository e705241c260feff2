package deepseek

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/lkarlslund/sessionrelay/pkg/estimator"
	"github.com/lkarlslund/sessionrelay/pkg/middle"
	openai "github.com/sashabaranov/go-openai"
)

func randomID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// frame is one `data: {...}` line of DeepSeek's completion SSE. v is either
// a string fragment or a batch array of frames.
type frame struct {
	P string          `json:"p"`
	V json.RawMessage `json:"v"`
}

const keepAliveInterval = 5 * time.Second

// translateSSE reads DeepSeek's raw completion SSE from upstream and writes
// an OpenAI-chat-completion-shaped SSE to w, per SPEC_FULL §4.5.6. w is
// closed exactly once on return, ending the paired io.Pipe reader.
func translateSSE(upstream io.Reader, w *io.PipeWriter, prompt string, thinking, search bool) {
	id := "deepseek-" + randomID()
	model := "deepseek-chat"
	if thinking {
		model = "deepseek-reasoner"
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(upstream)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	var contentBuilder, reasonBuilder strings.Builder
	roleSent := false
	finished := false

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	defer w.Close()

	emitDelta := func(delta openai.ChatCompletionStreamChoiceDelta) error {
		chunk := openai.ChatCompletionStreamResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []openai.ChatCompletionStreamChoice{{Index: 0, Delta: delta}},
		}
		return middle.WriteOpenAISSE(w, chunk)
	}

	handleFragment := func(p string, text string) {
		if text == "" {
			return
		}
		if search && strings.HasPrefix(strings.TrimSpace(text), "[citation:") {
			return
		}
		if p == "response/thinking_content" && !thinking {
			return
		}
		if p == "response/search_status" {
			return
		}
		delta := openai.ChatCompletionStreamChoiceDelta{}
		if !roleSent {
			delta.Role = openai.ChatMessageRoleAssistant
		}
		switch p {
		case "response/thinking_content":
			reasonBuilder.WriteString(text)
			delta.ReasoningContent = text
		default:
			contentBuilder.WriteString(text)
			delta.Content = text
		}
		roleSent = true
		_ = emitDelta(delta)
	}

	var handleOne func(f frame) bool
	handleOne = func(f frame) bool {
		var s string
		if err := json.Unmarshal(f.V, &s); err == nil {
			if f.P == "status" && s == "FINISHED" {
				return true
			}
			handleFragment(f.P, s)
			return false
		}
		var items []frame
		if err := json.Unmarshal(f.V, &items); err == nil {
			for _, it := range items {
				if handleOne(it) {
					return true
				}
			}
		}
		return false
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				if !finished {
					writeFinish(w, id, model, prompt, contentBuilder.String(), reasonBuilder.String())
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				continue
			}
			var f frame
			if err := json.Unmarshal([]byte(payload), &f); err != nil {
				continue
			}
			if handleOne(f) {
				finished = true
				writeFinish(w, id, model, prompt, contentBuilder.String(), reasonBuilder.String())
				return
			}
		case <-ticker.C:
			_ = middle.WriteKeepAlive(w)
		}
	}
}

func writeFinish(w io.Writer, id, model, prompt, content, reasoning string) {
	usage := openai.Usage{
		PromptTokens:     estimator.EstimateText(prompt),
		CompletionTokens: estimator.EstimateText(content) + estimator.EstimateText(reasoning),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	chunk := openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index:        0,
			Delta:        openai.ChatCompletionStreamChoiceDelta{},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: &usage,
	}
	_ = middle.WriteOpenAISSE(w, chunk)
	_ = middle.WriteDone(w)
}
