package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lkarlslund/sessionrelay/pkg/middle"
	openai "github.com/sashabaranov/go-openai"
)

// peekModel extracts the "model" field from a raw JSON request body without
// fully decoding it, so proxyHandler can decide whether the credential-pool
// engine owns this request; a model it does not own is answered with 404.
func peekModel(body []byte) string {
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Model
}

// handleDispatchOpenAI serves a POST /v1/chat/completions request whose
// model is owned by the dispatch registry (SPEC_FULL §4.4/§4.8).
func (s *Server) handleDispatchOpenAI(w http.ResponseWriter, r *http.Request, body []byte) {
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	content := middle.FromOpenAI(req)
	ownerTag := s.dispatchOwnerTag(content.Model)
	meta := extractClientUsageMeta(r, s.store.Snapshot())
	start := time.Now()

	stream, err := s.dispatchHandle(r, content)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	defer stream.Close()

	if content.Stream {
		usage := streamDispatchSSE(w, stream)
		s.recordUsage(ownerTag, content.Model, http.StatusOK, time.Since(start), usage.PromptTokens, usage.CompletionTokens, meta)
		return
	}
	resp, err := aggregateStream(stream)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	s.recordUsage(ownerTag, content.Model, http.StatusOK, time.Since(start), resp.Usage.PromptTokens, resp.Usage.CompletionTokens, meta)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) dispatchOwnerTag(model string) string {
	if s.dispatch == nil {
		return ""
	}
	return s.dispatch.OwnerTag(model)
}

// handleAnthropicMessages serves POST /v1/messages against the dispatch
// registry only; a model the registry does not own is answered with 404,
// as on the OpenAI ingress.
func (s *Server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req middle.AnthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if s.dispatch == nil || !s.dispatch.Handles(req.Model) {
		http.Error(w, "model not available", http.StatusNotFound)
		return
	}
	content := middle.FromAnthropic(req)
	meta := extractClientUsageMeta(r, s.store.Snapshot())
	start := time.Now()
	stream, err := s.dispatchHandle(r, content)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	defer stream.Close()

	resp, err := aggregateStream(stream)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	var finish string
	if len(resp.Choices) > 0 {
		finish = string(resp.Choices[0].FinishReason)
	}
	s.recordUsage(s.dispatchOwnerTag(req.Model), req.Model, http.StatusOK, time.Since(start), resp.Usage.PromptTokens, resp.Usage.CompletionTokens, meta)
	writeJSON(w, http.StatusOK, middle.ToAnthropicResponse(resp.ID, resp.Model, aggregatedText(resp), finish, resp.Usage.PromptTokens, resp.Usage.CompletionTokens))
}

// handleGeminiGenerateContent serves both :generateContent and
// :streamGenerateContent; per SPEC_FULL §4.8 the non-streaming verb is
// still answered with a rewrapped SSE-derived single response, and the
// streaming verb always forces the upstream adapter into streaming mode.
func (s *Server) handleGeminiGenerateContent(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req middle.GeminiRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if s.dispatch == nil || !s.dispatch.Handles(model) {
		http.Error(w, "model not available", http.StatusNotFound)
		return
	}
	content := middle.FromGemini(req, model)
	content.Stream = true
	meta := extractClientUsageMeta(r, s.store.Snapshot())
	start := time.Now()
	stream, err := s.dispatchHandle(r, content)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	defer stream.Close()

	if strings.HasSuffix(r.URL.Path, ":streamGenerateContent") {
		usage := streamDispatchGeminiSSE(w, stream)
		s.recordUsage(s.dispatchOwnerTag(model), model, http.StatusOK, time.Since(start), usage.PromptTokens, usage.CompletionTokens, meta)
		return
	}
	resp, err := aggregateStream(stream)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	s.recordUsage(s.dispatchOwnerTag(model), model, http.StatusOK, time.Since(start), resp.Usage.PromptTokens, resp.Usage.CompletionTokens, meta)
	writeJSON(w, http.StatusOK, middle.ToGeminiResponse(resp.Model, aggregatedText(resp), resp.Usage.PromptTokens, resp.Usage.CompletionTokens))
}

// handleMediaAsset serves a previously-cached Grok image/video asset from
// the configured media cache directory, per SPEC_FULL §4.7.
func (s *Server) handleMediaAsset(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if kind != "image" && kind != "video" {
		http.NotFound(w, r)
		return
	}
	name := filepath.Base(chi.URLParam(r, "path"))
	if name == "." || name == "/" || name == "" {
		http.NotFound(w, r)
		return
	}
	root := s.store.Snapshot().MediaCacheDir
	http.ServeFile(w, r, filepath.Join(root, kind, name))
}

func (s *Server) dispatchHandle(r *http.Request, content middle.Content) (dispatchStream, error) {
	adapter, ok := s.dispatch.Lookup(content.Model)
	if !ok {
		return nil, NewHTTPError(http.StatusNotFound, "model not available", nil)
	}
	return adapter.Handle(r.Context(), bearerToken(r.Header), content)
}

// dispatchStream is the subset of *dispatch.Stream the ingress handlers
// need; declared locally so this file need not import pkg/dispatch's
// Adapter type directly into every signature.
type dispatchStream interface {
	io.Reader
	Close() error
}

func aggregateStream(r io.Reader) (openai.ChatCompletionResponse, error) {
	state := middle.NewAggregateState()
	err := middle.ScanOpenAISSE(r, func(chunk openai.ChatCompletionStreamResponse) error {
		state.Absorb(chunk)
		return nil
	})
	return state.ToResponse(), err
}

func aggregatedText(resp openai.ChatCompletionResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}

// streamDispatchSSE passes the adapter's OpenAI-SSE body straight through to
// the client while shadow-parsing it for the terminal usage object, so the
// caller can still record telemetry once the stream completes.
func streamDispatchSSE(w http.ResponseWriter, r io.Reader) usageTokenCounts {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	parser := newSSEUsageParser()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		parser.Consume([]byte(line + "\n"))
		fmt.Fprintf(w, "%s\n", line)
		if ok {
			flusher.Flush()
		}
	}
	return parser.Usage()
}

func streamDispatchGeminiSSE(w http.ResponseWriter, r io.Reader) usageTokenCounts {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	var usage usageTokenCounts
	_ = middle.ScanOpenAISSE(r, func(chunk openai.ChatCompletionStreamResponse) error {
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
		}
		if err := middle.RewrapAsGeminiSSE(w, chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	return usage
}

func writeDispatchError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": err.Error(), "code": strconv.Itoa(status)},
	})
}
