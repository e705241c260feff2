package grok

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lkarlslund/sessionrelay/pkg/mediacache"
	"github.com/lkarlslund/sessionrelay/pkg/middle"
	openai "github.com/sashabaranov/go-openai"
)

// ndjsonFrame is one line of Grok's streaming response, per SPEC_FULL §4.6.
// Grounded on other_examples/momomobinx-grok3_api__app.go's ResponseToken,
// extended with the video/image finish variants this spec adds.
type ndjsonFrame struct {
	Result struct {
		Response *struct {
			Token      json.RawMessage `json:"token"`
			IsThinking bool            `json:"isThinking"`
		} `json:"response"`
		StreamingVideoGenerationResponse *struct {
			VideoURL string `json:"videoUrl"`
		} `json:"streamingVideoGenerationResponse"`
		ModelResponse *struct {
			GeneratedImageUrls []string `json:"generatedImageUrls"`
		} `json:"modelResponse"`
	} `json:"result"`
}

// streamDeps bundles the adapter-level dependencies the stream translator
// needs for media handling.
type streamDeps struct {
	ctx    context.Context
	cfg    Config
	media  *mediacache.Cache
	cookie string
}

func randomGrokID() string {
	return NewRequestID()
}

func containsAny(s string, tags []string) bool {
	for _, t := range tags {
		if t != "" && strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// translateGrokStream reads upstream NDJSON and writes an OpenAI-SSE-shaped
// stream to w, per SPEC_FULL §4.6. w is closed exactly once on return.
func translateGrokStream(upstream io.Reader, w *io.PipeWriter, model Model, deps streamDeps) {
	defer w.Close()

	id := "grok-" + randomGrokID()
	roleSent := false

	emitDelta := func(delta openai.ChatCompletionStreamChoiceDelta) {
		chunk := openai.ChatCompletionStreamResponse{
			ID: id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: model.ID,
			Choices: []openai.ChatCompletionStreamChoice{{Index: 0, Delta: delta}},
		}
		_ = middle.WriteOpenAISSE(w, chunk)
	}
	finish := func() {
		chunk := openai.ChatCompletionStreamResponse{
			ID: id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: model.ID,
			Choices: []openai.ChatCompletionStreamChoice{{Index: 0, FinishReason: openai.FinishReasonStop}},
		}
		_ = middle.WriteOpenAISSE(w, chunk)
		_ = middle.WriteDone(w)
	}

	sc := bufio.NewScanner(upstream)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var f ndjsonFrame
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			continue
		}

		if vr := f.Result.StreamingVideoGenerationResponse; vr != nil && vr.VideoURL != "" {
			url := deps.resolveMedia(mediacache.KindVideo, vr.VideoURL)
			emitContentDelta(emitDelta, &roleSent, fmt.Sprintf(`<video src="%s" controls width=500 height=300></video>`, url))
			finish()
			return
		}
		if mr := f.Result.ModelResponse; mr != nil && len(mr.GeneratedImageUrls) > 0 {
			for _, u := range mr.GeneratedImageUrls {
				url := deps.resolveMedia(mediacache.KindImage, u)
				emitContentDelta(emitDelta, &roleSent, fmt.Sprintf("![Generated Image](%s)", url))
			}
			finish()
			return
		}
		resp := f.Result.Response
		if resp == nil || len(resp.Token) == 0 {
			continue
		}
		var token string
		if err := json.Unmarshal(resp.Token, &token); err != nil {
			// array-valued token field; ignore per spec.
			continue
		}
		if token == "" {
			continue
		}
		if containsAny(token, deps.cfg.FilteredTags) {
			continue
		}
		if resp.IsThinking && !deps.cfg.ShowThinking {
			continue
		}
		emitContentDelta(emitDelta, &roleSent, token)
	}
	finish()
}

func emitContentDelta(emit func(openai.ChatCompletionStreamChoiceDelta), roleSent *bool, text string) {
	delta := openai.ChatCompletionStreamChoiceDelta{Content: text}
	if !*roleSent {
		delta.Role = openai.ChatMessageRoleAssistant
		*roleSent = true
	}
	emit(delta)
}

// resolveMedia downloads remotePath via the media cache and returns either
// a data: URL (image_mode=base64) or a locally-served /images/<kind>/<path>
// URL, per SPEC_FULL §4.6/§4.7.
func (d streamDeps) resolveMedia(kind mediacache.Kind, remotePath string) string {
	if d.media == nil {
		return remotePath
	}
	if kind == mediacache.KindImage && strings.EqualFold(d.cfg.ImageMode, "base64") {
		dataURL, err := d.media.GetAsBase64(d.ctx, kind, remotePath, d.cookie, mimeFromPath(remotePath))
		if err == nil {
			return dataURL
		}
		return remotePath
	}
	if _, err := d.media.Get(d.ctx, kind, remotePath, d.cookie); err != nil {
		return remotePath
	}
	return "/images/" + string(kind) + "/" + mediacache.Flatten(remotePath)
}

func mimeFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".png"):
		return "image/png"
	case strings.HasSuffix(path, ".webp"):
		return "image/webp"
	case strings.HasSuffix(path, ".mp4"):
		return "video/mp4"
	default:
		return "image/jpeg"
	}
}
