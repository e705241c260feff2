// Package dispatch implements the provider registry and request dispatcher
// of SPEC_FULL §4.4/§4.8: it maps a model id to the adapter that owns it,
// aggregates an adapter's OpenAI SSE stream into a non-streaming completion,
// and re-emits that stream as Gemini or Anthropic shaped output. Generalizes
// the teacher's pkg/proxy/providers.go model-to-provider resolution onto the
// fixed DeepSeek/Grok adapter set instead of arbitrary
// configured backends.
package dispatch

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/lkarlslund/sessionrelay/pkg/middle"
	"github.com/sashabaranov/go-openai"
)

// Stream is an OpenAI-SSE-formatted response body. Close MUST be called
// exactly once, by the ingress handler, regardless of whether the stream was
// read to completion or the client disconnected; it releases whatever
// credential lease or pooled resource the adapter attached.
type Stream struct {
	io.Reader
	closeFn func()
	once    sync.Once
}

// NewStream wraps r with a release callback invoked at most once.
func NewStream(r io.Reader, release func()) *Stream {
	if release == nil {
		release = func() {}
	}
	return &Stream{Reader: r, closeFn: release}
}

func (s *Stream) Close() error {
	s.once.Do(s.closeFn)
	return nil
}

// Adapter is the provider adapter contract of SPEC_FULL §4.4.
type Adapter interface {
	// Models returns every model id this adapter serves.
	Models() []string
	// Handle drives the provider's web-session endpoints for content and
	// returns an OpenAI-SSE-shaped stream. callerAuth is the caller's raw
	// bearer token (used by the DeepSeek adapter to distinguish a
	// configured key from a caller-supplied upstream token).
	Handle(ctx context.Context, callerAuth string, content middle.Content) (*Stream, error)
}

// ModelEntry is the registry's per-model record (SPEC_FULL §3 "Model
// registry entry").
type ModelEntry struct {
	ModelID   string
	OwnerTag  string
	CreatedAt time.Time
}

// Registry maps model ids to the adapter that serves them.
type Registry struct {
	mu       sync.RWMutex
	byModel  map[string]Adapter
	entries  map[string]ModelEntry
	adapters []Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		byModel: map[string]Adapter{},
		entries: map[string]ModelEntry{},
	}
}

// Register adds adapter's models to the registry under ownerTag. Idempotent:
// re-registering a model already present updates its adapter/owner without
// resetting CreatedAt.
func (r *Registry) Register(adapter Adapter, ownerTag string) {
	if r == nil || adapter == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, adapter)
	now := time.Now()
	for _, m := range adapter.Models() {
		if m == "" {
			continue
		}
		r.byModel[m] = adapter
		if e, ok := r.entries[m]; ok {
			e.OwnerTag = ownerTag
			r.entries[m] = e
			continue
		}
		r.entries[m] = ModelEntry{ModelID: m, OwnerTag: ownerTag, CreatedAt: now}
	}
}

// Lookup returns the adapter serving model, if any.
func (r *Registry) Lookup(model string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byModel[model]
	return a, ok
}

// Handles reports whether model is served by any registered adapter.
func (r *Registry) Handles(model string) bool {
	_, ok := r.Lookup(model)
	return ok
}

// OwnerTag returns the owner tag model was registered under, for usage
// telemetry that attributes requests to the adapter that served them.
func (r *Registry) OwnerTag(model string) string {
	if r == nil {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[model].OwnerTag
}

// ModelCard is the GET /v1/models wire shape (SPEC_FULL §6).
type ModelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ListModels returns the synthesized public catalog, sorted by id.
func (r *Registry) ListModels() []ModelCard {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelCard, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, ModelCard{
			ID:      e.ModelID,
			Object:  "model",
			Created: e.CreatedAt.Unix(),
			OwnedBy: e.OwnerTag,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Aggregate drains an adapter's OpenAI SSE stream into a single
// chat.completion object, per SPEC_FULL §4.8/§8 invariant 7: the
// concatenation of delta.content/delta.reasoning_content, the last
// finish_reason/usage/id/model observed.
func Aggregate(r io.Reader) (openai.ChatCompletionResponse, error) {
	state := middle.NewAggregateState()
	err := middle.ScanOpenAISSE(r, func(chunk openai.ChatCompletionStreamResponse) error {
		state.Absorb(chunk)
		return nil
	})
	return state.ToResponse(), err
}
