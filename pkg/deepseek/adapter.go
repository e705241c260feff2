package deepseek

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/sessionrelay/pkg/dispatch"
	"github.com/lkarlslund/sessionrelay/pkg/egressproxy"
	"github.com/lkarlslund/sessionrelay/pkg/middle"
	"github.com/lkarlslund/sessionrelay/pkg/proxy"
	"github.com/lkarlslund/sessionrelay/pkg/selector"
	"github.com/lkarlslund/sessionrelay/pkg/tokencache"
)

// completionCallError tags a failure as originating from the completion
// HTTP call itself, as opposed to session-creation or PoW solving. Only
// this class of failure should count against a credential's skip penalty:
// PoW/session setup failures are usually transient WASM/challenge hiccups,
// not a sign the credential itself is bad.
type completionCallError struct{ err error }

func (e *completionCallError) Error() string { return e.err.Error() }
func (e *completionCallError) Unwrap() error { return e.err }

func isCompletionCallError(err error) bool {
	var ce *completionCallError
	return errors.As(err, &ce)
}

const projectName = "deepseek"

// Config is the adapter's static configuration, sourced from config.yaml.
type Config struct {
	// Keys are the configured bearer tokens that select the "lease a
	// credential from the pool" path (SPEC_FULL §4.5.1); any other caller
	// bearer is used directly as the DeepSeek session token.
	Keys []string
	// WasmPath locates the bundled sha3_wasm_bg*.wasm PoW solver.
	WasmPath string
	// ProxyURL/ProxyPoolURL/ProxyPoolInterval configure the egress proxy
	// shared by every DeepSeek call.
	ProxyURL          string
	ProxyPoolURL      string
	ProxyPoolInterval int
}

// Adapter implements dispatch.Adapter for DeepSeek: credential selection and
// login, session creation, proof-of-work, and completion streaming.
type Adapter struct {
	cfg   Config
	keys  map[string]bool
	cache *tokencache.Cache
	pool  *selector.Pool
	proxy *egressproxy.Pool

	powOnce sync.Once
	powEng  *powEngine
	powErr  error
}

// NewAdapter wires a DeepSeek adapter over a shared token cache and
// credential selector. Call Refresh once at startup (and after any token
// file mutation) to populate the selector's ring from disk.
func NewAdapter(cfg Config, cache *tokencache.Cache, pool *selector.Pool) *Adapter {
	keys := make(map[string]bool, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = true
		}
	}
	egress := egressproxy.New(egressproxy.Config{
		StaticProxy: cfg.ProxyURL,
		PoolURL:     cfg.ProxyPoolURL,
		IntervalSec: cfg.ProxyPoolInterval,
	})
	egress.SetWarnLogger(func(format string, args ...any) { log.Warnf(format, args...) })
	return &Adapter{
		cfg:   cfg,
		keys:  keys,
		cache: cache,
		pool:  pool,
		proxy: egress,
	}
}

// Models returns every model id this adapter serves.
func (a *Adapter) Models() []string {
	return []string{"deepseek-chat", "deepseek-reasoner", "deepseek-chat-search", "deepseek-reasoner-search"}
}

// Refresh re-lists accounts/deepseek/*.json and (re-)registers every
// filename as a selectable credential for every model this adapter serves.
func (a *Adapter) Refresh() error {
	files, err := a.cache.GetTokenList(projectName)
	if err != nil {
		return err
	}
	for _, m := range a.Models() {
		a.pool.Register(m, files, projectName)
	}
	return nil
}

func (a *Adapter) ensurePowEngine() (*powEngine, error) {
	a.powOnce.Do(func() {
		path := a.cfg.WasmPath
		if path == "" {
			path = "sha3_wasm_bg.7b9ca65ddd.wasm"
		}
		a.powEng, a.powErr = newPowEngine(context.Background(), path)
	})
	return a.powEng, a.powErr
}

// httpClient returns an *http.Client dialing through the adapter's shared
// egress proxy selection.
func (a *Adapter) httpClient(ctx context.Context) (*http.Client, error) {
	return a.proxy.Client(ctx)
}

const maxCredentialAttempts = 5

// Handle drives one DeepSeek completion request end to end: credential
// selection/login, session creation, PoW solve, and the completion SSE,
// returning it pre-translated into an OpenAI-shaped stream.
func (a *Adapter) Handle(ctx context.Context, callerAuth string, content middle.Content) (*dispatch.Stream, error) {
	thinking, search, ok := modelFlags(content.Model)
	if !ok {
		return nil, proxy.ErrBadRequest(fmt.Sprintf("deepseek: unknown model %q", content.Model))
	}
	if len(content.Messages) == 0 {
		return nil, proxy.ErrBadRequest("deepseek: messages must not be empty")
	}
	prompt := buildPrompt(content.Messages)

	if !a.keys[strings.TrimSpace(callerAuth)] {
		// Caller's bearer is used directly as the DeepSeek session token.
		return a.complete(ctx, "", callerAuth, prompt, thinking, search)
	}

	var lastErr error
	for attempt := 0; attempt < maxCredentialAttempts; attempt++ {
		credID, ok := a.pool.Acquire(content.Model)
		if !ok {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, proxy.ErrNoAccountDeepSeek()
		}
		stream, err := a.completeWithCredential(ctx, content.Model, credID, prompt, thinking, search)
		if err == nil {
			return stream, nil
		}
		if isCompletionCallError(err) {
			a.pool.Skip(content.Model, credID, 30*time.Second)
		}
		a.pool.Release(credID)
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, proxy.ErrNoAccountDeepSeek()
}

func (a *Adapter) completeWithCredential(ctx context.Context, model, credID, prompt string, thinking, search bool) (*dispatch.Stream, error) {
	raw, err := a.cache.GetToken(projectName, credID)
	if err != nil {
		return nil, proxy.ErrUpstreamFatal("deepseek: read credential failed", err)
	}
	if raw == nil {
		return nil, proxy.NewHTTPError(404, "deepseek: credential file missing", nil)
	}
	cred, err := parseCredential(raw)
	if err != nil {
		return nil, proxy.ErrBadRequest("deepseek: malformed credential file")
	}

	client, err := a.httpClient(ctx)
	if err != nil {
		return nil, proxy.ErrUpstreamFatal("deepseek: build http client failed", err)
	}

	token := cred.Token
	if token == "" {
		token, err = login(ctx, client, cred)
		if err != nil {
			return nil, err
		}
		if err := a.cache.SaveToken(projectName, credID, cred); err != nil {
			return nil, proxy.ErrUpstreamFatal("deepseek: persist login token failed", err)
		}
	}

	stream, err := a.complete(ctx, credID, token, prompt, thinking, search)
	if err != nil {
		return nil, err
	}
	a.pool.ClearSkip(model, credID)
	return stream, nil
}

// complete runs session-create + PoW + completion for an already-resolved
// token and wraps the upstream SSE in the translate loop. credID is empty
// when the caller supplied the token directly (no pool lease to release).
func (a *Adapter) complete(ctx context.Context, credID, token, prompt string, thinking, search bool) (*dispatch.Stream, error) {
	client, err := a.httpClient(ctx)
	if err != nil {
		return nil, proxy.ErrUpstreamFatal("deepseek: build http client failed", err)
	}

	sessionID, err := createSession(ctx, client, token)
	if err != nil {
		a.release(credID)
		return nil, err
	}

	ch, err := fetchPowChallenge(ctx, client, token)
	if err != nil {
		a.release(credID)
		return nil, err
	}
	powResponse, err := a.solvePow(ch)
	if err != nil {
		a.release(credID)
		return nil, err
	}

	resp, err := callCompletion(ctx, client, token, sessionID, prompt, thinking, search, powResponse)
	if err != nil {
		a.release(credID)
		return nil, &completionCallError{err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		a.release(credID)
		return nil, &completionCallError{err: proxy.NewHTTPError(resp.StatusCode, "deepseek: completion request failed", nil)}
	}

	pr, pw := io.Pipe()
	go translateSSE(resp.Body, pw, prompt, thinking, search)
	return dispatch.NewStream(pr, func() {
		resp.Body.Close()
		a.release(credID)
	}), nil
}

func (a *Adapter) release(credID string) {
	if credID != "" {
		a.pool.Release(credID)
	}
}
