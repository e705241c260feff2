package grok

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	"github.com/lkarlslund/sessionrelay/pkg/dispatch"
	"github.com/lkarlslund/sessionrelay/pkg/mediacache"
	"github.com/lkarlslund/sessionrelay/pkg/middle"
	"github.com/lkarlslund/sessionrelay/pkg/proxy"
)

// Adapter implements dispatch.Adapter for Grok: SSO token ranking, the
// completion/upload/create-post REST calls, and the NDJSON streaming
// transform.
type Adapter struct {
	cfg    Config
	store  *Store
	client *Client
	media  *mediacache.Cache
}

// NewAdapter wires a Grok adapter over the shared token store and media
// cache. Build a Refresher with NewRefresher and call its Run separately to
// run the background quota poller.
func NewAdapter(cfg Config, store *Store, mediaRoot string) *Adapter {
	client := NewClient(cfg)
	media := mediacache.New(mediacache.Config{
		RootDir:          mediaRoot,
		ImageMaxSizeMB:   cfg.ImageCacheMaxMB,
		VideoMaxSizeMB:   cfg.VideoCacheMaxMB,
		ClientForRequest: client.httpClient,
	})
	return &Adapter{cfg: cfg, store: store, client: client, media: media}
}

// Models returns every model id this adapter serves.
func (a *Adapter) Models() []string {
	return IDs()
}

// Handle drives one Grok completion request: token ranking/selection, the
// completion (or image-to-video) call, and the streaming transform.
func (a *Adapter) Handle(ctx context.Context, callerAuth string, content middle.Content) (*dispatch.Stream, error) {
	model, ok := Lookup(content.Model)
	if !ok {
		return nil, proxy.ErrBadRequest("grok: unknown model " + content.Model)
	}
	if len(content.Messages) == 0 {
		return nil, proxy.ErrBadRequest("grok: messages must not be empty")
	}

	tf, err := a.store.Load()
	if err != nil {
		return nil, proxy.ErrUpstreamFatal("grok: load token store failed", err)
	}
	sso, super, ok := SelectToken(tf, model)
	if !ok {
		return nil, proxy.ErrNoAccountGrok()
	}

	message, images := flattenMessages(content.Messages)

	resp, callErr := a.complete(ctx, sso, model, message, images)
	if callErr != nil {
		_ = a.store.MarkFailure(sso, super, proxy.StatusOf(callErr), callErr.Error())
		return nil, callErr
	}
	_ = a.store.MarkSuccess(sso, super)

	pr, pw := io.Pipe()
	deps := streamDeps{ctx: ctx, cfg: a.cfg, media: a.media, cookie: ssoCookie(sso)}
	go translateGrokStream(resp.Body, pw, model, deps)
	return dispatch.NewStream(pr, func() { resp.Body.Close() }), nil
}

func (a *Adapter) complete(ctx context.Context, sso string, model Model, message string, images [][]byte) (*http.Response, error) {
	if model.ID == "grok-imagine-0.9" && len(images) > 0 {
		return a.client.CompleteImageToVideo(ctx, sso, message, images[0], "image/jpeg")
	}
	return a.client.Complete(ctx, sso, model, message, nil, nil)
}

// ssoCookie is the upstream Cookie header value for media-asset fetches,
// which reuse the same sso-rw/sso pair as completion calls.
func ssoCookie(sso string) string {
	return "sso-rw=" + sso + ";sso=" + sso
}

// flattenMessages renders a MiddleContent conversation down to the single
// "message" field Grok's completion endpoint expects, and collects any
// inline image attachments carried by tool calls.
func flattenMessages(msgs []middle.Message) (string, [][]byte) {
	var b strings.Builder
	var images [][]byte
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if m.Role != "user" {
			b.WriteString(strings.ToUpper(m.Role))
			b.WriteString(": ")
		}
		b.WriteString(m.Content)
		for _, tc := range m.ToolCalls {
			if tc.InlineData == nil {
				continue
			}
			if data, err := base64.StdEncoding.DecodeString(tc.InlineData.Data); err == nil {
				images = append(images, data)
			}
		}
	}
	return b.String(), images
}
