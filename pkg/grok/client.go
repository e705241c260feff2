package grok

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/sessionrelay/pkg/egressproxy"
	"github.com/lkarlslund/sessionrelay/pkg/proxy"
)

func base64Std(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Config is the Grok adapter's static configuration, sourced from the
// server config's grok.* block (SPEC_FULL §6).
type Config struct {
	BaseURL           string
	XStatsigID        string
	DynamicStatsig    bool
	Temporary         bool
	ProxyURL          string
	ProxyPoolURL      string
	ProxyPoolInterval int
	RetryStatusCodes  []int
	FilteredTags      []string
	ShowThinking      bool
	ImageMode         string
	ImageCacheMaxMB   int
	VideoCacheMaxMB   int
}

// Client drives Grok's web-session REST endpoints: completion, rate-limit
// polling, and file upload/post-creation for image-to-video requests.
// Grounded structurally on other_examples/momomobinx-grok3_api__app.go's
// GrokClient.sendMessage/uploadMessageAsFile.
type Client struct {
	cfg   Config
	proxy *egressproxy.Pool
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://grok.com"
	}
	if len(cfg.RetryStatusCodes) == 0 {
		cfg.RetryStatusCodes = []int{401, 429}
	}
	egress := egressproxy.New(egressproxy.Config{
		StaticProxy: cfg.ProxyURL,
		PoolURL:     cfg.ProxyPoolURL,
		IntervalSec: cfg.ProxyPoolInterval,
	})
	egress.SetWarnLogger(func(format string, args ...any) { log.Warnf(format, args...) })
	return &Client{
		cfg:   cfg,
		proxy: egress,
	}
}

func (c *Client) httpClient(ctx context.Context) (*http.Client, error) {
	return c.proxy.Client(ctx)
}

func (c *Client) forceRefreshProxy(ctx context.Context) {
	c.proxy.ForceRefresh(ctx)
}

// baselineHeaders is applied to every Grok call, per SPEC_FULL §4.6.
func baselineHeaders() map[string]string {
	return map[string]string{
		"User-Agent":         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		"Accept-Language":    "en-US,en;q=0.9",
		"Sec-Ch-Ua":          `"Chromium";v="131", "Not_A Brand";v="24"`,
		"Sec-Ch-Ua-Mobile":   "?0",
		"Sec-Ch-Ua-Platform": `"Windows"`,
		"Origin":             "https://grok.com",
		"Referer":            "https://grok.com/",
		"Baggage":            "sentry-environment=production",
	}
}

func (c *Client) statsigID() string {
	if c.cfg.DynamicStatsig {
		return GenerateStatsigID()
	}
	return c.cfg.XStatsigID
}

func isRetryStatus(status int, codes []int) bool {
	for _, c := range codes {
		if c == status {
			return true
		}
	}
	return false
}

const (
	innerRetries403 = 5
	outerRetries    = 3
)

// call issues one request with Grok's shared retry policy: up to
// outerRetries attempts for statuses in RetryStatusCodes (backoff
// (i+1)*100ms), each attempt allowing up to innerRetries403 for HTTP 403
// (each forcing an egress proxy refresh and a 500ms pause).
func (c *Client) call(ctx context.Context, method, url string, payload any, sso string, contentType string) (*http.Response, error) {
	var lastErr error
	for outer := 0; outer < outerRetries; outer++ {
		resp, err := c.callWithInnerRetry(ctx, method, url, payload, sso, contentType)
		if err != nil {
			lastErr = err
		} else if isRetryStatus(resp.StatusCode, c.cfg.RetryStatusCodes) {
			resp.Body.Close()
			lastErr = proxy.NewHTTPError(resp.StatusCode, "grok: retryable upstream status", nil)
		} else {
			return resp, nil
		}
		time.Sleep(time.Duration(outer+1) * 100 * time.Millisecond)
	}
	return nil, lastErr
}

func (c *Client) callWithInnerRetry(ctx context.Context, method, url string, payload any, sso string, contentType string) (*http.Response, error) {
	var lastErr error
	for inner := 0; inner < innerRetries403; inner++ {
		resp, err := c.doOnce(ctx, method, url, payload, sso, contentType)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			c.forceRefreshProxy(ctx)
			time.Sleep(500 * time.Millisecond)
			lastErr = proxy.NewHTTPError(403, "grok: blocked", nil)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, url string, payload any, sso string, contentType string) (*http.Response, error) {
	client, err := c.httpClient(ctx)
	if err != nil {
		return nil, proxy.ErrUpstreamFatal("grok: build http client failed", err)
	}
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range baselineHeaders() {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-statsig-id", c.statsigID())
	req.Header.Set("x-xai-request-id", NewRequestID())
	req.Header.Set("Cookie", fmt.Sprintf("sso-rw=%s;sso=%s", sso, sso))
	resp, err := client.Do(req)
	if err != nil {
		return nil, proxy.ErrUpstreamFatal("grok: request failed", err)
	}
	return resp, nil
}

// textPayload builds the fixed options set for text/reasoning completions.
func textPayload(cfg Config, model Model, message string, fileAttachments, imageAttachments []string) map[string]any {
	return map[string]any{
		"temporary":                 cfg.Temporary,
		"modelName":                 model.GrokModel,
		"message":                   message,
		"fileAttachments":           nonNil(fileAttachments),
		"imageAttachments":          nonNil(imageAttachments),
		"disableSearch":             false,
		"enableImageGeneration":     true,
		"returnImageBytes":          false,
		"returnRawGrokInXaiRequest": false,
		"enableImageStreaming":      true,
		"imageGenerationCount":      2,
		"forceConcise":              false,
		"toolOverrides":             map[string]any{},
		"enableSideBySide":          true,
		"sendFinalMetadata":         true,
		"isReasoning":               false,
		"webpageUrls":               []string{},
		"disableTextFollowUps":      true,
		"responseMetadata": map[string]any{
			"requestModelDetails": map[string]any{"modelId": model.GrokModel},
		},
		"disableMemory":   false,
		"forceSideBySide": false,
		"modelMode":       model.ModelMode,
		"isAsyncChat":     false,
	}
}

// imageToVideoPayload builds the fixed skeleton used for grok-imagine
// image-to-video requests, after uploading the reference image and creating
// its post.
func imageToVideoPayload(referenceURL, userText, fileID string) map[string]any {
	return map[string]any{
		"temporary":       true,
		"modelName":       "grok-3",
		"message":         fmt.Sprintf("%s  %s --mode=custom", referenceURL, userText),
		"fileAttachments": []string{fileID},
		"toolOverrides":   map[string]any{"videoGen": true},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Complete issues the conversations/new completion call and returns the raw
// NDJSON response body for the caller to transform.
func (c *Client) Complete(ctx context.Context, sso string, model Model, message string, fileAttachments, imageAttachments []string) (*http.Response, error) {
	url := c.cfg.BaseURL + "/rest/app-chat/conversations/new"
	payload := textPayload(c.cfg, model, message, fileAttachments, imageAttachments)
	return c.call(ctx, http.MethodPost, url, payload, sso, "application/json")
}

// CompleteImageToVideo uploads referenceImage, creates its post, and issues
// the image-to-video completion skeleton.
func (c *Client) CompleteImageToVideo(ctx context.Context, sso, userText string, referenceImage []byte, mimeType string) (*http.Response, error) {
	upload, err := c.UploadFile(ctx, sso, "reference."+extFor(mimeType), mimeType, referenceImage)
	if err != nil {
		return nil, err
	}
	post, err := c.CreatePost(ctx, sso, upload.FileMetadataID, upload.FileURI)
	if err != nil {
		return nil, err
	}
	url := c.cfg.BaseURL + "/rest/app-chat/conversations/new"
	payload := imageToVideoPayload(upload.FileURI, userText, post.PostID)
	return c.call(ctx, http.MethodPost, url, payload, sso, "application/json")
}

func extFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	default:
		return "jpg"
	}
}

// UploadFileResponse is the wire shape of POST /rest/app-chat/upload-file.
type UploadFileResponse struct {
	FileMetadataID string `json:"fileMetadataId"`
	FileURI        string `json:"fileUri"`
}

func (c *Client) UploadFile(ctx context.Context, sso, fileName, mimeType string, content []byte) (*UploadFileResponse, error) {
	url := c.cfg.BaseURL + "/rest/app-chat/upload-file"
	payload := map[string]any{
		"fileName":     fileName,
		"fileMimeType": mimeType,
		"content":      base64Std(content),
	}
	resp, err := c.call(ctx, http.MethodPost, url, payload, sso, "text/plain;charset=UTF-8")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out UploadFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, proxy.ErrUpstreamFatal("grok: upload-file decode failed", err)
	}
	return &out, nil
}

// CreatePostResponse is the wire shape of POST /rest/app-chat/create-post.
type CreatePostResponse struct {
	Success bool   `json:"success"`
	PostID  string `json:"postId"`
}

func (c *Client) CreatePost(ctx context.Context, sso, fileID, fileURI string) (*CreatePostResponse, error) {
	url := c.cfg.BaseURL + "/rest/app-chat/create-post"
	payload := map[string]any{"fileId": fileID, "fileUri": fileURI}
	resp, err := c.call(ctx, http.MethodPost, url, payload, sso, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out CreatePostResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, proxy.ErrUpstreamFatal("grok: create-post decode failed", err)
	}
	return &out, nil
}

// RateLimitResponse is the wire shape of POST /rest/rate-limits.
type RateLimitResponse struct {
	RemainingQueries int `json:"remainingQueries"`
	RemainingTokens  int `json:"remainingTokens"`
}

// PollRateLimit polls the quota for modelID under sso.
func (c *Client) PollRateLimit(ctx context.Context, sso, modelID string) (*RateLimitResponse, error) {
	url := c.cfg.BaseURL + "/rest/rate-limits"
	payload := map[string]any{"requestKind": "DEFAULT", "modelName": modelID}
	resp, err := c.call(ctx, http.MethodPost, url, payload, sso, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out RateLimitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, proxy.ErrUpstreamFatal("grok: rate-limits decode failed", err)
	}
	return &out, nil
}
