package deepseek

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/lkarlslund/sessionrelay/pkg/proxy"
)

const (
	apiHost          = "chat.deepseek.com"
	loginURL         = "https://chat.deepseek.com/api/v0/users/login"
	createSessionURL = "https://chat.deepseek.com/api/v0/chat_session/create"
	createPowURL     = "https://chat.deepseek.com/api/v0/chat/create_pow_challenge"
	completionURL    = "https://chat.deepseek.com/api/v0/chat/completion"

	targetPathCompletion = "/api/v0/chat/completion"
	// Fallbacks for a challenge that omits difficulty/expire_at.
	// defaultExpireAt is a stale timestamp (March 2023), kept as is.
	defaultDifficulty = 144000
	defaultExpireAt   = 1680000000
)

var mobilePattern = regexp.MustCompile(`^1[3-9]\d{9}$`)

func baseHeaders() map[string]string {
	return map[string]string{
		"Host":              apiHost,
		"User-Agent":        "DeepSeek/1.0.13 Android/35",
		"Accept":            "application/json",
		"Content-Type":      "application/json",
		"x-client-platform": "android",
		"x-client-version":  "1.3.0-auto-resume",
		"x-client-locale":   "zh_CN",
		"accept-charset":    "UTF-8",
	}
}

func authHeaders(token string) map[string]string {
	h := baseHeaders()
	h["Authorization"] = "Bearer " + token
	return h
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) (*http.Response, error) {
	bs, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(bs)))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return client.Do(req)
}

// login authenticates cred against DeepSeek and returns the session token,
// writing it back onto cred.
func login(ctx context.Context, client *http.Client, cred *Credential) (string, error) {
	email := strings.TrimSpace(cred.Email)
	mobile := strings.TrimSpace(cred.Mobile)
	password := strings.TrimSpace(cred.Password)
	if password == "" || (email == "" && mobile == "") {
		return "", proxy.ErrBadRequest("deepseek: credential missing email/mobile or password")
	}
	if mobile != "" && email == "" && !mobilePattern.MatchString(mobile) {
		return "", proxy.ErrBadRequest("deepseek: mobile number does not match required format")
	}

	payload := map[string]any{
		"device_id": deviceIDOrDefault(cred.DeviceID),
		"os":        "android",
	}
	if email != "" {
		payload["email"] = email
		payload["password"] = password
	} else {
		payload["mobile"] = mobile
		if ac := strings.TrimSpace(cred.AreaCode); ac != "" {
			payload["area_code"] = ac
		} else {
			payload["area_code"] = nil
		}
		payload["password"] = password
	}

	resp, err := postJSON(ctx, client, loginURL, baseHeaders(), payload)
	if err != nil {
		return "", proxy.ErrUpstreamFatal("deepseek: login request failed", err)
	}
	defer resp.Body.Close()

	var data struct {
		Data struct {
			BizData struct {
				User struct {
					Token string `json:"token"`
				} `json:"user"`
			} `json:"biz_data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", proxy.ErrUpstreamFatal("deepseek: login decode failed", err)
	}
	if data.Data.BizData.User.Token == "" {
		return "", proxy.NewHTTPError(resp.StatusCode, "deepseek: login response missing token", nil)
	}
	cred.Token = data.Data.BizData.User.Token
	return cred.Token, nil
}

func deviceIDOrDefault(id string) string {
	if id != "" {
		return id
	}
	return "web_proxy_api"
}

// createSession opens a chat session for token, retrying up to 3 times on a
// non-zero response code.
func createSession(ctx context.Context, client *http.Client, token string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		id, err := createSessionOnce(ctx, client, token)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	return "", proxy.ErrUpstreamFatal("deepseek: create_session failed after retries", lastErr)
}

func createSessionOnce(ctx context.Context, client *http.Client, token string) (string, error) {
	resp, err := postJSON(ctx, client, createSessionURL, authHeaders(token), map[string]any{"agent": "chat"})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var data struct {
		Code int `json:"code"`
		Data struct {
			BizData struct {
				ID string `json:"id"`
			} `json:"biz_data"`
		} `json:"data"`
		Msg string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK || data.Code != 0 {
		return "", fmt.Errorf("code=%d msg=%s", data.Code, data.Msg)
	}
	return data.Data.BizData.ID, nil
}

// powChallenge mirrors the wire response of create_pow_challenge.
type powChallenge struct {
	Algorithm  string `json:"algorithm"`
	Challenge  string `json:"challenge"`
	Salt       string `json:"salt"`
	Difficulty int    `json:"difficulty"`
	ExpireAt   int64  `json:"expire_at"`
	Signature  string `json:"signature"`
	TargetPath string `json:"target_path"`
}

func fetchPowChallenge(ctx context.Context, client *http.Client, token string) (powChallenge, error) {
	resp, err := postJSON(ctx, client, createPowURL, authHeaders(token), map[string]any{
		"target_path": targetPathCompletion,
	})
	if err != nil {
		return powChallenge{}, proxy.ErrUpstreamFatal("deepseek: create_pow_challenge request failed", err)
	}
	defer resp.Body.Close()

	var data struct {
		Code int `json:"code"`
		Data struct {
			BizData struct {
				Challenge powChallenge `json:"challenge"`
			} `json:"biz_data"`
		} `json:"data"`
		Msg string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return powChallenge{}, proxy.ErrUpstreamFatal("deepseek: create_pow_challenge decode failed", err)
	}
	if resp.StatusCode != http.StatusOK || data.Code != 0 {
		return powChallenge{}, proxy.NewHTTPError(resp.StatusCode, fmt.Sprintf("deepseek: create_pow_challenge failed: code=%d msg=%s", data.Code, data.Msg), nil)
	}
	ch := data.Data.BizData.Challenge
	if ch.Difficulty == 0 {
		ch.Difficulty = defaultDifficulty
	}
	if ch.ExpireAt == 0 {
		ch.ExpireAt = defaultExpireAt
	}
	return ch, nil
}

// solvePow computes the base64 x-ds-pow-response payload for ch.
func (a *Adapter) solvePow(ch powChallenge) (string, error) {
	if ch.Algorithm != "DeepSeekHashV1" {
		return "", proxy.ErrPowFailure(fmt.Sprintf("deepseek: unsupported pow algorithm %q", ch.Algorithm), nil)
	}
	engine, err := a.ensurePowEngine()
	if err != nil {
		return "", proxy.ErrPowFailure("deepseek: pow engine init failed", err)
	}
	prefix := fmt.Sprintf("%s_%d_", ch.Salt, ch.ExpireAt)
	answer, err := engine.solve(ch.Challenge, prefix, float64(ch.Difficulty))
	if err != nil || answer == 0 {
		return "", proxy.ErrPowFailure("deepseek: pow solve failed", err)
	}
	payload := map[string]any{
		"algorithm":   ch.Algorithm,
		"challenge":   ch.Challenge,
		"salt":        ch.Salt,
		"answer":      answer,
		"signature":   ch.Signature,
		"target_path": ch.TargetPath,
	}
	js, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(js), nil
}

// modelFlags returns (thinking, search) for a DeepSeek model id.
func modelFlags(model string) (thinking, search bool, ok bool) {
	switch strings.ToLower(model) {
	case "deepseek-chat":
		return false, false, true
	case "deepseek-reasoner":
		return true, false, true
	case "deepseek-chat-search":
		return false, true, true
	case "deepseek-reasoner-search":
		return true, true, true
	default:
		return false, false, false
	}
}

// callCompletion issues the completion request and returns the raw SSE
// response for the caller to transform.
func callCompletion(ctx context.Context, client *http.Client, token, sessionID, prompt string, thinking, search bool, powResponse string) (*http.Response, error) {
	headers := authHeaders(token)
	headers["x-ds-pow-response"] = powResponse
	payload := map[string]any{
		"chat_session_id":   sessionID,
		"parent_message_id": nil,
		"prompt":            prompt,
		"ref_file_ids":      []string{},
		"thinking_enabled":  thinking,
		"search_enabled":    search,
	}
	resp, err := postJSON(ctx, client, completionURL, headers, payload)
	if err != nil {
		return nil, proxy.ErrUpstreamFatal("deepseek: completion request failed", err)
	}
	return resp, nil
}
