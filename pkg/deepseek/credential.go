// Package deepseek implements the DeepSeek provider adapter: credential
// login, session/PoW negotiation, prompt assembly, and SSE-to-OpenAI
// streaming translation. Grounded on
// other_examples/ColudAI-Deepseek2Go__main.go.
package deepseek

import "encoding/json"

// Credential is the generic on-disk credential record for this project,
// stored at accounts/<project>/<identifier>.json.
type Credential struct {
	Type     string `json:"type,omitempty"`
	Email    string `json:"email,omitempty"`
	Mobile   string `json:"mobile,omitempty"`
	AreaCode string `json:"area_code,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	ProxyURL string `json:"proxy_url,omitempty"`
}

func (c *Credential) identifier() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Mobile
}

func parseCredential(raw json.RawMessage) (*Credential, error) {
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
