// Package grok implements the Grok provider adapter of SPEC_FULL §4.6:
// SSO token ranking, Statsig fingerprint generation, proxy-pool rotation,
// media caching, and background quota refresh. Grounded structurally on
// other_examples/momomobinx-grok3_api__app.go's GrokClient and
// generalized onto the credential-pool/selector described in SPEC_FULL §4.1.
package grok

// Model binds a public model id to the upstream grokModel/modelMode pair,
// its rate-limit poll id, a cost multiplier, and whether it requires an
// ssoSuper token.
type Model struct {
	ID               string
	GrokModel        string
	ModelMode        string
	RateLimitModelID string
	CostMultiplier   float64
	RequiresSuper    bool
}

// Models is the full public catalog this adapter serves.
var Models = []Model{
	{ID: "grok-3", GrokModel: "grok-3", ModelMode: "MODEL_MODE_GROK_3", RateLimitModelID: "grok-3", CostMultiplier: 1},
	{ID: "grok-3-reasoning", GrokModel: "grok-3", ModelMode: "MODEL_MODE_REASONING", RateLimitModelID: "grok-3", CostMultiplier: 1},
	{ID: "grok-4", GrokModel: "grok-4", ModelMode: "MODEL_MODE_GROK_4", RateLimitModelID: "grok-4", CostMultiplier: 2},
	{ID: "grok-4-reasoning", GrokModel: "grok-4", ModelMode: "MODEL_MODE_REASONING", RateLimitModelID: "grok-4", CostMultiplier: 2},
	{ID: "grok-4-fast", GrokModel: "grok-4-fast", ModelMode: "MODEL_MODE_GROK_4_FAST", RateLimitModelID: "grok-4-fast", CostMultiplier: 1},
	{ID: "grok-4-fast-reasoning", GrokModel: "grok-4-fast", ModelMode: "MODEL_MODE_REASONING", RateLimitModelID: "grok-4-fast", CostMultiplier: 1},
	{ID: "grok-4-heavy", GrokModel: "grok-4-heavy", ModelMode: "MODEL_MODE_GROK_4_HEAVY", RateLimitModelID: "grok-4-heavy", CostMultiplier: 5, RequiresSuper: true},
	{ID: "grok-imagine-0.9", GrokModel: "grok-imagine-0.9", ModelMode: "MODEL_MODE_GROK_3", RateLimitModelID: "grok-imagine-0.9", CostMultiplier: 1},
}

// Lookup returns the Model entry for a public model id.
func Lookup(id string) (Model, bool) {
	for _, m := range Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// IDs returns every model id this adapter serves.
func IDs() []string {
	out := make([]string, len(Models))
	for i, m := range Models {
		out[i] = m.ID
	}
	return out
}

const (
	normalRateLimitModelID = "grok-3"
	heavyRateLimitModelID  = "grok-4-heavy"
)
