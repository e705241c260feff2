package grok

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/lkarlslund/sessionrelay/pkg/tokencache"
)

const (
	projectName = "grok"
	tokenFile   = "token.json"
)

// TokenEntry is one ssoNormal/ssoSuper record of accounts/grok/token.json
// (SPEC_FULL §3 "Grok token store").
type TokenEntry struct {
	Status                string    `json:"status,omitempty"`
	RemainingQueries      int       `json:"remainingQueries"`
	HeavyRemainingQueries int       `json:"heavyremainingQueries"`
	FailedCount           int       `json:"failedCount"`
	LastRefreshedAt       time.Time `json:"lastRefreshedAt,omitempty"`
	CreatedTime           time.Time `json:"createdTime,omitempty"`
	LastFailureTime       time.Time `json:"lastFailureTime,omitempty"`
	LastFailureReason     string    `json:"lastFailureReason,omitempty"`
}

func (e *TokenEntry) expired() bool {
	return e != nil && e.Status == "expired"
}

// quotaField returns the entry's quota for the tier selecting field
// (heavyremainingQueries for grok-4-heavy, remainingQueries otherwise).
func (e *TokenEntry) quotaField(heavy bool) int {
	if heavy {
		return e.HeavyRemainingQueries
	}
	return e.RemainingQueries
}

// TokenFile is the full contents of accounts/grok/token.json.
type TokenFile struct {
	SSONormal map[string]*TokenEntry `json:"ssoNormal"`
	SSOSuper  map[string]*TokenEntry `json:"ssoSuper"`
}

// Store is a thin wrapper binding the shared token cache to the
// single-file Grok credential store.
type Store struct {
	cache *tokencache.Cache
}

func NewStore(cache *tokencache.Cache) *Store {
	return &Store{cache: cache}
}

// Load reads and parses accounts/grok/token.json, returning an empty file
// if it does not yet exist.
func (s *Store) Load() (*TokenFile, error) {
	raw, err := s.cache.GetToken(projectName, tokenFile)
	if err != nil {
		return nil, err
	}
	tf := &TokenFile{SSONormal: map[string]*TokenEntry{}, SSOSuper: map[string]*TokenEntry{}}
	if raw == nil {
		return tf, nil
	}
	if err := json.Unmarshal(raw, tf); err != nil {
		return nil, err
	}
	if tf.SSONormal == nil {
		tf.SSONormal = map[string]*TokenEntry{}
	}
	if tf.SSOSuper == nil {
		tf.SSOSuper = map[string]*TokenEntry{}
	}
	return tf, nil
}

// Save persists tf back to accounts/grok/token.json and invalidates the cache.
func (s *Store) Save(tf *TokenFile) error {
	return s.cache.SaveToken(projectName, tokenFile, tf)
}

// ManagementTokenSnapshot is the sanitized shape exposed over the JSON
// management API's GET /tokens/list?project=grok — the four documented
// quota/status fields, keyed by an opaque per-tier index, never the raw sso
// value that keys the on-disk store.
type ManagementTokenSnapshot struct {
	ID                    string `json:"id"`
	Tier                  string `json:"tier"`
	Status                string `json:"status,omitempty"`
	RemainingQueries      int    `json:"remainingQueries"`
	HeavyRemainingQueries int    `json:"heavyremainingQueries"`
	FailedCount           int    `json:"failedCount"`
}

// ManagementSnapshot loads the store and projects every entry to
// ManagementTokenSnapshot, omitting the raw sso key entirely.
func (s *Store) ManagementSnapshot() ([]ManagementTokenSnapshot, error) {
	tf, err := s.Load()
	if err != nil {
		return nil, err
	}
	out := make([]ManagementTokenSnapshot, 0, len(tf.SSONormal)+len(tf.SSOSuper))
	out = appendManagementSnapshot(out, tf.SSONormal, "normal")
	out = appendManagementSnapshot(out, tf.SSOSuper, "super")
	return out, nil
}

func appendManagementSnapshot(out []ManagementTokenSnapshot, pool map[string]*TokenEntry, tier string) []ManagementTokenSnapshot {
	keys := make([]string, 0, len(pool))
	for k := range pool {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		e := pool[k]
		out = append(out, ManagementTokenSnapshot{
			ID:                    fmt.Sprintf("%s-%d", tier, i),
			Tier:                  tier,
			Status:                e.Status,
			RemainingQueries:      e.RemainingQueries,
			HeavyRemainingQueries: e.HeavyRemainingQueries,
			FailedCount:           e.FailedCount,
		})
	}
	return out
}

// Delete removes a single sso entry (normal or super tier) and persists.
func (s *Store) Delete(sso string, super bool) error {
	tf, err := s.Load()
	if err != nil {
		return err
	}
	if super {
		delete(tf.SSOSuper, sso)
	} else {
		delete(tf.SSONormal, sso)
	}
	return s.Save(tf)
}

// UpdateLimits writes observed rate-limit-poll quotas back onto entry sso.
// Per SPEC_FULL §9's resolution of the wire/store field-name mismatch: the
// poll response's remainingTokens field (non-heavy) updates the stored
// remainingQueries counter, and its remainingQueries field (heavy) updates
// heavyremainingQueries.
func (s *Store) UpdateLimits(sso string, super bool, remainingTokensNonHeavy, remainingQueriesHeavy *int) error {
	tf, err := s.Load()
	if err != nil {
		return err
	}
	pool := tf.SSONormal
	if super {
		pool = tf.SSOSuper
	}
	entry, ok := pool[sso]
	if !ok {
		entry = &TokenEntry{CreatedTime: time.Now()}
		pool[sso] = entry
	}
	if remainingTokensNonHeavy != nil {
		entry.RemainingQueries = *remainingTokensNonHeavy
	}
	if remainingQueriesHeavy != nil {
		entry.HeavyRemainingQueries = *remainingQueriesHeavy
	}
	entry.LastRefreshedAt = time.Now()
	return s.Save(tf)
}

// MarkFailure records an upstream failure for sso; at failedCount>=3 with a
// 4xx status the entry is marked expired. reason is stored verbatim as
// lastFailureReason for later diagnosis.
func (s *Store) MarkFailure(sso string, super bool, status int, reason string) error {
	tf, err := s.Load()
	if err != nil {
		return err
	}
	pool := tf.SSONormal
	if super {
		pool = tf.SSOSuper
	}
	entry, ok := pool[sso]
	if !ok {
		return nil
	}
	entry.FailedCount++
	entry.LastFailureTime = time.Now()
	entry.LastFailureReason = reason
	if entry.FailedCount >= 3 && status >= 400 && status < 500 {
		entry.Status = "expired"
	}
	return s.Save(tf)
}

// MarkSuccess resets failedCount after a successful call.
func (s *Store) MarkSuccess(sso string, super bool) error {
	tf, err := s.Load()
	if err != nil {
		return err
	}
	pool := tf.SSONormal
	if super {
		pool = tf.SSOSuper
	}
	entry, ok := pool[sso]
	if !ok || entry.FailedCount == 0 {
		return nil
	}
	entry.FailedCount = 0
	return s.Save(tf)
}
