// Package selector implements the credential pool: round-robin leasing of
// per-provider credentials with temporary skip windows and exclusive in-use
// locking. It generalizes the reservation/release discipline of the
// teacher's pkg/proxy/token_quota.go onto an in-memory ring per model.
package selector

import (
	"sync"
	"time"
)

const defaultSkipDuration = 30 * time.Second

type credential struct {
	id       string
	inUse    bool
	skipUntl time.Time
}

type ring struct {
	ownerTag string
	order    []string
	byID     map[string]*credential
	cursor   int
}

// Pool is a process-wide, concurrency-safe credential selector keyed by
// model id. Each model owns its own ring of credential ids.
type Pool struct {
	mu     sync.Mutex
	models map[string]*ring
}

// Stats is a read-only snapshot of one model's ring, as returned by
// StatsSnapshot.
type Stats struct {
	Model       string `json:"model"`
	OwnerTag    string `json:"ownerTag"`
	RingSize    int    `json:"ringSize"`
	InUse       int    `json:"inUse"`
	SkippedNow  int    `json:"skippedNow"`
}

func New() *Pool {
	return &Pool{models: map[string]*ring{}}
}

// Register idempotently extends modelID's ring with credentialIDs and
// records ownerTag the first time the model is seen (or whenever a
// non-empty tag is supplied).
func (p *Pool) Register(modelID string, credentialIDs []string, ownerTag string) {
	if p == nil || modelID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.models[modelID]
	if !ok {
		r = &ring{byID: map[string]*credential{}}
		p.models[modelID] = r
	}
	if ownerTag != "" {
		r.ownerTag = ownerTag
	}
	for _, id := range credentialIDs {
		if id == "" {
			continue
		}
		if _, exists := r.byID[id]; exists {
			continue
		}
		c := &credential{id: id}
		r.byID[id] = c
		r.order = append(r.order, id)
	}
}

// Acquire scans at most ring.size entries starting at the cursor, advancing
// it on every step regardless of outcome, and returns the first candidate
// that is not in-use and not within a skip window. Returns "", false when no
// candidate is available.
func (p *Pool) Acquire(modelID string) (string, bool) {
	if p == nil {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.models[modelID]
	if !ok || len(r.order) == 0 {
		return "", false
	}
	now := time.Now()
	n := len(r.order)
	for i := 0; i < n; i++ {
		idx := r.cursor % n
		r.cursor = (r.cursor + 1) % n
		id := r.order[idx]
		c := r.byID[id]
		if c == nil || c.inUse {
			continue
		}
		if !c.skipUntl.IsZero() && now.Before(c.skipUntl) {
			continue
		}
		c.inUse = true
		return id, true
	}
	return "", false
}

// Release clears the in-use flag for credentialID across every model ring
// that references it. Idempotent.
func (p *Pool) Release(credentialID string) {
	if p == nil || credentialID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.models {
		if c, ok := r.byID[credentialID]; ok {
			c.inUse = false
		}
	}
}

// Skip sets skipUntil = now + duration for (modelID, credentialID).
// duration <= 0 uses the default 30s window.
func (p *Pool) Skip(modelID, credentialID string, duration time.Duration) {
	if p == nil {
		return
	}
	if duration <= 0 {
		duration = defaultSkipDuration
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.models[modelID]
	if !ok {
		return
	}
	if c, ok := r.byID[credentialID]; ok {
		c.skipUntl = time.Now().Add(duration)
	}
}

// ClearSkip lifts any skip window on (modelID, credentialID).
func (p *Pool) ClearSkip(modelID, credentialID string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.models[modelID]
	if !ok {
		return
	}
	if c, ok := r.byID[credentialID]; ok {
		c.skipUntl = time.Time{}
	}
}

// StatsSnapshot returns a snapshot of every registered model's ring.
func (p *Pool) StatsSnapshot() []Stats {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	out := make([]Stats, 0, len(p.models))
	for model, r := range p.models {
		s := Stats{Model: model, OwnerTag: r.ownerTag, RingSize: len(r.order)}
		for _, c := range r.byID {
			if c.inUse {
				s.InUse++
			}
			if !c.skipUntl.IsZero() && now.Before(c.skipUntl) {
				s.SkippedNow++
			}
		}
		out = append(out, s)
	}
	return out
}
