package instructions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/catalog"
)

// Key identifies one composition. Records are re-read on every session
// start, so the key carries a fingerprint of their content next to the ids:
// an edited record never hits an entry composed from its old version.
type Key struct {
	PersonaID    string
	PersonaHash  string
	ScenarioID   string
	ScenarioHash string
	RoleID       string
	Phase        catalog.Phase
	GateHash     string
}

// KeyOf returns the cache key for in.
func KeyOf(in Input) Key {
	return Key{
		PersonaID:    in.Persona.ID,
		PersonaHash:  fingerprint(in.Persona),
		ScenarioID:   in.Scenario.ID,
		ScenarioHash: fingerprint(in.Scenario),
		RoleID:       in.Binding.RoleID,
		Phase:        in.Gates.Phase,
		GateHash:     in.Gates.Hash(),
	}
}

// fingerprint is a sha256 of the JSON encoding of v. Map keys are encoded
// sorted, so equal records give equal fingerprints.
func fingerprint(v any) string {
	h := sha256.New()
	if err := json.NewEncoder(h).Encode(v); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

const defaultCacheSize = 32

// Composer memoizes Compose by Key. The oldest entry is evicted once the
// cache is full.
type Composer struct {
	mu     sync.Mutex
	max    int
	order  []Key
	cache  map[Key]string
	misses int
}

// NewComposer returns a composer caching up to size entries (32 when size <= 0).
func NewComposer(size int) *Composer {
	if size <= 0 {
		size = defaultCacheSize
	}
	return &Composer{max: size, cache: make(map[Key]string, size)}
}

// Compose returns the instruction for in and whether it came from the cache.
func (c *Composer) Compose(in Input) (string, bool) {
	k := KeyOf(in)
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.cache[k]; ok {
		return s, true
	}
	s := Compose(in)
	c.misses++
	if len(c.order) >= c.max {
		delete(c.cache, c.order[0])
		c.order = c.order[1:]
	}
	c.cache[k] = s
	c.order = append(c.order, k)
	return s, false
}

// Misses returns how many compositions were computed rather than served from cache.
func (c *Composer) Misses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misses
}
