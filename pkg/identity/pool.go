package identity

import (
	"sync"
)

// Source produces identities for a pool. *Generator is the production
// implementation.
type Source interface {
	Generate() (Identity, error)
}

// Pool is a fixed-capacity, round-robin identity pool. Entries are
// reused, never consumed: after capacity calls to Next the cursor
// wraps and the same identities are handed out again in order.
//
// The cursor is the only shared mutable state in the service; all
// access is serialized so concurrent callers never receive the same
// entry for one cursor position and never skip one.
type Pool struct {
	mu       sync.Mutex
	source   Source
	capacity int
	entries  []Identity
	cursor   int
}

// NewPool creates an unfilled pool that draws from source. Capacity
// values below 1 are clamped to 1 so a pool can always be constructed.
func NewPool(source Source, capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{source: source, capacity: capacity}
}

// Fill generates the pool's full complement of identities, replacing
// any previous fill. A generation failure degrades that entry rather
// than aborting: the pool always ends up fully sized.
func (p *Pool) Fill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fillLocked()
}

func (p *Pool) fillLocked() {
	entries := make([]Identity, 0, p.capacity)
	for i := 0; i < p.capacity; i++ {
		id, err := p.source.Generate()
		if err != nil {
			id = Degraded(err)
		}
		entries = append(entries, id)
	}
	p.entries = entries
	p.cursor = 0
}

// Next returns the identity at the cursor and advances it, wrapping at
// the pool size. An unfilled pool is filled first, so Next never fails
// once the pool object exists.
func (p *Pool) Next() Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		p.fillLocked()
	}
	id := p.entries[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.entries)
	return id
}

// Random generates a fresh identity outside the pool. It never touches
// the round-robin cursor, so interleaved Random and Next calls leave
// the Next sequence unaffected.
func (p *Pool) Random() Identity {
	id, err := p.source.Generate()
	if err != nil {
		return Degraded(err)
	}
	return id
}

// GetByID regenerates a syntactically valid identity and stamps the
// requested id onto it. This is a compatibility affordance, not a
// lookup: the attributes are fresh, not the ones that id carried at
// some earlier time.
func (p *Pool) GetByID(id string) Identity {
	out := p.Random()
	out.ID = id
	return out
}

// List returns up to limit pool entries from the front. A limit below
// 1 returns an empty slice. The returned slice is a copy.
func (p *Pool) List(limit int) []Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limit < 1 {
		return []Identity{}
	}
	if limit > len(p.entries) {
		limit = len(p.entries)
	}
	out := make([]Identity, limit)
	copy(out, p.entries[:limit])
	return out
}

// Size returns the number of identities currently in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Healthy reports whether the pool can serve identities: either it is
// already filled or a fresh identity can be generated on demand.
func (p *Pool) Healthy() bool {
	if p.Size() > 0 {
		return true
	}
	_, err := p.source.Generate()
	return err == nil
}
