package live

import (
	"sync"
	"time"

	"github.com/your-org/reid/internal/config"
)

// UniqueSet holds the identities counted toward the unique-person total.
// It is shared by all camera sessions.
type UniqueSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewUniqueSet() *UniqueSet {
	return &UniqueSet{ids: make(map[string]struct{})}
}

// Add records id and reports whether it was new.
func (u *UniqueSet) Add(id string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.ids[id]; ok {
		return false
	}
	u.ids[id] = struct{}{}
	return true
}

func (u *UniqueSet) Contains(id string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.ids[id]
	return ok
}

func (u *UniqueSet) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.ids)
}

func (u *UniqueSet) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ids = make(map[string]struct{})
}

type pendingIdentity struct {
	frames         int
	featureFrames  int
	elevatedFrames int
	lastSeen       time.Time
}

// confirmBuffer decides when an identity has been observed enough to be
// counted as a unique person.
type confirmBuffer struct {
	mu      sync.Mutex
	cfg     config.LiveConfig
	unique  *UniqueSet
	pending map[string]*pendingIdentity
}

func newConfirmBuffer(cfg config.LiveConfig, unique *UniqueSet) *confirmBuffer {
	return &confirmBuffer{
		cfg:     cfg,
		unique:  unique,
		pending: make(map[string]*pendingIdentity),
	}
}

// Observe records one sighting and reports whether id is now counted.
func (b *confirmBuffer) Observe(id string, confidence float64, hasFeatures bool, now time.Time) bool {
	if b.unique.Contains(id) {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[id]
	if !ok {
		p = &pendingIdentity{}
		b.pending[id] = p
	}
	p.frames++
	p.lastSeen = now
	if hasFeatures {
		p.featureFrames++
	}
	if confidence >= b.cfg.ElevatedConfidence {
		p.elevatedFrames++
	}

	instant := hasFeatures && confidence >= b.cfg.InstantConfidence
	steady := p.featureFrames >= b.cfg.ConfirmFrames
	elevated := p.featureFrames > 0 && p.elevatedFrames >= b.cfg.ReducedConfirmFrames
	if !instant && !steady && !elevated {
		return false
	}

	delete(b.pending, id)
	b.unique.Add(id)
	return true
}

// Prune forgets pending identities not seen within the pending TTL.
func (b *confirmBuffer) Prune(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, p := range b.pending {
		if now.Sub(p.lastSeen) > b.cfg.PendingTTL {
			delete(b.pending, id)
			n++
		}
	}
	return n
}

func (b *confirmBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *confirmBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = make(map[string]*pendingIdentity)
}
