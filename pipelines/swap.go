package pipelines

import (
	"log"
	"sync"
)

// ShadowSuffix names the standby collection of a CollectionSwitch.
const ShadowSuffix = "__shadow"

// Target decides which collection a run reads from and writes to.
type Target interface {
	// Active is the collection queries read.
	Active() string
	// Standby is the collection a reindex writes.
	Standby() string
	// Promote makes written the active collection after a successful reindex.
	Promote(written string)
}

// FixedCollection reads and writes the same collection. A reindex clears and
// refills it in place, so concurrent readers may see it partially populated.
type FixedCollection string

func (c FixedCollection) Active() string  { return string(c) }
func (c FixedCollection) Standby() string { return string(c) }
func (c FixedCollection) Promote(string)  {}

// CollectionSwitch alternates between a collection and its shadow. Reindex
// fills the standby copy and promotes it only once ReplaceAll succeeded, so
// readers never see a half-written collection. The active side is held in
// memory and resets to the base collection on restart.
type CollectionSwitch struct {
	mu     sync.RWMutex
	base   string
	shadow bool
}

func NewCollectionSwitch(base string) *CollectionSwitch {
	return &CollectionSwitch{base: base}
}

func (s *CollectionSwitch) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name(s.shadow)
}

func (s *CollectionSwitch) Standby() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name(!s.shadow)
}

func (s *CollectionSwitch) Promote(written string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch written {
	case s.name(!s.shadow):
		s.shadow = !s.shadow
		log.Printf("[ingest] Promoted %s to active", written)
	case s.name(s.shadow):
	default:
		log.Printf("[ingest] Ignoring promote of unknown collection %s", written)
	}
}

func (s *CollectionSwitch) name(shadow bool) string {
	if shadow {
		return s.base + ShadowSuffix
	}
	return s.base
}
