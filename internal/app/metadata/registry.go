// Package metadata holds the instrument metadata attached to captured ticks.
package metadata

import (
	"strings"
	"sync"

	"github.com/coachpo/tickcapture/internal/domain/schema"
)

// Registry maps instrument aliases to their registered metadata. Each record is reachable as
// "INSTRUMENT.EXCHANGE" and as "INSTRUMENT." for feeds that omit the exchange.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]schema.InstrumentRecord
	keys    map[schema.Key]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]schema.InstrumentRecord),
		keys:    make(map[schema.Key]struct{}),
	}
}

// Aliases returns the lookup aliases for a key.
func Aliases(key schema.Key) []string {
	return []string{key.Instrument + "." + key.Exchange, key.Instrument + "."}
}

// Add registers or replaces the metadata for a record.
func (r *Registry) Add(record schema.InstrumentRecord) {
	key := record.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, alias := range Aliases(key) {
		r.entries[alias] = record
	}
	r.keys[key] = struct{}{}
}

// Remove unregisters a key. The exchange-less alias is kept when it resolves to a different
// exchange's record.
func (r *Registry) Remove(key schema.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	aliases := Aliases(key)
	delete(r.entries, aliases[0])
	if current, ok := r.entries[aliases[1]]; ok && current.Key() == key {
		delete(r.entries, aliases[1])
		// fall back to another registered exchange for the same instrument code
		for other := range r.keys {
			if other != key && other.Instrument == key.Instrument {
				r.entries[aliases[1]] = r.entries[Aliases(other)[0]]
				break
			}
		}
	}
	delete(r.keys, key)
}

// Lookup resolves metadata for an instrument. An empty exchange resolves through the
// exchange-less alias.
func (r *Registry) Lookup(instrument, exchange string) (schema.InstrumentRecord, bool) {
	instrument = strings.TrimSpace(instrument)
	exchange = strings.TrimSpace(exchange)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if record, ok := r.entries[instrument+"."+exchange]; ok {
		return record, true
	}
	record, ok := r.entries[instrument+"."]
	return record, ok
}

// Len returns the number of registered instruments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
