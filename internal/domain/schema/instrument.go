// Package schema defines the canonical instrument, rule, connection, and market data models.
package schema

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Key uniquely identifies an instrument by code and exchange.
type Key struct {
	Instrument string
	Exchange   string
}

// NewKey builds a key from trimmed instrument and exchange codes.
func NewKey(instrument, exchange string) Key {
	return Key{Instrument: strings.TrimSpace(instrument), Exchange: strings.TrimSpace(exchange)}
}

// String renders the key as INSTRUMENT.EXCHANGE.
func (k Key) String() string {
	return k.Instrument + "." + k.Exchange
}

// Less orders keys by instrument, then exchange.
func (k Key) Less(other Key) bool {
	if k.Instrument == other.Instrument {
		return k.Exchange < other.Exchange
	}
	return k.Instrument < other.Instrument
}

// InstrumentRecord describes a tradable instrument and the metadata handed to tick consumers.
type InstrumentRecord struct {
	Symbol     string          `json:"symbol"`
	Instrument string          `json:"instrument"`
	Exchange   string          `json:"exchange"`
	TickSize   decimal.Decimal `json:"tick_size"`
	Factor     decimal.Decimal `json:"factor"`
	TimeOffset int             `json:"time_offset"`
}

// Key returns the record's identity.
func (r InstrumentRecord) Key() Key {
	return NewKey(r.Instrument, r.Exchange)
}

// MatchSymbol returns the symbol rules are evaluated against. Records without an explicit
// symbol fall back to their instrument code.
func (r InstrumentRecord) MatchSymbol() string {
	if symbol := strings.TrimSpace(r.Symbol); symbol != "" {
		return symbol
	}
	return strings.TrimSpace(r.Instrument)
}

// SameMetadata reports whether two records carry identical metadata.
func (r InstrumentRecord) SameMetadata(other InstrumentRecord) bool {
	return r.Symbol == other.Symbol &&
		r.TickSize.Equal(other.TickSize) &&
		r.Factor.Equal(other.Factor) &&
		r.TimeOffset == other.TimeOffset
}

// ActiveSet maps instrument keys to the records that should currently be subscribed.
type ActiveSet map[Key]InstrumentRecord

// NewActiveSet builds a set from records; later duplicates replace earlier ones.
func NewActiveSet(records []InstrumentRecord) ActiveSet {
	set := make(ActiveSet, len(records))
	for _, record := range records {
		set[record.Key()] = record
	}
	return set
}

// Contains reports whether the key is present.
func (s ActiveSet) Contains(key Key) bool {
	_, ok := s[key]
	return ok
}

// Keys returns the set's keys in sorted order.
func (s ActiveSet) Keys() []Key {
	keys := make([]Key, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	SortKeys(keys)
	return keys
}

// Records returns the set's records sorted by key.
func (s ActiveSet) Records() []InstrumentRecord {
	out := make([]InstrumentRecord, 0, len(s))
	for _, key := range s.Keys() {
		out = append(out, s[key])
	}
	return out
}

// Clone returns a shallow copy of the set.
func (s ActiveSet) Clone() ActiveSet {
	out := make(ActiveSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// SortKeys sorts keys in place.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

// SortRecords sorts records by key in place.
func SortRecords(records []InstrumentRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].Key().Less(records[j].Key()) })
}
