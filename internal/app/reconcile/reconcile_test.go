package reconcile

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickcapture/internal/domain/schema"
)

func rec(inst, exch string, offset int) schema.InstrumentRecord {
	return schema.InstrumentRecord{Instrument: inst, Exchange: exch, TimeOffset: offset}
}

func keysOf(records []schema.InstrumentRecord) []schema.Key {
	out := make([]schema.Key, 0, len(records))
	for _, r := range records {
		out = append(out, r.Key())
	}
	return out
}

func TestReconcileExampleScenario(t *testing.T) {
	old := schema.NewActiveSet([]schema.InstrumentRecord{rec("A", "X", 0), rec("B", "Y", 0)})
	next := schema.NewActiveSet([]schema.InstrumentRecord{rec("A", "X", 0)})

	delta := Reconcile(old, next)
	require.Equal(t, []schema.Key{schema.NewKey("B", "Y")}, keysOf(delta.ToRemove))
	require.Empty(t, delta.ToAdd)
	require.Equal(t, []schema.Key{schema.NewKey("A", "X")}, keysOf(delta.ToRefresh))
	require.False(t, delta.Empty())
}

func TestReconcileRefreshCarriesNewMetadata(t *testing.T) {
	old := schema.NewActiveSet([]schema.InstrumentRecord{rec("A", "X", 1)})
	next := schema.NewActiveSet([]schema.InstrumentRecord{rec("A", "X", 5)})

	delta := Reconcile(old, next)
	require.True(t, delta.Empty())
	require.Len(t, delta.ToRefresh, 1)
	require.Equal(t, 5, delta.ToRefresh[0].TimeOffset)
	require.Len(t, delta.Changed(old), 1)
	require.Empty(t, Reconcile(next, next).Changed(next))
}

func TestReconcilePartitionsSymmetricUnion(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		old := make(schema.ActiveSet)
		next := make(schema.ActiveSet)
		for i := 0; i < 40; i++ {
			r := rec(fmt.Sprintf("I%02d", i), "EX", i)
			if rng.Intn(2) == 0 {
				old[r.Key()] = r
			}
			if rng.Intn(2) == 0 {
				next[r.Key()] = r
			}
		}
		delta := Reconcile(old, next)

		seen := make(map[schema.Key]int)
		for _, part := range [][]schema.InstrumentRecord{delta.ToRemove, delta.ToAdd, delta.ToRefresh} {
			for _, k := range keysOf(part) {
				seen[k]++
			}
		}
		union := make(map[schema.Key]struct{})
		for k := range old {
			union[k] = struct{}{}
		}
		for k := range next {
			union[k] = struct{}{}
		}
		require.Len(t, seen, len(union))
		for k, n := range seen {
			require.Equal(t, 1, n, "key %s in more than one partition", k)
			_, ok := union[k]
			require.True(t, ok)
		}
		for _, r := range delta.ToRemove {
			require.True(t, old.Contains(r.Key()))
			require.False(t, next.Contains(r.Key()))
		}
		for _, r := range delta.ToAdd {
			require.False(t, old.Contains(r.Key()))
			require.True(t, next.Contains(r.Key()))
		}
	}
}

func TestReconcileOutputSorted(t *testing.T) {
	next := schema.NewActiveSet([]schema.InstrumentRecord{rec("C", "Z", 0), rec("A", "X", 0), rec("B", "Y", 0)})
	delta := Reconcile(nil, next)
	require.Equal(t, []schema.Key{schema.NewKey("A", "X"), schema.NewKey("B", "Y"), schema.NewKey("C", "Z")}, keysOf(delta.ToAdd))
}
