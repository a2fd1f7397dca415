package filter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/domain/schema"
)

func compile(t *testing.T, kind schema.RuleKind, specs ...schema.RuleSpec) RuleSet {
	t.Helper()
	set, problems := Compile(kind, specs)
	require.Empty(t, problems)
	return set
}

func universe() []schema.InstrumentRecord {
	return []schema.InstrumentRecord{
		{Symbol: "A", Instrument: "A", Exchange: "X"},
		{Symbol: "B", Instrument: "B", Exchange: "Y"},
	}
}

func TestFilterExampleScenario(t *testing.T) {
	include := compile(t, schema.RuleInclude, schema.RuleSpec{Pattern: ".*"})
	empty := compile(t, schema.RuleExclude)

	all := Filter(universe(), include, empty)
	require.Len(t, all, 2)
	require.True(t, all.Contains(schema.NewKey("A", "X")))
	require.True(t, all.Contains(schema.NewKey("B", "Y")))

	exclude := compile(t, schema.RuleExclude, schema.RuleSpec{Pattern: "B.*"})
	filtered := Filter(universe(), include, exclude)
	require.Equal(t, []schema.Key{schema.NewKey("A", "X")}, filtered.Keys())
}

func TestFilterFirstIncludeMatchSetsTimeOffset(t *testing.T) {
	include := compile(t, schema.RuleInclude,
		schema.RuleSpec{Pattern: "^IF", TimeOffset: 15},
		schema.RuleSpec{Pattern: ".*", TimeOffset: 1},
	)
	records := []schema.InstrumentRecord{
		{Instrument: "IF2406", Exchange: "CFFEX", TimeOffset: 99},
		{Instrument: "rb2410", Exchange: "SHFE"},
	}
	out := Filter(records, include, RuleSet{Kind: schema.RuleExclude})
	require.Equal(t, 15, out[schema.NewKey("IF2406", "CFFEX")].TimeOffset)
	require.Equal(t, 1, out[schema.NewKey("rb2410", "SHFE")].TimeOffset)
	require.Equal(t, 99, records[0].TimeOffset, "input must not be mutated")
}

func TestFilterExcludeTakesPrecedenceRegardlessOfOrder(t *testing.T) {
	records := []schema.InstrumentRecord{{Instrument: "cu2409", Exchange: "SHFE"}, {Instrument: "al2409", Exchange: "SHFE"}}
	orders := [][]schema.RuleSpec{
		{{Pattern: "^cu"}, {Pattern: ".*"}},
		{{Pattern: ".*"}, {Pattern: "^cu"}},
	}
	for _, incSpecs := range orders {
		include := compile(t, schema.RuleInclude, incSpecs...)
		exclude := compile(t, schema.RuleExclude, schema.RuleSpec{Pattern: "^al"}, schema.RuleSpec{Pattern: "^cu24"})
		out := Filter(records, include, exclude)
		require.Empty(t, out)
	}
}

func TestFilterIsIdempotent(t *testing.T) {
	include := compile(t, schema.RuleInclude, schema.RuleSpec{Pattern: "^[a-z]+24", TimeOffset: 3})
	exclude := compile(t, schema.RuleExclude, schema.RuleSpec{Pattern: "^sc"})
	records := []schema.InstrumentRecord{
		{Instrument: "rb2410", Exchange: "SHFE"},
		{Instrument: "sc2409", Exchange: "INE"},
		{Instrument: "IF2406", Exchange: "CFFEX"},
		{Instrument: "ag2412", Exchange: "SHFE"},
	}
	once := Filter(records, include, exclude)
	twice := Filter(once.Records(), include, exclude)
	require.Equal(t, once, twice)
}

func TestFilterEmptyIncludeSelectsNothing(t *testing.T) {
	out := Filter(universe(), RuleSet{Kind: schema.RuleInclude}, RuleSet{Kind: schema.RuleExclude})
	require.Empty(t, out)
}

func TestCompileReportsInvalidPatternPerRule(t *testing.T) {
	set, problems := Compile(schema.RuleInclude, []schema.RuleSpec{
		{Pattern: "(unclosed"},
		{Pattern: "^A$", TimeOffset: 2},
	})
	require.Len(t, problems, 1)
	require.True(t, errs.HasCode(problems[0], errs.CodeConfigInvalid))
	require.Equal(t, 2, set.Len())
	require.False(t, set.Rules[0].Valid())

	rule, ok := Match("A", set)
	require.True(t, ok)
	require.Equal(t, 1, rule.Index)

	out := Filter(universe(), set, RuleSet{Kind: schema.RuleExclude})
	require.Equal(t, []schema.Key{schema.NewKey("A", "X")}, out.Keys())
}

func TestMatchReturnsNoneWhenNothingMatches(t *testing.T) {
	set := compile(t, schema.RuleInclude, schema.RuleSpec{Pattern: "^Z"})
	rule, ok := Match("A", set)
	require.False(t, ok)
	require.Nil(t, rule)
}

func TestFilterUsesInstrumentWhenSymbolMissing(t *testing.T) {
	include := compile(t, schema.RuleInclude, schema.RuleSpec{Pattern: "^rb"})
	out := Filter([]schema.InstrumentRecord{{Instrument: "rb2410", Exchange: "SHFE"}}, include, RuleSet{})
	require.Len(t, out, 1)
}
