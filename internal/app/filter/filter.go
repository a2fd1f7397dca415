// Package filter selects the subscribable instruments from a universe using ordered include and
// exclude regular-expression rules.
package filter

import (
	"fmt"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/domain/schema"
)

// DefaultMatchTimeout bounds a single pattern evaluation.
const DefaultMatchTimeout = 100 * time.Millisecond

// Rule is a precompiled filter rule. A rule whose pattern failed to compile never matches.
type Rule struct {
	Pattern    string
	TimeOffset int
	Kind       schema.RuleKind
	Index      int

	re *regexp2.Regexp
}

// Valid reports whether the rule's pattern compiled.
func (r *Rule) Valid() bool {
	return r != nil && r.re != nil
}

// Matches evaluates the rule against a symbol. Evaluation errors, including timeouts, count as no
// match.
func (r *Rule) Matches(symbol string) bool {
	if !r.Valid() {
		return false
	}
	ok, err := r.re.MatchString(symbol)
	if err != nil {
		return false
	}
	return ok
}

// RuleSet is an ordered, immutable list of compiled rules.
type RuleSet struct {
	Kind  schema.RuleKind
	Rules []*Rule
}

// Len returns the number of rules, including invalid ones.
func (s RuleSet) Len() int {
	return len(s.Rules)
}

// Compile precompiles the rule specs in order. Invalid patterns are kept in place as rules that
// never match and are reported individually as configuration errors.
func Compile(kind schema.RuleKind, specs []schema.RuleSpec) (RuleSet, []error) {
	return CompileWithTimeout(kind, specs, DefaultMatchTimeout)
}

// CompileWithTimeout is Compile with an explicit per-evaluation timeout.
func CompileWithTimeout(kind schema.RuleKind, specs []schema.RuleSpec, timeout time.Duration) (RuleSet, []error) {
	set := RuleSet{Kind: kind, Rules: make([]*Rule, 0, len(specs))}
	var problems []error
	for idx, spec := range specs {
		rule := &Rule{Pattern: spec.Pattern, TimeOffset: spec.TimeOffset, Kind: kind, Index: idx}
		re, err := regexp2.Compile(spec.Pattern, regexp2.None)
		if err != nil {
			problems = append(problems, errs.New("filter/compile", errs.CodeConfigInvalid,
				errs.WithMessage(fmt.Sprintf("invalid %s pattern %q", kind, spec.Pattern)),
				errs.WithField("index", fmt.Sprint(idx)),
				errs.WithCause(err)))
		} else {
			if timeout > 0 {
				re.MatchTimeout = timeout
			}
			rule.re = re
		}
		set.Rules = append(set.Rules, rule)
	}
	return set, problems
}

// Match returns the first rule in list order that matches the symbol.
func Match(symbol string, rules RuleSet) (*Rule, bool) {
	for _, rule := range rules.Rules {
		if rule.Matches(symbol) {
			return rule, true
		}
	}
	return nil, false
}

// Filter returns the universe records selected by the rules. Included records take the time
// offset of their first matching include rule; any exclude match drops the record. The input is
// not modified.
func Filter(universe []schema.InstrumentRecord, include, exclude RuleSet) schema.ActiveSet {
	out := make(schema.ActiveSet)
	for _, record := range universe {
		symbol := record.MatchSymbol()
		inc, ok := Match(symbol, include)
		if !ok {
			continue
		}
		record.TimeOffset = inc.TimeOffset
		if _, excluded := Match(symbol, exclude); excluded {
			continue
		}
		out[record.Key()] = record
	}
	return out
}
