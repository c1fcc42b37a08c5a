package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Timeframe is the closed set of calendar granularities a policy can
// name, dispatched as a tagged union rather than a stringly-typed value.
// Ordered coarsest-first; the numeric value IS the ordering.
type Timeframe uint8

const (
	Year Timeframe = iota
	Quarter
	Month
	Week
	Day
	Hour
	Minute
	Second

	numTimeframes
)

func (tf Timeframe) String() string {
	switch tf {
	case Year:
		return "year"
	case Quarter:
		return "quarter"
	case Month:
		return "month"
	case Week:
		return "week"
	case Day:
		return "day"
	case Hour:
		return "hour"
	case Minute:
		return "minute"
	case Second:
		return "second"
	default:
		return "unknown"
	}
}

// unit is the policy-string suffix for each timeframe: y q m w d h M s.
// Note the case-sensitive pair m=month, M=minute.
func (tf Timeframe) unit() string {
	switch tf {
	case Year:
		return "y"
	case Quarter:
		return "q"
	case Month:
		return "m"
	case Week:
		return "w"
	case Day:
		return "d"
	case Hour:
		return "h"
	case Minute:
		return "M"
	case Second:
		return "s"
	default:
		return "?"
	}
}

var unitToTimeframe = map[string]Timeframe{
	"y": Year,
	"q": Quarter,
	"m": Month,
	"w": Week,
	"d": Day,
	"h": Hour,
	"M": Minute,
	"s": Second,
}

// Rule is one (timeframe, count) pair of a Policy.
type Rule struct {
	Timeframe Timeframe
	Count     int
}

// Policy is an ordered, strictly decreasing (coarsest-first) sequence of
// rules. Policy.Rules[0].Timeframe is the root timeframe.
type Policy struct {
	Rules []Rule
}

// RootTimeframe returns the coarsest timeframe in the policy.
func (p Policy) RootTimeframe() Timeframe { return p.Rules[0].Timeframe }

// FinestTimeframe returns the finest (last) timeframe in the policy.
func (p Policy) FinestTimeframe() Timeframe { return p.Rules[len(p.Rules)-1].Timeframe }

// CoarserThan returns the rule immediately coarser than tf, and whether one
// exists.
func (p Policy) CoarserThan(tf Timeframe) (Rule, bool) {
	for i, r := range p.Rules {
		if r.Timeframe == tf {
			if i == 0 {
				return Rule{}, false
			}
			return p.Rules[i-1], true
		}
	}
	return Rule{}, false
}

// ParsePolicy parses a policy string of the form:
//
//	[<N>y][ <N>q][ <N>m][ <N>w][ <N>d][ <N>h][ <N>M][ <N>s]
//
// At least one nonzero entry is required; at most one of each unit;
// ordering in the string is free, but the returned Policy is always sorted
// coarsest-first (canonical evaluation order).
func ParsePolicy(s string) (Policy, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Policy{}, NewConfigError("policy: empty, at least one entry required")
	}

	seen := make(map[Timeframe]bool, len(fields))
	var rules []Rule
	for _, f := range fields {
		tf, count, err := parsePolicyField(f)
		if err != nil {
			return Policy{}, err
		}
		if seen[tf] {
			return Policy{}, NewConfigError("policy: duplicate unit %q in %q", tf.unit(), s)
		}
		seen[tf] = true
		if count > 0 {
			rules = append(rules, Rule{Timeframe: tf, Count: count})
		}
	}
	if len(rules) == 0 {
		return Policy{}, NewConfigError("policy: at least one nonzero entry required, got %q", s)
	}

	sortRulesCoarsestFirst(rules)
	return Policy{Rules: rules}, nil
}

func parsePolicyField(f string) (Timeframe, int, error) {
	if len(f) < 2 {
		return 0, 0, NewConfigError("policy: malformed entry %q", f)
	}
	unit := f[len(f)-1:]
	tf, ok := unitToTimeframe[unit]
	if !ok {
		return 0, 0, NewConfigError("policy: unknown unit %q in entry %q", unit, f)
	}
	n, err := strconv.Atoi(f[:len(f)-1])
	if err != nil || n < 0 {
		return 0, 0, NewConfigError("policy: non-negative integer count required in entry %q", f)
	}
	return tf, n, nil
}

func sortRulesCoarsestFirst(rules []Rule) {
	// insertion sort: the input is at most 8 elements, clarity over
	// asymptotic cost.
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && rules[j].Timeframe < rules[j-1].Timeframe; j-- {
			rules[j], rules[j-1] = rules[j-1], rules[j]
		}
	}
}

// String renders the policy back to its canonical, coarsest-first form.
func (p Policy) String() string {
	parts := make([]string, len(p.Rules))
	for i, r := range p.Rules {
		parts[i] = fmt.Sprintf("%d%s", r.Count, r.Timeframe.unit())
	}
	return strings.Join(parts, " ")
}
