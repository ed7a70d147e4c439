// Package autocontext derives context values from the inbound request
// (headers, time of day, day of week, season of year) per rules configured
// under a namespace or recommender's autoContext key (spec.md §4.2). The
// configured shape is a map of field name to {type?, default?,
// evaluateAll?, rules[]}, not a flat rule list: several rules can
// contribute to the same field, and evaluateAll controls whether the
// first non-empty one wins or every rule's value is accumulated.
package autocontext

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Rule types recognized under autoContext.<field>.rules.
const (
	RuleHeaderValue  = "header-value"
	RuleHourOfDay    = "hour-of-day"
	RuleDayOfWeek    = "day-of-week"
	RuleSeasonOfYear = "season-of-year"
)

// ValueMapping operators.
const (
	OpEquals     = "equals"
	OpLessThan   = "less-than"
	OpGreater    = "greater-than"
	OpContains   = "contains"
	OpStartsWith = "start-with"
	OpEndsWith   = "ends-with"
)

// ValueMapping rewrites a rule's derived value to mapTo when operator holds
// between the derived value and value. The first matching entry wins; if
// none match, the rule contributes no value for this evaluation pass.
type ValueMapping struct {
	Operator string `json:"operator"`
	Value    string `json:"value"`
	MapTo    string `json:"mapTo"`
}

// Rule derives one candidate value from a single signal (a header, or the
// clock). When ValueMappings is empty the derived value is used unchanged.
type Rule struct {
	Type          string         `json:"type"`
	Header        string         `json:"header"`
	ValueMappings []ValueMapping `json:"valueMappings"`
}

// FieldConfig is the autoContext entry for one output field: an ordered
// rule list, a fallback default, and whether every rule is evaluated
// (accumulating distinct values) or evaluation stops at the first hit.
type FieldConfig struct {
	Type        string `json:"type"`
	Default     string `json:"default"`
	EvaluateAll bool   `json:"evaluateAll"`
	Rules       []Rule `json:"rules"`
}

// Resolved is one field's outcome: the distinct values accumulated across
// its rules (or the single value from the first rule that matched, when
// EvaluateAll is false), plus the field's declared Type, used by callers
// to decide how to join multiple values into one string.
type Resolved struct {
	Values []string
	Type   string
}

// Resolver evaluates a set of fields against request signals.
type Resolver struct {
	// Now returns the instant used for hour-of-day/day-of-week/season-of-year
	// rules. Defaults to time.Now when nil; tests substitute a fixed clock.
	Now func() time.Time
}

// New builds a Resolver using the real wall clock.
func New() *Resolver {
	return &Resolver{Now: time.Now}
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Resolve evaluates every field's rule list and returns the field -> result
// map. latitude is used only by season-of-year rules to decide hemisphere;
// a nil latitude is treated as northern hemisphere. Fields whose rules
// produce no value and have no configured default are omitted entirely.
func (r *Resolver) Resolve(fields map[string]FieldConfig, headers http.Header, latitude *float64) map[string]Resolved {
	out := make(map[string]Resolved, len(fields))
	now := r.now()
	for field, cfg := range fields {
		values := r.resolveField(cfg, headers, now, latitude)
		if len(values) == 0 && cfg.Default != "" {
			values = []string{cfg.Default}
		}
		if len(values) == 0 {
			continue
		}
		out[field] = Resolved{Values: values, Type: cfg.Type}
	}
	return out
}

func (r *Resolver) resolveField(cfg FieldConfig, headers http.Header, now time.Time, latitude *float64) []string {
	seen := make(map[string]bool)
	var values []string
	for _, rule := range cfg.Rules {
		value, ok := r.deriveValue(rule, headers, now, latitude)
		if !ok {
			continue
		}
		resolved, ok := resolveValueMapping(rule, value)
		if !ok {
			continue
		}
		if !seen[resolved] {
			seen[resolved] = true
			values = append(values, resolved)
		}
		if !cfg.EvaluateAll {
			break
		}
	}
	return values
}

func (r *Resolver) deriveValue(rule Rule, headers http.Header, now time.Time, latitude *float64) (string, bool) {
	switch rule.Type {
	case RuleHeaderValue:
		if rule.Header == "" {
			return "", false
		}
		v := headers.Get(rule.Header)
		if v == "" {
			return "", false
		}
		return v, true
	case RuleHourOfDay:
		return strconv.Itoa(now.Hour()), true
	case RuleDayOfWeek:
		// Monday=0 .. Sunday=6, matching the common ISO convention used by
		// the rest of the scheduling rules.
		wd := int(now.Weekday())
		wd = (wd + 6) % 7
		return strconv.Itoa(wd), true
	case RuleSeasonOfYear:
		lat := 0.0
		if latitude != nil {
			lat = *latitude
		}
		return Season(now, lat), true
	default:
		return "", false
	}
}

// resolveValueMapping applies a rule's valueMappings in order against
// value. With no valueMappings configured the derived value passes through
// unchanged. With valueMappings configured but none matching, the rule
// contributes nothing (ok=false) rather than falling back to the raw value.
func resolveValueMapping(rule Rule, value string) (string, bool) {
	if len(rule.ValueMappings) == 0 {
		return value, true
	}
	for _, m := range rule.ValueMappings {
		if evaluateOperator(m.Operator, value, m.Value) {
			return m.MapTo, true
		}
	}
	return "", false
}

func evaluateOperator(operator, value, candidate string) bool {
	switch operator {
	case OpEquals:
		return value == candidate
	case OpContains:
		return strings.Contains(value, candidate)
	case OpStartsWith:
		return strings.HasPrefix(value, candidate)
	case OpEndsWith:
		return strings.HasSuffix(value, candidate)
	case OpLessThan:
		return numericCompare(value, candidate) < 0
	case OpGreater:
		return numericCompare(value, candidate) > 0
	default:
		return false
	}
}

// numericCompare compares a and b as numbers when both parse as floats,
// falling back to a lexical comparison otherwise (hour-of-day and
// day-of-week values are always numeric; header-value rules using
// less-than/greater-than against non-numeric strings fall back to string
// ordering rather than erroring).
func numericCompare(a, b string) int {
	af, aerr := strconv.ParseFloat(a, 64)
	bf, berr := strconv.ParseFloat(b, 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// Season boundaries follow the northern-hemisphere meteorological-ish
// calendar split used throughout the gateway: Spring Mar 21-Jun 20, Summer
// Jun 21-Sep 22, Fall Sep 23-Dec 22, Winter otherwise. A negative latitude
// rotates the result by two quarters (spring<->fall, summer<->winter).
func Season(t time.Time, latitude float64) string {
	md := int(t.Month())*100 + t.Day()

	var season string
	switch {
	case md >= 321 && md <= 620:
		season = "spring"
	case md >= 621 && md <= 922:
		season = "summer"
	case md >= 923 && md <= 1222:
		season = "fall"
	default:
		season = "winter"
	}

	if latitude < 0 {
		switch season {
		case "spring":
			season = "fall"
		case "fall":
			season = "spring"
		case "summer":
			season = "winter"
		case "winter":
			season = "summer"
		}
	}
	return season
}
