package domain

import "regexp"

// MatcherKind discriminates how a Rule decides whether it applies to a
// given request.
type MatcherKind string

const (
	MatchAlways          MatcherKind = "always"
	MatchModelPattern     MatcherKind = "model_pattern"
	MatchListenerDialect  MatcherKind = "listener_dialect"
	MatchHeader           MatcherKind = "header"
)

// Matcher is compiled once at rule-table build time; CompiledPattern is nil
// unless Kind is MatchModelPattern.
type Matcher struct {
	Kind            MatcherKind
	Pattern         string
	CompiledPattern *regexp.Regexp
	Dialect         Dialect
	HeaderName      string
	HeaderValue     string
}

// StrategyKind selects how a matched Rule composes its fallback chain.
type StrategyKind string

const (
	StrategySingle             StrategyKind = "single"
	StrategyFallback           StrategyKind = "fallback"
	StrategyLimitsAlternative  StrategyKind = "limits_alternative"
)

// Strategy carries the parameters for StrategyKind. Primary/Alternative are
// only meaningful for StrategyLimitsAlternative.
type Strategy struct {
	Kind                       StrategyKind
	FallbackProviderIDs        []string
	PrimaryProviderIDs         []string
	AlternativeProviderIDs     []string
	ExponentialBackoffBaseSecs float64
}

// Rule binds a Matcher to a primary provider and a Strategy-composed
// fallback chain. Rules are evaluated in descending Priority order; the
// first match wins, ties broken by declaration order.
type Rule struct {
	Priority       int
	Matcher        Matcher
	ProviderID     string
	Strategy       Strategy
	FallbackChain  []string
	DeclarationIdx int
}
