package router

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/lunaroute/lunaroute/internal/config"
	"github.com/lunaroute/lunaroute/internal/core/domain"
)

// BuildProviders turns the configured provider list into keyed
// domain.ProviderTarget instances, resolving each API key from its
// configured environment variable (secrets never live in the
// config file itself).
func BuildProviders(cfgs []config.ProviderConfig) (map[string]*domain.ProviderTarget, error) {
	out := make(map[string]*domain.ProviderTarget, len(cfgs))
	for _, c := range cfgs {
		if _, exists := out[c.Name]; exists {
			return nil, fmt.Errorf("router: duplicate provider name %q", c.Name)
		}
		dialect := domain.Dialect(c.Dialect)
		if dialect != domain.DialectOpenAI && dialect != domain.DialectAnthropic {
			return nil, fmt.Errorf("router: provider %q has unknown dialect %q", c.Name, c.Dialect)
		}
		out[c.Name] = &domain.ProviderTarget{
			ID:      c.Name,
			Name:    c.Name,
			BaseURL: c.BaseURL,
			Dialect: dialect,
			APIKey:  os.Getenv(c.APIKeyEnv),
			Status:  domain.ProviderUnknown,
			Capabilities: domain.Capabilities{
				SupportsStreaming: boolOrDefault(c.SupportsStreaming, true),
				SupportsTools:     boolOrDefault(c.SupportsTools, true),
				SupportsVision:    c.SupportsVision,
				MaxContext:        c.MaxContext,
			},
		}
	}
	return out, nil
}

// boolOrDefault returns def when cfg is unset (nil), otherwise *cfg.
func boolOrDefault(cfg *bool, def bool) bool {
	if cfg == nil {
		return def
	}
	return *cfg
}

// BuildRules compiles the configured rule table into domain.Rule values in
// priority order (descending priority, declaration order breaks ties), and
// validates that every referenced provider name exists.
func BuildRules(cfgs []config.RuleConfig, providers map[string]*domain.ProviderTarget) ([]domain.Rule, error) {
	rules := make([]domain.Rule, 0, len(cfgs))
	for i, c := range cfgs {
		if len(c.Providers) == 0 {
			return nil, fmt.Errorf("router: rule %q has no providers", c.Name)
		}
		for _, p := range c.Providers {
			if _, ok := providers[p]; !ok {
				return nil, fmt.Errorf("router: rule %q references unknown provider %q", c.Name, p)
			}
		}

		matcher, err := buildMatcher(c)
		if err != nil {
			return nil, err
		}

		strategy, chain, err := buildStrategy(c, providers)
		if err != nil {
			return nil, err
		}

		rules = append(rules, domain.Rule{
			Priority:       c.Priority,
			Matcher:        matcher,
			ProviderID:     c.Providers[0],
			Strategy:       strategy,
			FallbackChain:  chain,
			DeclarationIdx: i,
		})
	}

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].DeclarationIdx < rules[j].DeclarationIdx
	})

	return rules, nil
}

// buildMatcher compiles one rule's matcher. Matcher fields are mutually
// exclusive so a rule that silently half-matches can't exist; no matcher
// field at all means the rule applies to every request.
func buildMatcher(c config.RuleConfig) (domain.Matcher, error) {
	set := 0
	if c.MatchModel != "" {
		set++
	}
	if c.MatchListener != "" {
		set++
	}
	if c.MatchHeaderName != "" {
		set++
	}
	if set > 1 {
		return domain.Matcher{}, fmt.Errorf("router: rule %q sets more than one matcher", c.Name)
	}

	switch {
	case c.MatchModel != "":
		pattern, err := regexp.Compile(c.MatchModel)
		if err != nil {
			return domain.Matcher{}, fmt.Errorf("router: rule %q has invalid match_model pattern: %w", c.Name, err)
		}
		return domain.Matcher{Kind: domain.MatchModelPattern, Pattern: c.MatchModel, CompiledPattern: pattern}, nil
	case c.MatchListener != "":
		dialect := domain.Dialect(c.MatchListener)
		if dialect != domain.DialectOpenAI && dialect != domain.DialectAnthropic {
			return domain.Matcher{}, fmt.Errorf("router: rule %q matches unknown listener dialect %q", c.Name, c.MatchListener)
		}
		return domain.Matcher{Kind: domain.MatchListenerDialect, Dialect: dialect}, nil
	case c.MatchHeaderName != "":
		return domain.Matcher{Kind: domain.MatchHeader, HeaderName: c.MatchHeaderName, HeaderValue: c.MatchHeaderValue}, nil
	default:
		return domain.Matcher{Kind: domain.MatchAlways}, nil
	}
}

// buildStrategy resolves a rule's strategy and the full candidate chain it
// implies. For limits_alternative the chain is primaries first, then
// alternatives; the engine holds a rate-limited primary out for its
// exponential cooldown so traffic lands on the alternatives meanwhile.
func buildStrategy(c config.RuleConfig, providers map[string]*domain.ProviderTarget) (domain.Strategy, []string, error) {
	switch c.Strategy {
	case "", "single", "fallback":
		fallback := c.Providers[1:]
		if len(fallback) == 0 {
			return domain.Strategy{Kind: domain.StrategySingle}, nil, nil
		}
		return domain.Strategy{Kind: domain.StrategyFallback, FallbackProviderIDs: fallback}, fallback, nil
	case "limits_alternative":
		if len(c.AlternativeProviders) == 0 {
			return domain.Strategy{}, nil, fmt.Errorf("router: rule %q uses limits_alternative with no alternative_providers", c.Name)
		}
		for _, p := range c.AlternativeProviders {
			if _, ok := providers[p]; !ok {
				return domain.Strategy{}, nil, fmt.Errorf("router: rule %q references unknown alternative provider %q", c.Name, p)
			}
		}
		base := c.BackoffBaseSecs
		if base <= 0 {
			base = 1
		}
		chain := append(append([]string{}, c.Providers[1:]...), c.AlternativeProviders...)
		return domain.Strategy{
			Kind:                       domain.StrategyLimitsAlternative,
			PrimaryProviderIDs:         c.Providers,
			AlternativeProviderIDs:     c.AlternativeProviders,
			ExponentialBackoffBaseSecs: base,
		}, chain, nil
	default:
		return domain.Strategy{}, nil, fmt.Errorf("router: rule %q has unknown strategy %q", c.Name, c.Strategy)
	}
}
