package engine

import (
	"fmt"

	"foreman/internal/config"
	"foreman/internal/domain"
)

// Rule is one routing predicate bound to a target pool.
type Rule interface {
	Matches(issue domain.Issue) bool
	Pool() string
}

type metadataTypeRule struct {
	types map[string]bool
	pool  string
}

func (r metadataTypeRule) Matches(issue domain.Issue) bool {
	return r.types[issue.RoutingType()]
}

func (r metadataTypeRule) Pool() string { return r.pool }

type statusRetryRule struct {
	status     domain.Status
	minRetries int
	pool       string
}

func (r statusRetryRule) Matches(issue domain.Issue) bool {
	return issue.Status == r.status && issue.RetryCount >= r.minRetries
}

func (r statusRetryRule) Pool() string { return r.pool }

// Router evaluates the configured rules in order; the first match wins.
type Router struct {
	rules       []Rule
	defaultPool string
	firstPool   string
}

// CompileRouting builds a Router from validated config.
func CompileRouting(cfg *config.Config) (*Router, error) {
	r := &Router{defaultPool: cfg.Routing.DefaultPool}
	if len(cfg.WorkerPools) > 0 {
		r.firstPool = cfg.WorkerPools[0].Name
	}
	for i, rule := range cfg.Routing.Rules {
		switch {
		case len(rule.IfMetadataType) > 0:
			types := make(map[string]bool, len(rule.IfMetadataType))
			for _, t := range rule.IfMetadataType {
				types[t] = true
			}
			r.rules = append(r.rules, metadataTypeRule{types: types, pool: rule.ThenPool})
		case rule.IfStatus != "":
			status, ok := domain.ParseStatus(rule.IfStatus)
			if !ok {
				return nil, fmt.Errorf("routing rule %d: unknown status %q", i, rule.IfStatus)
			}
			r.rules = append(r.rules, statusRetryRule{status: status, minRetries: rule.AndRetryCountGTE, pool: rule.ThenPool})
		default:
			return nil, fmt.Errorf("routing rule %d has no predicate", i)
		}
	}
	return r, nil
}

// Route returns the pool name for an issue. Rules are checked in order,
// then the default pool, then the first configured pool.
func (r *Router) Route(issue domain.Issue) (string, error) {
	for _, rule := range r.rules {
		if rule.Matches(issue) {
			return rule.Pool(), nil
		}
	}
	if r.defaultPool != "" {
		return r.defaultPool, nil
	}
	if r.firstPool != "" {
		return r.firstPool, nil
	}
	return "", ErrNoPoolMatched
}
