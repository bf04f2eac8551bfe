package dispatch

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jhofer-cloud/devproxy/pkg/config"
	"github.com/jhofer-cloud/devproxy/pkg/files"
	httpPkg "github.com/jhofer-cloud/devproxy/pkg/http"
)

// Forwarder relays a request to a backend. It returns an error only when
// nothing was written to w.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request) error
}

// SubProxyRule forwards every request whose path starts with Prefix. The
// path is forwarded as is, prefix included.
type SubProxyRule struct {
	Prefix    string
	Forwarder Forwarder
}

// RuleSet holds the routing rules in evaluation order: exact files, static
// directories, sub-proxies, then the default proxy. Within a group the first
// listed rule wins. A RuleSet is read-only once built.
type RuleSet struct {
	Exact   []files.ExactFile
	Static  []files.StaticDir
	Sub     []SubProxyRule
	Default Forwarder
}

// NewRuleSet builds the rule set described by cfg, creating one forwarder
// per backend. cfg should already be validated.
func NewRuleSet(cfg *config.Config, logger *slog.Logger) (*RuleSet, error) {
	if cfg.Proxy.Addr == "" {
		return nil, config.ErrMissingDefaultProxy
	}

	rules := &RuleSet{}

	for _, rule := range cfg.Files {
		rules.Exact = append(rules.Exact, files.ExactFile{
			URL:         rule.URL,
			Path:        rule.Path,
			ContentType: rule.ContentType,
		})
	}

	for _, rule := range cfg.Static {
		rules.Static = append(rules.Static, files.StaticDir{
			Prefix: rule.Prefix,
			Dir:    rule.Dir,
		})
	}

	for _, rule := range cfg.SubProxies {
		forwarder, err := httpPkg.NewForwarder(rule.Backend, logger.With("rule", rule.Prefix))
		if err != nil {
			return nil, fmt.Errorf("%w: sub-proxy %s: %w", config.ErrInvalidRule, rule.Prefix, err)
		}
		rules.Sub = append(rules.Sub, SubProxyRule{Prefix: rule.Prefix, Forwarder: forwarder})
	}

	forwarder, err := httpPkg.NewForwarder(cfg.Proxy, logger.With("rule", "default"))
	if err != nil {
		return nil, fmt.Errorf("%w: default proxy: %w", config.ErrInvalidRule, err)
	}
	rules.Default = forwarder

	return rules, nil
}
