// Package dispatch routes each request to the first matching rule: an exact
// file, a static directory, a sub-proxy, or the default proxy.
package dispatch

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jhofer-cloud/devproxy/pkg/config"
	"github.com/jhofer-cloud/devproxy/pkg/files"
	httpPkg "github.com/jhofer-cloud/devproxy/pkg/http"
	"github.com/jhofer-cloud/devproxy/pkg/httputil"
	"github.com/jhofer-cloud/devproxy/pkg/metrics"
)

// Outcome is the result of dispatching one request.
type Outcome int

const (
	// Served means a file was written.
	Served Outcome = iota
	// NotFound is a static miss. It never ends a dispatch because the
	// default proxy always follows.
	NotFound
	// Forwarded means a backend response was relayed.
	Forwarded
	// Failed means nothing useful was written; the caller answers.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Served:
		return "served"
	case NotFound:
		return "not_found"
	case Forwarded:
		return "forwarded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Rule groups, as used in logs and metrics.
const (
	GroupExact    = "exact"
	GroupStatic   = "static"
	GroupSubProxy = "sub_proxy"
	GroupDefault  = "default"
)

// Error kinds reported by KindOf.
const (
	KindDoesNotExist = "does_not_exist"
	KindTraversal    = "traversal"
	KindIO           = "io"
	KindForwarding   = "forwarding"
)

// KindOf classifies a dispatch error for logs and metrics.
func KindOf(err error) string {
	switch {
	case errors.Is(err, files.ErrTraversal):
		return KindTraversal
	case errors.Is(err, httpPkg.ErrForwarding):
		return KindForwarding
	case errors.Is(err, files.ErrNotExist):
		return KindDoesNotExist
	default:
		return KindIO
	}
}

// Dispatcher evaluates a RuleSet for each request. It is safe for
// concurrent use.
type Dispatcher struct {
	rules   *RuleSet
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a dispatcher over rules. m may be nil.
func New(rules *RuleSet, logger *slog.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	if rules == nil || rules.Default == nil {
		return nil, config.ErrMissingDefaultProxy
	}
	return &Dispatcher{
		rules:   rules,
		logger:  logger,
		metrics: m,
	}, nil
}

// Dispatch routes r to the first matching rule and returns the terminal
// outcome. On Failed the returned error holds the cause and nothing has
// been written to w.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request) (Outcome, error) {
	for _, rule := range d.rules.Exact {
		matched, err := rule.TryMatch(w, r)
		if !matched {
			continue
		}
		if err != nil {
			return d.finish(GroupExact, Failed, err)
		}
		return d.finish(GroupExact, Served, nil)
	}

	for _, rule := range d.rules.Static {
		result, err := rule.TryMatch(w, r)
		if err != nil {
			return d.finish(GroupStatic, Failed, err)
		}
		if result == files.Hit {
			return d.finish(GroupStatic, Served, nil)
		}
	}

	for _, rule := range d.rules.Sub {
		if !strings.HasPrefix(r.URL.Path, rule.Prefix) {
			continue
		}
		d.logger.Debug("Forwarding to sub-proxy", "prefix", rule.Prefix, "path", r.URL.Path)
		if err := rule.Forwarder.Forward(w, r); err != nil {
			return d.finish(GroupSubProxy, Failed, err)
		}
		return d.finish(GroupSubProxy, Forwarded, nil)
	}

	if err := d.rules.Default.Forward(w, r); err != nil {
		return d.finish(GroupDefault, Failed, err)
	}
	return d.finish(GroupDefault, Forwarded, nil)
}

func (d *Dispatcher) finish(group string, outcome Outcome, err error) (Outcome, error) {
	d.metrics.ObserveDispatch(group, outcome.String())
	return outcome, err
}

// ServeHTTP implements http.Handler. A failed dispatch becomes a generic 500;
// the cause only goes to the log.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	outcome, err := d.Dispatch(w, r)
	if outcome != Failed {
		return
	}

	kind := KindOf(err)
	level := slog.LevelError
	if kind == KindTraversal || kind == KindForwarding {
		level = slog.LevelWarn
	}
	d.logger.Log(r.Context(), level, "Dispatch failed",
		"method", r.Method,
		"path", r.URL.Path,
		"kind", kind,
		"error", err,
	)
	httputil.WriteFailure(w)
}
