package dispatch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhofer-cloud/devproxy/pkg/config"
	"github.com/jhofer-cloud/devproxy/pkg/files"
	httpPkg "github.com/jhofer-cloud/devproxy/pkg/http"
	"github.com/jhofer-cloud/devproxy/pkg/httputil"
	"github.com/jhofer-cloud/devproxy/pkg/logging"
	"github.com/jhofer-cloud/devproxy/pkg/metrics"
)

// fakeForwarder writes its name as the response body, or fails without
// writing anything.
type fakeForwarder struct {
	name  string
	fail  bool
	calls atomic.Int32
}

func (f *fakeForwarder) Forward(w http.ResponseWriter, r *http.Request) error {
	f.calls.Add(1)
	if f.fail {
		return fmt.Errorf("%w: %s: connection refused", httpPkg.ErrForwarding, f.name)
	}
	w.Header().Set("X-Forwarder", f.name)
	io.WriteString(w, "from "+f.name+" "+r.URL.RequestURI())
	return nil
}

type fixture struct {
	root     string
	public   string
	rules    *RuleSet
	fallback *fakeForwarder
	api      *fakeForwarder
	metrics  *metrics.Metrics
	logs     *bytes.Buffer
	d        *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	public := filepath.Join(root, "public")
	require.NoError(t, os.MkdirAll(filepath.Join(public, "css"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(public, "css", "site.css"), []byte("body{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>home</h1>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "passwd"), []byte("root:x:0:0"), 0644))

	f := &fixture{
		root:     root,
		public:   public,
		fallback: &fakeForwarder{name: "default"},
		api:      &fakeForwarder{name: "api"},
		metrics:  metrics.New(prometheus.NewRegistry()),
		logs:     &bytes.Buffer{},
	}
	f.rules = &RuleSet{
		Exact: []files.ExactFile{
			{URL: "/", Path: filepath.Join(root, "index.html"), ContentType: "text/html"},
			{URL: "/api/health", Path: filepath.Join(root, "index.html"), ContentType: "text/html"},
		},
		Static: []files.StaticDir{
			{Prefix: "/static/", Dir: public},
		},
		Sub: []SubProxyRule{
			{Prefix: "/api/", Forwarder: f.api},
		},
		Default: f.fallback,
	}

	logger := logging.New(logging.Config{Level: logging.LevelDebug, Format: logging.FormatJSON, Output: f.logs})
	f.d, err = New(f.rules, logger, f.metrics)
	require.NoError(t, err)
	return f
}

func (f *fixture) serve(target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.d.ServeHTTP(w, httptest.NewRequest("GET", target, nil))
	return w
}

func TestNewRequiresDefault(t *testing.T) {
	_, err := New(&RuleSet{}, logging.Nop(), nil)
	assert.ErrorIs(t, err, config.ErrMissingDefaultProxy)

	_, err = New(nil, logging.Nop(), nil)
	assert.ErrorIs(t, err, config.ErrMissingDefaultProxy)
}

func TestExactBeatsSubProxy(t *testing.T) {
	f := newFixture(t)

	w := f.serve("/api/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<h1>home</h1>", w.Body.String())
	assert.Equal(t, "text/html", w.Header().Get("Content-Type"))
	assert.Zero(t, f.api.calls.Load())
}

func TestExactFileAndDefaultScenario(t *testing.T) {
	f := newFixture(t)

	w := f.serve("/")
	assert.Equal(t, "<h1>home</h1>", w.Body.String())
	assert.Equal(t, "text/html", w.Header().Get("Content-Type"))

	w = f.serve("/other?q=1")
	assert.Equal(t, "from default /other?q=1", w.Body.String())
	assert.Equal(t, int32(1), f.fallback.calls.Load())
}

func TestStaticHit(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.d.Dispatch(httptest.NewRecorder(), httptest.NewRequest("GET", "/static/css/site.css", nil))
	require.NoError(t, err)
	assert.Equal(t, Served, outcome)
	assert.Zero(t, f.fallback.calls.Load())
}

func TestStaticMissFallsThrough(t *testing.T) {
	f := newFixture(t)

	w := f.serve("/static/missing.js")
	assert.Equal(t, "from default /static/missing.js", w.Body.String())

	// A directory without index.html is also a miss.
	w = f.serve("/static/css/")
	assert.Equal(t, "from default /static/css/", w.Body.String())
	assert.Equal(t, int32(2), f.fallback.calls.Load())
}

func TestStaticMissFallsThroughToSubProxy(t *testing.T) {
	f := newFixture(t)
	f.rules.Static = append(f.rules.Static, files.StaticDir{Prefix: "/api/", Dir: f.public})

	w := f.serve("/api/users")
	assert.Equal(t, "from api /api/users", w.Body.String())
	assert.Zero(t, f.fallback.calls.Load())
}

func TestTraversalIsHardError(t *testing.T) {
	f := newFixture(t)

	for _, target := range []string{"/static/../passwd", "/static/../../etc/passwd", "/static/../../missing"} {
		t.Run(target, func(t *testing.T) {
			outcome, err := f.d.Dispatch(httptest.NewRecorder(), httptest.NewRequest("GET", target, nil))
			assert.Equal(t, Failed, outcome)
			assert.ErrorIs(t, err, files.ErrTraversal)
			assert.Equal(t, KindTraversal, KindOf(err))
		})
	}
	assert.Zero(t, f.fallback.calls.Load())

	w := f.serve("/static/../passwd")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, httputil.FailureBody+"\n", w.Body.String())
	assert.NotContains(t, w.Body.String(), "root:")
	assert.Contains(t, f.logs.String(), `"kind":"traversal"`)
	assert.NotContains(t, f.logs.String(), "root:x")
}

func TestSymlinkTraversalIsHardError(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Symlink(filepath.Join(f.root, "passwd"), filepath.Join(f.public, "passwd")))

	outcome, err := f.d.Dispatch(httptest.NewRecorder(), httptest.NewRequest("GET", "/static/passwd", nil))
	assert.Equal(t, Failed, outcome)
	assert.ErrorIs(t, err, files.ErrTraversal)
}

func TestSubProxyFailureDoesNotFallThrough(t *testing.T) {
	f := newFixture(t)
	f.api.fail = true

	w := f.serve("/api/ping")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, httputil.FailureBody+"\n", w.Body.String())
	assert.Equal(t, int32(1), f.api.calls.Load())
	assert.Zero(t, f.fallback.calls.Load())
	assert.Contains(t, f.logs.String(), `"kind":"forwarding"`)
}

func TestSubProxyUnreachableBackend(t *testing.T) {
	f := newFixture(t)
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.Listener.Addr().String()
	server.Close()

	forwarder, err := httpPkg.NewForwarder(config.Backend{Addr: addr}, logging.Nop())
	require.NoError(t, err)
	f.rules.Sub = []SubProxyRule{{Prefix: "/api/", Forwarder: forwarder}}

	outcome, err := f.d.Dispatch(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/ping", nil))
	assert.Equal(t, Failed, outcome)
	assert.ErrorIs(t, err, httpPkg.ErrForwarding)
	assert.Zero(t, f.fallback.calls.Load())
}

func TestSubProxyFirstListedWins(t *testing.T) {
	f := newFixture(t)
	wide := &fakeForwarder{name: "wide"}
	f.rules.Sub = []SubProxyRule{
		{Prefix: "/api", Forwarder: wide},
		{Prefix: "/api/v2/", Forwarder: f.api},
	}

	w := f.serve("/api/v2/users")
	assert.Equal(t, "from wide /api/v2/users", w.Body.String())
	assert.Zero(t, f.api.calls.Load())
}

func TestDefaultFailure(t *testing.T) {
	f := newFixture(t)
	f.fallback.fail = true

	outcome, err := f.d.Dispatch(httptest.NewRecorder(), httptest.NewRequest("GET", "/anything", nil))
	assert.Equal(t, Failed, outcome)
	assert.Equal(t, KindForwarding, KindOf(err))
}

func TestExactFileUnreadableIsHardError(t *testing.T) {
	f := newFixture(t)
	f.rules.Exact = []files.ExactFile{{URL: "/gone", Path: filepath.Join(f.root, "gone.html"), ContentType: "text/html"}}

	w := f.serve("/gone")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Zero(t, f.fallback.calls.Load())
	assert.Contains(t, f.logs.String(), `"kind":"io"`)
}

func TestDispatchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t)
	f.metrics = metrics.New(reg)
	var err error
	f.d, err = New(f.rules, logging.Nop(), f.metrics)
	require.NoError(t, err)

	f.serve("/")
	f.serve("/static/css/site.css")
	f.serve("/api/x")
	f.serve("/other")
	f.serve("/static/../passwd")

	expected := `
# HELP devproxy_dispatch_total Terminal dispatch outcomes by rule group.
# TYPE devproxy_dispatch_total counter
devproxy_dispatch_total{group="default",outcome="forwarded"} 1
devproxy_dispatch_total{group="exact",outcome="served"} 1
devproxy_dispatch_total{group="static",outcome="failed"} 1
devproxy_dispatch_total{group="static",outcome="served"} 1
devproxy_dispatch_total{group="sub_proxy",outcome="forwarded"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, bytes.NewBufferString(expected), "devproxy_dispatch_total"))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTraversal, KindOf(fmt.Errorf("wrap: %w", files.ErrTraversal)))
	assert.Equal(t, KindDoesNotExist, KindOf(files.ErrNotExist))
	assert.Equal(t, KindForwarding, KindOf(fmt.Errorf("%w: x", httpPkg.ErrForwarding)))
	assert.Equal(t, KindIO, KindOf(errors.New("permission denied")))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "served", Served.String())
	assert.Equal(t, "not_found", NotFound.String())
	assert.Equal(t, "forwarded", Forwarded.String())
	assert.Equal(t, "failed", Failed.String())
}

func TestConcurrentDispatch(t *testing.T) {
	f := newFixture(t)

	done := make(chan string, 50)
	for i := 0; i < 50; i++ {
		go func(i int) {
			w := httptest.NewRecorder()
			target := "/static/css/site.css"
			if i%2 == 0 {
				target = "/other"
			}
			f.d.ServeHTTP(w, httptest.NewRequest("GET", target, nil))
			done <- w.Body.String()
		}(i)
	}

	for i := 0; i < 50; i++ {
		body := <-done
		assert.Contains(t, []string{"body{}", "from default /other"}, body)
	}
	assert.Equal(t, int32(25), f.fallback.calls.Load())
}
