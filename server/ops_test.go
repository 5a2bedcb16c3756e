package server

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/saiset-co/kpulse/cache"
	"github.com/saiset-co/kpulse/config"
	"github.com/saiset-co/kpulse/health"
	"github.com/saiset-co/kpulse/logger"
	"github.com/saiset-co/kpulse/metrics"
	"github.com/saiset-co/kpulse/ratelimit"
	"github.com/saiset-co/kpulse/types"
	"github.com/saiset-co/kpulse/utils"
)

type staticBreakers map[string]string

func (b staticBreakers) BreakerStates() map[string]string { return b }

type opsFixture struct {
	client *fasthttp.Client
	health *health.Manager
	gate   *ratelimit.Gate
	cache  *cache.Cache
}

func newOpsFixture(t *testing.T) *opsFixture {
	t.Helper()
	ctx := context.Background()

	cfg := config.NewLoader().Defaults()
	cm := config.NewStaticManager(cfg)

	prom := metrics.NewPrometheusMetrics(logger.NewNop(), &types.MetricsConfig{Enabled: true, Type: "prometheus", Prefix: "kpulse"})
	require.NoError(t, prom.Start())

	hm := health.NewManager(ctx, cm, logger.NewNop())
	require.NoError(t, hm.Start())
	t.Cleanup(func() { _ = hm.Stop() })

	swr, err := cache.NewCache(ctx, logger.NewNop(), prom, cache.DefaultPolicies())
	require.NoError(t, err)
	require.NoError(t, swr.Start())
	t.Cleanup(func() { _ = swr.Stop() })

	gate := ratelimit.NewGate(ratelimit.DefaultConfig(), logger.NewNop(), prom)

	ln := fasthttputil.NewInmemoryListener()
	srv := NewOpsServer(ctx, cfg.Server, logger.NewNop(), prom, hm, swr, gate,
		staticBreakers{"catalog": "closed", "news": "open"}, WithListener(ln))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	return &opsFixture{
		client: &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }},
		health: hm,
		gate:   gate,
		cache:  swr,
	}
}

func (f *opsFixture) get(t *testing.T, path string, requestID string) *fasthttp.Response {
	t.Helper()

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI("http://ops.test" + path)
	if requestID != "" {
		req.Header.Set(utils.HeaderRequestID, requestID)
	}

	resp := &fasthttp.Response{}
	require.NoError(t, f.client.DoTimeout(req, resp, time.Second))
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	f := newOpsFixture(t)
	f.health.RegisterChecker("cache", func(ctx context.Context) types.HealthCheck {
		return health.Healthy("ok", nil)
	})

	resp := f.get(t, "/health", "req-1")
	assert.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Equal(t, "req-1", string(resp.Header.Peek(utils.HeaderRequestID)))

	var report types.HealthReport
	require.NoError(t, utils.Unmarshal(resp.Body(), &report))
	assert.Equal(t, types.StatusHealthy, report.Status)

	f.health.RegisterChecker("mapping", func(ctx context.Context) types.HealthCheck {
		return health.Degraded(errors.New("redis down"), nil)
	})
	resp = f.get(t, "/health", "")
	assert.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	require.NoError(t, utils.Unmarshal(resp.Body(), &report))
	assert.Equal(t, types.StatusDegraded, report.Status)

	f.health.RegisterChecker("cache", func(ctx context.Context) types.HealthCheck {
		return health.Unhealthy(types.ErrCacheNotRunning, nil)
	})
	resp = f.get(t, "/health", "")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, resp.StatusCode())
	assert.NotEmpty(t, resp.Header.Peek(utils.HeaderRequestID))
}

func TestCacheStatsEndpoint(t *testing.T) {
	f := newOpsFixture(t)
	require.NoError(t, f.cache.Set("search:bts", []string{"BTS"}, cache.ContentSearchResults))

	resp := f.get(t, "/cache/stats", "")
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())

	var body struct {
		Stats    cache.Stats                  `json:"stats"`
		Policies map[string]map[string]string `json:"policies"`
	}
	require.NoError(t, utils.Unmarshal(resp.Body(), &body))
	assert.Equal(t, 1, body.Stats.Entries)
	assert.Equal(t, "30m0s", body.Policies["artist-data"]["fresh"])
	assert.Equal(t, "2h0m0s", body.Policies["artist-data"]["stale"])
}

func TestRateLimitEndpoint(t *testing.T) {
	f := newOpsFixture(t)
	f.gate.Check("news-search")

	resp := f.get(t, "/ratelimit?endpoint=news-search", "")
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())

	var snap ratelimit.Snapshot
	require.NoError(t, utils.Unmarshal(resp.Body(), &snap))
	assert.Equal(t, 1, snap.Count)
	assert.Equal(t, 60, snap.Max)

	resp = f.get(t, "/ratelimit", "")
	assert.Equal(t, fasthttp.StatusBadRequest, resp.StatusCode())
}

func TestMetricsAndUpstreamsEndpoints(t *testing.T) {
	f := newOpsFixture(t)
	f.gate.Check("chart")

	resp := f.get(t, "/metrics", "")
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.True(t, strings.Contains(string(resp.Body()),
		`kpulse_ratelimit_decisions_total{endpoint="chart",result="allowed"} 1`))

	resp = f.get(t, "/upstreams", "")
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.JSONEq(t, `{"breakers":{"catalog":"closed","news":"open"}}`, string(resp.Body()))

	resp = f.get(t, "/nope", "")
	assert.Equal(t, fasthttp.StatusNotFound, resp.StatusCode())
}
