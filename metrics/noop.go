package metrics

import (
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/kpulse/types"
)

type nopMetrics struct{}

// NewNop returns a backend whose instruments record nothing.
func NewNop() types.MetricsManager {
	return nopMetrics{}
}

func (nopMetrics) Start() error     { return nil }
func (nopMetrics) Stop() error      { return nil }
func (nopMetrics) IsRunning() bool  { return true }
func (nopMetrics) GetStats() ([]byte, error) {
	return []byte(`{}`), nil
}

func (nopMetrics) Counter(string, map[string]string) types.Counter { return emptyCounter{} }
func (nopMetrics) Gauge(string, map[string]string) types.Gauge     { return emptyGauge{} }
func (nopMetrics) Histogram(string, []float64, map[string]string) types.Histogram {
	return emptyHistogram{}
}

func (nopMetrics) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

type emptyCounter struct{}

func (emptyCounter) Inc()          {}
func (emptyCounter) Add(_ float64) {}
func (emptyCounter) Get() float64  { return 0 }

type emptyGauge struct{}

func (emptyGauge) Set(_ float64) {}
func (emptyGauge) Inc()          {}
func (emptyGauge) Dec()          {}
func (emptyGauge) Add(_ float64) {}
func (emptyGauge) Sub(_ float64) {}
func (emptyGauge) Get() float64  { return 0 }

type emptyHistogram struct{}

func (emptyHistogram) Observe(_ float64)           {}
func (emptyHistogram) ObserveDuration(_ time.Time) {}
func (emptyHistogram) GetCount() uint64            { return 0 }
func (emptyHistogram) GetSum() float64             { return 0 }
