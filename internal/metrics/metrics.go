// internal/metrics/metrics.go
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tamzrod/meter-poller/internal/device"
	"github.com/tamzrod/meter-poller/internal/query"
)

// Collector turns scheduler events into Prometheus series. It is a
// scheduler.Observer; one instance serves every port.
type Collector struct {
	reg *prometheus.Registry

	queries      *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	reconnects   *prometheus.CounterVec
	disconnected *prometheus.GaugeVec
	cycleErrors  *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterpoller",
			Name:      "queries_total",
			Help:      "Device transactions by operation and outcome.",
		}, []string{"device", "op", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meterpoller",
			Name:      "query_duration_seconds",
			Help:      "Time spent in one device transaction.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"device", "op"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterpoller",
			Name:      "reconnects_total",
			Help:      "Transitions of a device from disconnected to connected.",
		}, []string{"device"}),
		disconnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meterpoller",
			Name:      "device_disconnected",
			Help:      "1 while the device has not answered for longer than its device timeout.",
		}, []string{"device"}),
		cycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterpoller",
			Name:      "poll_cycle_errors_total",
			Help:      "Poll cycles that ended with at least one failed read.",
		}, []string{"device"}),
	}
	c.reg.MustRegister(
		c.queries,
		c.duration,
		c.reconnects,
		c.disconnected,
		c.cycleErrors,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// ------------------------------------------------------------
// scheduler.Observer
// ------------------------------------------------------------

func (c *Collector) QueryDone(dev *device.Device, q *query.Query, elapsed time.Duration) {
	op := q.Op.String()
	c.queries.WithLabelValues(dev.Name(), op, q.Status.String()).Inc()
	c.duration.WithLabelValues(dev.Name(), op).Observe(elapsed.Seconds())
}

func (c *Collector) DeviceDone(dev *device.Device, err error) {
	v := 0.0
	if dev.IsDisconnected() {
		v = 1
	}
	c.disconnected.WithLabelValues(dev.Name()).Set(v)
	if err != nil {
		c.cycleErrors.WithLabelValues(dev.Name()).Inc()
	}
}

func (c *Collector) Reconnected(dev *device.Device) {
	c.reconnects.WithLabelValues(dev.Name()).Inc()
}

// ------------------------------------------------------------
// HTTP
// ------------------------------------------------------------

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	log.Printf("metrics listening (addr=%s)", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
