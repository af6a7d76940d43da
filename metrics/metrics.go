// Package metrics wires the domain's counters and histograms into a single
// prometheus.Registerer, mirroring the shape of the teacher's
// prometheus.Prometheus (prometheus/prometheus.go): one struct holding the
// collectors, an Init-free constructor (registration happens up front
// instead of in a separate Init call, since nothing here depends on
// runtime-only config), and a Listen that serves /metrics.
package metrics

import (
	"net/http"

	errwrap "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultListen mirrors the teacher's registered-port convention
// (prometheus/prometheus.go's DefaultPrometheusListen), moved onto a
// distinct port since this process is not mgmt.
const DefaultListen = "127.0.0.1:9234"

// Registry bundles this repo's collectors: scheduler.Runtime's step
// counters, plus transport message/byte counters and hardsync per-tag
// request counters and a queue depth gauge. Only scheduler.Runtime
// increments its collectors; the transport and hardsync collectors are
// registered and served but nothing in the module increments them.
type Registry struct {
	reg *prometheus.Registry

	RuntimeSteps        *prometheus.CounterVec
	RuntimeStepDuration *prometheus.HistogramVec

	TransportMessages *prometheus.CounterVec
	TransportBytes    *prometheus.CounterVec

	HardSyncRequests  *prometheus.CounterVec
	HardSyncQueueSize *prometheus.GaugeVec
}

// New builds and registers every collector against a fresh registry, so
// tests can construct as many independent Registries as they need without
// colliding on prometheus's global default registerer.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		RuntimeSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fpmas_runtime_steps_total",
				Help: "Number of simulation steps executed.",
			},
			nil,
		),
		RuntimeStepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "fpmas_runtime_step_duration_seconds",
				Help: "Wall-clock duration of a single simulation step.",
			},
			nil,
		),
		TransportMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fpmas_transport_messages_total",
				Help: "Number of point-to-point or collective messages sent.",
			},
			[]string{"op"}, // migrate, gather, all_gather, bcast, send, issend
		),
		TransportBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fpmas_transport_bytes_total",
				Help: "Number of payload bytes migrated between ranks.",
			},
			[]string{"op"},
		),
		HardSyncRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fpmas_hardsync_requests_total",
				Help: "Number of HardSyncMode RPC requests served, by tag.",
			},
			[]string{"tag"},
		),
		HardSyncQueueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fpmas_hardsync_queue_size",
				Help: "Number of pending requests queued per node.",
			},
			[]string{"queue"}, // read, lock
		),
	}

	reg.MustRegister(
		r.RuntimeSteps,
		r.RuntimeStepDuration,
		r.TransportMessages,
		r.TransportBytes,
		r.HardSyncRequests,
		r.HardSyncQueueSize,
	)
	return r
}

// Listen serves /metrics on addr in a background goroutine, exactly as the
// teacher's Prometheus.Start does with promhttp.Handler().
func (r *Registry) Listen(addr string) error {
	if addr == "" {
		addr = DefaultListen
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			_ = errwrap.Wrap(err, "metrics: http server failed")
		}
	}()
	return nil
}
