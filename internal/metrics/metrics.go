package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ringtap"

var (
	// Registry is a dedicated Prometheus registry for all ringtap metrics.
	Registry = prometheus.NewRegistry()

	// EventsTotal counts decoded ring records by CPU and record kind.
	EventsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of records drained from perf rings",
		},
		[]string{"cpu", "kind"}, // kind: sample | lost | unknown
	)

	// LostSamplesTotal accumulates the kernel-reported drop counts.
	LostSamplesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lost_samples_total",
			Help:      "Cumulative samples the kernel dropped due to backpressure",
		},
		[]string{"cpu"},
	)

	// SampleBytesTotal accumulates payload bytes copied out of the rings.
	SampleBytesTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sample_bytes_total",
			Help:      "Cumulative payload bytes copied out of perf rings",
		},
	)

	// OpenChannels reports the number of currently open perf channels.
	OpenChannels = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_channels",
			Help:      "Number of per-CPU perf channels currently open",
		},
	)

	// DrainBatchSize observes how many records one poll wakeup drained.
	DrainBatchSize = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_batch_size",
			Help:      "Records drained per poll wakeup",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	// BuildTotal counts build pipeline runs by outcome.
	BuildTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "build_total",
			Help:      "Total number of BPF build attempts",
		},
		[]string{"outcome"}, // success | failure
	)

	// BuildCacheTotal counts artifact cache lookups by outcome.
	BuildCacheTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "build_cache_total",
			Help:      "Artifact cache lookups during builds",
		},
		[]string{"outcome"}, // hit | miss
	)

	// Up is a liveness gauge for the process.
	Up = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "1 if the process is running and healthy",
		},
	)
)

func init() {
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	Registry.MustRegister(prometheus.NewGoCollector())
	Up.Set(1)
}

// ObserveEvent records one drained record for the given CPU.
func ObserveEvent(cpu int, kind string, payloadBytes int) {
	EventsTotal.WithLabelValues(cpuLabel(cpu), kind).Inc()
	if payloadBytes > 0 {
		SampleBytesTotal.Add(float64(payloadBytes))
	}
}

// ObserveLost adds a kernel drop count for the given CPU.
func ObserveLost(cpu int, count uint64) {
	if count == 0 {
		return
	}
	LostSamplesTotal.WithLabelValues(cpuLabel(cpu)).Add(float64(count))
}

// ObserveBuild records the outcome of one build pipeline run.
func ObserveBuild(err error) {
	if err != nil {
		BuildTotal.WithLabelValues("failure").Inc()
		return
	}
	BuildTotal.WithLabelValues("success").Inc()
}

// ObserveCacheLookup records whether an artifact cache lookup hit.
func ObserveCacheLookup(hit bool) {
	if hit {
		BuildCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	BuildCacheTotal.WithLabelValues("miss").Inc()
}

// SetOpenChannels reports the current number of open perf channels.
func SetOpenChannels(n int) {
	if n < 0 {
		n = 0
	}
	OpenChannels.Set(float64(n))
}

// SetUp toggles the liveness gauge.
func SetUp(healthy bool) {
	if healthy {
		Up.Set(1)
		return
	}
	Up.Set(0)
}

func cpuLabel(cpu int) string {
	return strconv.Itoa(cpu)
}

// Serve starts the /metrics HTTP endpoint on the provided address.
func Serve(ctx context.Context, addr string, logger *log.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = log.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	srv := &http.Server{Addr: addr, Handler: mux}

	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	logger.Printf("[metrics] Prometheus endpoint listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-idleClosed
		return nil
	}

	return err
}
