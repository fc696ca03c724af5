package indexer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "nftmarket"

type Metrics struct {
	cursorSlot            prometheus.Gauge
	blocks                *prometheus.CounterVec
	sweeps                prometheus.Counter
	gapsRecorded          prometheus.Counter
	notifications         prometheus.Counter
	reconnects            prometheus.Counter
	events                *prometheus.CounterVec
	parseFailures         prometheus.Counter
	duplicates            prometheus.Counter
	metadataFetchFailures prometheus.Counter
	sinkWriteRetries      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cursorSlot: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "poller",
			Name:      "cursor_slot",
			Help:      "Last processed slot persisted by the poller.",
		}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "poller",
			Name:      "blocks_total",
			Help:      "Blocks handled by the poller by result.",
		}, []string{"result"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "poller",
			Name:      "sweeps_total",
			Help:      "Completed poller sweeps.",
		}),
		gapsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "poller",
			Name:      "gaps_recorded_total",
			Help:      "Sweep units recorded as gaps.",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "listener",
			Name:      "notifications_total",
			Help:      "Log notifications received by the listener.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "listener",
			Name:      "reconnects_total",
			Help:      "Listener subscription sessions that ended and were restarted.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Events written by the sink.",
		}, []string{"kind", "source"}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "event_parse_failures_total",
			Help:      "Marker lines whose payload was rejected.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sink",
			Name:      "duplicates_total",
			Help:      "Mint events dropped because the mint was already stored.",
		}),
		metadataFetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sink",
			Name:      "metadata_failures_total",
			Help:      "Metadata fetches that failed and left the columns null.",
		}),
		sinkWriteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sink",
			Name:      "write_retries_total",
			Help:      "Storage writes retried by the sink.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.cursorSlot,
			m.blocks,
			m.sweeps,
			m.gapsRecorded,
			m.notifications,
			m.reconnects,
			m.events,
			m.parseFailures,
			m.duplicates,
			m.metadataFetchFailures,
			m.sinkWriteRetries,
		)
	}
	return m
}

// serveMetrics exposes gatherer on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.Info("metrics listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
