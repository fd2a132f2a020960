// Package telemetry exposes pipeline metrics to Prometheus.
//
// Metrics live on a private registry so tests and multiple instances never
// collide on the default one.
package telemetry

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e7canasta/orion-fatigue/modules/fatigue"
	"github.com/e7canasta/orion-fatigue/modules/previewbus"
	"github.com/e7canasta/orion-fatigue/modules/session"
)

const subscriberID = "telemetry"

var (
	states = []session.State{session.Idle, session.Preview, session.Recording, session.Closed}
	bands  = []fatigue.Alertness{fatigue.AlertnessUnavailable, fatigue.AlertnessNormal, fatigue.AlertnessCaution, fatigue.AlertnessAlert}
)

type Metrics struct {
	reg *prometheus.Registry

	records   prometheus.Counter
	faceless  prometheus.Counter
	blinks    prometheus.Counter
	perclos   prometheus.Gauge
	blinkRate prometheus.Gauge
	alertness *prometheus.GaugeVec

	state         *prometheus.GaugeVec
	queueDepth    prometheus.Gauge
	queueDropped  prometheus.Gauge
	sourceFPS     prometheus.Gauge
	extractErrors prometheus.Gauge
	sinkErrors    prometheus.Gauge
	trialSeconds  prometheus.Gauge
	previewDrops  prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fatigue_records_total",
			Help: "Total analyzed frames.",
		}),
		faceless: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fatigue_faceless_records_total",
			Help: "Analyzed frames without exactly one face.",
		}),
		blinks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fatigue_blinks_total",
			Help: "Completed blinks.",
		}),
		perclos: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fatigue_perclos_percent",
			Help: "Latest PERCLOS value in percent.",
		}),
		blinkRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fatigue_blink_rate_per_minute",
			Help: "Latest blink rate over the blink window.",
		}),
		alertness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fatigue_alertness",
			Help: "Current alertness band (1 for the active band).",
		}, []string{"band"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fatigue_session_state",
			Help: "Session state (1 for the active state).",
		}, []string{"state"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fatigue_queue_depth",
			Help: "Frames waiting in the current queue.",
		}),
		queueDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fatigue_queue_dropped_frames",
			Help: "Frames dropped by the current queue.",
		}),
		sourceFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fatigue_source_fps",
			Help: "Measured capture rate of the current run.",
		}),
		extractErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fatigue_extract_errors",
			Help: "Extractor failures in the current trial.",
		}),
		sinkErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fatigue_sink_errors",
			Help: "Report sink failures in this session.",
		}),
		trialSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fatigue_trial_elapsed_seconds",
			Help: "Trial stopwatch.",
		}),
		previewDrops: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fatigue_preview_dropped_views",
			Help: "Views dropped by slow preview subscribers.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.reg.MustRegister(
		m.records,
		m.faceless,
		m.blinks,
		m.perclos,
		m.blinkRate,
		m.alertness,
		m.state,
		m.queueDepth,
		m.queueDropped,
		m.sourceFPS,
		m.extractErrors,
		m.sinkErrors,
		m.trialSeconds,
		m.previewDrops,
		m.httpRequests,
		m.httpDuration,
	)

	for _, b := range bands {
		m.alertness.WithLabelValues(b.String()).Set(0)
	}
	m.setState(session.Idle)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveRecord updates the per-frame metrics.
func (m *Metrics) ObserveRecord(rec fatigue.Record) {
	if m == nil {
		return
	}
	m.records.Inc()
	if !rec.FaceDetected {
		m.faceless.Inc()
	} else {
		if rec.IsBlink {
			m.blinks.Inc()
		}
		m.perclos.Set(rec.Perclos)
		m.blinkRate.Set(rec.BlinkRate)
	}
	for _, b := range bands {
		v := 0.0
		if b == rec.Alertness {
			v = 1
		}
		m.alertness.WithLabelValues(b.String()).Set(v)
	}
}

// ObserveSnapshot updates the controller gauges.
func (m *Metrics) ObserveSnapshot(s session.Snapshot) {
	if m == nil {
		return
	}
	m.setState(s.State)
	m.queueDepth.Set(float64(s.Queue.Depth))
	m.queueDropped.Set(float64(s.Queue.Dropped))
	m.sourceFPS.Set(s.Source.MeasuredFPS)
	m.extractErrors.Set(float64(s.Analyzer.ExtractErrors))
	m.sinkErrors.Set(float64(s.SinkErrors))
	m.trialSeconds.Set(s.Elapsed.Seconds())
}

func (m *Metrics) setState(st session.State) {
	for _, s := range states {
		v := 0.0
		if s == st {
			v = 1
		}
		m.state.WithLabelValues(s.String()).Set(v)
	}
}

// Run feeds the metrics until ctx is done: records from the bus as they are
// published, controller and bus stats every interval.
func (m *Metrics) Run(ctx context.Context, bus *previewbus.Bus, snapshot func() session.Snapshot, interval time.Duration) error {
	views := make(chan previewbus.View, 64)
	if err := bus.Subscribe(subscriberID, views); err != nil {
		return err
	}
	defer bus.Unsubscribe(subscriberID)

	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Debug("telemetry: collector started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-views:
			if v.Record != nil {
				m.ObserveRecord(*v.Record)
			}
		case <-ticker.C:
			m.ObserveSnapshot(snapshot())
			m.previewDrops.Set(float64(bus.Stats().TotalDropped()))
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades through the wrapper.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("telemetry: response writer cannot hijack")
	}
	return h.Hijack()
}

// WrapHandler counts requests and their latency under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}
