package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the worker's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	readingsStored  *prometheus.CounterVec
	decodeFailures  prometheus.Counter
	unknownDevices  prometheus.Counter
	transportErrors prometheus.Counter
	staleDevices    prometheus.Gauge
}

// New creates and registers the worker collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readingsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartplug_readings_stored_total",
			Help: "Readings appended to the store, by kind (measured or synthetic).",
		}, []string{"kind"}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartplug_decode_failures_total",
			Help: "Telemetry payloads discarded because they could not be decoded.",
		}),
		unknownDevices: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartplug_unknown_device_messages_total",
			Help: "Telemetry messages discarded because the device is not tracked.",
		}),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartplug_transport_errors_total",
			Help: "Broker connection errors observed by the ingestion loop.",
		}),
		staleDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartplug_stale_devices",
			Help: "Devices found stale at the last timeout tick.",
		}),
	}

	m.registry.MustRegister(m.readingsStored, m.decodeFailures, m.unknownDevices, m.transportErrors, m.staleDevices)
	return m
}

// ReadingStored counts an appended reading, measured or synthetic
func (m *Metrics) ReadingStored(synthetic bool) {
	if m == nil {
		return
	}
	kind := "measured"
	if synthetic {
		kind = "synthetic"
	}
	m.readingsStored.WithLabelValues(kind).Inc()
}

// DecodeFailure counts a discarded malformed payload
func (m *Metrics) DecodeFailure() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

// UnknownDevice counts a payload from a device that is not tracked
func (m *Metrics) UnknownDevice() {
	if m == nil {
		return
	}
	m.unknownDevices.Inc()
}

// TransportError counts an MQTT connection or subscription error
func (m *Metrics) TransportError() {
	if m == nil {
		return
	}
	m.transportErrors.Inc()
}

// StaleDevices records how many devices the last check found stale
func (m *Metrics) StaleDevices(n int) {
	if m == nil {
		return
	}
	m.staleDevices.Set(float64(n))
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server serves /metrics on the given port
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates a metrics server; it does not listen until Start
func NewServer(m *Metrics, port int, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
