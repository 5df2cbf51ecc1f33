package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/requirements"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	writeOperationInsert = "insert"
	writeOperationUpdate = "update"
	writeOperationDelete = "delete"

	writeOutcomeOK       = "ok"
	writeOutcomeConflict = "conflict"
	writeOutcomeNotFound = "not_found"
	writeOutcomeInvalid  = "invalid"
	writeOutcomeError    = "error"
)

// Metrics owns the server's prometheus registry.
type Metrics struct {
	registry         *prometheus.Registry
	rowWrites        *prometheus.CounterVec
	realtimeMessages *prometheus.CounterVec
}

// NewMetrics registers the server collectors. The connection gauge reads the
// hub's live subscriber count at scrape time.
func NewMetrics(hub *realtime.Hub) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	metrics := &Metrics{
		registry: registry,
		rowWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reqgrid_row_writes_total",
			Help: "Row writes handled by the API, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		realtimeMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reqgrid_realtime_client_messages_total",
			Help: "Messages received from realtime clients, by type.",
		}, []string{"type"}),
	}
	if hub != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "reqgrid_realtime_connections",
			Help: "Realtime subscriptions currently open on this node.",
		}, func() float64 {
			return float64(hub.SubscriberCount())
		})
	}
	return metrics
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveWrite counts a row write by its outcome.
func (m *Metrics) ObserveWrite(operation string, err error) {
	m.rowWrites.WithLabelValues(operation, writeOutcome(err)).Inc()
}

func (m *Metrics) observeClientMessage(messageType string) {
	m.realtimeMessages.WithLabelValues(messageType).Inc()
}

func writeOutcome(err error) string {
	switch {
	case err == nil:
		return writeOutcomeOK
	case errors.Is(err, requirements.ErrVersionConflict):
		return writeOutcomeConflict
	case errors.Is(err, requirements.ErrRowNotFound):
		return writeOutcomeNotFound
	case errors.Is(err, requirements.ErrInvalidVersion),
		errors.Is(err, requirements.ErrInvalidRowID),
		errors.Is(err, requirements.ErrInvalidBlockID):
		return writeOutcomeInvalid
	default:
		return writeOutcomeError
	}
}
