// Package metrics counts operations, classified failures and RPC reads for a
// single run and can dump them in the Prometheus text format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	registry *prometheus.Registry

	Operations       *prometheus.CounterVec
	ClassifiedErrors *prometheus.CounterVec
	RPCReads         *prometheus.CounterVec
}

// New registers the counters on a private registry so repeated construction in
// tests never collides with the default one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lendpool_operations_total",
			Help: "Orchestrated operations by kind and final state",
		}, []string{"kind", "result"}),
		ClassifiedErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lendpool_classified_errors_total",
			Help: "Failed operations by classified error kind",
		}, []string{"kind"}),
		RPCReads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lendpool_rpc_reads_total",
			Help: "Contract reads by method and status",
		}, []string{"method", "status"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRead matches protocol.Observer.
func (m *Metrics) ObserveRead(method, status string) {
	m.RPCReads.WithLabelValues(method, status).Inc()
}

func (m *Metrics) ObserveOperation(kind, result string) {
	m.Operations.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveClassified(kind string) {
	m.ClassifiedErrors.WithLabelValues(kind).Inc()
}

// WriteFile dumps every registered metric to path in the text exposition format.
func (m *Metrics) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
