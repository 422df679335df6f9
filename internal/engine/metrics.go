package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/cts/internal/ir"
)

// MetricsConfig configures forrest metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "cts").
	Namespace string

	// Subsystem is the metrics subsystem (default: "forrest").
	Subsystem string

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures forrest metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// Metrics holds the Prometheus collectors a forrest updates.
// A nil *Metrics records nothing.
type Metrics struct {
	liveNodes          prometheus.Gauge
	relationsRealized  *prometheus.CounterVec
	relationsDestroyed *prometheus.CounterVec
	eventsRelayed      *prometheus.CounterVec
	echoesSuppressed   prometheus.Counter
	clones             prometheus.Counter
	transforms         *prometheus.CounterVec
	transformStates    *prometheus.CounterVec
	treesRealized      *prometheus.CounterVec
}

// NewMetrics creates and registers forrest collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := MetricsConfig{
		Namespace: "cts",
		Subsystem: "forrest",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		liveNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "live_nodes",
			Help:      "Number of live nodes in the arena",
		}),
		relationsRealized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "relations_realized_total",
			Help:      "Relations realized, by kind",
		}, []string{"kind"}),
		relationsDestroyed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "relations_destroyed_total",
			Help:      "Relations destroyed, by kind",
		}, []string{"kind"}),
		eventsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "events_relayed_total",
			Help:      "Event hops across relations, by kind",
		}, []string{"kind"}),
		echoesSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "echoes_suppressed_total",
			Help:      "Value change echoes swallowed",
		}),
		clones: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "clones_total",
			Help:      "Nodes cloned through adapters",
		}),
		transforms: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "transforms_announced_total",
			Help:      "Transforms announced, by operation",
		}, []string{"operation"}),
		transformStates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "transform_state_changes_total",
			Help:      "Transform commit state changes, by new state",
		}, []string{"state"}),
		treesRealized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "trees_realized_total",
			Help:      "Trees realized, by adapter kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) nodesCreated(n int) {
	if m != nil {
		m.liveNodes.Add(float64(n))
	}
}

func (m *Metrics) nodesDestroyed(n int) {
	if m != nil {
		m.liveNodes.Sub(float64(n))
	}
}

func (m *Metrics) relationRealized(kind ir.RelationKind) {
	if m != nil {
		m.relationsRealized.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) relationDestroyed(kind ir.RelationKind) {
	if m != nil {
		m.relationsDestroyed.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) eventRelayed(kind ir.RelationKind) {
	if m != nil {
		m.eventsRelayed.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) echoSuppressed() {
	if m != nil {
		m.echoesSuppressed.Inc()
	}
}

func (m *Metrics) cloned() {
	if m != nil {
		m.clones.Inc()
	}
}

func (m *Metrics) transformAnnounced(op ir.Operation) {
	if m != nil {
		m.transforms.WithLabelValues(string(op)).Inc()
	}
}

func (m *Metrics) transformState(state ir.TransformState) {
	if m != nil {
		m.transformStates.WithLabelValues(string(state)).Inc()
	}
}

func (m *Metrics) treeRealized(kind string) {
	if m != nil {
		m.treesRealized.WithLabelValues(kind).Inc()
	}
}
