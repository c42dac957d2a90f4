// Package metrics exposes link lifecycle counters to Prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/energizer-project/linkproxy/internal/events"
	"github.com/energizer-project/linkproxy/internal/registry"
)

// Config configures the collectors.
type Config struct {
	Namespace   string
	ConstLabels prometheus.Labels
	Buckets     []float64
	Registry    prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the link duration histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "linkproxy",
		// 1s to ~9h
		Buckets:  prometheus.ExponentialBuckets(1, 4, 8),
		Registry: prometheus.DefaultRegisterer,
	}
}

// Collectors holds the link metrics.
type Collectors struct {
	linksActive  *prometheus.GaugeVec
	linksStarted *prometheus.CounterVec
	linksStopped *prometheus.CounterVec
	linkDuration *prometheus.HistogramVec
	rejected     *prometheus.CounterVec
	phaseChanges *prometheus.CounterVec
	packets      *prometheus.CounterVec
	extensions   prometheus.Gauge
	backendUp    *prometheus.GaugeVec

	cfg     Config
	factory promauto.Factory
}

// New registers the collectors with the configured registry.
func New(opts ...Option) *Collectors {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Collectors{
		cfg:     cfg,
		factory: factory,

		linksActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "links_active",
			Help:        "Number of running links",
			ConstLabels: cfg.ConstLabels,
		}, []string{"backend"}),

		linksStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "links_started_total",
			Help:        "Total number of links started",
			ConstLabels: cfg.ConstLabels,
		}, []string{"backend", "player_version"}),

		linksStopped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "links_stopped_total",
			Help:        "Total number of links stopped by reason",
			ConstLabels: cfg.ConstLabels,
		}, []string{"backend", "reason"}),

		linkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "link_duration_seconds",
			Help:        "Lifetime of stopped links in seconds",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"backend"}),

		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "connections_rejected_total",
			Help:        "Inbound connections refused before a link existed",
			ConstLabels: cfg.ConstLabels,
		}, []string{"reason"}),

		phaseChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "phase_changes_total",
			Help:        "Phase transitions by side and target phase",
			ConstLabels: cfg.ConstLabels,
		}, []string{"side", "phase"}),

		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "packets_total",
			Help:        "Packets relayed by stopped links",
			ConstLabels: cfg.ConstLabels,
		}, []string{"direction"}),

		extensions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "extensions_loaded",
			Help:        "Number of loaded extensions",
			ConstLabels: cfg.ConstLabels,
		}),

		backendUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "backend_up",
			Help:        "Whether the last status ping of a backend succeeded",
			ConstLabels: cfg.ConstLabels,
		}, []string{"backend"}),
	}
}

// WatchCatalog exports the catalog's generation and transformation count,
// read at scrape time.
func (c *Collectors) WatchCatalog(catalog *registry.Catalog) {
	c.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   c.cfg.Namespace,
		Name:        "catalog_generation",
		Help:        "Generation of the packet catalog snapshot",
		ConstLabels: c.cfg.ConstLabels,
	}, func() float64 { return float64(catalog.Generation()) })

	c.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   c.cfg.Namespace,
		Name:        "transformations_registered",
		Help:        "Transformation mappings registered across all owners",
		ConstLabels: c.cfg.ConstLabels,
	}, func() float64 { return float64(catalog.Snapshot().TransformationCount()) })
}

// Subscribe updates the collectors from bus events.
func (c *Collectors) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventLinkStarted, "metrics.linkStarted", c.onStarted)
	bus.Subscribe(events.EventLinkStopped, "metrics.linkStopped", c.onStopped)
	bus.Subscribe(events.EventLinkRejected, "metrics.linkRejected", c.onRejected)
	bus.Subscribe(events.EventLinkPhaseChanged, "metrics.phaseChanged", c.onPhaseChanged)
	bus.Subscribe(events.EventExtensionLoaded, "metrics.extensionLoaded", c.onExtension(1))
	bus.Subscribe(events.EventExtensionUnloaded, "metrics.extensionUnloaded", c.onExtension(-1))
	bus.Subscribe(events.EventBackendHealthChanged, "metrics.backendHealth", c.onBackendHealth)
}

func (c *Collectors) onStarted(_ context.Context, e events.Event) error {
	p, ok := e.Payload.(events.LinkStartedPayload)
	if !ok {
		return nil
	}
	c.linksActive.WithLabelValues(p.Backend).Inc()
	c.linksStarted.WithLabelValues(p.Backend, p.PlayerVersion.String()).Inc()
	return nil
}

func (c *Collectors) onStopped(_ context.Context, e events.Event) error {
	p, ok := e.Payload.(events.LinkStoppedPayload)
	if !ok {
		return nil
	}
	c.linksActive.WithLabelValues(p.Backend).Dec()
	c.linksStopped.WithLabelValues(p.Backend, p.Reason).Inc()
	c.linkDuration.WithLabelValues(p.Backend).Observe(p.Duration.Seconds())
	c.packets.WithLabelValues("serverbound").Add(float64(p.PacketsIn))
	c.packets.WithLabelValues("clientbound").Add(float64(p.PacketsOut))
	return nil
}

func (c *Collectors) onRejected(_ context.Context, e events.Event) error {
	if p, ok := e.Payload.(events.LinkRejectedPayload); ok {
		c.rejected.WithLabelValues(p.Reason).Inc()
	}
	return nil
}

func (c *Collectors) onPhaseChanged(_ context.Context, e events.Event) error {
	if p, ok := e.Payload.(events.LinkPhaseChangedPayload); ok {
		c.phaseChanges.WithLabelValues(p.Side, p.To.String()).Inc()
	}
	return nil
}

func (c *Collectors) onExtension(delta float64) events.HandlerFunc {
	return func(context.Context, events.Event) error {
		c.extensions.Add(delta)
		return nil
	}
}

func (c *Collectors) onBackendHealth(_ context.Context, e events.Event) error {
	p, ok := e.Payload.(events.BackendHealthPayload)
	if !ok {
		return nil
	}
	up := 0.0
	if p.Healthy {
		up = 1
	}
	c.backendUp.WithLabelValues(p.Backend).Set(up)
	return nil
}
