package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Metrics with lazily registered vectors. Vectors are
// created on first observation; the label set of that first observation fixes
// the vector's dimensions.
type Prometheus struct {
	registerer prometheus.Registerer

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.Mutex
}

func NewPrometheus(registerer prometheus.Registerer) *Prometheus {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Prometheus{
		registerer: registerer,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func splitLabels(labels []Label) ([]string, []string) {
	keys := make([]string, len(labels))
	values := make([]string, len(labels))
	for i, l := range labels {
		keys[i] = l.Key
		values[i] = l.Value
	}
	return keys, values
}

func (p *Prometheus) IncCounter(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)

	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, keys)
		p.registerer.MustRegister(vec)
		p.counters[name] = vec
	}
	p.mu.Unlock()

	vec.WithLabelValues(values...).Add(value)
}

func (p *Prometheus) SetGauge(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)

	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, keys)
		p.registerer.MustRegister(vec)
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	vec.WithLabelValues(values...).Set(value)
}

func (p *Prometheus) ObserveHistogram(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)

	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name}, keys)
		p.registerer.MustRegister(vec)
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	vec.WithLabelValues(values...).Observe(value)
}
