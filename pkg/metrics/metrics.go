package metrics

// Label is one metric dimension.
type Label struct {
	Key   string
	Value string
}

// Metrics is the recording capability handed to components. Implementations
// must be safe for concurrent use.
type Metrics interface {
	IncCounter(name string, value float64, labels ...Label)
	SetGauge(name string, value float64, labels ...Label)
	ObserveHistogram(name string, value float64, labels ...Label)
}

// Noop discards all observations; used in tests.
type Noop struct{}

func NewNoop() Noop { return Noop{} }

func (Noop) IncCounter(string, float64, ...Label)       {}
func (Noop) SetGauge(string, float64, ...Label)         {}
func (Noop) ObserveHistogram(string, float64, ...Label) {}
