package metrics

import "fmt"

// Meter tracks the latest value and running statistics of a scalar.
type Meter struct {
	val   float64
	sum   float64
	count float64
}

// Update folds weight occurrences of val into the running statistics.
func (m *Meter) Update(val float64, weight float64) {
	if weight <= 0 {
		weight = 1
	}
	m.val = val
	m.sum += val * weight
	m.count += weight
}

// Val returns the most recently recorded value.
func (m *Meter) Val() float64 { return m.val }

// Avg returns the weighted running mean, or 0 before any update.
func (m *Meter) Avg() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / m.count
}

// Count returns the accumulated weight.
func (m *Meter) Count() float64 { return m.count }

// Sum returns the weighted running sum.
func (m *Meter) Sum() float64 { return m.sum }

// Reset empties the meter.
func (m *Meter) Reset() { *m = Meter{} }

// String formats the meter as "latest (avg mean)".
func (m *Meter) String() string {
	return fmt.Sprintf("%.3f (avg %.3f)", m.Val(), m.Avg())
}

// Set is a collection of named meters.
type Set struct {
	meters map[string]*Meter
}

// NewSet returns an empty meter set.
func NewSet() *Set {
	return &Set{meters: make(map[string]*Meter)}
}

// Get returns the meter with the given name, creating it on first use.
func (s *Set) Get(name string) *Meter {
	m, ok := s.meters[name]
	if !ok {
		m = &Meter{}
		s.meters[name] = m
	}
	return m
}

// Update folds a measurement into the named meter.
func (s *Set) Update(name string, val, weight float64) {
	s.Get(name).Update(val, weight)
}

// Reset empties every meter in the set.
func (s *Set) Reset() {
	for _, m := range s.meters {
		m.Reset()
	}
}
