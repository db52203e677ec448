package simulator

// Limit is the value at which a counter wraps back to zero, after it has been
// published once.
const Limit = 100

// Reading is one value produced by a tick.
type Reading struct {
	Measurement string
	Value       int
}

// Counters holds one rising value per measurement. Measurements keep the order
// in which they were added.
type Counters struct {
	names  []string
	values map[string]int
}

// NewCounters returns an empty set.
func NewCounters() *Counters {
	return &Counters{values: make(map[string]int)}
}

// DefaultCounters seeds temperature, humidity and pressure at 0, 10 and 20.
func DefaultCounters() *Counters {
	c := NewCounters()
	c.Add("temperature", 0)
	c.Add("humidity", 10)
	c.Add("pressure", 20)
	return c
}

// Add registers a measurement with its start value, or resets it if present.
func (c *Counters) Add(name string, start int) {
	if _, ok := c.values[name]; !ok {
		c.names = append(c.names, name)
	}
	c.values[name] = start
}

// Value returns the current value of name.
func (c *Counters) Value(name string) (int, bool) {
	v, ok := c.values[name]
	return v, ok
}

// Names returns the measurements in insertion order.
func (c *Counters) Names() []string {
	return append([]string(nil), c.names...)
}

// Advance increments every counter and returns the new values. Counters that
// reached Limit are reset afterwards, so the published sequence runs
// ..., 99, 100, 1, 2, ...
func (c *Counters) Advance() []Reading {
	out := make([]Reading, 0, len(c.names))
	for _, name := range c.names {
		c.values[name]++
		out = append(out, Reading{Measurement: name, Value: c.values[name]})
	}
	for _, name := range c.names {
		if c.values[name] >= Limit {
			c.values[name] = 0
		}
	}
	return out
}
