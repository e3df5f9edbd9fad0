package engine

// Clock tracks the simulated years. Current is the last committed year and
// only ever moves forward.
type Clock struct {
	Start   int `json:"start_year"`
	End     int `json:"end_year"`
	Current int `json:"current_year"`
}

// NewClock positions the clock just before start.
func NewClock(start, end int) Clock {
	return Clock{Start: start, End: end, Current: start - 1}
}

// Next is the year the next tick simulates.
func (c Clock) Next() int { return c.Current + 1 }

// Started reports whether any year has been committed.
func (c Clock) Started() bool { return c.Current >= c.Start }

// Completed reports whether the end year has been committed.
func (c Clock) Completed() bool { return c.Current >= c.End }

// Advance moves the clock to the committed year.
func (c *Clock) Advance() { c.Current++ }

// Remaining is the number of ticks left.
func (c Clock) Remaining() int {
	if c.Completed() {
		return 0
	}
	return c.End - c.Current
}
