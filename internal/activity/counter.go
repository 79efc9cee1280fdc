package activity

// Counter counts consecutive polls with the same raw reading. It saturates at
// the ceiling passed to Inc, so a device that stays in one state for hours
// still holds a small, meaningful value.
type Counter int

// Inc adds one unless the counter already holds ceiling.
func (c *Counter) Inc(ceiling int) {
	if int(*c) < ceiling {
		*c++
	}
}

// Reset sets the counter back to zero.
func (c *Counter) Reset() {
	*c = 0
}

// Reached reports whether the counter holds at least n.
func (c Counter) Reached(n int) bool {
	return int(c) >= n
}
