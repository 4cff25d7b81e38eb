package runner

// Accumulator collects fitted rows between checkpoint flushes with O(1)
// amortized appends. Rebuilding the full result set on every unit completion
// is the quadratic blowup this type exists to prevent; Reallocs exposes the
// growth count so a test can hold the line.
type Accumulator[T any] struct {
	buf      []T
	reallocs int
	total    int
}

func (a *Accumulator[T]) Add(items ...T) {
	oldCap := cap(a.buf)
	a.buf = append(a.buf, items...)
	if cap(a.buf) != oldCap {
		a.reallocs++
	}
	a.total += len(items)
}

// Drain hands the accumulated rows to the caller and resets the buffer. The
// returned slice is owned by the caller; the accumulator starts fresh.
func (a *Accumulator[T]) Drain() []T {
	out := a.buf
	a.buf = nil
	return out
}

func (a *Accumulator[T]) Len() int { return len(a.buf) }

// Reallocs is the number of times the underlying array grew. Amortized O(1)
// appends keep this logarithmic in the total item count.
func (a *Accumulator[T]) Reallocs() int { return a.reallocs }

// Total is the number of items ever added.
func (a *Accumulator[T]) Total() int { return a.total }
