package derive

// State is a derived value that may not have been computed yet. The zero
// State is NotYetComputed, so a zero T (nil, 0, "") is a valid computed value.
type State[T any] struct {
	value    T
	computed bool
}

// NotYetComputed returns the uninitialized state.
func NotYetComputed[T any]() State[T] {
	return State[T]{}
}

// Computed wraps v.
func Computed[T any](v T) State[T] {
	return State[T]{value: v, computed: true}
}

// Get returns the value and whether it has been computed.
func (s State[T]) Get() (T, bool) {
	return s.value, s.computed
}

// IsComputed reports whether the state holds a value.
func (s State[T]) IsComputed() bool {
	return s.computed
}

// OrZero returns the value, or the zero T when not computed.
func (s State[T]) OrZero() T {
	return s.value
}
