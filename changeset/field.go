package changeset

type fieldState uint8

const (
	fieldUnchanged fieldState = iota
	fieldCleared
	fieldSet
)

// Field carries one optional attribute through a change set. The zero value
// is Unchanged and leaves any stored value alone when merged; Cleared erases
// the stored value; Set replaces it.
type Field[T any] struct {
	state fieldState
	value T
}

// Unchanged returns a field that leaves the stored value untouched.
func Unchanged[T any]() Field[T] {
	return Field[T]{}
}

// Cleared returns a field that erases the stored value.
func Cleared[T any]() Field[T] {
	return Field[T]{state: fieldCleared}
}

// Set returns a field that replaces the stored value with v.
func Set[T any](v T) Field[T] {
	return Field[T]{state: fieldSet, value: v}
}

// IsUnchanged reports whether the field leaves the stored value untouched.
func (f Field[T]) IsUnchanged() bool {
	return f.state == fieldUnchanged
}

// IsCleared reports whether the field erases the stored value.
func (f Field[T]) IsCleared() bool {
	return f.state == fieldCleared
}

// IsSet reports whether the field carries a replacement value.
func (f Field[T]) IsSet() bool {
	return f.state == fieldSet
}

// Value returns the replacement value and true when the field is Set.
func (f Field[T]) Value() (T, bool) {
	if f.state != fieldSet {
		var zero T
		return zero, false
	}
	return f.value, true
}
