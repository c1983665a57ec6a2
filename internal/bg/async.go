package bg

// Async runs each function in a new goroutine.
type Async struct{}

// Do starts fn and returns immediately.
func (Async) Do(fn func()) {
	go fn()
}
