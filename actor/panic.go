package actor

import "fmt"

// panicToError converts a recovered handler panic into the classified
// "uncaught exception" reason from spec §7: the runtime never lets a
// handler panic escape to the scheduler goroutine.
func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("actor: handler panic: %w", err)
	}
	return fmt.Errorf("actor: handler panic: %v", r)
}
