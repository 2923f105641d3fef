package kernel

import (
	"fmt"
	"runtime/debug"
)

// guard runs fn and turns a panic into a returned error carrying the stack,
// so a misbehaving module or driver cannot take down the whole client. Plain
// errors come back wrapped with the scope.
func guard(scope string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s: panic: %v\n%s", scope, recovered, debug.Stack())
		}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}
