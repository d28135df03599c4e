package orchestrator

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicLogger receives a recovered panic with a trimmed stack.
type PanicLogger func(funcName string, err any, stack []byte, fields ...map[string]any)

// Recover runs fn and converts a panic into an internal error. Collaborators
// (hydrators, handlers, guards) are invoked through it.
func Recover(funcName string, logger PanicLogger, fields map[string]any, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fullStack := make([]byte, 8096)
			n := runtime.Stack(fullStack, false)
			stack := cleanStackTrace(fullStack[:n])
			if logger != nil {
				logger(funcName, r, stack, fields)
			}
			err = Internal(fmt.Errorf("panic in %s: %v", funcName, r), fields)
		}
	}()
	return fn()
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() call line and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
