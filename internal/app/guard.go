package app

import (
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog"
)

// Guard recovers a panic on the calling goroutine. It must be deferred
// directly:
//
//	defer app.Guard(logger, cleanup, os.Exit)
//
// On a panic it logs where the panic originated, runs cleanup (itself
// protected) and exits with code 1.
func Guard(logger zerolog.Logger, cleanup func(), exit func(int)) {
	r := recover()
	if r == nil {
		return
	}
	perr := &RecoveredPanicError{Value: r, Stack: string(debug.Stack())}
	perr.File, perr.Line = panicOrigin()

	logger.Error().
		Str("file", perr.File).
		Int("line", perr.Line).
		Interface("panic", r).
		Str("stack", perr.Stack).
		Msg("cipher crashed")

	if cleanup != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Interface("panic", r).Msg("crash cleanup failed")
				}
			}()
			cleanup()
		}()
	}
	exit(1)
}

// panicOrigin returns the first frame below the panic that is not runtime
// or Guard itself.
func panicOrigin() (string, int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") && !strings.HasSuffix(f.Function, "app.Guard") && !strings.HasSuffix(f.Function, "app.panicOrigin") {
			return f.File, f.Line
		}
		if !more {
			return "", 0
		}
	}
}
