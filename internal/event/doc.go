// Package event provides the named event bus shared by the host and its
// extensions.
//
// Handlers are registered against a plain event name ("onTabOpened",
// "onWorkspaceChanged", ...) and run in registration order. Each invocation is
// scheduled as its own task on the cooperative loop, so Dispatch never blocks
// the caller and never sees an error from a handler:
//
//	bus := event.NewBus(sched)
//	h, err := bus.Register("onSave", func(ctx context.Context, args ...any) error {
//		return nil
//	}, owner, nil)
//	if err != nil {
//		return err
//	}
//	bus.Dispatch("onSave", "/tmp/main.go")
//	bus.Retract(owner) // h.IsActive() is now false
//
// A failing handler is reported to its own error callback, and when that is
// missing or fails too, to the bus logger. Later handlers still run.
package event
