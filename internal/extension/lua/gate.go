package lua

import (
	"github.com/cipher-editor/cipher/internal/task"
)

// loopGate hands host calls made by Lua back to the task loop when the
// interpreter is running somewhere else (only start() does).
type loopGate struct {
	sched *task.Scheduler
	state *State
}

func newLoopGate(sched *task.Scheduler, state *State) *loopGate {
	return &loopGate{sched: sched, state: state}
}

// do runs fn on the loop: directly when the running call came from there,
// through Scheduler.Call otherwise. Callers must be Go functions invoked by
// Lua.
func (g *loopGate) do(fn func() error) error {
	ctx := g.state.Away()
	if ctx == nil || g.sched == nil {
		return fn()
	}
	return g.sched.Call(ctx, fn)
}
