package event

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cipher-editor/cipher/internal/task"
)

type testOwner struct{ name string }

func (o *testOwner) String() string { return o.name }

func newTestBus() (*Bus, *task.Scheduler) {
	sched := task.New()
	return NewBus(sched), sched
}

func TestRegisterValidates(t *testing.T) {
	bus, _ := newTestBus()

	_, err := bus.Register("", func(context.Context, ...any) error { return nil }, nil, nil)
	require.ErrorIs(t, err, ErrEmptyName)

	_, err = bus.Register("onSave", nil, nil, nil)
	require.ErrorIs(t, err, ErrNilHandler)
}

func TestDispatchReturnsBeforeHandlersRun(t *testing.T) {
	bus, sched := newTestBus()
	ran := false
	_, err := bus.Register("onSave", func(context.Context, ...any) error {
		ran = true
		return nil
	}, &testOwner{"a"}, nil)
	require.NoError(t, err)

	bus.Dispatch("onSave")
	require.False(t, ran)

	sched.Drain()
	require.True(t, ran)
}

func TestDispatchOrderSurvivesFailures(t *testing.T) {
	bus, sched := newTestBus()
	owner := &testOwner{"ordered"}
	var started []int

	for i := 0; i < 6; i++ {
		i := i
		_, err := bus.Register("onTabOpened", func(context.Context, ...any) error {
			started = append(started, i)
			switch i % 3 {
			case 1:
				return errors.New("handler failed")
			case 2:
				panic("handler panicked")
			}
			return nil
		}, owner, nil)
		require.NoError(t, err)
	}

	bus.Dispatch("onTabOpened", "/tmp/a.go")
	sched.Drain()

	require.Equal(t, []int{0, 1, 2, 3, 4, 5}, started)
	stats := bus.Stats()
	require.Equal(t, uint64(6), stats.Started)
	require.Equal(t, uint64(4), stats.Failed)
}

func TestDispatchPassesArguments(t *testing.T) {
	bus, sched := newTestBus()
	var got []any
	_, err := bus.Register("onWorkspaceChanged", func(_ context.Context, args ...any) error {
		got = args
		return nil
	}, &testOwner{"a"}, nil)
	require.NoError(t, err)

	bus.Dispatch("onWorkspaceChanged", "win-1", "/src")
	sched.Drain()

	require.Equal(t, []any{"win-1", "/src"}, got)
}

func TestErrorCallbackReceivesFailureAndArgs(t *testing.T) {
	bus, sched := newTestBus()
	boom := errors.New("boom")

	var gotErr error
	var gotArgs []any
	_, err := bus.Register("onSave", func(context.Context, ...any) error {
		return boom
	}, &testOwner{"a"}, func(_ context.Context, err error, args ...any) error {
		gotErr = err
		gotArgs = args
		return nil
	})
	require.NoError(t, err)

	bus.Dispatch("onSave", "/tmp/x.go")
	sched.Drain()

	require.ErrorIs(t, gotErr, boom)
	var herr *HandlerError
	require.ErrorAs(t, gotErr, &herr)
	require.Equal(t, "onSave", herr.Event)
	require.Equal(t, []any{"/tmp/x.go"}, gotArgs)
}

func TestFailingErrorCallbackDoesNotStopDispatch(t *testing.T) {
	bus, sched := newTestBus()
	owner := &testOwner{"a"}

	_, err := bus.Register("onSave", func(context.Context, ...any) error {
		return errors.New("first")
	}, owner, func(context.Context, error, ...any) error {
		panic("callback exploded")
	})
	require.NoError(t, err)

	second := false
	_, err = bus.Register("onSave", func(context.Context, ...any) error {
		second = true
		return nil
	}, owner, nil)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		bus.Dispatch("onSave")
		sched.Drain()
	})
	require.True(t, second)
}

func TestIsolationAcrossEvents(t *testing.T) {
	bus, sched := newTestBus()
	bad := &testOwner{"bad"}
	good := &testOwner{"good"}

	_, err := bus.Register("onSave", func(context.Context, ...any) error { panic("always") }, bad, nil)
	require.NoError(t, err)

	calls := map[string]int{}
	for _, name := range []string{"onSave", "onClose"} {
		name := name
		_, err := bus.Register(name, func(context.Context, ...any) error {
			calls[name]++
			return nil
		}, good, nil)
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		bus.Dispatch("onSave")
		bus.Dispatch("onClose")
	}
	sched.Drain()

	require.Equal(t, 3, calls["onSave"])
	require.Equal(t, 3, calls["onClose"])
}

func TestRetractSkipsQueuedInvocations(t *testing.T) {
	bus, sched := newTestBus()
	owner := &testOwner{"stale"}
	ran := 0
	_, err := bus.Register("onSave", func(context.Context, ...any) error {
		ran++
		return nil
	}, owner, nil)
	require.NoError(t, err)

	bus.Dispatch("onSave")
	// Fan out: the invocation is now queued but has not started.
	require.Equal(t, 1, sched.RunPending())

	require.Equal(t, 1, bus.Retract(owner))
	sched.Drain()

	require.Equal(t, 0, ran)
	require.Equal(t, uint64(1), bus.Stats().Skipped)
}

func TestRetractOnlyTouchesOwner(t *testing.T) {
	bus, sched := newTestBus()
	owners := []*testOwner{{"a"}, {"b"}}
	var seen []string
	for _, o := range owners {
		o := o
		for i := 0; i < 2; i++ {
			i := i
			_, err := bus.Register("onSave", func(context.Context, ...any) error {
				seen = append(seen, fmt.Sprintf("%s%d", o.name, i))
				return nil
			}, o, nil)
			require.NoError(t, err)
		}
	}

	require.Equal(t, 2, bus.Retract(owners[0]))
	require.Equal(t, 0, bus.Retract(owners[0]))

	bus.Dispatch("onSave")
	sched.Drain()
	require.Equal(t, []string{"b0", "b1"}, seen)
}

func TestUnregister(t *testing.T) {
	bus, _ := newTestBus()
	h, err := bus.Register("onSave", func(context.Context, ...any) error { return nil }, &testOwner{"a"}, nil)
	require.NoError(t, err)

	require.True(t, bus.Unregister(h))
	require.False(t, bus.Unregister(h))
	require.False(t, bus.Unregister(nil))
	require.Equal(t, 0, bus.Registry().Count("onSave"))
}

func TestDispatchAfterShutdownIsDropped(t *testing.T) {
	bus, sched := newTestBus()
	require.NoError(t, sched.Shutdown(context.Background()))

	require.NotPanics(t, func() { bus.Dispatch("onSave") })
	require.Equal(t, uint64(1), bus.Stats().Dropped)
}
