package app

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cipher-editor/cipher/internal/ipc"
	"github.com/cipher-editor/cipher/internal/workbench"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *recordingEmitter) Dispatch(name string, _ ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, name)
}

func (e *recordingEmitter) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev == name {
			n++
		}
	}
	return n
}

type routerFixture struct {
	dir     string
	file    string
	session string
	emitter *recordingEmitter
	wb      *workbench.Workbench
	closing bool
	router  *Router
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{dir: t.TempDir(), emitter: &recordingEmitter{}}
	f.file = filepath.Join(f.dir, "main.py")
	require.NoError(t, os.WriteFile(f.file, []byte("print()\n"), 0o644))
	f.session = filepath.Join(t.TempDir(), workbench.SessionFile)
	f.wb = workbench.New(f.emitter, workbench.WithSessionFile(f.session))
	f.router = NewRouter(f.wb, func() bool { return f.closing }, zerolog.Nop())
	return f
}

func TestParseArgs(t *testing.T) {
	args, err := ParseArgs([]string{"cipher", "-n", "--port", "7000", "--log-level", "debug", "src"})
	require.NoError(t, err)
	require.Equal(t, Args{Path: "src", NewWindow: true, Port: 7000}, args)

	args, err = ParseArgs([]string{"cipher"})
	require.NoError(t, err)
	require.Equal(t, Args{}, args)

	_, err = ParseArgs([]string{"cipher", "a", "b"})
	require.Error(t, err)

	_, err = ParseArgs([]string{"cipher", "--bogus"})
	require.Error(t, err)
}

func TestAbsArgv(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)

	require.Equal(t, []string{"cipher", "-n", filepath.Join(wd, "rel.txt")}, AbsArgv([]string{"cipher", "-n", "rel.txt"}))
	require.Equal(t, []string{"cipher", "/abs"}, AbsArgv([]string{"cipher", "/abs"}))
	require.Equal(t, []string{"cipher"}, AbsArgv([]string{"cipher"}))
}

func TestRouteFileReusesMainWindow(t *testing.T) {
	f := newRouterFixture(t)

	require.Equal(t, ipc.OK(), f.router.Route([]string{"cipher", f.file}, false))
	require.Equal(t, ipc.OK(), f.router.Route([]string{"cipher", f.file}, false))
	require.Equal(t, 1, f.wb.Len())

	main, ok := f.wb.Main()
	require.True(t, ok)
	require.Equal(t, []string{f.file}, main.Tabs)
	require.Equal(t, 1, f.emitter.count(workbench.EventTabOpened))

	require.Equal(t, ipc.OK(), f.router.Route([]string{"cipher", "-n", f.file}, false))
	require.Equal(t, 2, f.wb.Len())
}

func TestRouteFolderPicksWindowWithoutWorkspace(t *testing.T) {
	f := newRouterFixture(t)
	other := t.TempDir()

	require.Equal(t, ipc.OK(), f.router.Route([]string{"cipher", f.dir}, false))
	require.Equal(t, 1, f.wb.Len())

	// The only window has a workspace now, so the next folder gets a new one.
	require.Equal(t, ipc.OK(), f.router.Route([]string{"cipher", other}, false))
	wins := f.wb.Windows()
	require.Len(t, wins, 2)
	require.Equal(t, f.dir, wins[0].Workspace)
	require.Equal(t, other, wins[1].Workspace)
	require.Equal(t, 2, f.emitter.count(workbench.EventWorkspaceChanged))
}

func TestRouteEmptyArgv(t *testing.T) {
	f := newRouterFixture(t)

	require.Equal(t, ipc.OK(), f.router.Route([]string{"cipher"}, false))
	require.Equal(t, ipc.OK(), f.router.Route([]string{"cipher"}, false))
	require.Equal(t, 2, f.wb.Len())
}

func TestRouteFirstLaunchResumesSession(t *testing.T) {
	f := newRouterFixture(t)
	require.Equal(t, ipc.OK(), f.router.Route([]string{"cipher", f.file}, false))
	require.NoError(t, f.wb.SaveSession())

	resumed := workbench.New(nil, workbench.WithSessionFile(f.session))
	r := NewRouter(resumed, nil, zerolog.Nop())
	require.Equal(t, ipc.OK(), r.Route([]string{"cipher"}, true))

	main, ok := resumed.Main()
	require.True(t, ok)
	require.Equal(t, []string{f.file}, main.Tabs)
}

func TestRouteMissingPath(t *testing.T) {
	f := newRouterFixture(t)
	missing := filepath.Join(f.dir, "nope.txt")

	resp := f.router.Route([]string{"cipher", missing}, false)
	require.Equal(t, ipc.CodeBadPath, resp.Code)
	require.Equal(t, "Path "+missing+" doesn't exist", resp.Message)
	require.Equal(t, 0, f.wb.Len())
}

func TestRouteWhileClosing(t *testing.T) {
	f := newRouterFixture(t)
	f.closing = true

	require.Equal(t, ipc.Closing(), f.router.Route([]string{"cipher", f.file}, false))
	require.Equal(t, 0, f.wb.Len())
}
