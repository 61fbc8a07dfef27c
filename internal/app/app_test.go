package app

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/cipher-editor/cipher/internal/config"
	"github.com/cipher-editor/cipher/internal/extension"
	"github.com/cipher-editor/cipher/internal/ipc"
)

type fakeProcesses int

func (f fakeProcesses) Count(context.Context, string) (int, error) {
	return int(f), nil
}

// recorder is a builtin extension that remembers the events it saw.
type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) Events() []extension.EventSpec {
	specs := make([]extension.EventSpec, 0, 2)
	for _, name := range []string{EventReady, "onTabOpened"} {
		name := name
		specs = append(specs, extension.EventSpec{
			Name: name,
			Handler: func(context.Context, ...any) error {
				r.mu.Lock()
				defer r.mu.Unlock()
				r.seen = append(r.seen, name)
				return nil
			},
		})
	}
	return specs
}

func (r *recorder) Teardown(context.Context) error { return nil }

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.IPC.Port = 0
	cfg.IPC.DialTimeout = config.Duration(time.Second)
	cfg.IPC.ResponseTimeout = config.Duration(2 * time.Second)
	cfg.Scheduler.Tick = config.Duration(2 * time.Millisecond)
	cfg.Scheduler.ShutdownTimeout = config.Duration(2 * time.Second)
	return cfg
}

func testOptions(t *testing.T, cfg *config.Config, argv ...string) Options {
	t.Helper()
	return Options{
		Config:    cfg,
		Logger:    zerolog.Nop(),
		Argv:      append([]string{"cipher"}, argv...),
		Processes: fakeProcesses(1),
		ExecName:  "cipher",
		Stderr:    &bytes.Buffer{},
		Exit:      func(code int) { t.Errorf("unexpected exit %d", code) },
	}
}

func portOf(t *testing.T, addr string) int {
	t.Helper()
	_, p, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}

type running struct {
	app  *Application
	cfg  *config.Config
	done chan error
}

// startApp runs an application in the background and points cfg at its
// bound port so clients can reach it.
func startApp(t *testing.T, opts Options) *running {
	t.Helper()
	a, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, a.Listen())
	opts.Config.IPC.Port = portOf(t, a.Addr())

	r := &running{app: a, cfg: opts.Config, done: make(chan error, 1)}
	go func() { r.done <- a.Run(context.Background()) }()
	t.Cleanup(func() {
		a.Quit()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Error("application did not stop")
		}
	})
	return r
}

func (r *running) send(t *testing.T, argv ...string) ipc.Response {
	t.Helper()
	client := ipc.NewClient(r.cfg.IPC.Host, r.cfg.IPC.Port)
	resp, err := client.Send(context.Background(), append([]string{"cipher"}, argv...))
	require.NoError(t, err)
	return resp
}

func TestForwardedRequestsAreRouted(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(file, []byte("# notes\n"), 0o644))

	r := startApp(t, testOptions(t, testConfig(t)))
	wb := r.app.Context().Workbench

	require.Equal(t, ipc.OK(), r.send(t, file))
	require.Eventually(t, func() bool {
		main, ok := wb.Main()
		return ok && len(main.Tabs) == 1 && main.Tabs[0] == file
	}, 2*time.Second, 10*time.Millisecond)

	missing := filepath.Join(dir, "gone.md")
	resp := r.send(t, missing)
	require.Equal(t, ipc.CodeBadPath, resp.Code)
	require.Equal(t, "Path "+missing+" doesn't exist", resp.Message)

	resp = r.send(t, "a", "b")
	require.Equal(t, ipc.CodeBadPath, resp.Code)
}

func TestFirstLaunchBadPathExits(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.txt")
	opts := testOptions(t, testConfig(t), missing)

	a, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, a.Listen())

	err = a.Run(context.Background())
	require.Equal(t, 1, ExitCode(err))
	require.Contains(t, opts.Stderr.(*bytes.Buffer).String(), "doesn't exist")
	require.Equal(t, ipc.StateClosed, a.server.State())
}

func TestSecondLaunchForwards(t *testing.T) {
	dir := t.TempDir()
	r := startApp(t, testOptions(t, testConfig(t)))

	opts := testOptions(t, r.cfg, dir)
	opts.Processes = fakeProcesses(2)
	require.NoError(t, Launch(context.Background(), opts))

	require.Eventually(t, func() bool {
		for _, w := range r.app.Context().Workbench.Windows() {
			if w.Workspace == dir {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestForwardReportsServerVerdict(t *testing.T) {
	r := startApp(t, testOptions(t, testConfig(t)))

	opts := testOptions(t, r.cfg, filepath.Join(t.TempDir(), "missing"))
	err := Forward(context.Background(), opts)
	require.Equal(t, 1, ExitCode(err))
	require.Contains(t, opts.Stderr.(*bytes.Buffer).String(), "doesn't exist")
}

func TestBindConflictWithRunningInstanceActsAsClient(t *testing.T) {
	dir := t.TempDir()
	r := startApp(t, testOptions(t, testConfig(t)))

	// The process count says first instance, but the port is taken.
	cfg := *r.cfg
	cfg.DataDir = t.TempDir()
	opts := testOptions(t, &cfg, dir)
	require.NoError(t, Launch(context.Background(), opts))

	require.Eventually(t, func() bool {
		main, ok := r.app.Context().Workbench.Main()
		return ok && main.Workspace == dir
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConcurrentLaunchesLeaveOneCoordinator(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := portOf(t, ln.Addr().String())
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Each process sees the other in the process list and nobody listening.
	results := make(chan error, 2)
	for range 2 {
		cfg := testConfig(t)
		cfg.IPC.Port = port
		opts := testOptions(t, cfg)
		opts.Processes = fakeProcesses(2)
		go func() { results <- Launch(ctx, opts) }()
	}

	select {
	case err := <-results:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("neither launch forwarded to the other")
	}

	client := ipc.NewClient("127.0.0.1", port)
	resp, err := client.Send(ctx, []string{"cipher"})
	require.NoError(t, err)
	require.True(t, resp.Success())

	cancel()
	select {
	case err := <-results:
		require.Equal(t, 0, ExitCode(err))
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}

func TestPortHeldByStrangerFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.IPC.Port = portOf(t, ln.Addr().String())
	cfg.IPC.DialTimeout = config.Duration(200 * time.Millisecond)
	opts := testOptions(t, cfg)

	err = Launch(context.Background(), opts)
	require.Equal(t, 1, ExitCode(err))
	var pie *ipc.PortInUseError
	require.True(t, errors.As(err, &pie))
	require.Contains(t, opts.Stderr.(*bytes.Buffer).String(), "Port "+strconv.Itoa(cfg.IPC.Port)+" is already in use")
}

func TestBuiltinExtensionSeesEvents(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.ExtensionsDir(), "recorder"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(cfg.ExtensionsDir(), "recorder", extension.ManifestFile),
		[]byte(`{"name": "Recorder", "enabled": true}`), 0o644))

	rec := &recorder{}
	opts := testOptions(t, cfg)
	opts.Builtins = extension.NewBuiltins()
	opts.Builtins.Register(extension.EntryPrefix+"recorder", func(context.Context, *extension.Host) (any, error) {
		return rec, nil
	})

	file := filepath.Join(t.TempDir(), "main.go")
	require.NoError(t, os.WriteFile(file, []byte("package main\n"), 0o644))

	r := startApp(t, opts)
	require.Eventually(t, func() bool {
		return len(rec.events()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{EventReady}, rec.events())

	require.Equal(t, ipc.OK(), r.send(t, file))
	require.Eventually(t, func() bool {
		return len(rec.events()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "onTabOpened", rec.events()[1])

	inst, ok := r.app.Context().Registry.Lookup("recorder")
	require.True(t, ok)
	require.Equal(t, extension.StatusEnabled, inst.Status())
}

func TestClosingLastWindowStopsAndSavesSession(t *testing.T) {
	cfg := testConfig(t)
	project := t.TempDir()
	file := filepath.Join(project, "todo.txt")
	require.NoError(t, os.WriteFile(file, []byte("milk\n"), 0o644))

	a, err := New(testOptions(t, cfg, project))
	require.NoError(t, err)
	require.NoError(t, a.Listen())

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	wb := a.Context().Workbench
	require.Eventually(t, func() bool { return wb.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	main, _ := wb.Main()
	require.NoError(t, a.Context().Scheduler.Call(context.Background(), func() error {
		if err := wb.OpenFile(main.ID, file); err != nil {
			return err
		}
		return wb.CloseWindow(main.ID)
	}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the last window closed")
	}
	require.Equal(t, ipc.StateClosed, a.server.State())

	// The next launch resumes the window that was closed last.
	next, err := New(testOptions(t, cfg))
	require.NoError(t, err)
	defer next.Close()
	wb = next.Context().Workbench
	id := wb.NewWindow()
	require.NoError(t, wb.ResumeSession(id))
	w, ok := wb.Window(id)
	require.True(t, ok)
	require.Equal(t, project, w.Workspace)
	require.Equal(t, []string{file}, w.Tabs)
}

func TestShutdownOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	a, err := New(testOptions(t, cfg, file))
	require.NoError(t, err)
	require.NoError(t, a.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Context().Workbench.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "session.json"))
	require.NoError(t, err)
	require.Equal(t, file, gjson.GetBytes(data, "windows.0.tabs.0").String())
	require.True(t, a.Context().Scheduler.Closed())
}

func TestRunRequiresListen(t *testing.T) {
	a, err := New(testOptions(t, testConfig(t)))
	require.NoError(t, err)
	defer a.Close()

	require.ErrorIs(t, a.Run(context.Background()), ipc.ErrNotListening)
}

func TestGuardRecoversAndExits(t *testing.T) {
	var code int
	cleaned := false
	func() {
		defer Guard(zerolog.Nop(), func() { cleaned = true }, func(c int) { code = c })
		panic("boom")
	}()
	require.True(t, cleaned)
	require.Equal(t, 1, code)
}
