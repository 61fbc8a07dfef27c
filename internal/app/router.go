package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/cipher-editor/cipher/internal/ipc"
	"github.com/cipher-editor/cipher/internal/workbench"
)

// Args is the parsed form of a launch argv.
type Args struct {
	// Path is the file or folder to open, or "".
	Path string

	// NewWindow forces a new window.
	NewWindow bool

	// Port overrides the coordinator port; zero means unset.
	Port int
}

// NewFlagSet returns the flag set shared by the command line and the
// coordinator, so forwarded argv parses exactly like a local launch.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolP("new-window", "n", false, "open in a new window")
	fs.IntP("port", "p", 0, "coordinator port")
	fs.String("config", "", "config file")
	fs.String("log-level", "", "log level")
	return fs
}

// ParseArgs parses argv. argv[0] is the program name.
func ParseArgs(argv []string) (Args, error) {
	if len(argv) > 0 {
		argv = argv[1:]
	}
	fs := NewFlagSet("cipher")
	if err := fs.Parse(argv); err != nil {
		return Args{}, err
	}
	if fs.NArg() > 1 {
		return Args{}, fmt.Errorf("expected at most one path, got %d", fs.NArg())
	}

	var a Args
	a.NewWindow, _ = fs.GetBool("new-window")
	a.Port, _ = fs.GetInt("port")
	if fs.NArg() == 1 {
		a.Path = fs.Arg(0)
	}
	return a, nil
}

// AbsArgv returns argv with its positional path made absolute against the
// working directory, so the server resolves it the way the user meant.
func AbsArgv(argv []string) []string {
	args, err := ParseArgs(argv)
	if err != nil || args.Path == "" || filepath.IsAbs(args.Path) {
		return argv
	}
	abs, err := filepath.Abs(args.Path)
	if err != nil {
		return argv
	}
	out := append([]string(nil), argv...)
	for i := len(out) - 1; i > 0; i-- {
		if out[i] == args.Path {
			out[i] = abs
			break
		}
	}
	return out
}

// Router applies launch arguments to the workbench. Route must run on the
// loop.
type Router struct {
	wb      *workbench.Workbench
	closing func() bool
	logger  zerolog.Logger
}

// NewRouter creates a router. closing reports whether the coordinator is
// shutting down; it may be nil.
func NewRouter(wb *workbench.Workbench, closing func() bool, logger zerolog.Logger) *Router {
	if closing == nil {
		closing = func() bool { return false }
	}
	return &Router{wb: wb, closing: closing, logger: logger}
}

// Route handles argv. first is true only for the launching process's own
// arguments, before any window exists.
func (r *Router) Route(argv []string, first bool) ipc.Response {
	if !first && r.closing() {
		return ipc.Closing()
	}

	args, err := ParseArgs(argv)
	if err != nil {
		return ipc.Fail(ipc.CodeBadPath, err.Error())
	}

	if args.Path == "" {
		if first {
			return r.resume()
		}
		id := r.wb.NewWindow()
		r.logger.Debug().Str("window", id).Msg("opened empty window")
		return ipc.OK()
	}

	path, err := filepath.Abs(args.Path)
	if err != nil {
		return ipc.Fail(ipc.CodeBadPath, err.Error())
	}
	info, err := os.Stat(path)
	if err != nil {
		return ipc.Fail(ipc.CodeBadPath, fmt.Sprintf("Path %s doesn't exist", args.Path))
	}

	if info.IsDir() {
		err = r.openFolder(path, args.NewWindow)
	} else {
		err = r.openFile(path, args.NewWindow)
	}
	if err != nil {
		r.logger.Error().Err(err).Str("path", path).Msg("routing failed")
		return ipc.Fail(ipc.CodeBadPath, err.Error())
	}
	return ipc.OK()
}

func (r *Router) openFolder(path string, newWindow bool) error {
	var id string
	if !newWindow && r.wb.Len() > 0 {
		if w, ok := r.wb.FirstWithoutWorkspace(); ok {
			id = w.ID
		}
	}
	if id == "" {
		id = r.wb.NewWindow()
	}
	r.logger.Info().Str("window", id).Str("path", path).Msg("opening folder")
	return r.wb.OpenFolder(id, path)
}

func (r *Router) openFile(path string, newWindow bool) error {
	var id string
	if !newWindow {
		if w, ok := r.wb.Main(); ok {
			id = w.ID
		}
	}
	if id == "" {
		id = r.wb.NewWindow()
	}
	r.logger.Info().Str("window", id).Str("path", path).Msg("opening file")
	return r.wb.OpenFile(id, path)
}

func (r *Router) resume() ipc.Response {
	id := r.wb.NewWindow()
	err := r.wb.ResumeSession(id)
	if err != nil && !errors.Is(err, workbench.ErrNoSessionFile) {
		r.logger.Warn().Err(err).Msg("session not resumed")
	}
	return ipc.OK()
}
