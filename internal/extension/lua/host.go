package lua

import (
	"strings"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/cipher-editor/cipher/internal/extension"
	"github.com/cipher-editor/cipher/internal/workbench"
)

// newHostTable exposes h to Lua as the argument of run(host). Workbench
// access goes through gate so it always happens on the task loop.
func newHostTable(L *lua.LState, h *extension.Host, gate *loopGate) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("name", lua.LString(h.Name()))
	t.RawSetString("folder", lua.LString(h.Manifest.Folder()))
	t.RawSetString("dir", lua.LString(h.Manifest.Dir))
	t.RawSetString("data_dir", lua.LString(h.DataDir))

	t.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		level, msg := zerolog.InfoLevel, ""
		if L.GetTop() >= 2 {
			if lv, err := zerolog.ParseLevel(strings.ToLower(L.CheckString(1))); err == nil && lv != zerolog.NoLevel {
				level = lv
			}
			msg = L.CheckString(2)
		} else {
			msg = L.CheckString(1)
		}
		h.Logger.WithLevel(level).Msg(msg)
		return 0
	}))

	t.RawSetString("emit", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		args := make([]any, 0, L.GetTop()-1)
		for i := 2; i <= L.GetTop(); i++ {
			args = append(args, ToGo(L.Get(i)))
		}
		h.Emit(name, args...)
		return 0
	}))

	t.RawSetString("windows", L.NewFunction(func(L *lua.LState) int {
		var wins []workbench.Window
		if h.Workbench != nil {
			_ = gate.do(func() error {
				wins = h.Workbench.Windows()
				return nil
			})
		}
		out := L.NewTable()
		for i, w := range wins {
			win := L.NewTable()
			win.RawSetString("id", lua.LString(w.ID))
			win.RawSetString("workspace", lua.LString(w.Workspace))
			win.RawSetString("tabs", ToLua(L, w.Tabs))
			win.RawSetString("active", lua.LNumber(w.Active+1))
			out.RawSetInt(i+1, win)
		}
		L.Push(out)
		return 1
	}))

	t.RawSetString("open_file", L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		if h.Workbench == nil {
			L.Push(lua.LNil)
			L.Push(lua.LString("no workbench"))
			return 2
		}
		id := L.OptString(2, "")
		err := gate.do(func() error {
			if id == "" {
				if w, ok := h.Workbench.Main(); ok {
					id = w.ID
				} else {
					id = h.Workbench.NewWindow()
				}
			}
			return h.Workbench.OpenFile(id, path)
		})
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(id))
		return 1
	}))

	return t
}
