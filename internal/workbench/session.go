package workbench

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SessionFile is the default session file name inside the data directory.
const SessionFile = "session.json"

// ErrNoSessionFile is returned when no session path was configured.
var ErrNoSessionFile = errors.New("no session file configured")

type savedWindow struct {
	Workspace string   `json:"workspace,omitempty"`
	Tabs      []string `json:"tabs"`
	Active    int      `json:"active"`
}

// SaveSession writes every window's workspace and tabs to the session file.
func (wb *Workbench) SaveSession() error {
	if wb.sessionPath == "" {
		return ErrNoSessionFile
	}

	doc := []byte(`{"windows":[]}`)
	var err error
	doc, err = sjson.SetBytes(doc, "saved_at", time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}
	for _, w := range wb.Windows() {
		sw := savedWindow{Workspace: w.Workspace, Tabs: w.Tabs, Active: w.Active}
		if sw.Tabs == nil {
			sw.Tabs = []string{}
		}
		doc, err = sjson.SetBytes(doc, "windows.-1", sw)
		if err != nil {
			return fmt.Errorf("encoding session: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(wb.sessionPath), 0o755); err != nil {
		return err
	}
	tmp := wb.sessionPath + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, wb.sessionPath); err != nil {
		os.Remove(tmp)
		return err
	}
	wb.logger.Debug().Str("path", wb.sessionPath).Msg("session saved")
	return nil
}

// ResumeSession restores the saved session. The first saved window is
// restored into window id; any further ones get new windows. Paths that no
// longer exist are dropped. A missing session file leaves id untouched.
func (wb *Workbench) ResumeSession(id string) error {
	if wb.sessionPath == "" {
		return ErrNoSessionFile
	}
	if _, ok := wb.Window(id); !ok {
		return fmt.Errorf("%w: %s", ErrWindowNotFound, id)
	}

	data, err := os.ReadFile(wb.sessionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !gjson.ValidBytes(data) {
		wb.logger.Warn().Str("path", wb.sessionPath).Msg("ignoring corrupt session file")
		return nil
	}

	first := true
	var restoreErr error
	gjson.GetBytes(data, "windows").ForEach(func(_, saved gjson.Result) bool {
		target := id
		if !first {
			target = wb.NewWindow()
		}
		first = false
		restoreErr = wb.restoreWindow(target, saved)
		return restoreErr == nil
	})
	return restoreErr
}

func (wb *Workbench) restoreWindow(id string, saved gjson.Result) error {
	if ws := saved.Get("workspace").String(); ws != "" && exists(ws) {
		if err := wb.OpenFolder(id, ws); err != nil {
			return err
		}
	}
	opened := 0
	for _, tab := range saved.Get("tabs").Array() {
		if !exists(tab.String()) {
			continue
		}
		if err := wb.OpenFile(id, tab.String()); err != nil {
			return err
		}
		opened++
	}

	active := int(saved.Get("active").Int())
	if opened > 0 && active >= 0 && active < opened {
		wb.mu.Lock()
		if w := wb.find(id); w != nil {
			w.Active = active
		}
		wb.mu.Unlock()
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
