package extension

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// ManifestFile is the manifest file name inside an extension folder.
	ManifestFile = "settings.json"

	// EntryPrefix prefixes the folder name to form the entry point name.
	EntryPrefix = "extension."
)

// Manifest is the on-disk descriptor of one extension folder.
type Manifest struct {
	// Name is the display identity.
	Name string

	// Enabled is the persisted enabled flag.
	Enabled bool

	// Icon is an optional icon path relative to the folder.
	Icon string

	// Dir is the absolute folder path. It identifies the extension.
	Dir string
}

// LoadManifest reads and parses the manifest in dir.
func LoadManifest(dir string) (*Manifest, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, &ManifestError{Path: dir, Err: err}
	}
	path := filepath.Join(abs, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestError{Path: path, Err: err}
	}
	m, err := ParseManifest(abs, data)
	if err != nil {
		return nil, &ManifestError{Path: path, Err: err}
	}
	return m, nil
}

// ParseManifest parses manifest data for the folder dir.
func ParseManifest(dir string, data []byte) (*Manifest, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedManifest)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: expected an object", ErrMalformedManifest)
	}

	name := root.Get("name")
	if name.Type != gjson.String || strings.TrimSpace(name.Str) == "" {
		return nil, ErrMissingName
	}

	m := &Manifest{Name: name.Str, Dir: dir}

	if enabled := root.Get("enabled"); enabled.Exists() {
		if !enabled.IsBool() {
			return nil, fmt.Errorf("%w: enabled must be a boolean", ErrMalformedManifest)
		}
		m.Enabled = enabled.Bool()
	}
	if icon := root.Get("icon"); icon.Exists() {
		if icon.Type != gjson.String {
			return nil, fmt.Errorf("%w: icon must be a string", ErrMalformedManifest)
		}
		m.Icon = icon.Str
	}
	return m, nil
}

// Folder returns the folder name.
func (m *Manifest) Folder() string {
	return filepath.Base(m.Dir)
}

// Entry returns the entry point name derived from the folder.
func (m *Manifest) Entry() string {
	return EntryPrefix + m.Folder()
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.Dir, ManifestFile)
}

// IconPath returns the absolute icon path, or "" when no icon is set.
func (m *Manifest) IconPath() string {
	if m.Icon == "" {
		return ""
	}
	if filepath.IsAbs(m.Icon) {
		return m.Icon
	}
	return filepath.Join(m.Dir, m.Icon)
}

// SetEnabled writes the enabled flag back to disk. Every other key in the
// file is left as the author wrote it.
func (m *Manifest) SetEnabled(enabled bool) error {
	path := m.Path()
	data, err := os.ReadFile(path)
	if err != nil {
		return &ManifestError{Path: path, Err: err}
	}
	updated, err := sjson.SetBytes(data, "enabled", enabled)
	if err != nil {
		return &ManifestError{Path: path, Err: err}
	}
	if err := writeFileAtomic(path, updated); err != nil {
		return &ManifestError{Path: path, Err: err}
	}
	m.Enabled = enabled
	return nil
}

// Clone returns a copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	c := *m
	return &c
}

func (m *Manifest) String() string {
	return fmt.Sprintf("%s (%s)", m.Name, m.Folder())
}

// validFolder reports whether name can be used as an extension folder.
func validFolder(name string) error {
	switch {
	case name == "", strings.HasPrefix(name, "."), strings.HasPrefix(name, "_"):
		return fmt.Errorf("%w: %q", ErrInvalidFolder, name)
	case strings.ContainsAny(name, ". "):
		return fmt.Errorf("%w: %q contains a dot or space", ErrInvalidFolder, name)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	perm := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".settings-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
