package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Load reads the TOML file at path over the defaults. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads TOML data over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode("<data>", data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Encode writes cfg as TOML.
func Encode(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode unmarshals data into cfg. Keys absent from data keep their current
// value; unknown keys are rejected.
func decode(source string, data []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return newParseError(source, err)
	}
	return nil
}

func newParseError(source string, err error) *ParseError {
	pe := &ParseError{Path: source, Message: err.Error(), Err: err}

	var derr *toml.DecodeError
	var serr *toml.StrictMissingError
	switch {
	case errors.As(err, &derr):
		pe.Line, pe.Column = derr.Position()
		pe.Message = derr.Error()
	case errors.As(err, &serr) && len(serr.Errors) > 0:
		first := serr.Errors[0]
		pe.Line, pe.Column = first.Position()
		pe.Message = "unknown key " + strings.Join(first.Key(), ".")
	}
	return pe
}

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "CIPHER_"

type envKind int

const (
	envString envKind = iota
	envInt
	envBool
	envDuration
)

// envMapping maps environment variables to dotted config keys.
var envMapping = map[string]struct {
	key  string
	kind envKind
}{
	EnvPrefix + "DATA_DIR":                    {"data_dir", envString},
	EnvPrefix + "IPC_HOST":                    {"ipc.host", envString},
	EnvPrefix + "IPC_PORT":                    {"ipc.port", envInt},
	EnvPrefix + "LOG_LEVEL":                   {"log.level", envString},
	EnvPrefix + "LOG_FILE":                    {"log.file", envString},
	EnvPrefix + "EXTENSIONS_DIR":              {"extensions.dir", envString},
	EnvPrefix + "EXTENSIONS_WATCH":            {"extensions.watch", envBool},
	EnvPrefix + "EXTENSIONS_CALL_TIMEOUT":     {"extensions.call_timeout", envDuration},
	EnvPrefix + "EXTENSIONS_TEARDOWN_TIMEOUT": {"extensions.teardown_timeout", envDuration},
}

// EnvVars returns the recognized environment variable names, sorted.
func EnvVars() []string {
	out := make([]string, 0, len(envMapping))
	for name := range envMapping {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ApplyEnv overlays the recognized CIPHER_* variables onto cfg. lookup is
// usually os.LookupEnv. Empty values are treated as set.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	overlay := make(map[string]any)
	for _, name := range EnvVars() {
		raw, ok := lookup(name)
		if !ok {
			continue
		}
		m := envMapping[name]
		v, err := parseEnvValue(m.kind, raw)
		if err != nil {
			return &EnvError{Var: name, Value: raw, Err: err}
		}
		setByPath(overlay, m.key, v)
	}
	if len(overlay) == 0 {
		return nil
	}

	data, err := toml.Marshal(overlay)
	if err != nil {
		return err
	}
	return decode("<environment>", data, cfg)
}

func parseEnvValue(kind envKind, s string) (any, error) {
	switch kind {
	case envInt:
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	case envBool:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "on", "1":
			return true, nil
		case "false", "no", "off", "0", "":
			return false, nil
		}
		return nil, fmt.Errorf("not a boolean")
	case envDuration:
		if _, err := time.ParseDuration(s); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return s, nil
	}
}

// setByPath sets a value in a nested map using a dot-separated path.
func setByPath(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}
