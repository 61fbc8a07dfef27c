package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/cipher-editor/cipher/internal/task"
)

const (
	// DefaultPort is the IPC port the first instance listens on.
	DefaultPort = 6969

	// FileName is the configuration file name inside the data directory.
	FileName = "config.toml"

	// AppName names the data directory.
	AppName = "cipher"
)

// Config is the full set of settings.
type Config struct {
	// DataDir holds the session file, the default extensions directory and
	// config.toml.
	DataDir string `toml:"data_dir"`

	IPC        IPCConfig        `toml:"ipc"`
	Extensions ExtensionsConfig `toml:"extensions"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Log        LogConfig        `toml:"log"`
}

// IPCConfig configures the single-instance coordinator.
type IPCConfig struct {
	// Host is the loopback address the server binds.
	Host string `toml:"host"`

	// Port is the coordinator port.
	Port int `toml:"port"`

	// DialTimeout bounds the client's connection attempt.
	DialTimeout Duration `toml:"dial_timeout"`

	// ResponseTimeout bounds the wait for the server's reply.
	ResponseTimeout Duration `toml:"response_timeout"`
}

// ExtensionsConfig configures discovery and loading of extensions.
type ExtensionsConfig struct {
	// Dir is the extensions directory. Empty means <data dir>/extensions.
	Dir string `toml:"dir"`

	// Watch enables hot reload on source changes.
	Watch bool `toml:"watch"`

	// TeardownTimeout bounds an extension's teardown.
	TeardownTimeout Duration `toml:"teardown_timeout"`

	// CallTimeout bounds each call into Lua extension code.
	CallTimeout Duration `toml:"call_timeout"`
}

// SchedulerConfig configures the task loop.
type SchedulerConfig struct {
	// Tick is the frame interval of the loop.
	Tick Duration `toml:"tick"`

	// QueueSize caps queued work. Zero means unbounded.
	QueueSize int `toml:"queue_size"`

	// ShutdownTimeout bounds the wait for outstanding tasks at exit.
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is a zerolog level name.
	Level string `toml:"level"`

	// File redirects logs to a file as JSON lines.
	File string `toml:"file"`
}

// Duration is a time.Duration that reads and writes as "250ms", "2s".
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		IPC: IPCConfig{
			Host:            "127.0.0.1",
			Port:            DefaultPort,
			DialTimeout:     Duration(2 * time.Second),
			ResponseTimeout: Duration(10 * time.Second),
		},
		Extensions: ExtensionsConfig{
			TeardownTimeout: Duration(5 * time.Second),
			CallTimeout:     Duration(5 * time.Second),
		},
		Scheduler: SchedulerConfig{
			Tick:            Duration(16 * time.Millisecond),
			QueueSize:       task.DefaultQueueSize,
			ShutdownTimeout: Duration(2 * time.Second),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, AppName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", AppName)
}

// DefaultPath returns the config file path inside dataDir.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// ExtensionsDir returns the resolved extensions directory.
func (c *Config) ExtensionsDir() string {
	if c.Extensions.Dir != "" {
		return c.Extensions.Dir
	}
	return filepath.Join(c.DataDir, "extensions")
}

// Validate checks ranges. All failures are joined.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, &ValidationError{Key: "data_dir", Value: c.DataDir, Message: "must not be empty"})
	}
	if c.IPC.Port < 1 || c.IPC.Port > 65535 {
		errs = append(errs, &ValidationError{Key: "ipc.port", Value: c.IPC.Port, Message: "must be between 1 and 65535"})
	}
	if c.IPC.Host == "" {
		errs = append(errs, &ValidationError{Key: "ipc.host", Value: c.IPC.Host, Message: "must not be empty"})
	}
	if c.Scheduler.QueueSize < 0 {
		errs = append(errs, &ValidationError{Key: "scheduler.queue_size", Value: c.Scheduler.QueueSize, Message: "must not be negative"})
	}
	for _, d := range []struct {
		key string
		val Duration
	}{
		{"ipc.dial_timeout", c.IPC.DialTimeout},
		{"ipc.response_timeout", c.IPC.ResponseTimeout},
		{"extensions.teardown_timeout", c.Extensions.TeardownTimeout},
		{"extensions.call_timeout", c.Extensions.CallTimeout},
		{"scheduler.tick", c.Scheduler.Tick},
		{"scheduler.shutdown_timeout", c.Scheduler.ShutdownTimeout},
	} {
		if d.val <= 0 {
			errs = append(errs, &ValidationError{Key: d.key, Value: d.val, Message: "must be positive"})
		}
	}
	return errors.Join(errs...)
}
