// Package config loads cipher's settings.
//
// Settings are resolved in layers, later layers overriding earlier ones:
//
//	┌─────────────────────────────┐
//	│  4. Command line flags      │  ← applied by cmd/cipher
//	├─────────────────────────────┤
//	│  3. Environment (CIPHER_*)  │
//	├─────────────────────────────┤
//	│  2. config.toml             │  ← <data dir>/config.toml or --config
//	├─────────────────────────────┤
//	│  1. Built-in defaults       │
//	└─────────────────────────────┘
//
// A missing config file is not an error. Unknown keys are.
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	config.ApplyEnv(cfg, os.LookupEnv)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
package config
