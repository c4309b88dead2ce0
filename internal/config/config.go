// Package config loads the multi-scrobbler config file (spec §6): a
// single JSON or TOML document describing sources, clients, and the
// defaults each type inherits from. It is adapted from the teacher's
// internal/config package — the same koanf-driven loader, trying
// config.toml first and config.json only when no TOML file exists —
// generalized from a desktop player's flat settings
// struct to the spec's per-instance `{name, enable, data, options}` shape
// plus `sourceDefaults`/`clientDefaults`.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const appName = "multiscrobbler"

// Component is one configured source or client instance (spec §6: "Each
// entry has name, enable, data, options (including playTransform)").
type Component struct {
	Name    string         `koanf:"name"`
	Type    string         `koanf:"type"`
	Enable  *bool          `koanf:"enable"`
	Data    map[string]any `koanf:"data"`
	Options map[string]any `koanf:"options"`
}

// Enabled reports whether the component should be built. A component
// with no `enable` key defaults to enabled.
func (c Component) Enabled() bool {
	return c.Enable == nil || *c.Enable
}

// PlayTransform returns this component's raw `options.playTransform`
// block, or nil if it has none, for transform.ParseConfig to normalize.
func (c Component) PlayTransform() map[string]any {
	if c.Options == nil {
		return nil
	}
	v, ok := c.Options["playTransform"]
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// Config is the top-level shape of CONFIG_DIR/config.{toml,json}.
type Config struct {
	Port     int    `koanf:"port"`
	LogLevel string `koanf:"logLevel"`

	Sources []Component `koanf:"sources"`
	Clients []Component `koanf:"clients"`

	// SourceDefaults/ClientDefaults hold the `data`/`options` every
	// instance of a given type inherits before its own fields override
	// them (spec §6 `sourceDefaults` / `clientDefaults`), keyed by type.
	SourceDefaults map[string]Component `koanf:"sourceDefaults"`
	ClientDefaults map[string]Component `koanf:"clientDefaults"`
}

// Merged returns c's Data/Options with defaults (the matching
// sourceDefaults/clientDefaults entry for this component's Type)
// underlaid beneath it: default keys apply first, the component's own
// keys win on conflict.
func (c Component) Merged(defaults Component) Component {
	merged := Component{Name: c.Name, Type: c.Type, Enable: c.Enable}
	merged.Data = mergeMaps(defaults.Data, c.Data)
	merged.Options = mergeMaps(defaults.Options, c.Options)
	return merged
}

func mergeMaps(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Dir resolves CONFIG_DIR per spec §6's CLI/env contract: the CONFIG_DIR
// env var if set, else xdg.ConfigHome/multiscrobbler.
func Dir() string {
	if d := os.Getenv("CONFIG_DIR"); d != "" {
		return d
	}
	return filepath.Join(xdg.ConfigHome, appName)
}

// LoadDotEnv loads a .env file from the working directory for local
// development, mirroring the retrieval pack's CLI-oriented use of
// godotenv for env bootstrapping. A missing .env file is not an error.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// Load reads CONFIG_DIR/config.toml (preferred) or config.json, applying
// sourceDefaults/clientDefaults to every entry of the matching type. It
// does not fail if no config file exists; it returns a zero-value
// Config so a fresh install can still boot with no sources/clients
// configured.
func Load(dir string) (*Config, error) {
	k := koanf.New(".")

	loaded := false
	for _, candidate := range []struct {
		file   string
		parser koanf.Parser
	}{
		{filepath.Join(dir, "config.toml"), toml.Parser()},
		{filepath.Join(dir, "config.json"), json.Parser()},
	} {
		if _, err := os.Stat(candidate.file); err != nil {
			continue
		}
		if err := k.Load(file.Provider(candidate.file), candidate.parser); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", candidate.file, err)
		}
		loaded = true
		break
	}
	_ = loaded // a missing config file is not an error; see doc comment

	cfg := &Config{Port: 9078, LogLevel: "info"}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyEnvOverrides(cfg)
	resolveDefaults(cfg)
	return cfg, nil
}

// applyEnvOverrides applies the spec §6 CLI/env contract: PORT and
// LOG_LEVEL override the config file when set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
}

// resolveDefaults rewrites every Sources/Clients entry in place to be
// its sourceDefaults/clientDefaults-merged form, so callers never need
// to know the defaults layer exists.
func resolveDefaults(cfg *Config) {
	for i, s := range cfg.Sources {
		if d, ok := cfg.SourceDefaults[s.Type]; ok {
			cfg.Sources[i] = s.Merged(d)
		}
	}
	for i, c := range cfg.Clients {
		if d, ok := cfg.ClientDefaults[c.Type]; ok {
			cfg.Clients[i] = c.Merged(d)
		}
	}
}

// IsDocker reports the IS_DOCKER env var (spec §6 CLI/env), used to pick
// the slog handler (JSON in a container, text+TTY otherwise).
func IsDocker() bool {
	return os.Getenv("IS_DOCKER") != ""
}

// Watcher watches CONFIG_DIR for changes and invokes onChange with a
// freshly reloaded Config. It only reloads and reports; applying the new
// Config is up to onChange. The daemon's callback logs the reload and
// does not rebuild anything, so running sources and clients keep the
// playTransform rules and options they were built with until a restart.
type Watcher struct {
	w   *fsnotify.Watcher
	dir string
}

// WatchDir starts watching dir (CONFIG_DIR) for writes to its config
// file, calling onChange with the reloaded Config after each one. Parse
// errors are reported via onError rather than panicking the watch loop,
// so a mid-edit syntax error doesn't kill hot-reload for the next save.
func WatchDir(dir string, onChange func(*Config), onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	w := &Watcher{w: fw, dir: dir}
	go w.loop(onChange, onError)
	return w, nil
}

func (w *Watcher) loop(onChange func(*Config), onError func(error)) {
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if !isConfigFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.dir)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onChange != nil {
				onChange(cfg)
			}
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}

func isConfigFile(name string) bool {
	base := filepath.Base(name)
	return base == "config.toml" || base == "config.json"
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.w.Close() }
