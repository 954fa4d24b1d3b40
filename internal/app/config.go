package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

const projectConfigName = ".calmgr.toml"

type fileConfig struct {
	Backend         string                `toml:"backend"`
	TZ              string                `toml:"tz"`
	Output          string                `toml:"output"`
	Fields          string                `toml:"fields"`
	DB              string                `toml:"db"`
	DefaultCalendar string                `toml:"default_calendar"`
	Timeout         string                `toml:"timeout"`
	Profile         string                `toml:"profile"`
	Profiles        map[string]fileConfig `toml:"profiles"`
}

func resolveGlobalOptions(cmd *cobra.Command, defaults *globalOptions) (*globalOptions, error) {
	resolved := *defaults

	profile := firstNonEmpty(env("CALMGR_PROFILE"), defaults.Profile)
	if flagValueChanged(cmd, "profile") {
		profile = defaults.Profile
	}
	if profile == "" {
		profile = "default"
	}
	resolved.Profile = profile

	userPath := defaultUserConfigPath()
	configPath := firstNonEmpty(env("CALMGR_CONFIG"), userPath)
	if flagValueChanged(cmd, "config") {
		configPath = defaults.Config
	}

	for _, path := range configLayers(userPath, configPath) {
		cfg, ok, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if ok {
			applyFileConfig(&resolved, cfg, profile)
		}
	}

	if err := applyEnv(&resolved); err != nil {
		return nil, err
	}
	applyFlags(cmd, &resolved, defaults)

	if resolved.Config == "" {
		resolved.Config = configPath
	}
	if strings.TrimSpace(resolved.DB) == "" {
		resolved.DB = defaultDBPath()
	}
	return &resolved, nil
}

// configLayers lists config files from lowest to highest precedence.
func configLayers(userPath, explicit string) []string {
	layers := []string{userPath, projectConfigName}
	if explicit != "" && explicit != userPath && explicit != projectConfigName {
		layers = append(layers, explicit)
	}
	return layers
}

func applyFileConfig(dst *globalOptions, cfg fileConfig, profile string) {
	if p, ok := cfg.Profiles[profile]; ok {
		cfg = mergeFileConfig(cfg, p)
	}
	if cfg.Backend != "" {
		dst.Backend = cfg.Backend
	}
	if cfg.TZ != "" {
		dst.TZ = cfg.TZ
	}
	if cfg.Fields != "" {
		dst.Fields = cfg.Fields
	}
	if cfg.DB != "" {
		dst.DB = expandHome(cfg.DB)
	}
	if cfg.DefaultCalendar != "" {
		dst.DefaultCalendar = cfg.DefaultCalendar
	}
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil {
			dst.Timeout = d
		}
	}
	if cfg.Output != "" {
		setOutputMode(dst, cfg.Output)
	}
}

func mergeFileConfig(base, overlay fileConfig) fileConfig {
	if overlay.Backend != "" {
		base.Backend = overlay.Backend
	}
	if overlay.TZ != "" {
		base.TZ = overlay.TZ
	}
	if overlay.Output != "" {
		base.Output = overlay.Output
	}
	if overlay.Fields != "" {
		base.Fields = overlay.Fields
	}
	if overlay.DB != "" {
		base.DB = overlay.DB
	}
	if overlay.DefaultCalendar != "" {
		base.DefaultCalendar = overlay.DefaultCalendar
	}
	if overlay.Timeout != "" {
		base.Timeout = overlay.Timeout
	}
	if overlay.Profile != "" {
		base.Profile = overlay.Profile
	}
	return base
}

func setOutputMode(dst *globalOptions, mode string) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "json":
		dst.JSON, dst.JSONL, dst.Plain = true, false, false
	case "jsonl":
		dst.JSON, dst.JSONL, dst.Plain = false, true, false
	case "plain":
		dst.JSON, dst.JSONL, dst.Plain = false, false, true
	}
}

func applyEnv(dst *globalOptions) error {
	if v := env("CALMGR_BACKEND"); v != "" {
		dst.Backend = v
	}
	if v := env("CALMGR_TIMEZONE"); v != "" {
		dst.TZ = v
	}
	if v := env("CALMGR_FIELDS"); v != "" {
		dst.Fields = v
	}
	if v := env("CALMGR_DB"); v != "" {
		dst.DB = expandHome(v)
	}
	if v := env("CALMGR_DEFAULT_CALENDAR"); v != "" {
		dst.DefaultCalendar = v
	}
	if v := env("CALMGR_OUTPUT"); v != "" {
		setOutputMode(dst, v)
	}
	if v := env("CALMGR_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CALMGR_TIMEOUT: %w", err)
		}
		dst.Timeout = d
	}
	if v := env("CALMGR_NO_INPUT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			dst.NoInput = b
		}
	}
	return nil
}

func applyFlags(cmd *cobra.Command, dst, fromFlags *globalOptions) {
	copyIfChanged(cmd, "json", func() { dst.JSON = fromFlags.JSON })
	copyIfChanged(cmd, "jsonl", func() { dst.JSONL = fromFlags.JSONL })
	copyIfChanged(cmd, "plain", func() { dst.Plain = fromFlags.Plain })
	copyIfChanged(cmd, "fields", func() { dst.Fields = fromFlags.Fields })
	copyIfChanged(cmd, "quiet", func() { dst.Quiet = fromFlags.Quiet })
	copyIfChanged(cmd, "verbose", func() { dst.Verbose = fromFlags.Verbose })
	copyIfChanged(cmd, "no-color", func() { dst.NoColor = fromFlags.NoColor })
	copyIfChanged(cmd, "no-input", func() { dst.NoInput = fromFlags.NoInput })
	copyIfChanged(cmd, "yes", func() { dst.Yes = fromFlags.Yes })
	copyIfChanged(cmd, "profile", func() { dst.Profile = fromFlags.Profile })
	copyIfChanged(cmd, "config", func() { dst.Config = fromFlags.Config })
	copyIfChanged(cmd, "backend", func() { dst.Backend = fromFlags.Backend })
	copyIfChanged(cmd, "db", func() { dst.DB = fromFlags.DB })
	copyIfChanged(cmd, "tz", func() { dst.TZ = fromFlags.TZ })
	copyIfChanged(cmd, "timeout", func() { dst.Timeout = fromFlags.Timeout })
	copyIfChanged(cmd, "schema-version", func() { dst.SchemaVersion = fromFlags.SchemaVersion })

	// A single explicit output flag overrides env/config output mode.
	modeSet := 0
	for _, name := range []string{"json", "jsonl", "plain"} {
		if flagValueChanged(cmd, name) && flagBool(cmd, name) {
			modeSet++
		}
	}
	if modeSet == 1 {
		for _, name := range []string{"json", "jsonl", "plain"} {
			if flagValueChanged(cmd, name) && flagBool(cmd, name) {
				setOutputMode(dst, name)
			}
		}
	}
}

func flagBool(cmd *cobra.Command, name string) bool {
	f := cmd.Flags().Lookup(name)
	if f == nil {
		f = cmd.InheritedFlags().Lookup(name)
	}
	if f == nil {
		return false
	}
	b, _ := strconv.ParseBool(f.Value.String())
	return b
}

func copyIfChanged(cmd *cobra.Command, name string, fn func()) {
	if flagValueChanged(cmd, name) {
		fn()
	}
}

func flagValueChanged(cmd *cobra.Command, name string) bool {
	if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
		return true
	}
	if f := cmd.InheritedFlags().Lookup(name); f != nil && f.Changed {
		return true
	}
	return false
}

// readConfigFile reports ok=false for a missing file and an error for one
// that exists but does not parse.
func readConfigFile(path string) (fileConfig, bool, error) {
	if strings.TrimSpace(path) == "" {
		return fileConfig{}, false, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, false, nil
	}
	var cfg fileConfig
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return fileConfig{}, false, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, true, nil
}

// persistConfigKey sets key in the top-level table of the toml file at path,
// keeping every other key. The file is created when missing.
func persistConfigKey(path, key, value string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("no config file path available")
	}
	doc := map[string]any{}
	if raw, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	doc[key] = value
	out, err := toml.Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func defaultUserConfigPath() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "calmgr", "config.toml")
	}
	home := strings.TrimSpace(os.Getenv("HOME"))
	if home == "" {
		return ""
	}
	return filepath.Join(home, ".config", "calmgr", "config.toml")
}

func defaultDBPath() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); xdg != "" {
		return filepath.Join(xdg, "calmgr", "calendar.db")
	}
	home := strings.TrimSpace(os.Getenv("HOME"))
	if home == "" {
		return "calendar.db"
	}
	return filepath.Join(home, ".local", "share", "calmgr", "calendar.db")
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home := strings.TrimSpace(os.Getenv("HOME"))
	if home == "" {
		return p
	}
	return filepath.Join(home, p[2:])
}

func env(k string) string { return strings.TrimSpace(os.Getenv(k)) }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
