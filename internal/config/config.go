// Package config loads the on-disk declaration of a tspm daemon's process
// set into a tree of procspec.Spec values plus the ambient settings
// (store/history sinks, metrics listener, log rotation defaults, control
// API TLS, webhook targets). It is pure config plumbing: it never touches
// the supervision engine directly, matching provisr's internal/config's
// own "config loading is not the engine" boundary. Grounded on provisr's
// internal/config/config.go: github.com/spf13/viper for file parsing,
// github.com/go-viper/mapstructure/v2 for the map[string]any -> struct
// decode step, a programs/ directory scanned for one-entry-per-file
// process declarations alongside inline [[processes]] blocks, and
// last-wins env layering (OS env -> env files -> inline env).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/tspmhq/tspm/internal/procspec"
	tspmtls "github.com/tspmhq/tspm/internal/tls"
)

// Config is the fully-decoded, fully-merged daemon configuration: the
// declarative input LoadConfig returns; cmd/tspmd passes it to tspm.New,
// which wires it into a supervisor.Supervisor, statestore sinks, a
// webhook.Dispatcher and an apiserver listener.
type Config struct {
	UseOSEnv          bool            `mapstructure:"use_os_env"`
	EnvFiles          []string        `mapstructure:"env_files"`
	Env               []string        `mapstructure:"env"`
	ProgramsDirectory string          `mapstructure:"programs_directory"`
	Store             *StoreConfig    `mapstructure:"store"`
	History           *HistoryConfig  `mapstructure:"history"`
	Metrics           *MetricsConfig  `mapstructure:"metrics"`
	Log               *LogConfig      `mapstructure:"log"`
	Server            *ServerConfig   `mapstructure:"server"`
	Webhooks          []WebhookConfig `mapstructure:"webhooks"`

	// Inline process declarations; each entry decodes directly into a
	// procspec.Spec (unlike provisr, tspm has no separate cronjob union
	// member — procspec.Spec.Cron already carries an optional schedule).
	Processes []map[string]any `mapstructure:"processes"`

	// Computed/aggregated fields, populated by LoadConfig.
	GlobalEnv []string
	Specs     []procspec.Spec

	configPath string
}

// StoreConfig selects the SQL-backed statestore.Sink used for durable event
// history. Driver selects which internal/statestore/<driver> package
// LoadConfig's caller should construct; this package does not import any
// of the three driver packages (the root tspm package imports all three).
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"` // sqlite | postgres | clickhouse
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"` // clickhouse only; sqlite/postgres use a fixed table name
}

// HistoryConfig controls StateSnapshot persistence (statestore.Snapshotter)
// independent of the SQL event sink above.
type HistoryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SnapshotPath string `mapstructure:"snapshot_path"`
}

// MetricsConfig is decoded from the [metrics] section. Nothing in the
// daemon reads it: no /metrics listener is started.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LogConfig supplies logmanager.Config defaults applied to every spec that
// does not set its own stdout/stderr/rotation fields.
type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Stdout     string `mapstructure:"stdout"`
	Stderr     string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ServerConfig describes the apiserver's listener, reusing internal/tls's
// TLSConfig shape directly so the control API's TLS posture is configured
// with the same fields tls.SetupTLS consumes.
type ServerConfig struct {
	Listen   string              `mapstructure:"listen"`
	BasePath string              `mapstructure:"base_path"`
	TLS      *tspmtls.TLSConfig  `mapstructure:"tls"`
}

// WebhookConfig is the on-disk shape of one webhook.Target; LoadConfig
// does not import internal/webhook (to avoid config depending on every
// consumer it feeds), so tspm.New converts these via
// webhook.TargetsFromConfig.
type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Events  []string          `mapstructure:"events"`
	Headers map[string]string `mapstructure:"headers"`
	Enabled bool              `mapstructure:"enabled"`
	Timeout string            `mapstructure:"timeout"`

	CACert     string `mapstructure:"ca_cert"`
	ClientCert string `mapstructure:"client_cert"`
	ClientKey  string `mapstructure:"client_key"`
	ServerName string `mapstructure:"server_name"`
	SkipVerify bool   `mapstructure:"skip_verify"`
}

// decodeTo decodes a map[string]any into T using mapstructure, matching
// provisr's weakly-typed decode (config files routinely express durations
// and numbers as strings).
func decodeTo[T any](m map[string]any) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(m); err != nil {
		return out, err
	}
	return out, nil
}

// decodeProcessEntry decodes one processes[] or programs/ file entry into a
// procspec.Spec, applying defaults and validating it. ctx names the source
// (a filename, or "inline processes") for error messages.
func decodeProcessEntry(m map[string]any, ctx string) (procspec.Spec, error) {
	sp, err := decodeTo[procspec.Spec](m)
	if err != nil {
		return procspec.Spec{}, fmt.Errorf("decode process spec in %s: %w", ctx, err)
	}
	sp.ApplyDefaults()
	if err := sp.Validate(); err != nil {
		return procspec.Spec{}, fmt.Errorf("%s: %w", ctx, err)
	}
	return sp, nil
}

// LoadConfig reads configPath (TOML/YAML/JSON, resolved by extension via
// viper), merges its inline [[processes]] with any per-file declarations in
// its programs directory, and returns the assembled Config.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{configPath: configPath}

	if err := parseConfigFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Specs = make([]procspec.Spec, 0, len(cfg.Processes))
	for _, pc := range cfg.Processes {
		sp, err := decodeProcessEntry(pc, "inline processes")
		if err != nil {
			return nil, err
		}
		cfg.Specs = append(cfg.Specs, sp)
	}

	programsDir := cfg.ProgramsDirectory
	if programsDir == "" {
		programsDir = "programs"
	}
	if !filepath.IsAbs(programsDir) {
		programsDir = filepath.Join(filepath.Dir(configPath), programsDir)
	}

	specs, err := loadProgramEntries(programsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load programs from %s: %w", programsDir, err)
	}
	cfg.Specs = append(cfg.Specs, specs...)

	if err := validateUniqueNames(cfg.Specs); err != nil {
		return nil, err
	}

	globalEnv, err := computeGlobalEnv(cfg.UseOSEnv, cfg.EnvFiles, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to compute global env: %w", err)
	}
	cfg.GlobalEnv = globalEnv

	applyGlobalLogDefaults(cfg)

	return cfg, nil
}

func validateUniqueNames(specs []procspec.Spec) error {
	seen := make(map[string]struct{}, len(specs))
	for _, sp := range specs {
		if _, ok := seen[sp.Name]; ok {
			return fmt.Errorf("config: duplicate process name %q", sp.Name)
		}
		seen[sp.Name] = struct{}{}
	}
	return nil
}

func parseConfigFile(configPath string, out interface{}) error {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// loadProgramEntries loads one procspec.Spec per file from programsDir.
// Supported extensions: toml, yaml/yml, json. A missing directory is not
// an error — it simply contributes no specs, matching provisr's behavior.
func loadProgramEntries(programsDir string) ([]procspec.Spec, error) {
	infos, err := os.ReadDir(programsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	exts := map[string]struct{}{".toml": {}, ".yaml": {}, ".yml": {}, ".json": {}}

	var specs []procspec.Spec
	for _, de := range infos {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if _, ok := exts[ext]; !ok {
			continue
		}

		full := filepath.Join(programsDir, name)
		v := viper.New()
		v.SetConfigFile(full)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", full, err)
		}

		var m map[string]any
		if err := v.Unmarshal(&m); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", full, err)
		}

		sp, err := decodeProcessEntry(m, full)
		if err != nil {
			return nil, err
		}
		specs = append(specs, sp)
	}
	return specs, nil
}

func computeGlobalEnv(useOSEnv bool, envFiles []string, env []string) ([]string, error) {
	envMap := make(map[string]string)

	if useOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				envMap[kv[:i]] = kv[i+1:]
			}
		}
	}

	for _, envFile := range envFiles {
		fileEnv, err := loadEnvFile(envFile)
		if err != nil {
			return nil, err
		}
		for key, value := range fileEnv {
			envMap[key] = value
		}
	}

	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			envMap[kv[:i]] = kv[i+1:]
		}
	}

	result := make([]string, 0, len(envMap))
	for key, value := range envMap {
		result = append(result, key+"="+value)
	}
	sort.Strings(result)
	return result, nil
}

// applyGlobalLogDefaults fills Stdout/Stderr/CombineLogs-adjacent rotation
// knobs on every spec that hasn't set its own, the way provisr's config.go
// layers a shared internal/logger.Config under per-process overrides. tspm
// doesn't carry per-spec rotation fields (only Stdout/Stderr paths), so the
// rotation limits (MaxSizeMB et al.) live solely on the shared LogConfig
// that tspm.New passes to logmanager.Config directly; this function only
// needs to derive missing Stdout/Stderr paths from the shared directory.
func applyGlobalLogDefaults(cfg *Config) {
	if cfg.Log == nil {
		return
	}
	baseDir := filepath.Dir(cfg.configPath)
	makeAbs := func(p string) string {
		if p == "" {
			return ""
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Clean(filepath.Join(baseDir, p))
	}

	globalStdout := makeAbs(cfg.Log.Stdout)
	globalStderr := makeAbs(cfg.Log.Stderr)

	for i := range cfg.Specs {
		sp := &cfg.Specs[i]
		if sp.Stdout == "" && sp.Stderr == "" {
			if globalStdout != "" {
				sp.Stdout = globalStdout
			}
			if globalStderr != "" {
				sp.Stderr = globalStderr
			}
		}
	}
}

func loadEnvFile(filePath string) (map[string]string, error) {
	// #nosec G304 -- env file paths come from the operator's own config file
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	env := make(map[string]string)
	lines := strings.Split(string(content), "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid env line at %s:%d: %s", filePath, i+1, line)
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}
		env[key] = value
	}
	return env, nil
}
