// Package config loads the settings file shared by the CLI, the scheduler
// daemon and any other process operating on the same data directory.
//
// The file is re-read on every Load so operators can change settings without
// restarting a running scheduler.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/pbqueue/pkg/scheduler"
	"github.com/3leaps/pbqueue/pkg/worker"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// PBQUEUE_BACKTEST_CPU_BUDGET=4.
const EnvPrefix = "PBQUEUE"

// Scheduler holds the settings one queue's scheduler loop reads each iteration.
type Scheduler = scheduler.Config

// DefaultScheduler returns the settings used when a queue has no section.
func DefaultScheduler() Scheduler {
	return scheduler.DefaultConfig()
}

// Server configures the read-only HTTP status API.
type Server struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Logging configures the CLI logger.
type Logging struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Promote configures where optimizer results are read and where promoted
// backtest configs are written.
type Promote struct {
	ResultsDir string `mapstructure:"results_dir"`
	ConfigsDir string `mapstructure:"configs_dir"`
	ExtraArgs  string `mapstructure:"extra_args"`
}

// Settings is a snapshot of the settings file.
type Settings struct {
	Path         string
	DataDir      string
	PassivbotDir string
	Logging      Logging
	Server       Server
	Promote      Promote
	Queues       map[string]Scheduler
	Ranking      map[string]int
	Workers      map[string]worker.Kind
}

// Scheduler returns the settings for a queue kind, falling back to defaults.
func (s *Settings) Scheduler(kind string) Scheduler {
	if s != nil {
		if sc, ok := s.Queues[kind]; ok {
			return sc
		}
	}
	return DefaultScheduler()
}

// Worker returns the worker kind definition for name.
func (s *Settings) Worker(name string) (worker.Kind, error) {
	if s != nil {
		if k, ok := s.Workers[name]; ok {
			return k, nil
		}
	}
	return worker.Kind{}, fmt.Errorf("unknown queue kind %q (expected one of: %s)", name, strings.Join(s.WorkerNames(), ", "))
}

// WorkerNames returns the configured kind names in sorted order.
func (s *Settings) WorkerNames() []string {
	if s == nil {
		return nil
	}
	return worker.Names(s.Workers)
}

// QueueDir is the directory holding one queue's descriptors, logs and pid files.
func (s *Settings) QueueDir(kind string) string {
	return filepath.Join(s.DataDir, "queues", kind)
}

// Loader reads a settings file. A zero-value path means no file; defaults and
// environment overrides still apply.
type Loader struct {
	path    string
	dataDir string
}

func NewLoader(path, dataDir string) *Loader {
	return &Loader{path: strings.TrimSpace(path), dataDir: strings.TrimSpace(dataDir)}
}

// Path returns the settings file path.
func (l *Loader) Path() string {
	return l.path
}

// SetDefaults registers defaults for every known key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("passivbot_dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8787)

	v.SetDefault("promote.results_dir", "")
	v.SetDefault("promote.configs_dir", "")
	v.SetDefault("promote.extra_args", "")

	def := DefaultScheduler()
	for _, kind := range worker.Names(worker.Defaults("")) {
		v.SetDefault(kind+".autostart_enabled", def.AutostartEnabled)
		v.SetDefault(kind+".cpu_budget", def.CPUBudget)
		v.SetDefault(kind+".poll_interval", def.PollInterval.String())
		v.SetDefault(kind+".sweep_interval", def.SweepInterval.String())
		v.SetDefault(kind+".launch_interval", def.LaunchInterval.String())
	}
}

func (l *Loader) newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if l.path != "" {
		v.SetConfigFile(l.path)
	}
	return v
}

// Load reads the settings file fresh. A missing file yields defaults.
func (l *Loader) Load() (*Settings, error) {
	v := l.newViper()
	if l.path != "" {
		if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("read settings %s: %w", l.path, err)
		}
	}

	all := v.AllSettings()

	s := &Settings{
		Path:    l.path,
		DataDir: l.dataDir,
		Queues:  make(map[string]Scheduler),
		Ranking: make(map[string]int),
	}
	s.PassivbotDir = v.GetString("passivbot_dir")

	if err := decode(all["logging"], &s.Logging); err != nil {
		return nil, fmt.Errorf("settings logging: %w", err)
	}
	if err := decode(all["server"], &s.Server); err != nil {
		return nil, fmt.Errorf("settings server: %w", err)
	}
	if err := decode(all["promote"], &s.Promote); err != nil {
		return nil, fmt.Errorf("settings promote: %w", err)
	}
	if s.Promote.ConfigsDir == "" && s.DataDir != "" {
		s.Promote.ConfigsDir = filepath.Join(s.DataDir, "configs", "promoted")
	}
	if s.Promote.ResultsDir == "" && s.PassivbotDir != "" {
		s.Promote.ResultsDir = filepath.Join(s.PassivbotDir, "optimize_results_analysis")
	}
	if err := decode(all["ranking"], &s.Ranking); err != nil {
		return nil, fmt.Errorf("settings ranking: %w", err)
	}

	s.Workers = worker.Defaults(s.PassivbotDir)
	if raw, ok := all["workers"].(map[string]any); ok {
		for name, section := range raw {
			k, ok := s.Workers[name]
			if !ok {
				k = worker.Kind{Dir: s.PassivbotDir}
			}
			if err := decode(section, &k); err != nil {
				return nil, fmt.Errorf("settings workers.%s: %w", name, err)
			}
			k.Name = name
			if err := k.Validate(); err != nil {
				return nil, err
			}
			s.Workers[name] = k
		}
	}

	for _, kind := range worker.Names(s.Workers) {
		sc := DefaultScheduler()
		if err := decode(all[kind], &sc); err != nil {
			return nil, fmt.Errorf("settings %s: %w", kind, err)
		}
		s.Queues[kind] = sc
	}

	return s, nil
}

// LoadScheduler reads only the scheduler settings of one queue kind.
func (l *Loader) LoadScheduler(kind string) (Scheduler, error) {
	s, err := l.Load()
	if err != nil {
		return Scheduler{}, err
	}
	return s.Scheduler(kind), nil
}

// Set writes one key to the settings file, preserving the other keys present
// in the file. Defaults are not written.
func (l *Loader) Set(key, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return fmt.Errorf("settings key is required")
	}
	if l.path == "" {
		return fmt.Errorf("no settings file configured")
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(l.path)
	if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("read settings %s: %w", l.path, err)
	}
	v.Set(key, parseScalar(value))
	if err := v.WriteConfigAs(l.path); err != nil {
		return fmt.Errorf("write settings %s: %w", l.path, err)
	}
	return nil
}

// Keys lists every effective key with its value, sorted by key.
func (l *Loader) Keys() ([]KeyValue, error) {
	v := l.newViper()
	if l.path != "" {
		if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("read settings %s: %w", l.path, err)
		}
	}
	keys := v.AllKeys()
	sort.Strings(keys)
	out := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeyValue{Key: k, Value: v.Get(k)})
	}
	return out, nil
}

// KeyValue is one effective setting.
type KeyValue struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func decode(input any, out any) error {
	if input == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ZeroFields:       true,
		TagName:          "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(" "),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

func parseScalar(value string) any {
	value = strings.TrimSpace(value)
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}

func isNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf) || errors.Is(err, os.ErrNotExist)
}
