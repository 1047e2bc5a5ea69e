package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "DRYDOWN_"

// YAMLProvider implements ConfigProvider for YAML configuration files.
// Deploy-time settings may be overridden from the environment.
type YAMLProvider struct {
	filename string
	environ  map[string]string
}

// NewYAMLProvider creates a new YAML configuration provider
func NewYAMLProvider(filename string) *YAMLProvider {
	return &YAMLProvider{
		filename: filename,
	}
}

// WithEnvironment replaces the process environment as the source of overrides
func (y *YAMLProvider) WithEnvironment(environ map[string]string) *YAMLProvider {
	y.environ = environ
	return y
}

// overrides are the settings an operator may change without editing the file
type overrides struct {
	StorageBackend  *string        `env:"STORAGE_BACKEND"`
	StorageDSN      *string        `env:"STORAGE_DSN"`
	ListenAddr      *string        `env:"LISTEN_ADDR"`
	ShutdownTimeout *time.Duration `env:"SHUTDOWN_TIMEOUT"`
	Workers         *int           `env:"WORKERS"`
	Debug           *bool          `env:"DEBUG"`
}

// LoadConfig reads the file over the defaults, applies environment overrides
// and validates the result. Relative input paths are resolved against the
// file's directory.
func (y *YAMLProvider) LoadConfig() (*ConfigData, error) {
	cfgFile, err := os.ReadFile(y.filename)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := yaml.UnmarshalStrict(cfgFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", y.filename, err)
	}

	var o overrides
	opts := env.Options{Prefix: EnvPrefix, Environment: y.environ}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}
	o.apply(cfg)

	base := filepath.Dir(y.filename)
	for i := range cfg.Sites {
		s := &cfg.Sites[i]
		s.Files = resolve(base, s.Files)
		s.ReferenceFiles = resolve(base, s.ReferenceFiles)
	}
	if cfg.Storage.Backend == BackendSQLite && cfg.Storage.DSN != ":memory:" {
		cfg.Storage.DSN = resolve(base, []string{cfg.Storage.DSN})[0]
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (o overrides) apply(cfg *ConfigData) {
	if o.StorageBackend != nil {
		cfg.Storage.Backend = *o.StorageBackend
	}
	if o.StorageDSN != nil {
		cfg.Storage.DSN = *o.StorageDSN
	}
	if o.ListenAddr != nil {
		cfg.Server.ListenAddr = *o.ListenAddr
	}
	if o.ShutdownTimeout != nil {
		cfg.Server.ShutdownTimeout = *o.ShutdownTimeout
	}
	if o.Workers != nil {
		cfg.Analysis.Workers = *o.Workers
	}
	if o.Debug != nil {
		cfg.Debug = *o.Debug
	}
}

func resolve(base string, paths []string) []string {
	if len(paths) == 0 {
		return paths
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		if p == "" || filepath.IsAbs(p) {
			out[i] = p
			continue
		}
		out[i] = filepath.Join(base, p)
	}
	return out
}

// IsReadOnly returns true; the file is never written back
func (y *YAMLProvider) IsReadOnly() bool {
	return true
}

// Close is a no-op for files
func (y *YAMLProvider) Close() error {
	return nil
}
