// Package config loads the drydown configuration: the sites to analyse, the
// analysis settings, and where results are stored and served.
package config

import (
	"fmt"
	"time"

	"github.com/chrissnell/drydown/internal/pipeline"
)

// ConfigProvider defines the interface for configuration data sources
type ConfigProvider interface {
	LoadConfig() (*ConfigData, error)
	IsReadOnly() bool
	Close() error
}

// Storage backends
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// ConfigData is the complete configuration
type ConfigData struct {
	Sites    []SiteData      `yaml:"sites" json:"sites"`
	Analysis pipeline.Config `yaml:"analysis" json:"analysis"`
	Storage  StorageData     `yaml:"storage" json:"storage"`
	Server   ServerData      `yaml:"server" json:"server"`
	Debug    bool            `yaml:"debug" json:"debug"`
}

// SiteData describes one site and where its series live
type SiteData struct {
	Name      string  `yaml:"name" json:"name"`
	Latitude  float64 `yaml:"latitude" json:"latitude"`
	Longitude float64 `yaml:"longitude" json:"longitude"`
	DepthMM   float64 `yaml:"depth_mm" json:"depth_mm"`

	// Files are CSVs of date, soil_moisture and optional precip and pet
	// columns, concatenated in any order
	Files []string `yaml:"files" json:"files"`

	// ReferenceFiles hold a second soil-moisture product for comparison
	ReferenceFiles []string `yaml:"reference_files" json:"reference_files,omitempty"`

	// RainThreshold is the daily precipitation above which a day is wet
	RainThreshold float64 `yaml:"rain_threshold" json:"rain_threshold"`
}

// Site returns the pipeline's view of the site
func (s SiteData) Site() pipeline.Site {
	return pipeline.Site{
		Name:      s.Name,
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		DepthMM:   s.DepthMM,
	}
}

// StorageData selects and configures the results store
type StorageData struct {
	Backend string `yaml:"backend" json:"backend"`

	// DSN is a file path for SQLite and a connection string for PostgreSQL
	DSN string `yaml:"dsn" json:"-"`

	ConnectRetries uint64 `yaml:"connect_retries" json:"connect_retries"`
}

// ServerData configures the results API
type ServerData struct {
	ListenAddr      string        `yaml:"listen_addr" json:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// Defaults returns a configuration with every setting but the sites filled in
func Defaults() *ConfigData {
	return &ConfigData{
		Analysis: pipeline.DefaultConfig(),
		Storage: StorageData{
			Backend:        BackendSQLite,
			DSN:            "drydown.db",
			ConnectRetries: 5,
		},
		Server: ServerData{
			ListenAddr:      ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Validate checks that the configuration is usable
func (c *ConfigData) Validate() error {
	seen := make(map[string]bool)
	for i, s := range c.Sites {
		if s.Name == "" {
			return fmt.Errorf("site %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("site %q is defined more than once", s.Name)
		}
		seen[s.Name] = true

		if len(s.Files) == 0 {
			return fmt.Errorf("site %q has no input files", s.Name)
		}
		if s.DepthMM < 0 {
			return fmt.Errorf("site %q depth must not be negative, got %v", s.Name, s.DepthMM)
		}
		if s.Latitude < -90 || s.Latitude > 90 {
			return fmt.Errorf("site %q latitude must be between -90 and 90, got %v", s.Name, s.Latitude)
		}
		if s.Longitude < -180 || s.Longitude > 180 {
			return fmt.Errorf("site %q longitude must be between -180 and 180, got %v", s.Name, s.Longitude)
		}
		if s.RainThreshold < 0 {
			return fmt.Errorf("site %q rain threshold must not be negative, got %v", s.Name, s.RainThreshold)
		}
	}

	if err := c.Analysis.Validate(); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}

	switch c.Storage.Backend {
	case BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("storage backend must be %q or %q, got %q", BackendSQLite, BackendPostgres, c.Storage.Backend)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage DSN is required")
	}

	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown timeout must be positive, got %s", c.Server.ShutdownTimeout)
	}
	return nil
}

// Site finds a configured site by name
func (c *ConfigData) Site(name string) (SiteData, bool) {
	for _, s := range c.Sites {
		if s.Name == name {
			return s, true
		}
	}
	return SiteData{}, false
}
