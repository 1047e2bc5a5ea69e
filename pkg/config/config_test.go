package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrissnell/drydown/internal/drydown"
	"github.com/chrissnell/drydown/internal/pipeline"
)

const sampleYAML = `
sites:
  - name: little-washita
    latitude: 34.9
    longitude: -98.1
    depth_mm: 50
    files: [data/lw-2019.csv, data/lw-2020.csv]
    reference_files: [/archive/smap-lw.csv]
    rain_threshold: 0.5
analysis:
  variants: [powerlaw, sigmoid]
  bounds_source: density
  segment:
    precip_buffer_days: 2
    min_observations: 3
    trim_edges: true
  acceptance:
    min_r_squared: 0.8
    reject_small_q: true
storage:
  backend: sqlite
  dsn: results.db
server:
  listen_addr: "127.0.0.1:9000"
  shutdown_timeout: 5s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drydown.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	dir := filepath.Dir(path)

	cfg, err := NewYAMLProvider(path).WithEnvironment(map[string]string{}).LoadConfig()
	require.NoError(t, err)

	require.Len(t, cfg.Sites, 1)
	s := cfg.Sites[0]
	assert.Equal(t, "little-washita", s.Name)
	assert.Equal(t, []string{filepath.Join(dir, "data/lw-2019.csv"), filepath.Join(dir, "data/lw-2020.csv")}, s.Files)
	assert.Equal(t, []string{"/archive/smap-lw.csv"}, s.ReferenceFiles)
	assert.Equal(t, 0.5, s.RainThreshold)
	assert.Equal(t, pipeline.Site{Name: "little-washita", Latitude: 34.9, Longitude: -98.1, DepthMM: 50}, s.Site())

	a := cfg.Analysis
	assert.Equal(t, []drydown.Variant{drydown.VariantPowerLaw, drydown.VariantSigmoid}, a.Variants)
	assert.Equal(t, pipeline.BoundsDensity, a.BoundsSource)
	assert.Equal(t, 2, a.Segment.PrecipBufferDays)
	assert.Equal(t, 0.8, a.Acceptance.MinRSquared)
	assert.True(t, a.Acceptance.RejectSmallQ)

	// Settings absent from the file keep their defaults
	def := pipeline.DefaultConfig()
	assert.Equal(t, def.Acceptance.MinRangeFraction, a.Acceptance.MinRangeFraction)
	assert.Equal(t, def.Fit, a.Fit)
	assert.Equal(t, def.Workers, a.Workers)

	assert.Equal(t, filepath.Join(dir, "results.db"), cfg.Storage.DSN)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.False(t, cfg.Debug)

	_, ok := cfg.Site("little-washita")
	assert.True(t, ok)
	_, ok = cfg.Site("nowhere")
	assert.False(t, ok)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	cfg, err := NewYAMLProvider(path).WithEnvironment(map[string]string{
		"DRYDOWN_STORAGE_BACKEND":  "postgres",
		"DRYDOWN_STORAGE_DSN":      "postgres://drydown@db/drydown",
		"DRYDOWN_LISTEN_ADDR":      ":8181",
		"DRYDOWN_SHUTDOWN_TIMEOUT": "2s",
		"DRYDOWN_WORKERS":          "8",
		"DRYDOWN_DEBUG":            "true",
		"WORKERS":                  "99",
	}).LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, "postgres://drydown@db/drydown", cfg.Storage.DSN)
	assert.Equal(t, ":8181", cfg.Server.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 8, cfg.Analysis.Workers)
	assert.True(t, cfg.Debug)
}

func TestEnvironmentOverrideMustParse(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	_, err := NewYAMLProvider(path).WithEnvironment(map[string]string{"DRYDOWN_WORKERS": "many"}).LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "sitez: []\n"},
		{"unnamed site", "sites:\n  - files: [a.csv]\n"},
		{"duplicate site", "sites:\n  - {name: a, files: [a.csv]}\n  - {name: a, files: [b.csv]}\n"},
		{"no files", "sites:\n  - name: a\n"},
		{"bad latitude", "sites:\n  - {name: a, latitude: 91, files: [a.csv]}\n"},
		{"unknown variant", "analysis:\n  variants: [cubic]\n"},
		{"non-positive q bound", "analysis:\n  fit:\n    q_min: 0\n"},
		{"non-positive widen factor", "analysis:\n  density:\n    widen_factor: 0\n"},
		{"unknown backend", "storage:\n  backend: influxdb\n"},
		{"empty listen address", "server:\n  listen_addr: \"\"\n"},
		{"malformed", "sites: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewYAMLProvider(writeConfig(t, tt.body)).WithEnvironment(map[string]string{}).LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := NewYAMLProvider(filepath.Join(t.TempDir(), "absent.yaml")).LoadConfig()
	assert.Error(t, err)
}

func TestProviderIsReadOnly(t *testing.T) {
	p := NewYAMLProvider("unused.yaml")
	assert.True(t, p.IsReadOnly())
	assert.NoError(t, p.Close())
}
