package pipeline

import (
	"fmt"

	"github.com/chrissnell/drydown/internal/compare"
	"github.com/chrissnell/drydown/internal/drydown"
	"github.com/chrissnell/drydown/internal/losspet"
	"github.com/chrissnell/drydown/internal/segment"
)

// BoundsSource selects how a site's wilting point and field capacity are estimated
type BoundsSource string

const (
	// BoundsRange uses the series minimum and an upper quantile
	BoundsRange BoundsSource = "range"
	// BoundsDensity uses the outermost kernel-density peaks of the series
	BoundsDensity BoundsSource = "density"
	// BoundsEvent uses each event's own minimum and maximum
	BoundsEvent BoundsSource = "event"
)

// Config drives one batch
type Config struct {
	Variants   []drydown.Variant        `yaml:"variants"`
	Segment    segment.Config           `yaml:"segment"`
	Fit        drydown.FitOptions       `yaml:"fit"`
	Acceptance drydown.AcceptancePolicy `yaml:"acceptance"`
	Density    compare.DensityOptions   `yaml:"density"`
	LossPET    losspet.Options          `yaml:"loss_pet"`

	BoundsSource  BoundsSource `yaml:"bounds_source"`
	UpperQuantile float64      `yaml:"upper_quantile"`

	// CoverageWindow is the centred window, in days, used to mask the
	// comparison series before computing agreement
	CoverageWindow int `yaml:"coverage_window"`

	// DefaultDepthMM is the soil layer depth used when a site has none
	DefaultDepthMM float64 `yaml:"default_depth_mm"`

	Workers int `yaml:"workers"`
}

// DefaultConfig returns settings that reproduce the published analysis
func DefaultConfig() Config {
	return Config{
		Variants:       []drydown.Variant{drydown.VariantExponential, drydown.VariantPowerLaw},
		Segment:        segment.DefaultConfig(),
		Fit:            drydown.DefaultFitOptions(),
		Acceptance:     drydown.DefaultAcceptancePolicy(),
		Density:        compare.DefaultDensityOptions(),
		LossPET:        losspet.DefaultOptions(),
		BoundsSource:   BoundsRange,
		UpperQuantile:  0.95,
		CoverageWindow: 7,
		DefaultDepthMM: 50,
		Workers:        4,
	}
}

// Validate checks every section
func (c Config) Validate() error {
	if len(c.Variants) == 0 {
		return fmt.Errorf("at least one model variant is required")
	}
	for _, v := range c.Variants {
		if _, err := drydown.ParseVariant(string(v)); err != nil {
			return err
		}
	}
	if err := c.Segment.Validate(); err != nil {
		return fmt.Errorf("segment: %w", err)
	}
	if err := c.Fit.Validate(); err != nil {
		return fmt.Errorf("fit: %w", err)
	}
	if err := c.Density.Validate(); err != nil {
		return fmt.Errorf("density: %w", err)
	}

	switch c.BoundsSource {
	case BoundsRange, BoundsDensity, BoundsEvent:
	default:
		return fmt.Errorf("unknown bounds source %q", c.BoundsSource)
	}
	if !(c.UpperQuantile > 0 && c.UpperQuantile <= 1) {
		return fmt.Errorf("upper quantile must be in (0, 1], got %v", c.UpperQuantile)
	}
	if c.CoverageWindow < 1 {
		return fmt.Errorf("coverage window must be positive, got %d", c.CoverageWindow)
	}
	if !(c.DefaultDepthMM > 0) {
		return fmt.Errorf("default depth must be positive, got %v", c.DefaultDepthMM)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	return nil
}
