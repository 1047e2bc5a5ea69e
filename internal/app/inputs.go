package app

import (
	"fmt"

	"github.com/chrissnell/drydown/internal/ingest"
	"github.com/chrissnell/drydown/internal/pipeline"
	"github.com/chrissnell/drydown/pkg/config"
)

// LoadInputs reads each site's files into a pipeline input
func LoadInputs(sites []config.SiteData) ([]pipeline.Input, error) {
	inputs := make([]pipeline.Input, 0, len(sites))
	for _, s := range sites {
		in, err := loadSite(s)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", s.Name, err)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func loadSite(s config.SiteData) (pipeline.Input, error) {
	table, err := ingest.ReadFiles(s.Files...)
	if err != nil {
		return pipeline.Input{}, err
	}
	if !table.HasPrecip {
		return pipeline.Input{}, fmt.Errorf("input files have no %s column", ingest.ColumnPrecip)
	}

	data, err := table.Synced(ingest.Options{RainThreshold: s.RainThreshold})
	if err != nil {
		return pipeline.Input{}, err
	}
	in := pipeline.Input{Site: s.Site(), Data: data}

	if len(s.ReferenceFiles) > 0 {
		ref, err := ingest.ReadFiles(s.ReferenceFiles...)
		if err != nil {
			return pipeline.Input{}, fmt.Errorf("reference: %w", err)
		}
		series, err := ref.SoilMoisture()
		if err != nil {
			return pipeline.Input{}, fmt.Errorf("reference: %w", err)
		}
		in.Reference = &series
	}
	return in, nil
}
