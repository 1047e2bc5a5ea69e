// Package ingest reads already-synchronized daily series from CSV.
//
// A site file has a header row naming at least the date and soil moisture
// columns; precipitation and PET are optional:
//
//	date,soil_moisture,precip,pet
//	2021-06-01,0.312,0.0,4.1
//
// Empty cells and "NaN" are missing values. A reference file holds date and
// soil_moisture only.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chrissnell/drydown/internal/timeseries"
)

// Column names recognised in the header row
const (
	ColumnDate         = "date"
	ColumnSoilMoisture = "soil_moisture"
	ColumnPrecip       = "precip"
	ColumnPET          = "pet"
)

const dateLayout = "2006-01-02"

// Options controls how precipitation amounts become rain flags
type Options struct {
	// RainThreshold is the daily precipitation above which a day counts as
	// rain. Missing precipitation is treated as no rain.
	RainThreshold float64 `yaml:"rain_threshold"`
}

// DefaultOptions flags any measurable precipitation
func DefaultOptions() Options {
	return Options{RainThreshold: 0}
}

// Record is one parsed CSV row
type Record struct {
	Date         time.Time
	SoilMoisture float64
	Precip       float64
	PET          float64
}

// Table is the parsed contents of one or more site files
type Table struct {
	Records   []Record
	HasPrecip bool
	HasPET    bool
}

// ReadTable parses one CSV stream
func ReadTable(r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Table{}, fmt.Errorf("empty CSV: missing header row")
		}
		return Table{}, fmt.Errorf("reading header: %w", err)
	}

	cols := make(map[string]int)
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	dateCol, ok := cols[ColumnDate]
	if !ok {
		return Table{}, fmt.Errorf("header has no %q column", ColumnDate)
	}
	smCol, ok := cols[ColumnSoilMoisture]
	if !ok {
		return Table{}, fmt.Errorf("header has no %q column", ColumnSoilMoisture)
	}
	precipCol, hasPrecip := cols[ColumnPrecip]
	petCol, hasPET := cols[ColumnPET]

	t := Table{HasPrecip: hasPrecip, HasPET: hasPET}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, err
		}
		line, _ := cr.FieldPos(0)

		date, err := time.Parse(dateLayout, strings.TrimSpace(row[dateCol]))
		if err != nil {
			return Table{}, fmt.Errorf("line %d: invalid date %q: %w", line, row[dateCol], err)
		}

		rec := Record{Date: date, Precip: math.NaN(), PET: math.NaN()}
		if rec.SoilMoisture, err = parseValue(row[smCol]); err != nil {
			return Table{}, fmt.Errorf("line %d: soil moisture: %w", line, err)
		}
		if hasPrecip {
			if rec.Precip, err = parseValue(row[precipCol]); err != nil {
				return Table{}, fmt.Errorf("line %d: precipitation: %w", line, err)
			}
		}
		if hasPET {
			if rec.PET, err = parseValue(row[petCol]); err != nil {
				return Table{}, fmt.Errorf("line %d: PET: %w", line, err)
			}
		}
		t.Records = append(t.Records, rec)
	}
	return t, nil
}

func parseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") || strings.EqualFold(s, "na") {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	if math.IsInf(v, 0) {
		return 0, fmt.Errorf("infinite value %q", s)
	}
	return v, nil
}

// Synced turns a table into a synchronized site series. Rows may arrive in any
// order but a day may appear only once.
func (t Table) Synced(opts Options) (timeseries.Synced, error) {
	sm, err := t.series(func(r Record) float64 { return r.SoilMoisture })
	if err != nil {
		return timeseries.Synced{}, fmt.Errorf("soil moisture: %w", err)
	}

	out := timeseries.Synced{SoilMoisture: sm, Precip: make([]bool, sm.Len())}
	if t.HasPrecip {
		for _, r := range t.Records {
			if i, ok := sm.IndexOf(r.Date); ok && r.Precip > opts.RainThreshold {
				out.Precip[i] = true
			}
		}
	}
	if t.HasPET {
		pet, err := t.series(func(r Record) float64 { return r.PET })
		if err != nil {
			return timeseries.Synced{}, fmt.Errorf("PET: %w", err)
		}
		out.PET = pet
	}
	return out, out.Validate()
}

// SoilMoisture returns only the soil moisture column as a series
func (t Table) SoilMoisture() (timeseries.Series, error) {
	return t.series(func(r Record) float64 { return r.SoilMoisture })
}

func (t Table) series(value func(Record) float64) (timeseries.Series, error) {
	if len(t.Records) == 0 {
		return timeseries.Series{}, fmt.Errorf("no rows")
	}
	points := make([]timeseries.Point, len(t.Records))
	for i, r := range t.Records {
		points[i] = timeseries.Point{Time: r.Date, Value: value(r)}
	}

	acc := timeseries.NewAccumulator()
	if err := acc.Add(points); err != nil {
		return timeseries.Series{}, err
	}
	return acc.Series()
}

// ReadFiles parses and concatenates several site files, e.g. one per year.
// Every file must carry the same optional columns.
func ReadFiles(paths ...string) (Table, error) {
	var out Table
	for i, p := range paths {
		t, err := readFile(p)
		if err != nil {
			return Table{}, err
		}
		if i == 0 {
			out.HasPrecip, out.HasPET = t.HasPrecip, t.HasPET
		} else if t.HasPrecip != out.HasPrecip || t.HasPET != out.HasPET {
			return Table{}, fmt.Errorf("%s: columns differ from %s", p, paths[0])
		}
		out.Records = append(out.Records, t.Records...)
	}
	return out, nil
}

func readFile(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	t, err := ReadTable(f)
	if err != nil {
		return Table{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
