package ingest

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const siteCSV = `date,soil_moisture,precip,pet
2021-06-03,0.28,0,4.0
2021-06-01,0.35,12.5,3.1
2021-06-02,0.31,0,3.5
2021-06-05,,0.0,NaN
`

func TestReadTableAndSync(t *testing.T) {
	tbl, err := ReadTable(strings.NewReader(siteCSV))
	require.NoError(t, err)
	assert.True(t, tbl.HasPrecip)
	assert.True(t, tbl.HasPET)
	require.Len(t, tbl.Records, 4)

	synced, err := tbl.Synced(DefaultOptions())
	require.NoError(t, err)

	sm := synced.SoilMoisture
	require.Equal(t, 5, sm.Len())
	assert.Equal(t, time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC), sm.Start())
	assert.Equal(t, 0.35, sm.Value(0))
	assert.Equal(t, 0.31, sm.Value(1))
	assert.Equal(t, 0.28, sm.Value(2))
	assert.True(t, math.IsNaN(sm.Value(3)), "2021-06-04 has no row")
	assert.True(t, math.IsNaN(sm.Value(4)), "empty cell is missing")

	assert.Equal(t, []bool{true, false, false, false, false}, synced.Precip)
	require.True(t, synced.HasPET())
	assert.Equal(t, 3.1, synced.PET.Value(0))
	assert.True(t, math.IsNaN(synced.PET.Value(4)))
}

func TestRainThreshold(t *testing.T) {
	tbl, err := ReadTable(strings.NewReader("date,soil_moisture,precip\n2021-06-01,0.3,0.2\n2021-06-02,0.29,1.5\n"))
	require.NoError(t, err)

	synced, err := tbl.Synced(Options{RainThreshold: 1})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, synced.Precip)
	assert.False(t, synced.HasPET())
}

func TestReadTableErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"no date column", "day,soil_moisture\n2021-06-01,0.3\n"},
		{"no soil moisture column", "date,theta\n2021-06-01,0.3\n"},
		{"bad date", "date,soil_moisture\n06/01/2021,0.3\n"},
		{"bad number", "date,soil_moisture\n2021-06-01,wet\n"},
		{"infinite", "date,soil_moisture\n2021-06-01,Inf\n"},
		{"short row", "date,soil_moisture\n2021-06-01\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadTable(strings.NewReader(tt.in))
			assert.Error(t, err)
		})
	}
}

func TestSyncedRejectsDuplicateDays(t *testing.T) {
	tbl, err := ReadTable(strings.NewReader("date,soil_moisture\n2021-06-01,0.3\n2021-06-01,0.29\n"))
	require.NoError(t, err)

	_, err = tbl.Synced(DefaultOptions())
	assert.Error(t, err)
}

func TestReadFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "2021.csv")
	b := filepath.Join(dir, "2022.csv")
	require.NoError(t, os.WriteFile(a, []byte("date,soil_moisture\n2021-12-30,0.30\n2021-12-31,0.29\n"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("date,soil_moisture\n2022-01-01,0.28\n2022-01-03,0.26\n"), 0o644))

	tbl, err := ReadFiles(b, a)
	require.NoError(t, err)

	sm, err := tbl.SoilMoisture()
	require.NoError(t, err)
	require.Equal(t, 5, sm.Len())
	assert.Equal(t, time.Date(2021, 12, 30, 0, 0, 0, 0, time.UTC), sm.Start())
	assert.Equal(t, 0.28, sm.Value(2))
	assert.True(t, math.IsNaN(sm.Value(3)))

	c := filepath.Join(dir, "pet.csv")
	require.NoError(t, os.WriteFile(c, []byte("date,soil_moisture,pet\n2022-02-01,0.3,4\n"), 0o644))
	_, err = ReadFiles(a, c)
	assert.Error(t, err, "mismatched columns")

	_, err = ReadFiles(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}
