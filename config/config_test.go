package config

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	p := Default()
	require.NoError(t, p.Validate())
	require.Len(t, p.Classes, 4)
	require.True(t, math.IsInf(p.Classes[3].Max, 1))
}

func TestSlopeClassContains(t *testing.T) {
	c := SlopeClass{Min: 10, Max: 20, Label: "10_20"}
	require.True(t, c.Contains(10))
	require.True(t, c.Contains(19.99))
	require.False(t, c.Contains(20))
	require.False(t, c.Contains(9.99))
}

func TestLoadOverridesSubset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := "grid_size: 8\nmin_coverage_ratio: 0.6\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, p.GridSize)
	require.Equal(t, 0.6, p.MinCoverageRatio)
	// Untouched keys keep defaults.
	require.Equal(t, 100, p.CheckpointEvery)
	require.Equal(t, 0.1, p.EWMAAlpha)
}

func TestLoadCustomClasses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `classes:
  - {min: 0, max: 15, label: "0_15"}
  - {min: 15, max: 30, label: "15_30"}
  - {min: 30, label: "30_inf"}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	require.Len(t, p.Classes, 3)
	require.True(t, math.IsInf(p.Classes[2].Max, 1))
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), p)
}

func TestSlopeClassJSONOpenEnded(t *testing.T) {
	data, err := json.Marshal(DefaultClasses())
	require.NoError(t, err)
	require.Contains(t, string(data), `"label":"35_inf"`)
	require.Contains(t, string(data), `"max":null`)
	require.Contains(t, string(data), `"max":20`)
}

func TestValidateRejectsGaps(t *testing.T) {
	p := Default()
	p.Classes = []SlopeClass{
		{Min: 10, Max: 20, Label: "10_20"},
		{Min: 25, Max: 35, Label: "25_35"},
	}
	require.Error(t, p.Validate())
}

func TestValidateRejectsBadAlpha(t *testing.T) {
	p := Default()
	p.EWMAAlpha = 0
	require.Error(t, p.Validate())
	p.EWMAAlpha = 1.5
	require.Error(t, p.Validate())
}

func TestWorkerCountDefaultsToCPU(t *testing.T) {
	p := Default()
	require.Positive(t, p.WorkerCount())
	p.Workers = 3
	require.Equal(t, 3, p.WorkerCount())
}
