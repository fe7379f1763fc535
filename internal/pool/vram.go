package pool

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// VRAMTable maps model-id fragments to their approximate VRAM need in GiB.
// Matching is substring-based on the request model id.
type VRAMTable map[string]float64

// defaultVRAMTable carries the known requirements; overridable from a YAML
// file via LoadVRAMTable.
var defaultVRAMTable = VRAMTable{
	"stabilityai/stable-diffusion-xl":               8.0,
	"stabilityai/sdxl-turbo":                        8.0,
	"runwayml/stable-diffusion-v1-5":                4.0,
	"black-forest-labs/FLUX.1-schnell":              12.0,
	"black-forest-labs/FLUX.1-dev":                  24.0,
	"ali-vilab/text-to-video":                       8.0,
	"stabilityai/stable-video-diffusion-img2vid-xt": 24.0,
}

// Fallbacks when no table entry matches.
const (
	defaultImageVRAMGB = 6.0
	defaultVideoVRAMGB = 8.0
)

// LoadVRAMTable reads a YAML mapping of model-id fragment to GiB. An empty
// path returns the built-in table.
func LoadVRAMTable(path string) (VRAMTable, error) {
	if path == "" {
		return defaultVRAMTable, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=pool.LoadVRAMTable: %w", err)
	}
	var t VRAMTable
	if err := yaml.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("op=pool.LoadVRAMTable: %w", err)
	}
	// unspecified entries keep their built-in values
	merged := VRAMTable{}
	for k, v := range defaultVRAMTable {
		merged[k] = v
	}
	for k, v := range t {
		merged[k] = v
	}
	return merged, nil
}

// Estimate returns the approximate VRAM requirement in GiB for a job.
func (t VRAMTable) Estimate(j *Job) float64 {
	modelID := j.ModelID()
	if modelID != "" {
		for key, gb := range t {
			if strings.Contains(modelID, key) {
				return gb
			}
		}
	}
	if j.Type == JobVideo {
		return defaultVideoVRAMGB
	}
	return defaultImageVRAMGB
}
