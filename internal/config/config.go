package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pipeline holds the tunable transform/export parameters for one ETL run.
// Everything has a default so the pipeline runs with no config file at all;
// a YAML file pointed to by PIPELINE_CONFIG overrides individual fields.
type Pipeline struct {
	// DatasetID is the Socrata dataset identifier on the health data portal.
	DatasetID string `yaml:"dataset_id"`

	// PageSize is the $limit used when paging the dataset.
	PageSize int `yaml:"page_size"`

	// AgeBins are the upper bounds (exclusive) of the age groups.
	// Default [18, 36, 51, 66] yields <18, 18-35, 36-50, 51-65, 65+.
	AgeBins []int `yaml:"age_bins"`

	// RiskWeights feed the composite risk score.
	RiskWeights RiskWeights `yaml:"risk_weights"`

	// LongStayDays marks a stay as "long" when length_of_stay exceeds it.
	LongStayDays float64 `yaml:"long_stay_days"`

	// HighCostQuantile marks a record as "high cost" when total_cost exceeds
	// this quantile of the batch.
	HighCostQuantile float64 `yaml:"high_cost_quantile"`

	// MaxInvalidRatio fails the run when more than this share of extracted
	// records does not pass shape validation.
	MaxInvalidRatio float64 `yaml:"max_invalid_ratio"`

	// SuppressBelow drops aggregate extract rows built from fewer records
	// than this, so small cells never reach a dashboard.
	SuppressBelow int `yaml:"suppress_below"`

	// AgeTopCode caps ages in de-identified output.
	AgeTopCode int `yaml:"age_top_code"`
}

// RiskWeights mirror the scoring used upstream: each factor contributes its
// weight when present, and the sum is divided by Divisor so the score lands
// in [0, 1].
type RiskWeights struct {
	AgeOver65   int `yaml:"age_over_65"`
	Emergency   int `yaml:"emergency"`
	Readmission int `yaml:"readmission"`
	Divisor     int `yaml:"divisor"`
}

func Default() Pipeline {
	return Pipeline{
		DatasetID:        "",
		PageSize:         5000,
		AgeBins:          []int{18, 36, 51, 66},
		RiskWeights:      RiskWeights{AgeOver65: 2, Emergency: 3, Readmission: 4, Divisor: 9},
		LongStayDays:     7,
		HighCostQuantile: 0.75,
		MaxInvalidRatio:  0.05,
		SuppressBelow:    11,
		AgeTopCode:       90,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Pipeline, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read pipeline config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse pipeline config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("pipeline config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv loads the config file named by PIPELINE_CONFIG, or the defaults
// when the variable is unset.
func FromEnv() (Pipeline, error) {
	path := strings.TrimSpace(os.Getenv("PIPELINE_CONFIG"))
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

func (p Pipeline) Validate() error {
	if p.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", p.PageSize)
	}
	if len(p.AgeBins) == 0 {
		return fmt.Errorf("age_bins must not be empty")
	}
	for i := 1; i < len(p.AgeBins); i++ {
		if p.AgeBins[i] <= p.AgeBins[i-1] {
			return fmt.Errorf("age_bins must be strictly increasing")
		}
	}
	if p.HighCostQuantile <= 0 || p.HighCostQuantile >= 1 {
		return fmt.Errorf("high_cost_quantile must be in (0,1), got %v", p.HighCostQuantile)
	}
	if p.MaxInvalidRatio < 0 || p.MaxInvalidRatio > 1 {
		return fmt.Errorf("max_invalid_ratio must be in [0,1], got %v", p.MaxInvalidRatio)
	}
	if p.RiskWeights.Divisor <= 0 {
		return fmt.Errorf("risk_weights.divisor must be positive")
	}
	if p.SuppressBelow < 0 {
		return fmt.Errorf("suppress_below must not be negative")
	}
	if p.AgeTopCode <= 0 {
		return fmt.Errorf("age_top_code must be positive")
	}
	return nil
}
