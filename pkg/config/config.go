// Package config provides configuration loading and management for burrholeprep.
// It handles loading configuration from YAML files, expands environment
// variables, validates values and provides defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"burrholeprep/internal/apperr"
	"burrholeprep/internal/storage"
	"burrholeprep/pkg/binarize"
	"burrholeprep/pkg/export"
	"burrholeprep/pkg/interpolation"
	"burrholeprep/pkg/registration"
	"burrholeprep/pkg/subtraction"
	"burrholeprep/pkg/threshold"
	"burrholeprep/pkg/visualization"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	App          AppConfig          `yaml:"app"`
	Processing   ProcessingConfig   `yaml:"processing"`
	Registration RegistrationConfig `yaml:"registration"`
	Subtraction  SubtractionConfig  `yaml:"subtraction"`
	Binarize     BinarizeConfig     `yaml:"binarize"`
	Export       ExportConfig       `yaml:"export"`
	QC           QCConfig           `yaml:"qc"`
}

// AppConfig holds logging settings.
type AppConfig struct {
	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"logLevel"`

	// LogFormat is text or json
	LogFormat string `yaml:"logFormat"`
}

// ProcessingConfig controls how cases are scheduled.
type ProcessingConfig struct {
	// Workers is the number of cases processed concurrently
	Workers int `yaml:"workers"`

	// Overwrite recomputes outputs that already exist
	Overwrite bool `yaml:"overwrite"`
}

// RegistrationConfig holds postop to preop registration parameters.
type RegistrationConfig struct {
	// Transform is rigid or affine
	Transform string `yaml:"transform"`

	// BoneLowerHU and BoneUpperHU bound the skull mask window
	BoneLowerHU float64 `yaml:"boneLowerHU"`
	BoneUpperHU float64 `yaml:"boneUpperHU"`

	MaskClosingRadius     int  `yaml:"maskClosingRadius"`
	MinSkullComponentSize int  `yaml:"minSkullComponentSize"`
	UseMasks              bool `yaml:"useMasks"`

	// HistogramBins of the mutual information joint histogram
	HistogramBins int `yaml:"histogramBins"`

	// SamplingPercentage is the fraction of voxels sampled by the metric, in (0, 1]
	SamplingPercentage float64 `yaml:"samplingPercentage"`
	Seed               int64   `yaml:"seed"`

	// Iterations per resolution level
	Iterations  int     `yaml:"iterations"`
	InitialStep float64 `yaml:"initialStep"`

	ShrinkFactors   []int     `yaml:"shrinkFactors"`
	SmoothingSigmas []float64 `yaml:"smoothingSigmas"`

	// SaveResampled writes postop_transformed.nii.gz
	SaveResampled bool `yaml:"saveResampled"`

	// SaveMetrics writes postop_to_preop_metrics.yaml
	SaveMetrics bool `yaml:"saveMetrics"`
}

// SubtractionConfig holds difference image parameters.
type SubtractionConfig struct {
	// Interpolation is linear or nearest
	Interpolation string  `yaml:"interpolation"`
	DefaultValue  float64 `yaml:"defaultValue"`
	MinCoverage   float64 `yaml:"minCoverage"`
}

// ThresholdConfig selects the binarization cut-off.
type ThresholdConfig struct {
	// Policy is otsu, fixed or percentile
	Policy     string  `yaml:"policy"`
	Value      float64 `yaml:"value"`
	Percentile float64 `yaml:"percentile"`
	Bins       int     `yaml:"bins"`
}

// BinarizeConfig holds mask extraction parameters.
type BinarizeConfig struct {
	// Polarity is loss, gain or absolute
	Polarity         string          `yaml:"polarity"`
	BoneRestrict     bool            `yaml:"boneRestrict"`
	BoneThresholdHU  float64         `yaml:"boneThresholdHU"`
	Threshold        ThresholdConfig `yaml:"threshold"`
	ClosingRadius    int             `yaml:"closingRadius"`
	MinComponentSize int             `yaml:"minComponentSize"`
	HeadCapDepthMM   float64         `yaml:"headCapDepthMM"`
}

// ExportConfig holds nnU-Net dataset naming.
type ExportConfig struct {
	CasePrefix  string `yaml:"casePrefix"`
	ChannelName string `yaml:"channelName"`
	LabelName   string `yaml:"labelName"`
	DatasetName string `yaml:"datasetName"`
}

// QCConfig holds preview rendering parameters.
type QCConfig struct {
	// WindowMin and WindowMax map HU to black and white
	WindowMin float64 `yaml:"windowMin"`
	WindowMax float64 `yaml:"windowMax"`

	// Quality is the JPEG quality, 1 to 100
	Quality int `yaml:"quality"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.App.LogLevel = "info"
	cfg.App.LogFormat = "text"

	cfg.Processing.Workers = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.Overwrite = false

	reg := registration.DefaultOptions()
	cfg.Registration = RegistrationConfig{
		Transform:             string(reg.Kind),
		BoneLowerHU:           float64(reg.BoneLower),
		BoneUpperHU:           float64(reg.BoneUpper),
		MaskClosingRadius:     reg.MaskClosingRadius,
		MinSkullComponentSize: reg.MinSkullComponent,
		UseMasks:              reg.UseMasks,
		HistogramBins:         reg.HistogramBins,
		SamplingPercentage:    reg.SamplingPercentage,
		Seed:                  reg.Seed,
		Iterations:            reg.Iterations,
		InitialStep:           reg.InitialStep,
		ShrinkFactors:         reg.ShrinkFactors,
		SmoothingSigmas:       reg.SmoothingSigmas,
		SaveResampled:         true,
		SaveMetrics:           true,
	}

	cfg.Subtraction.Interpolation = interpolation.Linear.String()

	bin := binarize.DefaultOptions()
	cfg.Binarize = BinarizeConfig{
		Polarity:        string(bin.Polarity),
		BoneRestrict:    bin.BoneRestrict,
		BoneThresholdHU: float64(bin.BoneThreshold),
		Threshold: ThresholdConfig{
			Policy:     string(bin.Threshold.Policy),
			Value:      100,
			Percentile: 99.5,
			Bins:       bin.Threshold.Bins,
		},
		ClosingRadius:    bin.ClosingRadius,
		MinComponentSize: bin.MinComponentSize,
		HeadCapDepthMM:   bin.HeadCapDepthMM,
	}

	exp := export.DefaultOptions()
	cfg.Export = ExportConfig{
		CasePrefix:  exp.CasePrefix,
		ChannelName: exp.ChannelName,
		LabelName:   exp.LabelName,
	}

	qc := visualization.DefaultOptions()
	cfg.QC = QCConfig{WindowMin: qc.WindowMin, WindowMax: qc.WindowMax, Quality: qc.Quality}

	return cfg
}

// LoadConfig loads configuration from a YAML file, expanding ${VAR}
// references from the environment. If the file doesn't exist, it returns the
// default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := storage.WriteBytes(configPath, data); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks every section and wraps failures in apperr.ErrInvalidConfig.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    validation.Validatable
	}{
		{"app", &c.App},
		{"processing", &c.Processing},
		{"registration", &c.Registration},
		{"subtraction", &c.Subtraction},
		{"binarize", &c.Binarize},
		{"export", &c.Export},
		{"qc", &c.QC},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", apperr.ErrInvalidConfig, s.name, err)
		}
	}
	return nil
}

// Validate validates the application configuration.
func (c *AppConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.LogFormat, validation.In("text", "json")),
	)
}

// Validate validates the processing configuration.
func (c *ProcessingConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Required, validation.Min(1)),
	)
}

// Validate validates the registration configuration.
func (c *RegistrationConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Transform, validation.In(string(registration.Rigid), string(registration.AffineKind))),
		validation.Field(&c.BoneUpperHU, validation.Min(c.BoneLowerHU)),
		validation.Field(&c.MaskClosingRadius, validation.Min(0)),
		validation.Field(&c.MinSkullComponentSize, validation.Min(0)),
		validation.Field(&c.HistogramBins, validation.Required, validation.Min(2)),
		validation.Field(&c.SamplingPercentage, validation.Required, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.Iterations, validation.Required, validation.Min(1)),
		validation.Field(&c.InitialStep, validation.Required, validation.Min(0.0)),
		validation.Field(&c.ShrinkFactors, validation.Required, validation.Each(validation.Min(1))),
		validation.Field(&c.SmoothingSigmas, validation.Length(len(c.ShrinkFactors), len(c.ShrinkFactors)),
			validation.Each(validation.Min(0.0))),
	)
}

// Validate validates the subtraction configuration.
func (c *SubtractionConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Interpolation, validation.By(func(any) error {
			_, err := interpolation.ParseMethod(c.Interpolation)
			return err
		})),
		validation.Field(&c.MinCoverage, validation.Min(0.0), validation.Max(1.0)),
	)
}

// Validate validates the threshold configuration. It has a value receiver so
// that it runs when nested in BinarizeConfig.
func (c ThresholdConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Policy, validation.In(string(threshold.Otsu), string(threshold.Fixed), string(threshold.Percentile))),
		validation.Field(&c.Percentile, validation.When(c.Policy == string(threshold.Percentile),
			validation.By(func(any) error {
				if !(c.Percentile > 0 && c.Percentile < 100) {
					return errors.New("must be in the open range (0, 100)")
				}
				return nil
			}))),
		validation.Field(&c.Bins, validation.Min(0)),
	)
}

// Validate validates the binarize configuration.
func (c *BinarizeConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Polarity, validation.In(string(binarize.Loss), string(binarize.Gain), string(binarize.Absolute))),
		validation.Field(&c.Threshold),
		validation.Field(&c.ClosingRadius, validation.Min(0)),
		validation.Field(&c.MinComponentSize, validation.Min(0)),
		validation.Field(&c.HeadCapDepthMM, validation.Min(0.0)),
	)
}

// Validate validates the export configuration.
func (c *ExportConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.CasePrefix, validation.Required),
		validation.Field(&c.ChannelName, validation.Required),
		validation.Field(&c.LabelName, validation.Required, validation.NotIn("background")),
	)
}

// Validate validates the QC configuration.
func (c *QCConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.WindowMax, validation.Min(c.WindowMin)),
		validation.Field(&c.Quality, validation.Required, validation.Min(1), validation.Max(100)),
	)
}

// RegistrationOptions converts the registration section.
func (c *Config) RegistrationOptions() registration.CaseOptions {
	r := c.Registration
	return registration.CaseOptions{
		Registration: registration.Options{
			Kind:               registration.Kind(r.Transform),
			BoneLower:          float32(r.BoneLowerHU),
			BoneUpper:          float32(r.BoneUpperHU),
			MaskClosingRadius:  r.MaskClosingRadius,
			MinSkullComponent:  r.MinSkullComponentSize,
			UseMasks:           r.UseMasks,
			HistogramBins:      r.HistogramBins,
			SamplingPercentage: r.SamplingPercentage,
			Seed:               r.Seed,
			Iterations:         r.Iterations,
			InitialStep:        r.InitialStep,
			ShrinkFactors:      r.ShrinkFactors,
			SmoothingSigmas:    r.SmoothingSigmas,
		},
		SaveResampled: r.SaveResampled,
		SaveMetrics:   r.SaveMetrics,
	}
}

// SubtractionOptions converts the subtraction section.
func (c *Config) SubtractionOptions() subtraction.Options {
	m, _ := interpolation.ParseMethod(c.Subtraction.Interpolation)
	return subtraction.Options{
		Interpolation: m,
		DefaultValue:  float32(c.Subtraction.DefaultValue),
		MinCoverage:   c.Subtraction.MinCoverage,
	}
}

// BinarizeOptions converts the binarize section.
func (c *Config) BinarizeOptions() binarize.Options {
	b := c.Binarize
	return binarize.Options{
		Polarity:      binarize.Polarity(b.Polarity),
		BoneRestrict:  b.BoneRestrict,
		BoneThreshold: float32(b.BoneThresholdHU),
		Threshold: threshold.Options{
			Policy:     threshold.Policy(b.Threshold.Policy),
			Value:      b.Threshold.Value,
			Percentile: b.Threshold.Percentile,
			Bins:       b.Threshold.Bins,
		},
		ClosingRadius:    b.ClosingRadius,
		MinComponentSize: b.MinComponentSize,
		HeadCapDepthMM:   b.HeadCapDepthMM,
	}
}

// ExportOptions converts the export section.
func (c *Config) ExportOptions() export.Options {
	return export.Options{
		CasePrefix:  c.Export.CasePrefix,
		ChannelName: c.Export.ChannelName,
		LabelName:   c.Export.LabelName,
		DatasetName: c.Export.DatasetName,
	}
}

// QCOptions converts the qc section.
func (c *Config) QCOptions() visualization.Options {
	return visualization.Options{
		WindowMin: c.QC.WindowMin,
		WindowMax: c.QC.WindowMax,
		Quality:   c.QC.Quality,
	}
}
