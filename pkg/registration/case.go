package registration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"burrholeprep/internal/models"
	"burrholeprep/internal/storage"
	"burrholeprep/pkg/interpolation"
	"burrholeprep/pkg/nifti"
	"burrholeprep/pkg/resample"
	"burrholeprep/pkg/transform"
)

// CaseOptions controls RegisterCase.
type CaseOptions struct {
	Registration Options

	// SaveResampled writes postop resampled into preop space
	SaveResampled bool

	// SaveMetrics writes a YAML report with the quality measures
	SaveMetrics bool
}

// Report is the content of the metrics file written next to the transform.
type Report struct {
	Transform       string    `yaml:"transform"`
	Parameters      []float64 `yaml:"parameters"`
	FixedParameters []float64 `yaml:"fixedParameters"`
	Levels          []Level   `yaml:"levels"`
	Quality         Quality   `yaml:"quality"`
	Coverage        float64   `yaml:"coverage"`
	Seconds         float64   `yaml:"seconds"`
}

// RegisterCase registers the postop volume of c to its preop volume and
// writes the transform file, plus the optional resampled volume and report.
func RegisterCase(ctx context.Context, c models.Case, opts CaseOptions, logger *slog.Logger) error {
	start := time.Now()
	fixed, _, err := nifti.Read(c.Path(models.PreopFile))
	if err != nil {
		return err
	}
	moving, _, err := nifti.Read(c.Path(models.PostopFile))
	if err != nil {
		return err
	}

	res, err := Register(ctx, fixed, moving, opts.Registration)
	if err != nil {
		return fmt.Errorf("register %s: %w", c.Name(), err)
	}
	for i, l := range res.Levels {
		logger.Debug("registration level finished",
			"level", i, "shrink", l.ShrinkFactor, "samples", l.Samples,
			"evaluations", l.Evaluations, "mi", l.MutualInfo, "status", l.Status)
	}

	if err := transform.Write(c.Path(models.TransformFile), res.Transform); err != nil {
		return err
	}

	if !opts.SaveResampled && !opts.SaveMetrics {
		logger.Info("registration finished", "elapsed", time.Since(start).Round(time.Millisecond))
		return nil
	}

	resampled, stats, err := resample.Resample(fixed, moving, res.Transform, resample.Options{Method: interpolation.Linear})
	if err != nil {
		return fmt.Errorf("resample %s: %w", c.Name(), err)
	}
	if opts.SaveResampled {
		if err := nifti.Write(c.Path(models.ResampledFile), resampled, nifti.Float32); err != nil {
			return err
		}
	}

	q := Assess(fixed, resampled, res.FixedMask)
	if opts.SaveMetrics {
		report := Report{
			Transform:       res.Transform.Kind(),
			Parameters:      res.Transform.Parameters(),
			FixedParameters: res.Transform.FixedParameters(),
			Levels:          res.Levels,
			Quality:         q,
			Coverage:        stats.Coverage(),
			Seconds:         time.Since(start).Seconds(),
		}
		if err := writeReport(c.Path(models.RegMetricsFile), report); err != nil {
			return err
		}
	}

	logger.Info("registration finished",
		"mi", q.MutualInformation, "rmse", q.RMSE, "correlation", q.Correlation,
		"coverage", stats.Coverage(), "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func writeReport(path string, r Report) error {
	return storage.WriteFile(path, func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		return enc.Close()
	})
}

// ReadReport loads a metrics file written by RegisterCase.
func ReadReport(r io.Reader) (*Report, error) {
	var rep Report
	if err := yaml.NewDecoder(r).Decode(&rep); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &rep, nil
}
