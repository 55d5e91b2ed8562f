// Package pipeline runs the per-subject stages over a directory tree.
//
// A subject is any directory holding a preop or postop volume. Each stage
// reads fixed file names from the subject directory and writes one primary
// output next to them, so stages can be rerun independently:
//
//	register  preop, postop           -> postop_to_preop.tfm
//	subtract  preop, postop, tfm      -> diff.nii.gz
//	binarize  diff (preop)            -> burrhole_mask_autoannot.nii.gz
//	qc        preop, mask             -> qc/axial.jpg
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"burrholeprep/internal/apperr"
	"burrholeprep/internal/models"
	"burrholeprep/internal/storage"
	"burrholeprep/pkg/binarize"
	"burrholeprep/pkg/config"
	"burrholeprep/pkg/export"
	"burrholeprep/pkg/registration"
	"burrholeprep/pkg/subtraction"
	"burrholeprep/pkg/visualization"
)

// Stage names one per-subject processing step.
type Stage string

const (
	Register Stage = "register"
	Subtract Stage = "subtract"
	Binarize Stage = "binarize"
	QC       Stage = "qc"
)

// Stages lists the stages in execution order.
var Stages = []Stage{Register, Subtract, Binarize, QC}

// ParseStage maps a command name to a Stage.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Requires returns the files a subject must hold before the stage can run.
func (s Stage) Requires() []string {
	switch s {
	case Register:
		return []string{models.PreopFile, models.PostopFile}
	case Subtract:
		return []string{models.PreopFile, models.PostopFile, models.TransformFile}
	case Binarize:
		return []string{models.DiffFile}
	case QC:
		return []string{models.PreopFile, models.MaskFile}
	}
	return nil
}

// Output returns the file whose presence marks the stage as done.
func (s Stage) Output() string {
	switch s {
	case Register:
		return models.TransformFile
	case Subtract:
		return models.DiffFile
	case Binarize:
		return models.MaskFile
	case QC:
		return models.QCDir + "/" + string(visualization.Axial) + ".jpg"
	}
	return ""
}

// FindCases returns every directory under root holding at least one of the
// marker files, in lexical order. With no markers, preop and postop are used.
func FindCases(root string, markers ...string) ([]models.Case, error) {
	if len(markers) == 0 {
		markers = []string{models.PreopFile, models.PostopFile}
	}
	return storage.FindCases(root, storage.HasAny(markers...))
}

// Summary counts what a stage run did.
type Summary struct {
	Found     int
	Processed int
	Skipped   int
	Failed    int
}

// Runner executes stages over subject trees.
type Runner struct {
	// Config supplies the per-stage options
	Config *config.Config

	Logger *slog.Logger

	// Workers bounds the number of subjects processed at once
	Workers int

	// Overwrite reruns stages whose output already exists
	Overwrite bool
}

// NewRunner creates a runner using the processing section of cfg.
func NewRunner(cfg *config.Config, logger *slog.Logger) *Runner {
	return &Runner{
		Config:    cfg,
		Logger:    logger,
		Workers:   cfg.Processing.Workers,
		Overwrite: cfg.Processing.Overwrite,
	}
}

type caseFunc func(ctx context.Context, c models.Case, logger *slog.Logger) error

func (r *Runner) stageFunc(stage Stage) (caseFunc, error) {
	switch stage {
	case Register:
		opts := r.Config.RegistrationOptions()
		return func(ctx context.Context, c models.Case, logger *slog.Logger) error {
			return registration.RegisterCase(ctx, c, opts, logger)
		}, nil
	case Subtract:
		opts := r.Config.SubtractionOptions()
		return func(ctx context.Context, c models.Case, logger *slog.Logger) error {
			return subtraction.SubtractCase(ctx, c, opts, logger)
		}, nil
	case Binarize:
		opts := r.Config.BinarizeOptions()
		return func(ctx context.Context, c models.Case, logger *slog.Logger) error {
			return binarize.BinarizeCase(ctx, c, opts, logger)
		}, nil
	case QC:
		opts := r.Config.QCOptions()
		return func(ctx context.Context, c models.Case, logger *slog.Logger) error {
			return visualization.QCCase(ctx, c, opts, logger)
		}, nil
	}
	return nil, fmt.Errorf("unknown stage %q", stage)
}

// Run applies stage to every subject under root. A subject whose output
// already exists is skipped unless Overwrite is set. Failures do not stop
// other subjects; they are returned joined once all scheduled subjects are
// done. Cancelling ctx stops scheduling new subjects.
func (r *Runner) Run(ctx context.Context, stage Stage, root string) (Summary, error) {
	fn, err := r.stageFunc(stage)
	if err != nil {
		return Summary{}, err
	}
	cases, err := FindCases(root)
	if err != nil {
		return Summary{}, err
	}
	if len(cases) == 0 {
		return Summary{}, fmt.Errorf("%w: no subject directories with %s or %s under %s",
			apperr.ErrMissingInput, models.PreopFile, models.PostopFile, root)
	}

	sum := Summary{Found: len(cases)}
	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(c models.Case, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			sum.Failed++
			errs = append(errs, fmt.Errorf("%s %s: %w", stage, c.Name(), err))
			return
		}
		sum.Processed++
	}

	var g errgroup.Group
	g.SetLimit(max(1, r.Workers))
	for _, c := range cases {
		if ctx.Err() != nil {
			break
		}
		logger := r.Logger.With("stage", string(stage), "case", c.Name())
		if !r.Overwrite && storage.Exists(c.Path(stage.Output())) {
			logger.Debug("output exists, skipping", "output", stage.Output())
			mu.Lock()
			sum.Skipped++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			if err := checkRequired(c, stage.Requires()); err != nil {
				logger.Error("subject incomplete", "error", err)
				record(c, err)
				return nil
			}
			start := time.Now()
			err := fn(ctx, c, logger)
			if err != nil {
				logger.Error("stage failed", "error", err)
			} else {
				logger.Debug("stage done", "elapsed", time.Since(start).Round(time.Millisecond))
			}
			record(c, err)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	r.Logger.Info("stage finished", "stage", string(stage), "found", sum.Found,
		"processed", sum.Processed, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum, errors.Join(errs...)
}

func checkRequired(c models.Case, names []string) error {
	var errs []error
	for _, n := range names {
		if !storage.Exists(c.Path(n)) {
			errs = append(errs, fmt.Errorf("%w: %s", apperr.ErrMissingInput, c.Path(n)))
		}
	}
	return errors.Join(errs...)
}

// RunAll runs register, subtract and binarize over src, then exports the
// result to dst. It stops at the first stage with failures.
func (r *Runner) RunAll(ctx context.Context, src, dst string) error {
	for _, stage := range []Stage{Register, Subtract, Binarize} {
		if _, err := r.Run(ctx, stage, src); err != nil {
			return err
		}
	}
	_, err := export.Export(ctx, src, dst, r.Config.ExportOptions(), r.Logger.With("stage", "export"))
	return err
}
