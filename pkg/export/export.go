// Package export lays out preop volumes and burr-hole masks as an nnU-Net v2
// raw dataset:
//
//	<dst>/imagesTr/<prefix>_<NNNN>_0000.nii.gz
//	<dst>/labelsTr/<prefix>_<NNNN>.nii.gz
//	<dst>/dataset.json
//	<dst>/case_mapping.json
//
// Case numbers follow the lexical order of subject directories under the
// source root. Re-running an export over unchanged inputs leaves the target
// tree byte-identical.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"burrholeprep/internal/apperr"
	"burrholeprep/internal/models"
	"burrholeprep/internal/storage"
)

// Layout names inside the target directory.
const (
	ImagesDir   = "imagesTr"
	LabelsDir   = "labelsTr"
	DatasetFile = "dataset.json"
	MappingFile = "case_mapping.json"
	FileEnding  = ".nii.gz"
)

// Options controls naming inside the dataset.
type Options struct {
	// CasePrefix starts every case identifier, e.g. "case" gives case_0000
	CasePrefix string

	// ChannelName is the name of channel 0 in dataset.json
	ChannelName string

	// LabelName is the name of label 1 in dataset.json
	LabelName string

	// DatasetName is written as "name" in dataset.json when set
	DatasetName string
}

// DefaultOptions returns the default dataset naming.
func DefaultOptions() Options {
	return Options{CasePrefix: "case", ChannelName: "CT", LabelName: "burrhole"}
}

// Subject pairs a case identifier with its source directory.
type Subject struct {
	ID   string
	Case models.Case
}

// Summary reports what an export changed.
type Summary struct {
	Subjects  int
	Copied    int
	Unchanged int
	Removed   int
}

// dataset is dataset.json. Field order is the on-disk key order.
type dataset struct {
	Name                       string            `json:"name,omitempty"`
	ChannelNames               map[string]string `json:"channel_names"`
	Labels                     map[string]int    `json:"labels"`
	NumTraining                int               `json:"numTraining"`
	FileEnding                 string            `json:"file_ending"`
	OverwriteImageReaderWriter string            `json:"overwrite_image_reader_writer"`
	Modality                   map[string]string `json:"modality"`
}

// Plan finds the subjects under src and assigns case identifiers. A
// directory holding only one of preop and mask is an error naming the
// missing file, and no plan is returned.
func Plan(src, dst string, opts Options) ([]Subject, error) {
	cases, err := storage.FindCases(src, storage.HasAny(models.PreopFile, models.MaskFile))
	if err != nil {
		return nil, err
	}
	absDst, _ := filepath.Abs(dst)

	var errs []error
	var subjects []Subject
	for _, c := range cases {
		if absDst != "" && (c.Dir == absDst || strings.HasPrefix(c.Dir, absDst+string(os.PathSeparator))) {
			continue
		}
		for _, name := range []string{models.PreopFile, models.MaskFile} {
			if !storage.Exists(c.Path(name)) {
				errs = append(errs, fmt.Errorf("%w: subject %s has no %s", apperr.ErrMissingInput, c.Name(), name))
			}
		}
		subjects = append(subjects, Subject{
			ID:   fmt.Sprintf("%s_%04d", opts.CasePrefix, len(subjects)),
			Case: c,
		})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return subjects, nil
}

// Export publishes every subject under src into the dataset at dst.
func Export(ctx context.Context, src, dst string, opts Options, logger *slog.Logger) (Summary, error) {
	subjects, err := Plan(src, dst, opts)
	if err != nil {
		return Summary{}, err
	}
	if len(subjects) == 0 {
		return Summary{}, fmt.Errorf("%w: no subject directories with %s or %s under %s",
			apperr.ErrMissingInput, models.PreopFile, models.MaskFile, src)
	}

	sum := Summary{Subjects: len(subjects)}
	keep := map[string]bool{}
	for _, s := range subjects {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		pairs := [][2]string{
			{s.Case.Path(models.PreopFile), filepath.Join(dst, ImagesDir, s.ID+"_0000"+FileEnding)},
			{s.Case.Path(models.MaskFile), filepath.Join(dst, LabelsDir, s.ID+FileEnding)},
		}
		for _, p := range pairs {
			keep[p[1]] = true
			copied, err := publish(p[0], p[1])
			if err != nil {
				return sum, err
			}
			if copied {
				sum.Copied++
			} else {
				sum.Unchanged++
			}
		}
		logger.Debug("subject exported", "id", s.ID, "case", s.Case.Name())
	}

	for _, dir := range []string{ImagesDir, LabelsDir} {
		n, err := removeStale(filepath.Join(dst, dir), opts.CasePrefix+"_", keep)
		if err != nil {
			return sum, err
		}
		sum.Removed += n
	}

	if err := writeJSON(filepath.Join(dst, DatasetFile), newDataset(opts, len(subjects))); err != nil {
		return sum, err
	}
	mapping := make(map[string]string, len(subjects))
	for _, s := range subjects {
		mapping[s.ID] = filepath.ToSlash(s.Case.Rel)
	}
	if err := writeJSON(filepath.Join(dst, MappingFile), mapping); err != nil {
		return sum, err
	}

	logger.Info("export finished", "subjects", sum.Subjects, "copied", sum.Copied,
		"unchanged", sum.Unchanged, "removed", sum.Removed)
	return sum, nil
}

func newDataset(opts Options, n int) dataset {
	return dataset{
		Name:                       opts.DatasetName,
		ChannelNames:               map[string]string{"0": opts.ChannelName},
		Labels:                     map[string]int{"background": 0, opts.LabelName: 1},
		NumTraining:                n,
		FileEnding:                 FileEnding,
		OverwriteImageReaderWriter: "SimpleITKIO",
		Modality:                   map[string]string{"0": opts.ChannelName},
	}
}

// publish copies src to dst unless dst already has the same content.
func publish(src, dst string) (bool, error) {
	same, err := storage.SameContent(src, dst)
	if err != nil {
		return false, err
	}
	if same {
		return false, nil
	}
	if err := storage.CopyFile(src, dst); err != nil {
		return false, err
	}
	return true, nil
}

// removeStale deletes files in dir starting with prefix that are not in keep.
func removeStale(dir, prefix string, keep map[string]bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("export: list %s: %w", dir, err)
	}
	n := 0
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if !e.Type().IsRegular() || !strings.HasPrefix(e.Name(), prefix) || keep[p] {
			continue
		}
		if err := os.Remove(p); err != nil {
			return n, fmt.Errorf("export: remove stale %s: %w", p, err)
		}
		n++
	}
	return n, nil
}

// writeJSON writes v as indented JSON unless the file already holds exactly those bytes.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("export: encode %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	if old, err := os.ReadFile(path); err == nil && bytes.Equal(old, data) {
		return nil
	}
	return storage.WriteBytes(path, data)
}
