package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/caio-sobreiro/rtexport/dicom"
	"github.com/caio-sobreiro/rtexport/interfaces"
	"github.com/caio-sobreiro/rtexport/types"
)

// attributes are the keys the archive matches on and returns.
var attributes = []dicom.Tag{
	tag.PatientID,
	tag.PatientName,
	tag.StudyInstanceUID,
	tag.StudyDate,
	tag.StudyDescription,
	tag.SeriesInstanceUID,
	tag.Modality,
	tag.SeriesDescription,
	tag.FrameOfReferenceUID,
	tag.SOPInstanceUID,
	tag.SOPClassUID,
}

// matchKeys narrow a query or retrieve when present in the identifier.
var matchKeys = []dicom.Tag{
	tag.PatientID,
	tag.StudyInstanceUID,
	tag.SeriesInstanceUID,
	tag.SOPInstanceUID,
	tag.Modality,
}

type record struct {
	values   map[dicom.Tag]string
	instance interfaces.StoredInstance
}

// dirSource serves the Part 10 files found under a directory.
type dirSource struct {
	records []record
}

func loadDir(root string, logger *slog.Logger) (*dirSource, error) {
	src := &dirSource{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rec, err := readRecord(path)
		if err != nil {
			logger.Warn("Skipping file", "path", path, "error", err)
			return nil
		}
		src.records = append(src.records, rec)
		logger.Debug("Loaded DICOM instance",
			"path", path,
			"sop_instance", rec.instance.SOPInstanceUID,
			"modality", rec.values[tag.Modality])
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", root, err)
	}
	return src, nil
}

func readRecord(path string) (record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return record{}, err
	}
	meta, data, err := dicom.ReadPart10(raw)
	if err != nil {
		return record{}, err
	}
	ds, err := dicom.ParseDataset(data, meta.TransferSyntaxUID)
	if err != nil {
		return record{}, err
	}

	values := make(map[dicom.Tag]string, len(attributes))
	for _, t := range attributes {
		values[t] = ds.GetString(t)
	}
	if values[tag.SOPInstanceUID] == "" {
		values[tag.SOPInstanceUID] = meta.MediaStorageSOPInstanceUID
	}
	if values[tag.SOPClassUID] == "" {
		values[tag.SOPClassUID] = meta.MediaStorageSOPClassUID
	}
	if values[tag.SOPInstanceUID] == "" || values[tag.SeriesInstanceUID] == "" || values[tag.StudyInstanceUID] == "" {
		return record{}, errors.New("missing study, series or SOP instance UID")
	}

	return record{
		values: values,
		instance: interfaces.StoredInstance{
			SOPClassUID:       values[tag.SOPClassUID],
			SOPInstanceUID:    values[tag.SOPInstanceUID],
			StudyInstanceUID:  values[tag.StudyInstanceUID],
			SeriesInstanceUID: values[tag.SeriesInstanceUID],
			TransferSyntaxUID: meta.TransferSyntaxUID,
			Dataset:           data,
		},
	}, nil
}

// SOPClasses returns the storage SOP classes of the loaded instances.
func (s *dirSource) SOPClasses() []string {
	seen := make(map[string]bool)
	var classes []string
	for _, r := range s.records {
		uid := r.instance.SOPClassUID
		if uid != "" && !seen[uid] {
			seen[uid] = true
			classes = append(classes, uid)
		}
	}
	sort.Strings(classes)
	return classes
}

func levelKey(level string) (dicom.Tag, error) {
	switch types.QueryLevel(strings.ToUpper(strings.TrimSpace(level))) {
	case types.QueryLevelPatient:
		return tag.PatientID, nil
	case types.QueryLevelStudy:
		return tag.StudyInstanceUID, nil
	case types.QueryLevelSeries:
		return tag.SeriesInstanceUID, nil
	case types.QueryLevelImage:
		return tag.SOPInstanceUID, nil
	default:
		return dicom.Tag{}, fmt.Errorf("unsupported query level %q", level)
	}
}

func (r record) matches(identifier *dicom.Dataset) bool {
	for _, t := range matchKeys {
		want := identifier.GetString(t)
		if want == "" || want == "*" {
			continue
		}
		if !strings.EqualFold(want, r.values[t]) {
			return false
		}
	}
	return true
}

func (s *dirSource) Match(ctx context.Context, level string, identifier *dicom.Dataset) ([]*dicom.Dataset, error) {
	key, err := levelKey(level)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []*dicom.Dataset
	for _, r := range s.records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !r.matches(identifier) || seen[r.values[key]] {
			continue
		}
		seen[r.values[key]] = true

		ds := dicom.NewDataset()
		ds.AddElement(tag.QueryRetrieveLevel, dicom.VR_CS, level)
		for _, t := range identifier.SortedTags() {
			if value, ok := r.values[t]; ok {
				ds.AddElement(t, dicom.LookupVR(t), value)
			}
		}
		out = append(out, ds)
	}
	return out, nil
}

func (s *dirSource) Retrieve(ctx context.Context, level string, identifier *dicom.Dataset) ([]interfaces.StoredInstance, error) {
	if _, err := levelKey(level); err != nil {
		return nil, err
	}
	var out []interfaces.StoredInstance
	for _, r := range s.records {
		if r.matches(identifier) {
			out = append(out, r.instance)
		}
	}
	return out, nil
}
