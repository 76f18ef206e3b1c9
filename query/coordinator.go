// Package query materializes the study, series and instance records of a
// patient from a remote archive.
package query

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/caio-sobreiro/rtexport/dicom"
	dicomerrors "github.com/caio-sobreiro/rtexport/errors"
	"github.com/caio-sobreiro/rtexport/types"
)

// Finder runs one C-FIND against the archive.
type Finder interface {
	Find(ctx context.Context, level types.QueryLevel, identifier *dicom.Dataset) ([]*dicom.Dataset, error)
}

// Coordinator issues the hierarchical queries of an export. Each study or
// series is queried on its own.
type Coordinator struct {
	finder Finder
	logger *slog.Logger
}

// NewCoordinator returns a Coordinator querying through finder.
func NewCoordinator(finder Finder, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{finder: finder, logger: logger}
}

// FindStudies returns the studies of a patient. A failed query is reported
// as errors.ErrNoStudies; zero matches is not an error.
func (c *Coordinator) FindStudies(ctx context.Context, patientID string) ([]types.StudyRecord, error) {
	identifier := dicom.NewDataset()
	identifier.AddElement(tag.QueryRetrieveLevel, dicom.VR_CS, string(types.QueryLevelStudy))
	identifier.AddElement(tag.PatientID, dicom.VR_LO, patientID)
	identifier.AddElement(tag.StudyInstanceUID, dicom.VR_UI, "")
	identifier.AddElement(tag.StudyDate, dicom.VR_DA, "")
	identifier.AddElement(tag.StudyDescription, dicom.VR_LO, "")

	matches, err := c.finder.Find(ctx, types.QueryLevelStudy, identifier)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: patient %s: %w", dicomerrors.ErrNoStudies, patientID, err)
	}

	seen := make(map[string]bool, len(matches))
	studies := make([]types.StudyRecord, 0, len(matches))
	for _, m := range matches {
		uid := m.GetString(tag.StudyInstanceUID)
		if uid == "" || seen[uid] {
			continue
		}
		if returned := m.GetString(tag.PatientID); returned != "" && returned != patientID {
			c.logger.WarnContext(ctx, "Ignoring study of another patient",
				"patient_id", patientID,
				"returned_patient_id", returned,
				"study_instance_uid", uid)
			continue
		}
		seen[uid] = true
		studies = append(studies, types.StudyRecord{
			PatientID:        patientID,
			StudyInstanceUID: uid,
			StudyDate:        m.GetString(tag.StudyDate),
			StudyDescription: m.GetString(tag.StudyDescription),
		})
	}

	c.logger.DebugContext(ctx, "Studies found", "patient_id", patientID, "studies", len(studies))
	return studies, nil
}

// FindSeries returns the series of every study. A study whose query fails
// contributes nothing; only cancellation is returned as an error.
func (c *Coordinator) FindSeries(ctx context.Context, studies []types.StudyRecord) ([]types.SeriesRecord, error) {
	seen := make(map[string]bool)
	var series []types.SeriesRecord

	for _, study := range studies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		identifier := dicom.NewDataset()
		identifier.AddElement(tag.QueryRetrieveLevel, dicom.VR_CS, string(types.QueryLevelSeries))
		identifier.AddElement(tag.StudyInstanceUID, dicom.VR_UI, study.StudyInstanceUID)
		identifier.AddElement(tag.SeriesInstanceUID, dicom.VR_UI, "")
		identifier.AddElement(tag.Modality, dicom.VR_CS, "")
		identifier.AddElement(tag.SeriesDescription, dicom.VR_LO, "")

		matches, err := c.finder.Find(ctx, types.QueryLevelSeries, identifier)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.WarnContext(ctx, "Series query failed", "study_instance_uid", study.StudyInstanceUID, "error", err)
			continue
		}

		for _, m := range matches {
			uid := m.GetString(tag.SeriesInstanceUID)
			if uid == "" || seen[uid] {
				continue
			}
			seen[uid] = true
			studyUID := m.GetString(tag.StudyInstanceUID)
			if studyUID == "" {
				studyUID = study.StudyInstanceUID
			}
			series = append(series, types.SeriesRecord{
				StudyInstanceUID:  studyUID,
				SeriesInstanceUID: uid,
				Modality:          m.GetString(tag.Modality),
				SeriesDescription: m.GetString(tag.SeriesDescription),
			})
		}
	}
	return series, nil
}

// FindInstances returns the instances of every series, de-duplicated by SOP
// Instance UID. A series whose query fails contributes nothing; only
// cancellation is returned as an error.
func (c *Coordinator) FindInstances(ctx context.Context, series []types.SeriesRecord) ([]types.InstanceRecord, error) {
	seen := make(map[string]bool)
	var instances []types.InstanceRecord

	for _, s := range series {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		identifier := dicom.NewDataset()
		identifier.AddElement(tag.QueryRetrieveLevel, dicom.VR_CS, string(types.QueryLevelImage))
		identifier.AddElement(tag.StudyInstanceUID, dicom.VR_UI, s.StudyInstanceUID)
		identifier.AddElement(tag.SeriesInstanceUID, dicom.VR_UI, s.SeriesInstanceUID)
		identifier.AddElement(tag.SOPInstanceUID, dicom.VR_UI, "")
		identifier.AddElement(tag.SOPClassUID, dicom.VR_UI, "")

		matches, err := c.finder.Find(ctx, types.QueryLevelImage, identifier)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.WarnContext(ctx, "Instance query failed", "series_instance_uid", s.SeriesInstanceUID, "error", err)
			continue
		}

		for _, m := range matches {
			uid := m.GetString(tag.SOPInstanceUID)
			if uid == "" || seen[uid] {
				continue
			}
			seen[uid] = true
			instances = append(instances, types.InstanceRecord{
				StudyInstanceUID:  s.StudyInstanceUID,
				SeriesInstanceUID: s.SeriesInstanceUID,
				SOPInstanceUID:    uid,
				SOPClassUID:       m.GetString(tag.SOPClassUID),
				Modality:          s.Modality,
			})
		}
	}
	return instances, nil
}
