// Package resolve decides which objects of a patient belong to an exported
// examination: its structure sets, plans, doses, registrations and the
// images those registrations map onto it.
package resolve

import (
	"context"
	"log/slog"
	"strings"

	"github.com/caio-sobreiro/rtexport/types"
)

// InstanceLookup lists the instances of series.
type InstanceLookup interface {
	FindInstances(ctx context.Context, series []types.SeriesRecord) ([]types.InstanceRecord, error)
}

// Target is a qualifying series, or a single instance of it when
// SOPInstanceUID is set.
type Target struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	Modality          string

	// SourceExam names the examination a registered image belongs to.
	SourceExam string
}

// Resolution partitions the objects to export for one request.
type Resolution struct {
	Examination      *Target
	Structures       []Target
	Plans            []Target
	Doses            []Target
	Registrations    []Target
	RegisteredImages []Target
}

// Empty reports whether nothing qualified.
func (r *Resolution) Empty() bool {
	return r.Examination == nil && len(r.Structures) == 0 && len(r.Plans) == 0 &&
		len(r.Doses) == 0 && len(r.Registrations) == 0 && len(r.RegisteredImages) == 0
}

// Options selects the data types and registered image modalities to export.
type Options struct {
	Toggles    types.DataTypeToggles
	Modalities types.RegistrationModalities
}

// Resolver computes Resolutions.
type Resolver struct {
	lookup InstanceLookup
	logger *slog.Logger
}

// New returns a Resolver that narrows series through lookup.
func New(lookup InstanceLookup, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{lookup: lookup, logger: logger}
}

func seriesTarget(s types.SeriesRecord) Target {
	return Target{
		StudyInstanceUID:  s.StudyInstanceUID,
		SeriesInstanceUID: s.SeriesInstanceUID,
		Modality:          s.Modality,
	}
}

func instanceTarget(i types.InstanceRecord) Target {
	return Target{
		StudyInstanceUID:  i.StudyInstanceUID,
		SeriesInstanceUID: i.SeriesInstanceUID,
		SOPInstanceUID:    i.SOPInstanceUID,
		Modality:          i.Modality,
	}
}

func byModality(series []types.SeriesRecord, match func(string) bool) []types.SeriesRecord {
	var out []types.SeriesRecord
	for _, s := range series {
		if match(strings.ToUpper(strings.TrimSpace(s.Modality))) {
			out = append(out, s)
		}
	}
	return out
}

func is(modality string) func(string) bool {
	return func(m string) bool { return m == modality }
}

// Resolve selects the objects of req found among series.
func (r *Resolver) Resolve(ctx context.Context, req *types.ExportRequest, series []types.SeriesRecord, opts Options) (*Resolution, error) {
	res := &Resolution{}
	logger := r.logger.With("exam", req.Exam.Name, "series_instance_uid", req.Exam.SeriesInstanceUID)

	if opts.Toggles.Examination {
		for _, s := range series {
			if s.SeriesInstanceUID == req.Exam.SeriesInstanceUID {
				t := seriesTarget(s)
				res.Examination = &t
				break
			}
		}
		if res.Examination == nil {
			logger.WarnContext(ctx, "Examination series not found in archive")
		}
	}

	var err error
	if opts.Toggles.Structure {
		if res.Structures, err = r.structures(ctx, req, byModality(series, is(types.ModalityRTStruct))); err != nil {
			return nil, err
		}
	}

	if opts.Toggles.Plan {
		planSeries := req.PlanSeriesUIDs()
		for _, s := range byModality(series, is(types.ModalityRTPlan)) {
			if planSeries[s.SeriesInstanceUID] {
				res.Plans = append(res.Plans, seriesTarget(s))
			}
		}
	}

	if opts.Toggles.Dose {
		if res.Doses, err = r.doses(ctx, req, byModality(series, is(types.ModalityRTDose))); err != nil {
			return nil, err
		}
	}

	if opts.Toggles.Registration {
		regSeries := byModality(series, types.IsRegistrationModality)
		if res.Registrations, res.RegisteredImages, err = r.registrations(ctx, req, regSeries, opts.Modalities); err != nil {
			return nil, err
		}
	}

	logger.DebugContext(ctx, "References resolved",
		"structures", len(res.Structures),
		"plans", len(res.Plans),
		"doses", len(res.Doses),
		"registrations", len(res.Registrations),
		"registered_images", len(res.RegisteredImages))
	return res, nil
}

// structures returns the structure set series. When the structure set UID is
// known, only the series holding that instance qualifies.
func (r *Resolver) structures(ctx context.Context, req *types.ExportRequest, candidates []types.SeriesRecord) ([]Target, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if req.StructureSetUID == "" {
		out := make([]Target, 0, len(candidates))
		for _, s := range candidates {
			out = append(out, seriesTarget(s))
		}
		return out, nil
	}

	instances, err := r.lookup.FindInstances(ctx, candidates)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.SOPInstanceUID != req.StructureSetUID {
			continue
		}
		for _, s := range candidates {
			if s.SeriesInstanceUID == inst.SeriesInstanceUID {
				return []Target{seriesTarget(s)}, nil
			}
		}
	}
	r.logger.WarnContext(ctx, "Structure set not found in archive", "structure_set_uid", req.StructureSetUID)
	return nil, nil
}

// doses returns the dose instances referenced by the request's plans.
// Unreferenced doses are dropped.
func (r *Resolver) doses(ctx context.Context, req *types.ExportRequest, candidates []types.SeriesRecord) ([]Target, error) {
	referenced := req.DoseSOPInstanceUIDs()
	if len(candidates) == 0 || len(referenced) == 0 {
		return nil, nil
	}

	instances, err := r.lookup.FindInstances(ctx, candidates)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []Target
	for _, inst := range instances {
		if !referenced[inst.SOPInstanceUID] || seen[inst.SOPInstanceUID] {
			continue
		}
		seen[inst.SOPInstanceUID] = true
		out = append(out, instanceTarget(inst))
	}
	return out, nil
}

// registrations qualifies the request's registration links and returns the
// registration objects to export plus the source images they register.
func (r *Resolver) registrations(ctx context.Context, req *types.ExportRequest, candidates []types.SeriesRecord, allowed types.RegistrationModalities) ([]Target, []Target, error) {
	primaryFoR := strings.TrimSpace(req.Exam.FrameOfReferenceUID)
	if primaryFoR == "" {
		r.logger.InfoContext(ctx, "Examination has no frame of reference, skipping registrations", "exam", req.Exam.Name)
		return nil, nil, nil
	}

	registrationUIDs := make(map[string]bool)
	seenImages := make(map[string]bool)
	var images []Target
	qualified := 0

	for _, link := range req.Registrations {
		if !link.Usable() || strings.TrimSpace(link.ToFrameOfReference) != primaryFoR {
			continue
		}

		var sources []types.Examination
		for _, exam := range req.OtherExams {
			if exam.FrameOfReferenceUID == link.FromFrameOfReference && allowed.Allows(exam) {
				sources = append(sources, exam)
			}
		}
		if len(sources) == 0 {
			continue
		}

		qualified++
		if link.RegistrationUID != "" {
			registrationUIDs[link.RegistrationUID] = true
		}
		for _, exam := range sources {
			if exam.SeriesInstanceUID == "" || exam.SeriesInstanceUID == req.Exam.SeriesInstanceUID || seenImages[exam.SeriesInstanceUID] {
				continue
			}
			seenImages[exam.SeriesInstanceUID] = true
			images = append(images, Target{
				StudyInstanceUID:  exam.StudyInstanceUID,
				SeriesInstanceUID: exam.SeriesInstanceUID,
				Modality:          exam.Modality,
				SourceExam:        exam.Name,
			})
		}
	}

	if qualified == 0 || len(candidates) == 0 {
		return nil, images, nil
	}

	// Without registration UIDs the whole registration series is exported.
	if len(registrationUIDs) == 0 {
		out := make([]Target, 0, len(candidates))
		for _, s := range candidates {
			out = append(out, seriesTarget(s))
		}
		return out, images, nil
	}

	instances, err := r.lookup.FindInstances(ctx, candidates)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]bool)
	var regs []Target
	for _, inst := range instances {
		if registrationUIDs[inst.SOPInstanceUID] && !seen[inst.SOPInstanceUID] {
			seen[inst.SOPInstanceUID] = true
			regs = append(regs, instanceTarget(inst))
		}
	}
	return regs, images, nil
}
