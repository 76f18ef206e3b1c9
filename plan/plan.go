// Package plan turns resolved references into the ordered, de-duplicated
// list of transfers of one export request.
package plan

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/caio-sobreiro/rtexport/resolve"
	"github.com/caio-sobreiro/rtexport/types"
)

// DataType classifies what a transfer carries.
type DataType int

const (
	Examination DataType = iota
	Structure
	Plan
	Dose
	Registration
	RegisteredImage
)

func (d DataType) String() string {
	switch d {
	case Examination:
		return "Examination"
	case Structure:
		return "Structure"
	case Plan:
		return "Plan"
	case Dose:
		return "Dose"
	case Registration:
		return "Registration"
	case RegisteredImage:
		return "Registered Image"
	default:
		return "Unknown"
	}
}

// Scope is what a transfer retrieves: a SeriesScope or an InstanceScope.
type Scope interface {
	// RouteKey is the UID received objects are matched on.
	RouteKey() string
	scope()
}

// SeriesScope retrieves a whole series.
type SeriesScope struct {
	Study  string
	Series string
}

// InstanceScope retrieves one instance.
type InstanceScope struct {
	Study       string
	Series      string
	SOPInstance string
}

func (s SeriesScope) RouteKey() string   { return s.Series }
func (s InstanceScope) RouteKey() string { return s.SOPInstance }
func (SeriesScope) scope()               {}
func (InstanceScope) scope()             {}

// PendingTransfer is one retrieve of an export request.
type PendingTransfer struct {
	Scope       Scope
	Destination string
	DataType    DataType
	Label       string
}

// RegisteredImagesFolder is the exam subfolder holding registered source images.
const RegisteredImagesFolder = "RegisteredImages"

// Planner lays transfers out under an export root.
type Planner struct {
	Root string
}

// ExamFolder returns <root>/<patientFolder>/<course>/<exam> for a request.
func (p *Planner) ExamFolder(req *types.ExportRequest, patientFolder string) string {
	return filepath.Join(p.Root,
		SanitizeFolderName(patientFolder),
		SanitizeFolderName(req.CourseName),
		SanitizeFolderName(req.Exam.Name))
}

// Collect converts res into transfers, in the order examination, structures,
// plans, doses, registrations, registered images. A series or instance is
// never queued twice.
func (p *Planner) Collect(res *resolve.Resolution, req *types.ExportRequest, patientFolder string) []PendingTransfer {
	examFolder := p.ExamFolder(req, patientFolder)
	label := func(d DataType) string { return SanitizeFolderName(patientFolder) + ": " + d.String() }

	seen := make(map[string]bool)
	var out []PendingTransfer
	add := func(t resolve.Target, d DataType, destination string) {
		var scope Scope
		var key string
		if t.SOPInstanceUID != "" {
			scope = InstanceScope{Study: t.StudyInstanceUID, Series: t.SeriesInstanceUID, SOPInstance: t.SOPInstanceUID}
			key = "instance:" + t.SOPInstanceUID
		} else {
			scope = SeriesScope{Study: t.StudyInstanceUID, Series: t.SeriesInstanceUID}
			key = "series:" + t.SeriesInstanceUID
		}
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, PendingTransfer{Scope: scope, Destination: destination, DataType: d, Label: label(d)})
	}

	if res.Examination != nil {
		add(*res.Examination, Examination, examFolder)
	}
	for _, t := range res.Structures {
		add(t, Structure, examFolder)
	}
	for _, t := range res.Plans {
		add(t, Plan, examFolder)
	}
	for _, t := range res.Doses {
		add(t, Dose, examFolder)
	}
	for _, t := range res.Registrations {
		add(t, Registration, examFolder)
	}
	for _, t := range res.RegisteredImages {
		add(t, RegisteredImage, filepath.Join(examFolder, RegisteredImagesFolder, SanitizeFolderName(t.SourceExam)))
	}
	return out
}

// SanitizeFolderName replaces characters that are invalid in file names on
// common platforms with '_' and trims surrounding whitespace. Names that
// would not form a path level of their own ("", "." and "..") become "_".
func SanitizeFolderName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	switch name {
	case "", ".", "..":
		return "_"
	}
	return name
}
