package types

import "strings"

// Modality values the export cares about
const (
	ModalityCT                  = "CT"
	ModalityMR                  = "MR"
	ModalityPT                  = "PT"
	ModalityPET                 = "PET"
	ModalityRTStruct            = "RTSTRUCT"
	ModalityRTPlan              = "RTPLAN"
	ModalityRTDose              = "RTDOSE"
	ModalityRTImage             = "RTIMAGE"
	ModalityREG                 = "REG"
	ModalitySpatialRegistration = "SPATIAL REGISTRATION"
)

// IsRegistrationModality reports whether a series modality holds spatial registrations.
func IsRegistrationModality(modality string) bool {
	m := strings.ToUpper(strings.TrimSpace(modality))
	return m == ModalityREG || m == ModalitySpatialRegistration
}

// NormalizeModality folds equivalent modality spellings together (PET is stored as PT).
func NormalizeModality(modality string) string {
	m := strings.ToUpper(strings.TrimSpace(modality))
	if m == ModalityPET {
		return ModalityPT
	}
	return m
}

// Examination identifies one image set of a patient.
type Examination struct {
	Name                string `yaml:"name"`
	Modality            string `yaml:"modality"`
	StudyInstanceUID    string `yaml:"studyInstanceUID"`
	SeriesInstanceUID   string `yaml:"seriesInstanceUID"`
	FrameOfReferenceUID string `yaml:"frameOfReferenceUID"`
}

// IsCBCT guesses whether the examination is a cone-beam CT. Nothing in the
// query results distinguishes CBCT from CT, so the examination name is used.
func (e Examination) IsCBCT() bool {
	return strings.Contains(strings.ToLower(e.Name), "cbct")
}

// PlanRef is a treatment plan referencing the exported examination.
type PlanRef struct {
	Name                string   `yaml:"name"`
	SOPInstanceUID      string   `yaml:"sopInstanceUID"`
	SeriesInstanceUID   string   `yaml:"seriesInstanceUID"`
	DoseSOPInstanceUIDs []string `yaml:"doseSOPInstanceUIDs"`
}

// RegistrationLink describes a spatial registration between two frames of reference.
type RegistrationLink struct {
	Name                 string `yaml:"name"`
	RegistrationUID      string `yaml:"registrationUID"`
	FromFrameOfReference string `yaml:"fromFrameOfReference"`
	ToFrameOfReference   string `yaml:"toFrameOfReference"`
}

// Usable reports whether both ends of the link are known.
func (l RegistrationLink) Usable() bool {
	return strings.TrimSpace(l.FromFrameOfReference) != "" && strings.TrimSpace(l.ToFrameOfReference) != ""
}

// ExportRequest identifies one examination to export together with everything
// needed to resolve its dependent objects. It is not modified during a run.
type ExportRequest struct {
	MRN             string             `yaml:"mrn"`
	PatientName     string             `yaml:"patientName"`
	CourseName      string             `yaml:"course"`
	Exam            Examination        `yaml:"exam"`
	StructureSetUID string             `yaml:"structureSetUID"`
	Plans           []PlanRef          `yaml:"plans"`
	OtherExams      []Examination      `yaml:"otherExams"`
	Registrations   []RegistrationLink `yaml:"registrations"`
}

// PlanSeriesUIDs returns the set of series holding the associated plans.
func (r *ExportRequest) PlanSeriesUIDs() map[string]bool {
	set := make(map[string]bool, len(r.Plans))
	for _, p := range r.Plans {
		if p.SeriesInstanceUID != "" {
			set[p.SeriesInstanceUID] = true
		}
	}
	return set
}

// DoseSOPInstanceUIDs returns the set of dose objects referenced by the associated plans.
func (r *ExportRequest) DoseSOPInstanceUIDs() map[string]bool {
	set := make(map[string]bool)
	for _, p := range r.Plans {
		for _, uid := range p.DoseSOPInstanceUIDs {
			if uid != "" {
				set[uid] = true
			}
		}
	}
	return set
}

// DataTypeToggles selects which kinds of objects an export includes.
type DataTypeToggles struct {
	Examination  bool `yaml:"examination"`
	Structure    bool `yaml:"structure"`
	Plan         bool `yaml:"plan"`
	Dose         bool `yaml:"dose"`
	Registration bool `yaml:"registration"`
}

// RegistrationModalities selects which registered source images qualify.
type RegistrationModalities struct {
	CT   bool `yaml:"ct"`
	MR   bool `yaml:"mr"`
	PET  bool `yaml:"pet"`
	CBCT bool `yaml:"cbct"`
}

// Allows reports whether a source examination may be exported as a registered image.
func (m RegistrationModalities) Allows(exam Examination) bool {
	if exam.IsCBCT() {
		return m.CBCT
	}
	switch NormalizeModality(exam.Modality) {
	case ModalityCT:
		return m.CT
	case ModalityMR:
		return m.MR
	case ModalityPT:
		return m.PET
	default:
		return false
	}
}
