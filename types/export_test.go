package types

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegistrationModalities_Allows(t *testing.T) {
	tests := []struct {
		name    string
		toggles RegistrationModalities
		exam    Examination
		want    bool
	}{
		{"CT allowed", RegistrationModalities{CT: true}, Examination{Name: "CT1", Modality: "CT"}, true},
		{"CT not allowed", RegistrationModalities{MR: true}, Examination{Name: "CT1", Modality: "CT"}, false},
		{"PET spelled PET", RegistrationModalities{PET: true}, Examination{Name: "PET1", Modality: "PET"}, true},
		{"PET spelled PT", RegistrationModalities{PET: true}, Examination{Name: "PET1", Modality: "pt"}, true},
		{"CBCT excluded by default", RegistrationModalities{CT: true}, Examination{Name: "CBCT_01", Modality: "CT"}, false},
		{"CBCT included", RegistrationModalities{CBCT: true}, Examination{Name: "Fx3 cbct", Modality: "CT"}, true},
		{"unknown modality", RegistrationModalities{CT: true, MR: true, PET: true}, Examination{Name: "US", Modality: "US"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.toggles.Allows(tt.exam); got != tt.want {
				t.Errorf("Allows(%+v) = %v, want %v", tt.exam, got, tt.want)
			}
		})
	}
}

func TestRegistrationLink_Usable(t *testing.T) {
	tests := []struct {
		link RegistrationLink
		want bool
	}{
		{RegistrationLink{FromFrameOfReference: "1.2", ToFrameOfReference: "1.3"}, true},
		{RegistrationLink{FromFrameOfReference: "", ToFrameOfReference: "1.3"}, false},
		{RegistrationLink{FromFrameOfReference: "1.2", ToFrameOfReference: "  "}, false},
	}
	for _, tt := range tests {
		if got := tt.link.Usable(); got != tt.want {
			t.Errorf("Usable(%+v) = %v, want %v", tt.link, got, tt.want)
		}
	}
}

func TestExportRequest_ReferenceSets(t *testing.T) {
	req := &ExportRequest{
		Plans: []PlanRef{
			{Name: "P1", SeriesInstanceUID: "1.1", DoseSOPInstanceUIDs: []string{"D1", "D2"}},
			{Name: "P2", SeriesInstanceUID: "1.1", DoseSOPInstanceUIDs: []string{"D2", ""}},
			{Name: "P3"},
		},
	}

	if diff := cmp.Diff(map[string]bool{"1.1": true}, req.PlanSeriesUIDs()); diff != "" {
		t.Errorf("PlanSeriesUIDs() mismatch (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]bool{"D1": true, "D2": true}, req.DoseSOPInstanceUIDs()); diff != "" {
		t.Errorf("DoseSOPInstanceUIDs() mismatch (-want, +got):\n%s", diff)
	}
}

func TestModalityHelpers(t *testing.T) {
	if !IsRegistrationModality("reg") {
		t.Error("IsRegistrationModality(reg) = false")
	}
	if !IsRegistrationModality("SPATIAL REGISTRATION") {
		t.Error("IsRegistrationModality(SPATIAL REGISTRATION) = false")
	}
	if IsRegistrationModality("RTSTRUCT") {
		t.Error("IsRegistrationModality(RTSTRUCT) = true")
	}
	if got := NormalizeModality(" pet "); got != ModalityPT {
		t.Errorf("NormalizeModality(pet) = %q, want PT", got)
	}
}
