package dicom

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/caio-sobreiro/rtexport/types"
)

func patientNameDataset() []byte {
	data := []byte{0x10, 0x00, 0x10, 0x00, 'P', 'N', 0x04, 0x00}
	return append(data, []byte("TEST")...)
}

func TestWritePart10_RoundTrip(t *testing.T) {
	meta := FileMeta{
		MediaStorageSOPClassUID:    types.RTStructureSetStorage,
		MediaStorageSOPInstanceUID: "1.2.3.4.5",
		TransferSyntaxUID:          types.ExplicitVRLittleEndian,
		SourceAETitle:              "ARCHIVE",
	}
	dataset := patientNameDataset()

	var buf bytes.Buffer
	if err := WritePart10(&buf, meta, dataset); err != nil {
		t.Fatalf("WritePart10() error = %v", err)
	}
	if !HasPart10Header(buf.Bytes()) {
		t.Fatal("written file has no Part 10 header")
	}

	gotMeta, gotDataset, err := ReadPart10(buf.Bytes())
	if err != nil {
		t.Fatalf("ReadPart10() error = %v", err)
	}
	if diff := cmp.Diff(meta, gotMeta); diff != "" {
		t.Errorf("meta mismatch (-want, +got):\n%s", diff)
	}
	if !bytes.Equal(dataset, gotDataset) {
		t.Errorf("dataset = %x, want %x", gotDataset, dataset)
	}

	ds, err := ParseDataset(gotDataset, gotMeta.TransferSyntaxUID)
	if err != nil {
		t.Fatalf("ParseDataset() error = %v", err)
	}
	if got := ds.GetString(tag.PatientName); got != "TEST" {
		t.Errorf("PatientName = %q, want TEST", got)
	}
}

func TestWritePart10_RequiresTransferSyntax(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePart10(&buf, FileMeta{}, patientNameDataset()); err == nil {
		t.Error("expected error without transfer syntax")
	}
}

func TestStripPart10Header(t *testing.T) {
	var valid bytes.Buffer
	if err := WritePart10(&valid, FileMeta{TransferSyntaxUID: types.ImplicitVRLittleEndian}, patientNameDataset()); err != nil {
		t.Fatalf("WritePart10() error = %v", err)
	}

	noMeta := append(make([]byte, 128), []byte("DICM")...)
	noMeta = append(noMeta, patientNameDataset()...)

	wrongPrefix := make([]byte, 200)
	copy(wrongPrefix[128:132], "XXXX")

	tests := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{"with meta", valid.Bytes(), ""},
		{"empty meta", noMeta, ""},
		{"too short", []byte{0x01, 0x02, 0x03}, "too short"},
		{"missing prefix", make([]byte, 200), "missing DICM"},
		{"wrong prefix", wrongPrefix, "missing DICM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataset, err := StripPart10Header(tt.data)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("StripPart10Header() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("StripPart10Header() error = %v", err)
			}
			if !bytes.Equal(dataset, patientNameDataset()) {
				t.Errorf("dataset = %x", dataset)
			}
		})
	}
}

func TestHasPart10Header_RawDataset(t *testing.T) {
	if HasPart10Header(patientNameDataset()) {
		t.Error("Expected HasPart10Header to return false for raw dataset")
	}
}
