package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/caio-sobreiro/rtexport/dicom"
	"github.com/caio-sobreiro/rtexport/types"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	series, sop, modality, class, ts string
}

func writeFile(t *testing.T, dir string, f fixture) {
	t.Helper()
	ds := dicom.NewDataset()
	ds.AddElement(tag.SOPClassUID, dicom.VR_UI, f.class)
	ds.AddElement(tag.SOPInstanceUID, dicom.VR_UI, f.sop)
	ds.AddElement(tag.Modality, dicom.VR_CS, f.modality)
	ds.AddElement(tag.PatientID, dicom.VR_LO, "12345")
	ds.AddElement(tag.StudyInstanceUID, dicom.VR_UI, "1.2.3")
	ds.AddElement(tag.SeriesInstanceUID, dicom.VR_UI, f.series)
	data, err := ds.Encode(f.ts)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	meta := dicom.FileMeta{
		MediaStorageSOPClassUID:    f.class,
		MediaStorageSOPInstanceUID: f.sop,
		TransferSyntaxUID:          f.ts,
	}
	if err := dicom.WritePart10(&buf, meta, data); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, f.sop+".dcm"), buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func loadFixtures(t *testing.T) *dirSource {
	t.Helper()
	dir := t.TempDir()
	for _, f := range []fixture{
		{"1.2.3.1", "1.2.3.1.1", "CT", types.CTImageStorage, types.ExplicitVRLittleEndian},
		{"1.2.3.1", "1.2.3.1.2", "CT", types.CTImageStorage, types.ImplicitVRLittleEndian},
		{"1.2.3.2", "1.2.3.2.1", "RTSTRUCT", types.RTStructureSetStorage, types.ExplicitVRLittleEndian},
	} {
		writeFile(t, dir, f)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("not dicom"), 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := loadDir(dir, discard)
	if err != nil {
		t.Fatalf("loadDir: %v", err)
	}
	return src
}

func identifier(pairs ...any) *dicom.Dataset {
	ds := dicom.NewDataset()
	for i := 0; i < len(pairs); i += 2 {
		t := pairs[i].(dicom.Tag)
		ds.AddElement(t, dicom.LookupVR(t), pairs[i+1].(string))
	}
	return ds
}

func TestLoadDir(t *testing.T) {
	src := loadFixtures(t)
	if len(src.records) != 3 {
		t.Fatalf("loaded %d records, want 3", len(src.records))
	}
	want := []string{types.CTImageStorage, types.RTStructureSetStorage}
	if diff := cmp.Diff(want, src.SOPClasses()); diff != "" {
		t.Errorf("SOPClasses mismatch (-want +got):\n%s", diff)
	}
}

func TestDirSource_Match(t *testing.T) {
	src := loadFixtures(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		level      string
		identifier *dicom.Dataset
		key        dicom.Tag
		want       []string
	}{
		{"studies of patient", "STUDY", identifier(tag.PatientID, "12345", tag.StudyInstanceUID, ""), tag.StudyInstanceUID, []string{"1.2.3"}},
		{"unknown patient", "STUDY", identifier(tag.PatientID, "99999", tag.StudyInstanceUID, ""), tag.StudyInstanceUID, nil},
		{"series of study", "SERIES", identifier(tag.StudyInstanceUID, "1.2.3", tag.SeriesInstanceUID, "", tag.Modality, ""), tag.SeriesInstanceUID, []string{"1.2.3.1", "1.2.3.2"}},
		{"series by modality", "SERIES", identifier(tag.StudyInstanceUID, "1.2.3", tag.SeriesInstanceUID, "", tag.Modality, "RTSTRUCT"), tag.SeriesInstanceUID, []string{"1.2.3.2"}},
		{"instances of series", "IMAGE", identifier(tag.SeriesInstanceUID, "1.2.3.1", tag.SOPInstanceUID, ""), tag.SOPInstanceUID, []string{"1.2.3.1.1", "1.2.3.1.2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches, err := src.Match(ctx, tt.level, tt.identifier)
			if err != nil {
				t.Fatalf("Match: %v", err)
			}
			var got []string
			for _, m := range matches {
				got = append(got, m.GetString(tt.key))
				if lvl := m.GetString(tag.QueryRetrieveLevel); lvl != tt.level {
					t.Errorf("QueryRetrieveLevel = %q, want %q", lvl, tt.level)
				}
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("matches mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := src.Match(ctx, "FRAME", identifier()); err == nil {
		t.Error("expected an error for an unsupported level")
	}
}

func TestDirSource_Retrieve(t *testing.T) {
	src := loadFixtures(t)

	got, err := src.Retrieve(context.Background(), "IMAGE", identifier(tag.SeriesInstanceUID, "1.2.3.1", tag.SOPInstanceUID, "1.2.3.1.2"))
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 || got[0].SOPInstanceUID != "1.2.3.1.2" {
		t.Fatalf("got %+v", got)
	}
	if got[0].TransferSyntaxUID != types.ImplicitVRLittleEndian {
		t.Errorf("transfer syntax = %q, want the stored one", got[0].TransferSyntaxUID)
	}

	all, err := src.Retrieve(context.Background(), "SERIES", identifier(tag.SeriesInstanceUID, "1.2.3.1"))
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("retrieved %d instances, want 2", len(all))
	}
}
