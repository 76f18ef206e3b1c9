package export

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/caio-sobreiro/rtexport/anonymize"
	"github.com/caio-sobreiro/rtexport/archive"
	"github.com/caio-sobreiro/rtexport/dicom"
	dicomerrors "github.com/caio-sobreiro/rtexport/errors"
	"github.com/caio-sobreiro/rtexport/interfaces"
	"github.com/caio-sobreiro/rtexport/receiver"
	"github.com/caio-sobreiro/rtexport/types"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type object struct {
	patient, study, series, sop, modality, class string
}

// memArchive is an in-memory archive that delivers moved objects straight
// into a receiver.
type memArchive struct {
	t       *testing.T
	recv    *receiver.Receiver
	objects []object

	mu       sync.Mutex
	moves    []archive.RetrieveKey
	findErr  error
	echoErr  error
	moveErrs map[string]error
	onMove   func(archive.RetrieveKey)
}

func (a *memArchive) Echo(ctx context.Context) error { return a.echoErr }

func (a *memArchive) Find(ctx context.Context, level types.QueryLevel, identifier *dicom.Dataset) ([]*dicom.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.findErr != nil {
		return nil, a.findErr
	}
	seen := make(map[string]bool)
	var out []*dicom.Dataset
	for _, o := range a.objects {
		ds := dicom.NewDataset()
		var key string
		switch level {
		case types.QueryLevelStudy:
			if o.patient != identifier.GetString(tag.PatientID) {
				continue
			}
			key = o.study
			ds.AddElement(tag.StudyInstanceUID, dicom.VR_UI, o.study)
		case types.QueryLevelSeries:
			if o.study != identifier.GetString(tag.StudyInstanceUID) {
				continue
			}
			key = o.series
			ds.AddElement(tag.StudyInstanceUID, dicom.VR_UI, o.study)
			ds.AddElement(tag.SeriesInstanceUID, dicom.VR_UI, o.series)
			ds.AddElement(tag.Modality, dicom.VR_CS, o.modality)
		case types.QueryLevelImage:
			if o.series != identifier.GetString(tag.SeriesInstanceUID) {
				continue
			}
			key = o.sop
			ds.AddElement(tag.SOPInstanceUID, dicom.VR_UI, o.sop)
			ds.AddElement(tag.SOPClassUID, dicom.VR_UI, o.class)
		}
		if !seen[key] {
			seen[key] = true
			out = append(out, ds)
		}
	}
	return out, nil
}

func (a *memArchive) Move(ctx context.Context, key archive.RetrieveKey) (archive.MoveResult, error) {
	a.mu.Lock()
	a.moves = append(a.moves, key)
	a.mu.Unlock()
	if a.onMove != nil {
		a.onMove(key)
	}
	if err := a.moveErrs[key.SeriesInstanceUID]; err != nil {
		return archive.MoveResult{Status: types.StatusFailure}, err
	}

	completed := 0
	for _, o := range a.objects {
		if o.series != key.SeriesInstanceUID || (key.SOPInstanceUID != "" && o.sop != key.SOPInstanceUID) {
			continue
		}
		ds := dicom.NewDataset()
		ds.AddElement(tag.SOPClassUID, dicom.VR_UI, o.class)
		ds.AddElement(tag.SOPInstanceUID, dicom.VR_UI, o.sop)
		ds.AddElement(tag.PatientName, dicom.VR_PN, "Doe^John")
		ds.AddElement(tag.PatientID, dicom.VR_LO, o.patient)
		ds.AddElement(tag.StudyInstanceUID, dicom.VR_UI, o.study)
		ds.AddElement(tag.SeriesInstanceUID, dicom.VR_UI, o.series)
		ds.AddElement(tag.Modality, dicom.VR_CS, o.modality)
		data, err := ds.Encode(types.ExplicitVRLittleEndian)
		require.NoError(a.t, err)

		msg := &types.Message{
			CommandField:           types.CStoreRQ,
			MessageID:              1,
			AffectedSOPClassUID:    o.class,
			AffectedSOPInstanceUID: o.sop,
			CommandDataSetType:     types.DataSetPresent,
		}
		meta := interfaces.MessageContext{TransferSyntaxUID: types.ExplicitVRLittleEndian, CallingAETitle: "ARCHIVE"}
		rsp, _, err := a.recv.HandleDIMSE(context.Background(), msg, data, meta)
		require.NoError(a.t, err)
		if rsp.Status == types.StatusSuccess {
			completed++
		}
	}
	return archive.MoveResult{Status: types.StatusSuccess, Completed: completed}, nil
}

var patientObjects = []object{
	{"12345", "ST1", "S1", "CT1.1", "CT", types.CTImageStorage},
	{"12345", "ST1", "S1", "CT1.2", "CT", types.CTImageStorage},
	{"12345", "ST1", "RS", "U1", "RTSTRUCT", types.RTStructureSetStorage},
	{"12345", "ST1", "RP", "P1", "RTPLAN", types.RTPlanStorage},
	{"12345", "ST1", "DS", "D1", "RTDOSE", types.RTDoseStorage},
	{"12345", "ST1", "DS", "D2", "RTDOSE", types.RTDoseStorage},
}

func exportRequest() types.ExportRequest {
	return types.ExportRequest{
		MRN:        "12345",
		CourseName: "C1",
		Exam: types.Examination{
			Name:                "CT1",
			Modality:            "CT",
			StudyInstanceUID:    "ST1",
			SeriesInstanceUID:   "S1",
			FrameOfReferenceUID: "FOR1",
		},
		StructureSetUID: "U1",
		Plans: []types.PlanRef{
			{Name: "Plan1", SOPInstanceUID: "P1", SeriesInstanceUID: "RP", DoseSOPInstanceUIDs: []string{"D1"}},
		},
	}
}

var allTypes = types.DataTypeToggles{Examination: true, Structure: true, Plan: true, Dose: true, Registration: true}

type fixture struct {
	root     string
	archive  *memArchive
	recv     *receiver.Receiver
	progress []Progress
}

func newFixture(t *testing.T, anonymizer anonymize.Anonymizer) (*fixture, *Orchestrator) {
	t.Helper()
	f := &fixture{root: t.TempDir()}

	recv, err := receiver.New(receiver.Config{
		AETitle:    "RTEXPORT",
		ExportRoot: f.root,
		RunID:      "run-1",
		Anonymize:  anonymizer != nil,
		Anonymizer: anonymizer,
		Logger:     discard,
	})
	require.NoError(t, err)
	f.recv = recv
	f.archive = &memArchive{t: t, recv: recv, objects: patientObjects}

	o, err := New(Session{
		RunID:      "run-1",
		ExportRoot: f.root,
		Anonymize:  anonymizer != nil,
		Anonymizer: anonymizer,
		Toggles:    allTypes,
	}, f.archive, recv.Routes(),
		WithLogger(discard),
		WithProgress(func(p Progress) { f.progress = append(f.progress, p) }))
	require.NoError(t, err)
	return f, o
}

func (f *fixture) last() Progress {
	return f.progress[len(f.progress)-1]
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Session{}, &memArchive{}, receiver.NewRouteTable())
	assert.Error(t, err)
	_, err = New(Session{ExportRoot: "/x", Anonymize: true}, &memArchive{}, receiver.NewRouteTable())
	assert.Error(t, err)

	o, err := New(Session{ExportRoot: "/x"}, &memArchive{}, receiver.NewRouteTable())
	require.NoError(t, err)
	assert.NotEmpty(t, o.RunID())
}

func TestRun_ExportsExamination(t *testing.T) {
	f, o := newFixture(t, nil)

	rep, err := o.Run(context.Background(), []types.ExportRequest{exportRequest()})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	assert.Equal(t, "run-1", rep.RunID)
	require.Len(t, rep.Items, 1)
	assert.Equal(t, ItemExported, rep.Items[0].Status)
	assert.Equal(t, 4, rep.Items[0].Transfers)
	assert.Equal(t, 5, rep.Items[0].Received)

	exam := filepath.Join(f.root, "12345", "C1", "CT1")
	for _, path := range []string{
		"CT1.1.dcm",
		"CT1.2.dcm",
		filepath.Join("Structure", "U1.dcm"),
		filepath.Join("Plan", "P1.dcm"),
		filepath.Join("Dose", "D1.dcm"),
	} {
		assert.FileExists(t, filepath.Join(exam, path))
	}
	assert.NoFileExists(t, filepath.Join(exam, "Dose", "D2.dcm"))
	assert.NoDirExists(t, filepath.Join(f.root, receiver.UnroutedFolder))

	assert.Equal(t, "Connecting", f.progress[0].Status)
	assert.Equal(t, Progress{Overall: 100, Item: 100, Status: "Export complete"}, f.last())
	for i := 1; i < len(f.progress); i++ {
		assert.GreaterOrEqual(t, f.progress[i].Overall, f.progress[i-1].Overall, "overall progress must not go backwards")
	}
	assert.Equal(t, 0, f.recv.Routes().Len())
}

func TestRun_ZeroStudiesSkipped(t *testing.T) {
	f, o := newFixture(t, nil)
	req := exportRequest()
	req.MRN = "99999"

	rep, err := o.Run(context.Background(), []types.ExportRequest{req})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	require.Len(t, rep.Items, 1)
	assert.Equal(t, ItemSkipped, rep.Items[0].Status)
	assert.Equal(t, "no studies found", rep.Items[0].Reason)
	assert.Equal(t, 100.0, f.last().Overall)
	assert.Equal(t, "99999 CT1: skipped (no studies found)", f.progress[len(f.progress)-2].Detail)
	assert.Empty(t, f.archive.moves)
}

func TestRun_StudyQueryFailureSkipsItem(t *testing.T) {
	f, o := newFixture(t, nil)
	f.archive.findErr = dicomerrors.NewNetworkError("dial", errors.New("connection refused"))
	f.archive.echoErr = f.archive.findErr

	rep, err := o.Run(context.Background(), []types.ExportRequest{exportRequest(), exportRequest()})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	assert.Equal(t, 2, rep.Count(ItemSkipped))
	assert.Equal(t, 100.0, f.last().Overall)
}

func TestRun_Cancelled(t *testing.T) {
	f, o := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.archive.onMove = func(archive.RetrieveKey) { cancel() }

	rep, err := o.Run(ctx, []types.ExportRequest{exportRequest(), exportRequest()})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCancelled, rep.Outcome)
	require.Len(t, rep.Items, 1)
	assert.Equal(t, ItemCancelled, rep.Items[0].Status)
	assert.Len(t, f.archive.moves, 1, "no move may start after cancellation")
	assert.FileExists(t, filepath.Join(f.root, "12345", "C1", "CT1", "CT1.2.dcm"), "the started move completes")
	assert.Equal(t, "Export cancelled", f.last().Status)
}

func TestRun_TransferFailure(t *testing.T) {
	f, o := newFixture(t, nil)
	f.archive.moveErrs = map[string]error{"RP": dicomerrors.NewDIMSEError("C-MOVE", types.StatusOutOfResources, "out of resources")}

	second := exportRequest()
	second.Exam.Name = "CT2"
	rep, err := o.Run(context.Background(), []types.ExportRequest{exportRequest(), second})
	require.NoError(t, err, "a failed transfer is recovered, not fatal")

	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	require.Len(t, rep.Items, 2, "the run moves on to the next item")
	assert.Equal(t, ItemFailed, rep.Items[0].Status)
	assert.Equal(t, 4, rep.Items[0].Transfers, "a failed transfer does not stop the item")
	assert.FileExists(t, filepath.Join(f.root, "12345", "C1", "CT1", "Dose", "D1.dcm"))

	var dimseErr *dicomerrors.DIMSEError
	assert.ErrorAs(t, rep.Err(), &dimseErr, "the failure is kept in the report")
	assert.Equal(t, "Export complete", f.last().Status)
	assert.Equal(t, "2 of 2 items failed", f.last().Detail)
	assert.Equal(t, 100.0, f.last().Overall)
}

func TestRun_ExportRootUnusable(t *testing.T) {
	f, _ := newFixture(t, nil)
	blocker := filepath.Join(f.root, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	o, err := New(Session{RunID: "run-1", ExportRoot: filepath.Join(blocker, "export"), Toggles: allTypes},
		f.archive, f.recv.Routes(),
		WithLogger(discard),
		WithProgress(func(p Progress) { f.progress = append(f.progress, p) }))
	require.NoError(t, err)

	rep, err := o.Run(context.Background(), []types.ExportRequest{exportRequest()})
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.Empty(t, rep.Items)
	assert.Empty(t, f.archive.moves, "nothing is retrieved when the run cannot start")
	assert.Equal(t, "Export failed", f.last().Status)
}

func TestRun_Anonymized(t *testing.T) {
	root := t.TempDir()
	keys := anonymize.NewKeyStore(filepath.Join(root, "AnonymizationKey.json"), "salt", discard)
	f, o := newFixture(t, anonymize.NewHashAnonymizer(keys, "salt"))

	_, err := o.Run(context.Background(), []types.ExportRequest{exportRequest()})
	require.NoError(t, err)

	token, err := keys.Token("12345")
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(f.root, "12345"))

	raw, err := os.ReadFile(filepath.Join(f.root, token, "C1", "CT1", "Structure", "U1.dcm"))
	require.NoError(t, err)
	meta, data, err := dicom.ReadPart10(raw)
	require.NoError(t, err)
	ds, err := dicom.ParseDataset(data, meta.TransferSyntaxUID)
	require.NoError(t, err)
	assert.Equal(t, token, ds.GetString(tag.PatientID))
	assert.Equal(t, "U1", ds.GetString(tag.SOPInstanceUID))
}

func TestRun_NoRequests(t *testing.T) {
	f, o := newFixture(t, nil)
	rep, err := o.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	assert.Equal(t, 100.0, f.last().Overall)
}
