package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/caio-sobreiro/rtexport/client"
	"github.com/caio-sobreiro/rtexport/dicom"
	dicomerrors "github.com/caio-sobreiro/rtexport/errors"
	"github.com/caio-sobreiro/rtexport/interfaces"
	"github.com/caio-sobreiro/rtexport/server"
	"github.com/caio-sobreiro/rtexport/services"
	"github.com/caio-sobreiro/rtexport/types"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type seriesSource struct {
	retrieved *dicom.Dataset
}

func (s *seriesSource) Match(ctx context.Context, level string, identifier *dicom.Dataset) ([]*dicom.Dataset, error) {
	var out []*dicom.Dataset
	for _, uid := range []string{"1.2.3.1", "1.2.3.2"} {
		ds := dicom.NewDataset()
		ds.AddElement(tag.StudyInstanceUID, dicom.VR_UI, identifier.GetString(tag.StudyInstanceUID))
		ds.AddElement(tag.SeriesInstanceUID, dicom.VR_UI, uid)
		ds.AddElement(tag.Modality, dicom.VR_CS, "CT")
		out = append(out, ds)
	}
	return out, nil
}

func (s *seriesSource) Retrieve(ctx context.Context, level string, identifier *dicom.Dataset) ([]interfaces.StoredInstance, error) {
	s.retrieved = identifier
	return nil, nil
}

func startArchive(t *testing.T, source interfaces.InstanceSource) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	registry := services.NewRegistry(discard)
	registry.RegisterHandler(types.CEchoRQ, services.NewEchoService(discard))
	registry.RegisterHandler(types.CFindRQ, services.NewFindService(source, discard))
	registry.RegisterHandler(types.CMoveRQ, services.NewMoveService(source, map[string]string{"RTEXPORT": "127.0.0.1:1"}, nil, discard))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.New("ARCHIVE", registry, server.WithLogger(discard)).Serve(ctx, listener)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return listener.Addr().String()
}

func TestRemote_FindMoveEcho(t *testing.T) {
	source := &seriesSource{}
	remote := New(Config{
		Address:         startArchive(t, source),
		CalledAETitle:   "ARCHIVE",
		CallingAETitle:  "RTEXPORT",
		MoveDestination: "RTEXPORT",
		ReadTimeout:     5 * time.Second,
		Logger:          discard,
	})
	ctx := context.Background()

	if err := remote.Echo(ctx); err != nil {
		t.Fatalf("Echo: %v", err)
	}

	identifier := dicom.NewDataset()
	identifier.AddElement(tag.StudyInstanceUID, dicom.VR_UI, "1.2.3")
	identifier.AddElement(tag.SeriesInstanceUID, dicom.VR_UI, "")
	matches, err := remote.Find(ctx, types.QueryLevelSeries, identifier)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	var series []string
	for _, m := range matches {
		series = append(series, m.GetString(tag.SeriesInstanceUID))
	}
	if diff := cmp.Diff([]string{"1.2.3.1", "1.2.3.2"}, series); diff != "" {
		t.Errorf("series mismatch (-want +got):\n%s", diff)
	}

	result, err := remote.Move(ctx, RetrieveKey{StudyInstanceUID: "1.2.3", SeriesInstanceUID: "1.2.3.1", SOPInstanceUID: "1.2.3.1.7"})
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if result.Status != types.StatusSuccess {
		t.Errorf("move status = 0x%04X, want success", result.Status)
	}
	if source.retrieved == nil {
		t.Fatal("archive did not receive the move identifier")
	}
	if got := source.retrieved.GetString(tag.QueryRetrieveLevel); got != "IMAGE" {
		t.Errorf("retrieve level = %q, want IMAGE", got)
	}
	if got := source.retrieved.GetString(tag.SOPInstanceUID); got != "1.2.3.1.7" {
		t.Errorf("retrieve SOP instance = %q", got)
	}
}

func TestRetrieveKey_Level(t *testing.T) {
	tests := []struct {
		key  RetrieveKey
		want types.QueryLevel
	}{
		{RetrieveKey{StudyInstanceUID: "1", SeriesInstanceUID: "2"}, types.QueryLevelSeries},
		{RetrieveKey{StudyInstanceUID: "1", SeriesInstanceUID: "2", SOPInstanceUID: "3"}, types.QueryLevelImage},
	}
	for _, tt := range tests {
		if got := tt.key.Level(); got != tt.want {
			t.Errorf("%+v.Level() = %s, want %s", tt.key, got, tt.want)
		}
		if got := tt.key.Identifier().GetString(tag.QueryRetrieveLevel); got != string(tt.want) {
			t.Errorf("identifier level = %q, want %q", got, tt.want)
		}
	}
}

func TestRemote_ConnectRetry(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantAttempts int
	}{
		{
			name:         "network errors are retried",
			err:          dicomerrors.NewNetworkError("dial", errors.New("connection refused")),
			wantAttempts: 3,
		},
		{
			name:         "permanent rejection is not retried",
			err:          dicomerrors.NewAssociationError(dicomerrors.RejectSourceServiceUser, dicomerrors.RejectReasonCalledAETitleNotRecognized, "ARCHIVE"),
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := New(Config{
				Address:        "127.0.0.1:1",
				CalledAETitle:  "ARCHIVE",
				ConnectRetries: 2,
				RetryInterval:  time.Millisecond,
				Logger:         discard,
			})
			attempts := 0
			remote.dial = func(ctx context.Context, address string, config client.Config) (*client.Association, error) {
				attempts++
				return nil, tt.err
			}

			err := remote.Echo(context.Background())
			if !errors.Is(err, tt.err) {
				t.Errorf("Echo error = %v, want %v", err, tt.err)
			}
			if attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", attempts, tt.wantAttempts)
			}
		})
	}
}
