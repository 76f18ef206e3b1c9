package dimse

import (
	"context"
	"errors"
	"testing"

	"github.com/caio-sobreiro/rtexport/dicom"
	"github.com/caio-sobreiro/rtexport/interfaces"
	"github.com/caio-sobreiro/rtexport/types"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// MockPDULayer records responses sent by the service.
type MockPDULayer struct {
	SendDIMSEResponseWithDatasetFunc func(presContextID byte, commandData []byte, datasetData []byte) error
	sent                             int
}

func (m *MockPDULayer) SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error {
	m.sent++
	if m.SendDIMSEResponseWithDatasetFunc != nil {
		return m.SendDIMSEResponseWithDatasetFunc(presContextID, commandData, datasetData)
	}
	return nil
}

// MockServiceHandler is a mock implementation of ServiceHandler for testing
type MockServiceHandler struct {
	HandleDIMSEFunc func(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error)
	calls           int
}

func (m *MockServiceHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	m.calls++
	if m.HandleDIMSEFunc != nil {
		return m.HandleDIMSEFunc(ctx, msg, data, meta)
	}
	return &types.Message{
		CommandField:              CEchoRSP,
		Status:                    StatusSuccess,
		MessageIDBeingRespondedTo: msg.MessageID,
	}, nil, nil
}

type mockStreamingHandler struct {
	MockServiceHandler
	responses int
}

func (m *mockStreamingHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	for i := 0; i < m.responses; i++ {
		ds := dicom.NewDataset()
		ds.AddElement(tag.PatientID, dicom.VR_LO, "P1")
		if err := responder.SendResponse(&types.Message{
			CommandField:              CFindRSP,
			MessageIDBeingRespondedTo: msg.MessageID,
			Status:                    StatusPending,
		}, ds, meta.TransferSyntaxUID); err != nil {
			return err
		}
	}
	return responder.SendResponse(&types.Message{
		CommandField:              CFindRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		Status:                    StatusSuccess,
	}, nil, meta.TransferSyntaxUID)
}

func testMeta() interfaces.MessageContext {
	return interfaces.MessageContext{
		PresentationContextID: 1,
		AbstractSyntaxUID:     types.StudyRootQueryRetrieveInformationModelFind,
		TransferSyntaxUID:     types.ExplicitVRLittleEndian,
		CallingAETitle:        "SCU",
		CalledAETitle:         "SCP",
	}
}

func encodeCommand(t *testing.T, msg *types.Message) []byte {
	t.Helper()
	data, err := EncodeCommand(msg)
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	return data
}

func TestNewService(t *testing.T) {
	service := NewService(&MockServiceHandler{}, nil)
	if service == nil {
		t.Fatal("Expected non-nil service")
	}
	if service.logger == nil {
		t.Error("Expected default logger")
	}
}

func TestService_HandleDIMSEMessage_CEchoNoDataset(t *testing.T) {
	handler := &MockServiceHandler{}
	service := NewService(handler, nil)

	var sentCommand []byte
	pduLayer := &MockPDULayer{
		SendDIMSEResponseWithDatasetFunc: func(presContextID byte, commandData []byte, datasetData []byte) error {
			if presContextID != 1 {
				t.Errorf("Expected context ID 1, got %d", presContextID)
			}
			if datasetData != nil {
				t.Errorf("Expected no dataset, got %d bytes", len(datasetData))
			}
			sentCommand = commandData
			return nil
		},
	}

	cmd := encodeCommand(t, &types.Message{
		CommandField:        CEchoRQ,
		MessageID:           1,
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  types.NoDataSet,
	})

	if err := service.HandleDIMSEMessage(context.Background(), testMeta(), 0x03, cmd, pduLayer); err != nil {
		t.Fatalf("HandleDIMSEMessage failed: %v", err)
	}

	rsp, err := DecodeCommand(sentCommand)
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}
	if rsp.CommandField != CEchoRSP || rsp.MessageIDBeingRespondedTo != 1 {
		t.Errorf("unexpected response %+v", rsp)
	}
	if rsp.CommandDataSetType != types.NoDataSet {
		t.Errorf("CommandDataSetType = 0x%04x, want 0x0101", rsp.CommandDataSetType)
	}
}

func TestService_HandleDIMSEMessage_FragmentedDataset(t *testing.T) {
	identifier := dicom.NewDataset()
	identifier.AddElement(tag.PatientID, dicom.VR_LO, "12345")
	identifier.AddElement(tag.QueryRetrieveLevel, dicom.VR_CS, "STUDY")
	payload, err := identifier.Encode(types.ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	handler := &MockServiceHandler{
		HandleDIMSEFunc: func(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
			parsed, err := dicom.ParseDataset(data, meta.TransferSyntaxUID)
			if err != nil {
				t.Fatalf("ParseDataset() error = %v", err)
			}
			if got := parsed.GetString(tag.PatientID); got != "12345" {
				t.Errorf("PatientID = %q, want 12345", got)
			}
			if meta.CallingAETitle != "SCU" {
				t.Errorf("CallingAETitle = %q", meta.CallingAETitle)
			}
			return &types.Message{
				CommandField:              CFindRSP,
				Status:                    StatusSuccess,
				MessageIDBeingRespondedTo: msg.MessageID,
			}, parsed, nil
		},
	}
	service := NewService(handler, nil)
	pduLayer := &MockPDULayer{
		SendDIMSEResponseWithDatasetFunc: func(presContextID byte, commandData []byte, datasetData []byte) error {
			rsp, err := DecodeCommand(commandData)
			if err != nil {
				t.Fatalf("DecodeCommand() error = %v", err)
			}
			if rsp.CommandDataSetType == types.NoDataSet {
				t.Error("Expected dataset flag in response command")
			}
			if len(datasetData) == 0 {
				t.Error("Expected dataset in response")
			}
			return nil
		},
	}

	cmd := encodeCommand(t, &types.Message{
		CommandField:        CFindRQ,
		MessageID:           2,
		AffectedSOPClassUID: types.StudyRootQueryRetrieveInformationModelFind,
		CommandDataSetType:  types.DataSetPresent,
	})
	ctx := context.Background()

	// Command split into two fragments.
	half := len(cmd) / 2
	if err := service.HandleDIMSEMessage(ctx, testMeta(), 0x01, cmd[:half], pduLayer); err != nil {
		t.Fatalf("first command fragment: %v", err)
	}
	if err := service.HandleDIMSEMessage(ctx, testMeta(), 0x03, cmd[half:], pduLayer); err != nil {
		t.Fatalf("last command fragment: %v", err)
	}
	if handler.calls != 0 {
		t.Fatal("handler called before dataset arrived")
	}

	if err := service.HandleDIMSEMessage(ctx, testMeta(), 0x00, payload[:5], pduLayer); err != nil {
		t.Fatalf("first dataset fragment: %v", err)
	}
	if err := service.HandleDIMSEMessage(ctx, testMeta(), 0x02, payload[5:], pduLayer); err != nil {
		t.Fatalf("last dataset fragment: %v", err)
	}

	if handler.calls != 1 {
		t.Errorf("handler calls = %d, want 1", handler.calls)
	}
	if pduLayer.sent != 1 {
		t.Errorf("responses sent = %d, want 1", pduLayer.sent)
	}
}

func TestService_HandleDIMSEMessage_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("dataset before command", func(t *testing.T) {
		service := NewService(&MockServiceHandler{}, nil)
		if err := service.HandleDIMSEMessage(ctx, testMeta(), 0x02, []byte{1, 2}, &MockPDULayer{}); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("malformed command", func(t *testing.T) {
		service := NewService(&MockServiceHandler{}, nil)
		if err := service.HandleDIMSEMessage(ctx, testMeta(), 0x03, []byte{0x00, 0x00}, &MockPDULayer{}); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("handler failure", func(t *testing.T) {
		wantErr := errors.New("boom")
		handler := &MockServiceHandler{
			HandleDIMSEFunc: func(context.Context, *types.Message, []byte, interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
				return nil, nil, wantErr
			},
		}
		service := NewService(handler, nil)
		cmd := encodeCommand(t, &types.Message{CommandField: CEchoRQ, MessageID: 9, CommandDataSetType: types.NoDataSet})
		err := service.HandleDIMSEMessage(ctx, testMeta(), 0x03, cmd, &MockPDULayer{})
		if !errors.Is(err, wantErr) {
			t.Errorf("error = %v, want %v", err, wantErr)
		}
	})
}

func TestService_CancelHasNoResponse(t *testing.T) {
	handler := &MockServiceHandler{}
	service := NewService(handler, nil)
	pduLayer := &MockPDULayer{}

	cmd := encodeCommand(t, &types.Message{
		CommandField:              types.CCancelRQ,
		MessageIDBeingRespondedTo: 4,
		CommandDataSetType:        types.NoDataSet,
	})
	if err := service.HandleDIMSEMessage(context.Background(), testMeta(), 0x03, cmd, pduLayer); err != nil {
		t.Fatalf("HandleDIMSEMessage failed: %v", err)
	}
	if handler.calls != 0 || pduLayer.sent != 0 {
		t.Errorf("calls = %d, sent = %d, want 0 and 0", handler.calls, pduLayer.sent)
	}
}

func TestService_StreamingHandler(t *testing.T) {
	handler := &mockStreamingHandler{responses: 3}
	service := NewService(handler, nil)

	var statuses []uint16
	pduLayer := &MockPDULayer{
		SendDIMSEResponseWithDatasetFunc: func(presContextID byte, commandData []byte, datasetData []byte) error {
			rsp, err := DecodeCommand(commandData)
			if err != nil {
				return err
			}
			statuses = append(statuses, rsp.Status)
			return nil
		},
	}

	cmd := encodeCommand(t, &types.Message{
		CommandField:       CFindRQ,
		MessageID:          5,
		CommandDataSetType: types.DataSetPresent,
	})
	ctx := context.Background()
	if err := service.HandleDIMSEMessage(ctx, testMeta(), 0x03, cmd, pduLayer); err != nil {
		t.Fatal(err)
	}
	if err := service.HandleDIMSEMessage(ctx, testMeta(), 0x02, []byte{}, pduLayer); err != nil {
		t.Fatal(err)
	}

	want := []uint16{StatusPending, StatusPending, StatusPending, StatusSuccess}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("status[%d] = 0x%04x, want 0x%04x", i, statuses[i], want[i])
		}
	}
	if handler.calls != 0 {
		t.Error("non-streaming path should not be used")
	}
}
