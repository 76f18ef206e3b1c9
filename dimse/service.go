package dimse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caio-sobreiro/rtexport/dicom"
	"github.com/caio-sobreiro/rtexport/interfaces"
	"github.com/caio-sobreiro/rtexport/types"
)

// Command and status aliases kept for handlers that only import dimse.
const (
	CStoreRQ  = types.CStoreRQ
	CStoreRSP = types.CStoreRSP
	CFindRQ   = types.CFindRQ
	CFindRSP  = types.CFindRSP
	CMoveRQ   = types.CMoveRQ
	CMoveRSP  = types.CMoveRSP
	CEchoRQ   = types.CEchoRQ
	CEchoRSP  = types.CEchoRSP

	StatusSuccess = types.StatusSuccess
	StatusPending = types.StatusPending
	StatusFailure = types.StatusFailure
)

// Service assembles DIMSE fragments of one association and dispatches complete
// messages to a handler. It is not safe for concurrent use; the server creates
// one per association.
type Service struct {
	handler     interfaces.ServiceHandler
	commandData []byte
	datasetData []byte
	currentMsg  *types.Message
	logger      *slog.Logger
}

// responseHandler implements ResponseSender for streaming responses
type responseHandler struct {
	service       *Service
	presContextID byte
	pduLayer      interfaces.PDULayer
}

// SendResponse implements ResponseSender interface
func (r *responseHandler) SendResponse(msg *types.Message, dataset *dicom.Dataset, transferSyntaxUID string) error {
	return r.service.sendDIMSEResponse(msg, dataset, transferSyntaxUID, r.presContextID, r.pduLayer)
}

// NewService creates a new DIMSE service with a handler
func NewService(handler interfaces.ServiceHandler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		handler: handler,
		logger:  logger,
	}
}

// HandleDIMSEMessage accumulates one PDV. Once the command, and the dataset
// when one is announced, are complete the message is dispatched.
func (d *Service) HandleDIMSEMessage(ctx context.Context, meta interfaces.MessageContext, msgCtrlHeader byte, data []byte, pduLayer interfaces.PDULayer) error {
	isCommand := msgCtrlHeader&0x01 != 0
	isLastFragment := msgCtrlHeader&0x02 != 0

	if !isCommand {
		if d.currentMsg == nil {
			return fmt.Errorf("dataset fragment received before command")
		}
		d.datasetData = append(d.datasetData, data...)
		if isLastFragment {
			return d.processCompleteMessage(ctx, meta, pduLayer)
		}
		return nil
	}

	d.commandData = append(d.commandData, data...)
	if !isLastFragment {
		return nil
	}

	msg, err := DecodeCommand(d.commandData)
	if err != nil {
		d.reset()
		return fmt.Errorf("failed to parse DIMSE command: %w", err)
	}
	d.currentMsg = msg
	d.logger.DebugContext(ctx, "Received DIMSE command",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"message_id", msg.MessageID,
		"context_id", meta.PresentationContextID)

	if !msg.HasDataset() {
		return d.processCompleteMessage(ctx, meta, pduLayer)
	}
	return nil
}

func (d *Service) reset() {
	d.commandData = nil
	d.datasetData = nil
	d.currentMsg = nil
}

// processCompleteMessage processes a complete DIMSE message (command + optional dataset)
func (d *Service) processCompleteMessage(ctx context.Context, meta interfaces.MessageContext, pduLayer interfaces.PDULayer) error {
	msg, data := d.currentMsg, d.datasetData
	defer d.reset()

	if msg.CommandField == types.CCancelRQ {
		// C-CANCEL has no response. Handlers that honour it watch their context.
		d.logger.InfoContext(ctx, "C-CANCEL received", "message_id", msg.MessageIDBeingRespondedTo)
		return nil
	}

	d.logger.DebugContext(ctx, "Processing complete DIMSE message",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"message_id", msg.MessageID,
		"dataset_size", len(data))

	if streamingHandler, ok := d.handler.(interfaces.StreamingServiceHandler); ok {
		responder := &responseHandler{
			service:       d,
			presContextID: meta.PresentationContextID,
			pduLayer:      pduLayer,
		}
		return streamingHandler.HandleDIMSEStreaming(ctx, msg, data, meta, responder)
	}

	responseMsg, responseData, err := d.handler.HandleDIMSE(ctx, msg, data, meta)
	if err != nil {
		return fmt.Errorf("service handler failed: %w", err)
	}
	return d.sendDIMSEResponse(responseMsg, responseData, meta.TransferSyntaxUID, meta.PresentationContextID, pduLayer)
}

func (d *Service) sendDIMSEResponse(msg *types.Message, dataset *dicom.Dataset, transferSyntaxUID string, presContextID byte, pduLayer interfaces.PDULayer) error {
	var datasetData []byte
	if dataset != nil {
		var err error
		datasetData, err = dataset.Encode(transferSyntaxUID)
		if err != nil {
			return fmt.Errorf("failed to encode response dataset: %w", err)
		}
		msg.CommandDataSetType = types.DataSetPresent
	} else {
		msg.CommandDataSetType = types.NoDataSet
	}

	commandData, err := EncodeCommand(msg)
	if err != nil {
		return err
	}
	return pduLayer.SendDIMSEResponseWithDataset(presContextID, commandData, datasetData)
}
