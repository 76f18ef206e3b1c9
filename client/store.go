package client

import (
	"context"
	"fmt"

	dicomerrors "github.com/caio-sobreiro/rtexport/errors"
	"github.com/caio-sobreiro/rtexport/interfaces"
	"github.com/caio-sobreiro/rtexport/types"
)

// CStoreRequest represents a C-STORE request. Data is the dataset already
// encoded in TransferSyntaxUID; an empty TransferSyntaxUID accepts whatever
// syntax was negotiated for the SOP class.
type CStoreRequest struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	Data              []byte
	Priority          uint16

	// Set when the store is a sub-operation of a C-MOVE.
	MoveOriginatorAETitle   string
	MoveOriginatorMessageID uint16
}

// CStoreResponse represents a C-STORE response
type CStoreResponse struct {
	Status         uint16
	MessageID      uint16
	SOPClassUID    string
	SOPInstanceUID string
}

// SendCStore sends a C-STORE request and waits for its response. Warning
// statuses are returned without error.
func (a *Association) SendCStore(ctx context.Context, req *CStoreRequest) (*CStoreResponse, error) {
	if req.TransferSyntaxUID != "" && !types.IsSupportedTransferSyntax(req.TransferSyntaxUID) {
		return nil, fmt.Errorf("%w: %s", dicomerrors.ErrUnsupportedTransfer, req.TransferSyntaxUID)
	}
	presContextID, err := a.findContext(req.SOPClassUID, req.TransferSyntaxUID)
	if err != nil {
		return nil, fmt.Errorf("no presentation context for SOP instance %s: %w", req.SOPInstanceUID, err)
	}

	messageID := a.nextMessageID()
	command := &types.Message{
		CommandField:            types.CStoreRQ,
		MessageID:               messageID,
		Priority:                req.Priority,
		CommandDataSetType:      types.DataSetPresent,
		AffectedSOPClassUID:     req.SOPClassUID,
		AffectedSOPInstanceUID:  req.SOPInstanceUID,
		MoveOriginatorAETitle:   req.MoveOriginatorAETitle,
		MoveOriginatorMessageID: req.MoveOriginatorMessageID,
	}
	if err := a.send(presContextID, command, req.Data); err != nil {
		return nil, fmt.Errorf("failed to send C-STORE: %w", err)
	}

	a.logger.DebugContext(ctx, "Sent C-STORE-RQ",
		"sop_instance_uid", req.SOPInstanceUID,
		"presentation_context", presContextID,
		"bytes", len(req.Data))

	msg, _, err := a.receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to receive C-STORE response: %w", err)
	}
	if msg.CommandField != types.CStoreRSP {
		return nil, fmt.Errorf("%w: unexpected command 0x%04x (expected C-STORE-RSP)", dicomerrors.ErrInvalidMessage, msg.CommandField)
	}

	resp := &CStoreResponse{
		Status:         msg.Status,
		MessageID:      msg.MessageIDBeingRespondedTo,
		SOPClassUID:    msg.AffectedSOPClassUID,
		SOPInstanceUID: msg.AffectedSOPInstanceUID,
	}
	if msg.Status != types.StatusSuccess && !types.IsWarningStatus(msg.Status) {
		return resp, dicomerrors.NewDIMSEError("C-STORE", msg.Status, req.SOPInstanceUID)
	}
	return resp, nil
}

// Store sends one instance as a C-MOVE sub-operation and returns the
// status reported by the storage peer.
func (a *Association) Store(ctx context.Context, instance interfaces.StoredInstance, originatorAE string, originatorMessageID uint16) (uint16, error) {
	resp, err := a.SendCStore(ctx, &CStoreRequest{
		SOPClassUID:             instance.SOPClassUID,
		SOPInstanceUID:          instance.SOPInstanceUID,
		TransferSyntaxUID:       instance.TransferSyntaxUID,
		Data:                    instance.Dataset,
		MoveOriginatorAETitle:   originatorAE,
		MoveOriginatorMessageID: originatorMessageID,
	})
	if resp != nil {
		return resp.Status, err
	}
	return types.StatusFailure, err
}
