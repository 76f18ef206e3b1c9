package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/rtexport/dicom"
	dicomerrors "github.com/caio-sobreiro/rtexport/errors"
	"github.com/caio-sobreiro/rtexport/types"
)

// CFindRequest encapsulates the information required to perform a C-FIND query.
type CFindRequest struct {
	SOPClassUID string // default: Study Root FIND
	Priority    uint16
	Dataset     *dicom.Dataset
}

// CFindResponse represents a single C-FIND response from the SCP.
type CFindResponse struct {
	Status    uint16
	MessageID uint16
	Dataset   *dicom.Dataset
}

// SendCFind performs a C-FIND query and returns every response in order,
// the final one included. A failure status is returned as a *errors.DIMSEError
// together with the responses received so far.
func (a *Association) SendCFind(ctx context.Context, req *CFindRequest) ([]*CFindResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("c-find request cannot be nil")
	}
	if req.Dataset == nil {
		return nil, fmt.Errorf("c-find request requires a dataset")
	}

	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = types.StudyRootQueryRetrieveInformationModelFind
	}

	presContextID, err := a.GetPresentationContextID(sopClass)
	if err != nil {
		return nil, err
	}
	ts := a.TransferSyntax(presContextID)

	datasetData, err := req.Dataset.Encode(ts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode C-FIND identifier: %w", err)
	}

	messageID := a.nextMessageID()
	command := &types.Message{
		CommandField:        types.CFindRQ,
		MessageID:           messageID,
		CommandDataSetType:  types.DataSetPresent,
		Priority:            req.Priority,
		AffectedSOPClassUID: sopClass,
	}
	if err := a.send(presContextID, command, datasetData); err != nil {
		return nil, fmt.Errorf("failed to send C-FIND request: %w", err)
	}

	var responses []*CFindResponse
	for {
		msg, data, err := a.receive(ctx)
		if err != nil {
			return responses, err
		}
		if msg.CommandField != types.CFindRSP {
			return responses, fmt.Errorf("%w: unexpected command 0x%04x (expected C-FIND-RSP)", dicomerrors.ErrInvalidMessage, msg.CommandField)
		}

		var dataset *dicom.Dataset
		if len(data) > 0 {
			dataset, err = dicom.ParseDataset(data, ts)
			if err != nil {
				a.logger.WarnContext(ctx, "Failed to parse C-FIND response dataset",
					"error", err,
					"message_id", msg.MessageIDBeingRespondedTo,
					"status", fmt.Sprintf("0x%04X", msg.Status))
			}
		}

		responses = append(responses, &CFindResponse{
			Status:    msg.Status,
			MessageID: msg.MessageIDBeingRespondedTo,
			Dataset:   dataset,
		})

		if types.IsPendingStatus(msg.Status) {
			continue
		}
		if msg.Status != types.StatusSuccess && !types.IsWarningStatus(msg.Status) {
			return responses, dicomerrors.NewDIMSEError("C-FIND", msg.Status, "query failed")
		}
		return responses, nil
	}
}

// Matches returns the datasets of the pending responses.
func Matches(responses []*CFindResponse) []*dicom.Dataset {
	var out []*dicom.Dataset
	for _, rsp := range responses {
		if types.IsPendingStatus(rsp.Status) && rsp.Dataset != nil {
			out = append(out, rsp.Dataset)
		}
	}
	return out
}
