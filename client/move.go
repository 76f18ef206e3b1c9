package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/rtexport/dicom"
	dicomerrors "github.com/caio-sobreiro/rtexport/errors"
	"github.com/caio-sobreiro/rtexport/types"
)

// CMoveRequest asks the peer to send the instances selected by Dataset to the
// AE title Destination.
type CMoveRequest struct {
	SOPClassUID string // default: Study Root MOVE
	Priority    uint16
	Destination string
	Dataset     *dicom.Dataset

	// OnPending, if set, is called with the counters of every pending response.
	OnPending func(CMoveResult)
}

// CMoveResult carries the status and sub-operation counters of the last
// C-MOVE response received.
type CMoveResult struct {
	Status    uint16
	Remaining uint16
	Completed uint16
	Failed    uint16
	Warning   uint16
	Responses int
}

func (r *CMoveResult) update(msg *types.Message) {
	r.Status = msg.Status
	r.Responses++
	if msg.NumberOfRemainingSuboperations != nil {
		r.Remaining = *msg.NumberOfRemainingSuboperations
	} else if !types.IsPendingStatus(msg.Status) {
		r.Remaining = 0
	}
	if msg.NumberOfCompletedSuboperations != nil {
		r.Completed = *msg.NumberOfCompletedSuboperations
	}
	if msg.NumberOfFailedSuboperations != nil {
		r.Failed = *msg.NumberOfFailedSuboperations
	}
	if msg.NumberOfWarningSuboperations != nil {
		r.Warning = *msg.NumberOfWarningSuboperations
	}
}

// SendCMove issues a C-MOVE and waits for its final response. If ctx ends
// first, a C-CANCEL is sent and the final response of the cancelled
// operation is still awaited so the association stays usable.
//
// Success and warning (sub-operations with failures) return a nil error; the
// counters tell them apart. Other final statuses return a *errors.DIMSEError.
func (a *Association) SendCMove(ctx context.Context, req *CMoveRequest) (*CMoveResult, error) {
	if req == nil || req.Dataset == nil {
		return nil, fmt.Errorf("c-move request requires a dataset")
	}
	if req.Destination == "" {
		return nil, fmt.Errorf("c-move request requires a destination AE title")
	}

	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = types.StudyRootQueryRetrieveInformationModelMove
	}
	presContextID, err := a.GetPresentationContextID(sopClass)
	if err != nil {
		return nil, err
	}
	datasetData, err := req.Dataset.Encode(a.TransferSyntax(presContextID))
	if err != nil {
		return nil, fmt.Errorf("failed to encode C-MOVE identifier: %w", err)
	}

	messageID := a.nextMessageID()
	command := &types.Message{
		CommandField:        types.CMoveRQ,
		MessageID:           messageID,
		Priority:            req.Priority,
		CommandDataSetType:  types.DataSetPresent,
		AffectedSOPClassUID: sopClass,
		MoveDestination:     req.Destination,
	}
	if err := a.send(presContextID, command, datasetData); err != nil {
		return nil, fmt.Errorf("failed to send C-MOVE request: %w", err)
	}

	cancelDone := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(cancelDone)
		if err := a.SendCCancel(messageID, sopClass); err != nil {
			a.logger.Warn("Failed to cancel C-MOVE", "message_id", messageID, "error", err)
		}
	})
	defer func() {
		if !stop() {
			<-cancelDone
		}
	}()

	result := &CMoveResult{}
	for {
		// Reads are not tied to ctx: after a cancel the final response still has to be drained.
		msg, _, err := a.receive(context.Background())
		if err != nil {
			return result, err
		}
		if msg.CommandField != types.CMoveRSP {
			return result, fmt.Errorf("%w: unexpected command 0x%04x (expected C-MOVE-RSP)", dicomerrors.ErrInvalidMessage, msg.CommandField)
		}
		if msg.MessageIDBeingRespondedTo != messageID {
			a.logger.WarnContext(ctx, "C-MOVE response for another message",
				"message_id", messageID,
				"responded_to", msg.MessageIDBeingRespondedTo)
		}

		result.update(msg)
		if types.IsPendingStatus(msg.Status) {
			if req.OnPending != nil {
				req.OnPending(*result)
			}
			continue
		}

		a.logger.DebugContext(ctx, "C-MOVE final response",
			"status", fmt.Sprintf("0x%04X", msg.Status),
			"completed", result.Completed,
			"failed", result.Failed,
			"warning", result.Warning)

		switch {
		case msg.Status == types.StatusSuccess, types.IsWarningStatus(msg.Status):
			return result, nil
		case msg.Status == types.StatusCancel && ctx.Err() != nil:
			return result, fmt.Errorf("%w: %w", dicomerrors.ErrOperationCanceled, ctx.Err())
		default:
			return result, dicomerrors.NewDIMSEError("C-MOVE", msg.Status, "retrieve failed")
		}
	}
}
