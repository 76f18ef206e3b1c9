package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/caio-sobreiro/rtexport/dicom"
	"github.com/caio-sobreiro/rtexport/interfaces"
	"github.com/caio-sobreiro/rtexport/types"
)

// StoreAssociation sends C-STORE sub-operations to a move destination.
type StoreAssociation interface {
	Store(ctx context.Context, instance interfaces.StoredInstance, originatorAE string, originatorMessageID uint16) (uint16, error)
	Close() error
}

// StoreOpener opens an association to a move destination.
type StoreOpener func(ctx context.Context, destinationAE, address string) (StoreAssociation, error)

// MoveService answers C-MOVE requests by sending the selected instances to a
// known destination AE as C-STORE sub-operations.
type MoveService struct {
	source       interfaces.InstanceSource
	destinations map[string]string
	open         StoreOpener
	logger       *slog.Logger
}

// NewMoveService creates a C-MOVE handler. destinations maps AE titles to host:port.
func NewMoveService(source interfaces.InstanceSource, destinations map[string]string, open StoreOpener, logger *slog.Logger) *MoveService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MoveService{
		source:       source,
		destinations: destinations,
		open:         open,
		logger:       logger,
	}
}

// HandleDIMSE is not used for C-MOVE; the registry prefers HandleDIMSEStreaming.
func (s *MoveService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	return NewCMoveErrorResponse(msg, types.StatusFailure), nil, nil
}

// HandleDIMSEStreaming performs the sub-operations, reporting progress after each one.
func (s *MoveService) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	ts := meta.TransferSyntaxUID
	logger := s.logger.With("move_destination", msg.MoveDestination, "message_id", msg.MessageID)

	address, ok := s.destinations[msg.MoveDestination]
	if !ok {
		logger.WarnContext(ctx, "Unknown move destination")
		return responder.SendResponse(NewCMoveErrorResponse(msg, types.StatusMoveDestUnknown), nil, ts)
	}

	identifier, err := dicom.ParseDataset(data, ts)
	if err != nil {
		logger.WarnContext(ctx, "Unreadable C-MOVE identifier", "error", err)
		return responder.SendResponse(NewCMoveErrorResponse(msg, types.StatusFailure), nil, ts)
	}
	level := identifier.GetString(tag.QueryRetrieveLevel)

	instances, err := s.source.Retrieve(ctx, level, identifier)
	if err != nil {
		logger.ErrorContext(ctx, "C-MOVE retrieve failed", "level", level, "error", err)
		return responder.SendResponse(NewCMoveErrorResponse(msg, types.StatusFailure), nil, ts)
	}
	if len(instances) > 0xFFFF {
		return fmt.Errorf("c-move selects %d instances, more than a response can count", len(instances))
	}

	ops := SubOperations{Remaining: uint16(len(instances))}
	if len(instances) == 0 {
		return responder.SendResponse(NewCMoveFinalResponse(msg, types.StatusSuccess, ops), nil, ts)
	}

	assoc, err := s.open(ctx, msg.MoveDestination, address)
	if err != nil {
		logger.ErrorContext(ctx, "Cannot reach move destination", "address", address, "error", err)
		ops.Failed, ops.Remaining = ops.Remaining, 0
		return responder.SendResponse(NewCMoveFinalResponse(msg, types.StatusSubOpsWithFailures, ops), nil, ts)
	}
	defer assoc.Close()

	for _, instance := range instances {
		if ctx.Err() != nil {
			logger.InfoContext(ctx, "C-MOVE cancelled", "remaining", ops.Remaining)
			return responder.SendResponse(NewCMoveFinalResponse(msg, types.StatusCancel, ops), nil, ts)
		}

		status, err := assoc.Store(ctx, instance, meta.CallingAETitle, msg.MessageID)
		ops.Remaining--
		switch {
		case err != nil || status&0xF000 == 0xA000 || status&0xF000 == 0xC000:
			ops.Failed++
			logger.WarnContext(ctx, "C-STORE sub-operation failed",
				"sop_instance", instance.SOPInstanceUID,
				"status", fmt.Sprintf("0x%04X", status),
				"error", err)
		case types.IsWarningStatus(status):
			ops.Warning++
		default:
			ops.Completed++
		}

		if ops.Remaining > 0 {
			if err := responder.SendResponse(NewCMovePendingResponse(msg, ops), nil, ts); err != nil {
				return err
			}
		}
	}

	status := uint16(types.StatusSuccess)
	if ops.Failed > 0 || ops.Warning > 0 {
		status = types.StatusSubOpsWithFailures
	}
	logger.InfoContext(ctx, "C-MOVE complete",
		"completed", ops.Completed,
		"failed", ops.Failed,
		"warning", ops.Warning)
	return responder.SendResponse(NewCMoveFinalResponse(msg, status, ops), nil, ts)
}
