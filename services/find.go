package services

import (
	"context"
	"log/slog"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/caio-sobreiro/rtexport/dicom"
	"github.com/caio-sobreiro/rtexport/interfaces"
	"github.com/caio-sobreiro/rtexport/types"
)

// FindService answers C-FIND requests from an instance source, one pending
// response per match.
type FindService struct {
	source interfaces.InstanceSource
	logger *slog.Logger
}

// NewFindService creates a C-FIND handler over source.
func NewFindService(source interfaces.InstanceSource, logger *slog.Logger) *FindService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FindService{source: source, logger: logger}
}

// HandleDIMSE is not used for C-FIND; the registry prefers HandleDIMSEStreaming.
func (s *FindService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	return NewCFindFinalResponse(msg, types.StatusFailure), nil, nil
}

// HandleDIMSEStreaming sends every match as a pending response followed by a final status.
func (s *FindService) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	identifier, err := dicom.ParseDataset(data, meta.TransferSyntaxUID)
	if err != nil {
		s.logger.WarnContext(ctx, "Unreadable C-FIND identifier", "error", err)
		return responder.SendResponse(NewCFindFinalResponse(msg, types.StatusFailure), nil, meta.TransferSyntaxUID)
	}
	level := identifier.GetString(tag.QueryRetrieveLevel)

	matches, err := s.source.Match(ctx, level, identifier)
	if err != nil {
		s.logger.ErrorContext(ctx, "C-FIND match failed", "level", level, "error", err)
		return responder.SendResponse(NewCFindFinalResponse(msg, types.StatusFailure), nil, meta.TransferSyntaxUID)
	}

	s.logger.InfoContext(ctx, "C-FIND",
		"level", level,
		"calling_ae", meta.CallingAETitle,
		"matches", len(matches))

	for _, match := range matches {
		if ctx.Err() != nil {
			return responder.SendResponse(NewCFindFinalResponse(msg, types.StatusCancel), nil, meta.TransferSyntaxUID)
		}
		if err := responder.SendResponse(NewCFindPendingResponse(msg), match, meta.TransferSyntaxUID); err != nil {
			return err
		}
	}
	return responder.SendResponse(NewCFindFinalResponse(msg, types.StatusSuccess), nil, meta.TransferSyntaxUID)
}
