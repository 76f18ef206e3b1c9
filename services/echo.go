// Package services provides the DIMSE service handlers used by the local
// receiver and the development archive: a command registry, C-ECHO,
// C-FIND and C-MOVE over an instance source, and response builders.
package services

import (
	"context"
	"log/slog"

	"github.com/caio-sobreiro/rtexport/dicom"
	"github.com/caio-sobreiro/rtexport/interfaces"
	"github.com/caio-sobreiro/rtexport/types"
)

// EchoService answers C-ECHO verification requests.
type EchoService struct {
	logger *slog.Logger
}

// NewEchoService creates a new C-ECHO service instance.
func NewEchoService(logger *slog.Logger) *EchoService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EchoService{logger: logger}
}

// HandleDIMSE returns a success C-ECHO-RSP. C-ECHO never carries a dataset.
func (s *EchoService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	s.logger.DebugContext(ctx, "C-ECHO request",
		"message_id", msg.MessageID,
		"calling_ae", meta.CallingAETitle)
	return NewCEchoResponse(msg, types.StatusSuccess), nil, nil
}
