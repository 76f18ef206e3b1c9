// Package interfaces contains the service and handler interfaces shared by the
// DIMSE, PDU and service layers.
package interfaces

import (
	"context"

	"github.com/caio-sobreiro/rtexport/dicom"
	"github.com/caio-sobreiro/rtexport/types"
)

// MessageContext carries association state for one DIMSE message.
type MessageContext struct {
	PresentationContextID byte
	AbstractSyntaxUID     string
	TransferSyntaxUID     string
	CallingAETitle        string
	CalledAETitle         string
}

// ServiceHandler interface for handling DIMSE operations
type ServiceHandler interface {
	HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta MessageContext) (*types.Message, *dicom.Dataset, error)
}

// StreamingServiceHandler interface for multi-response DIMSE operations
type StreamingServiceHandler interface {
	HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta MessageContext, responder ResponseSender) error
}

// ResponseSender interface for sending intermediate responses
type ResponseSender interface {
	SendResponse(msg *types.Message, dataset *dicom.Dataset, transferSyntaxUID string) error
}

// DIMSEHandler interface for PDU layer to communicate with DIMSE layer
type DIMSEHandler interface {
	HandleDIMSEMessage(ctx context.Context, meta MessageContext, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error
}

// PDULayer interface for DIMSE layer to communicate with PDU layer
type PDULayer interface {
	SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, dataset []byte) error
}
