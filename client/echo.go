package client

import (
	"context"
	"fmt"

	dicomerrors "github.com/caio-sobreiro/rtexport/errors"
	"github.com/caio-sobreiro/rtexport/types"
)

// SendCEcho performs a C-ECHO verification and returns an error unless the
// peer answers with success.
func (a *Association) SendCEcho(ctx context.Context) error {
	presContextID, err := a.GetPresentationContextID(types.VerificationSOPClass)
	if err != nil {
		return err
	}

	messageID := a.nextMessageID()
	command := &types.Message{
		CommandField:        types.CEchoRQ,
		MessageID:           messageID,
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  types.NoDataSet,
	}
	if err := a.send(presContextID, command, nil); err != nil {
		return fmt.Errorf("failed to send C-ECHO request: %w", err)
	}

	msg, _, err := a.receive(ctx)
	if err != nil {
		return fmt.Errorf("failed to receive C-ECHO response: %w", err)
	}
	if msg.CommandField != types.CEchoRSP {
		return fmt.Errorf("%w: unexpected command 0x%04x (expected C-ECHO-RSP)", dicomerrors.ErrInvalidMessage, msg.CommandField)
	}
	if msg.Status != types.StatusSuccess {
		return dicomerrors.NewDIMSEError("C-ECHO", msg.Status, "verification failed")
	}

	a.logger.DebugContext(ctx, "C-ECHO successful", "called_ae", a.calledAETitle)
	return nil
}
