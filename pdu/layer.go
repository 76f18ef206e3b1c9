// Package pdu implements the acceptor side of the DICOM upper layer protocol:
// association negotiation, P-DATA-TF routing, release and abort.
package pdu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/caio-sobreiro/rtexport/dimse"
	dicomerrors "github.com/caio-sobreiro/rtexport/errors"
	"github.com/caio-sobreiro/rtexport/interfaces"
	"github.com/caio-sobreiro/rtexport/types"
)

// Layer handles the DICOM Upper Layer Protocol for one accepted connection.
type Layer struct {
	conn           net.Conn
	associationCtx *AssociationContext
	dimseHandler   interfaces.DIMSEHandler
	serverAETitle  string
	acceptor       Acceptor
	logger         *slog.Logger
}

// AssociationContext holds association state
type AssociationContext struct {
	CalledAETitle    string
	CallingAETitle   string
	MaxPDULength     uint32
	PresentationCtxs map[byte]*PresentationContext
}

// PresentationContext represents a negotiated presentation context
type PresentationContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}

// Acceptor decides which abstract syntaxes an SCP accepts.
type Acceptor func(abstractSyntax string) bool

// DefaultAcceptor accepts verification, the storage SOP classes and the
// study/patient root FIND and MOVE models.
func DefaultAcceptor(uid string) bool {
	if types.IsStorageSOPClass(uid) {
		return true
	}
	switch uid {
	case types.VerificationSOPClass,
		types.StudyRootQueryRetrieveInformationModelFind,
		types.StudyRootQueryRetrieveInformationModelMove,
		types.PatientRootQueryRetrieveInformationModelFind,
		types.PatientRootQueryRetrieveInformationModelMove:
		return true
	}
	return false
}

// negotiate picks the first proposed transfer syntax this module can decode.
func negotiate(pc PresentationContextRQ, accept Acceptor) *PresentationContext {
	result := &PresentationContext{
		ID:             pc.ID,
		Result:         ResultRejectAbstractSyntax,
		AbstractSyntax: pc.AbstractSyntax,
	}
	if !accept(pc.AbstractSyntax) {
		return result
	}
	result.Result = ResultRejectTransferSyntax
	for _, ts := range pc.TransferSyntaxes {
		if types.IsSupportedTransferSyntax(ts) {
			result.Result = ResultAcceptance
			result.TransferSyntax = ts
			break
		}
	}
	return result
}

// NewLayer creates a new PDU layer handler. A nil acceptor means DefaultAcceptor.
func NewLayer(conn net.Conn, dimseHandler interfaces.DIMSEHandler, serverAETitle string, acceptor Acceptor, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	if acceptor == nil {
		acceptor = DefaultAcceptor
	}
	return &Layer{
		conn:          conn,
		dimseHandler:  dimseHandler,
		serverAETitle: serverAETitle,
		acceptor:      acceptor,
		logger:        logger,
	}
}

// HandleConnection manages the complete DICOM connection lifecycle
func (p *Layer) HandleConnection(ctx context.Context) error {
	defer p.conn.Close()
	p.logger.InfoContext(ctx, "New DICOM connection", "remote_addr", p.conn.RemoteAddr())

	if err := p.handleAssociationPhase(); err != nil {
		return fmt.Errorf("association failed: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			_, _ = p.conn.Write(EncodeAbort(0x00, 0x00))
			return nil
		}

		pdu, err := ReadPDU(p.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.logger.InfoContext(ctx, "Connection closed by peer", "remote_addr", p.conn.RemoteAddr())
			} else {
				p.logger.WarnContext(ctx, "Error reading PDU", "error", err, "remote_addr", p.conn.RemoteAddr())
			}
			return nil
		}

		if err := p.handlePDU(ctx, pdu); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			_, _ = p.conn.Write(EncodeAbort(0x02, 0x00))
			return fmt.Errorf("error handling PDU: %w", err)
		}
	}
}

// handlePDU routes PDUs to appropriate handlers
func (p *Layer) handlePDU(ctx context.Context, pdu *types.PDU) error {
	p.logger.DebugContext(ctx, "Received PDU", "type", fmt.Sprintf("0x%02x", pdu.Type), "length", pdu.Length)

	switch pdu.Type {
	case types.TypePDataTF:
		return p.handlePDataTF(ctx, pdu)
	case types.TypeReleaseRQ:
		if _, err := p.conn.Write(EncodeReleaseRP()); err != nil {
			return fmt.Errorf("failed to send A-RELEASE-RP: %w", err)
		}
		p.logger.DebugContext(ctx, "Association released", "calling_ae", p.associationCtx.CallingAETitle)
		return io.EOF
	case types.TypeReleaseRP:
		return io.EOF
	case types.TypeAbort:
		p.logger.InfoContext(ctx, "Received A-ABORT", "calling_ae", p.associationCtx.CallingAETitle)
		return io.EOF
	default:
		p.logger.WarnContext(ctx, "Unhandled PDU type", "type", fmt.Sprintf("0x%02x", pdu.Type))
		return nil
	}
}

// handleAssociationPhase reads the A-ASSOCIATE-RQ and answers it.
func (p *Layer) handleAssociationPhase() error {
	pdu, err := ReadPDU(p.conn)
	if err != nil {
		return fmt.Errorf("failed to read association request: %w", err)
	}
	if pdu.Type != types.TypeAssociateRQ {
		return fmt.Errorf("expected A-ASSOCIATE-RQ, got PDU type: 0x%02x", pdu.Type)
	}

	rq, err := ParseAssociateRQ(pdu.Data)
	if err != nil {
		_, _ = p.conn.Write(EncodeAssociateRJ(0x01, byte(dicomerrors.RejectSourceServiceUser), byte(dicomerrors.RejectReasonNoReasonGiven)))
		return err
	}

	if p.serverAETitle != "" && rq.CalledAETitle != p.serverAETitle {
		p.logger.Warn("Rejecting association for unknown called AE",
			"called_ae", rq.CalledAETitle,
			"calling_ae", rq.CallingAETitle)
		_, _ = p.conn.Write(EncodeAssociateRJ(0x01, byte(dicomerrors.RejectSourceServiceUser), byte(dicomerrors.RejectReasonCalledAETitleNotRecognized)))
		return dicomerrors.NewAssociationError(dicomerrors.RejectSourceServiceUser, dicomerrors.RejectReasonCalledAETitleNotRecognized, rq.CalledAETitle)
	}

	p.associationCtx = &AssociationContext{
		CalledAETitle:    rq.CalledAETitle,
		CallingAETitle:   rq.CallingAETitle,
		MaxPDULength:     rq.MaxPDULength,
		PresentationCtxs: make(map[byte]*PresentationContext, len(rq.Contexts)),
	}
	if p.associationCtx.MaxPDULength == 0 {
		p.associationCtx.MaxPDULength = types.DefaultMaxPDULength
	}

	ac := AssociateAC{
		CalledAETitle:  rq.CalledAETitle,
		CallingAETitle: rq.CallingAETitle,
		MaxPDULength:   types.DefaultMaxPDULength,
	}
	accepted := 0
	for _, proposed := range rq.Contexts {
		pc := negotiate(proposed, p.acceptor)
		p.associationCtx.PresentationCtxs[pc.ID] = pc
		ac.Contexts = append(ac.Contexts, PresentationContextAC{ID: pc.ID, Result: pc.Result, TransferSyntax: pc.TransferSyntax})
		if pc.Result == ResultAcceptance {
			accepted++
		}
		p.logger.Debug("Presentation context negotiation result",
			"context_id", pc.ID,
			"abstract_syntax", pc.AbstractSyntax,
			"selected_transfer_syntax", pc.TransferSyntax,
			"result", pc.Result)
	}

	if accepted == 0 {
		_, _ = p.conn.Write(EncodeAssociateRJ(0x01, byte(dicomerrors.RejectSourceServiceUser), byte(dicomerrors.RejectReasonNoReasonGiven)))
		return dicomerrors.ErrNoPresentationCtx
	}

	if _, err := p.conn.Write(EncodeAssociateAC(ac)); err != nil {
		return fmt.Errorf("failed to send A-ASSOCIATE-AC: %w", err)
	}

	p.logger.Info("Association accepted",
		"calling_ae", rq.CallingAETitle,
		"called_ae", rq.CalledAETitle,
		"proposed", len(rq.Contexts),
		"accepted", accepted,
		"max_pdu_length", p.associationCtx.MaxPDULength)
	return nil
}

// handlePDataTF forwards every PDV of a P-DATA-TF PDU to the DIMSE layer.
func (p *Layer) handlePDataTF(ctx context.Context, pdu *types.PDU) error {
	data := pdu.Data
	for offset := 0; offset < len(data); {
		if offset+6 > len(data) {
			return fmt.Errorf("P-DATA-TF too short")
		}
		pdvLength := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		end := offset + 4 + pdvLength
		if pdvLength < 2 || end > len(data) {
			return fmt.Errorf("incomplete PDV data")
		}
		presContextID := data[offset+4]
		msgCtrlHeader := data[offset+5]
		value := data[offset+6 : end]
		offset = end

		pc, ok := p.associationCtx.PresentationCtxs[presContextID]
		if !ok || pc.Result != ResultAcceptance {
			return fmt.Errorf("PDV on unknown presentation context %d", presContextID)
		}

		meta := interfaces.MessageContext{
			PresentationContextID: presContextID,
			AbstractSyntaxUID:     pc.AbstractSyntax,
			TransferSyntaxUID:     pc.TransferSyntax,
			CallingAETitle:        p.associationCtx.CallingAETitle,
			CalledAETitle:         p.associationCtx.CalledAETitle,
		}
		if err := p.dimseHandler.HandleDIMSEMessage(ctx, meta, msgCtrlHeader, value, p); err != nil {
			return err
		}
	}
	return nil
}

// SendDIMSEResponseWithDataset sends a DIMSE response, fragmented to the peer's maximum PDU length.
func (p *Layer) SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error {
	return dimse.SendDIMSEMessage(p.conn, presContextID, p.associationCtx.MaxPDULength, commandData, datasetData)
}

// GetTransferSyntax returns the negotiated transfer syntax for the given presentation context.
func (p *Layer) GetTransferSyntax(presContextID byte) (string, error) {
	if p.associationCtx == nil {
		return "", fmt.Errorf("association context not initialized")
	}
	pc, ok := p.associationCtx.PresentationCtxs[presContextID]
	if !ok {
		return "", fmt.Errorf("presentation context %d not found", presContextID)
	}
	if pc.TransferSyntax == "" {
		return "", fmt.Errorf("no transfer syntax negotiated for presentation context %d", presContextID)
	}
	return pc.TransferSyntax, nil
}
