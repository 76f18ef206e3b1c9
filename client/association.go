// Package client implements the requesting side of the DICOM network
// protocols used against a remote archive: association establishment,
// C-ECHO, C-FIND, C-MOVE, C-CANCEL and C-STORE.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/caio-sobreiro/rtexport/dimse"
	dicomerrors "github.com/caio-sobreiro/rtexport/errors"
	"github.com/caio-sobreiro/rtexport/pdu"
	"github.com/caio-sobreiro/rtexport/types"
)

// Association represents a client-side DICOM association
type Association struct {
	conn             net.Conn
	address          string
	callingAETitle   string
	calledAETitle    string
	maxPDULength     uint32 // largest PDU the peer accepts
	presentationCtxs map[byte]*PresentationContext
	readTimeout      time.Duration
	writeTimeout     time.Duration
	logger           *slog.Logger
	lastMessageID    uint16
}

// PresentationContext holds negotiated presentation context info
type PresentationContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
	Accepted       bool
}

// Config holds client configuration
type Config struct {
	CallingAETitle            string
	CalledAETitle             string
	MaxPDULength              uint32        // Largest PDU we accept (default: 16384)
	ConnectTimeout            time.Duration // Timeout for establishing connection (default: 30s)
	ReadTimeout               time.Duration // Idle timeout for reads (default: 60s)
	WriteTimeout              time.Duration // Idle timeout for writes (default: 60s)
	Logger                    *slog.Logger  // Logger for the association (default: slog.Default())
	PreferredTransferSyntaxes []string      // Transfer syntaxes to propose (default: Explicit VR, Implicit VR)

	// AbstractSyntaxes are proposed with every preferred transfer syntax
	// (default: verification plus Study Root FIND and MOVE).
	AbstractSyntaxes []string

	// StorageSOPClasses are proposed once per transfer syntax so that stored
	// objects can be sent in the encoding they were received in.
	StorageSOPClasses []string
}

// DefaultAbstractSyntaxes are proposed when Config.AbstractSyntaxes is empty.
var DefaultAbstractSyntaxes = []string{
	types.VerificationSOPClass,
	types.StudyRootQueryRetrieveInformationModelFind,
	types.StudyRootQueryRetrieveInformationModelMove,
}

// Connect establishes a DICOM association with a remote SCP.
func Connect(ctx context.Context, address string, config Config) (*Association, error) {
	if config.MaxPDULength == 0 {
		config.MaxPDULength = types.DefaultMaxPDULength
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 60 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transferSyntaxes := config.PreferredTransferSyntaxes
	if len(transferSyntaxes) == 0 {
		transferSyntaxes = types.SupportedTransferSyntaxes
	}
	abstractSyntaxes := config.AbstractSyntaxes
	if len(abstractSyntaxes) == 0 {
		abstractSyntaxes = DefaultAbstractSyntaxes
	}

	dialer := &net.Dialer{Timeout: config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, dicomerrors.NewNetworkError("dial "+address, err)
	}

	assoc := &Association{
		conn:             conn,
		address:          address,
		callingAETitle:   config.CallingAETitle,
		calledAETitle:    config.CalledAETitle,
		presentationCtxs: make(map[byte]*PresentationContext),
		readTimeout:      config.ReadTimeout,
		writeTimeout:     config.WriteTimeout,
		logger:           logger,
	}

	rq := pdu.AssociateRQ{
		CalledAETitle:  config.CalledAETitle,
		CallingAETitle: config.CallingAETitle,
		MaxPDULength:   config.MaxPDULength,
	}
	nextID := 1
	propose := func(abstractSyntax string, syntaxes []string) error {
		if nextID > 255 {
			return fmt.Errorf("too many presentation contexts")
		}
		id := byte(nextID)
		rq.Contexts = append(rq.Contexts, pdu.PresentationContextRQ{ID: id, AbstractSyntax: abstractSyntax, TransferSyntaxes: syntaxes})
		assoc.presentationCtxs[id] = &PresentationContext{ID: id, AbstractSyntax: abstractSyntax}
		nextID += 2
		return nil
	}
	for _, uid := range abstractSyntaxes {
		if err := propose(uid, transferSyntaxes); err != nil {
			conn.Close()
			return nil, err
		}
	}
	for _, uid := range config.StorageSOPClasses {
		for _, ts := range transferSyntaxes {
			if err := propose(uid, []string{ts}); err != nil {
				conn.Close()
				return nil, err
			}
		}
	}

	if err := conn.SetDeadline(time.Now().Add(config.ReadTimeout)); err != nil {
		conn.Close()
		return nil, dicomerrors.NewNetworkError("set deadline", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(pdu.EncodeAssociateRQ(rq)); err != nil {
		conn.Close()
		return nil, dicomerrors.NewNetworkError("send A-ASSOCIATE-RQ", err)
	}
	if err := assoc.receiveAssociateAC(); err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	logger.Debug("DICOM association established",
		"remote_addr", address,
		"calling_ae", config.CallingAETitle,
		"called_ae", config.CalledAETitle,
		"peer_max_pdu", assoc.maxPDULength)

	return assoc, nil
}

// receiveAssociateAC receives and parses the association response.
func (a *Association) receiveAssociateAC() error {
	resp, err := pdu.ReadPDU(a.conn)
	if err != nil {
		return dicomerrors.NewNetworkError("read association response", err)
	}

	switch resp.Type {
	case types.TypeAssociateAC:
	case types.TypeAssociateRJ:
		if len(resp.Data) < 4 {
			return dicomerrors.ErrAssociationRejected
		}
		return dicomerrors.NewAssociationError(
			dicomerrors.AssociationRejectSource(resp.Data[2]),
			dicomerrors.AssociationRejectReason(resp.Data[3]),
			fmt.Sprintf("%s at %s", a.calledAETitle, a.address))
	case types.TypeAbort:
		var source, reason byte
		if len(resp.Data) >= 4 {
			source, reason = resp.Data[2], resp.Data[3]
		}
		return dicomerrors.NewAbortError(source, reason)
	default:
		return dicomerrors.NewPDUError(resp.Type, "expected A-ASSOCIATE-AC")
	}

	ac, err := pdu.ParseAssociateAC(resp.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", dicomerrors.ErrInvalidPDU, err)
	}
	a.maxPDULength = ac.MaxPDULength
	if a.maxPDULength == 0 {
		a.maxPDULength = types.DefaultMaxPDULength
	}

	accepted := 0
	for _, result := range ac.Contexts {
		pc, ok := a.presentationCtxs[result.ID]
		if !ok {
			continue
		}
		pc.Accepted = result.Result == pdu.ResultAcceptance && result.TransferSyntax != ""
		pc.TransferSyntax = result.TransferSyntax
		if pc.Accepted {
			accepted++
		}
		a.logger.Debug("Presentation context negotiation",
			"context_id", result.ID,
			"abstract_syntax", pc.AbstractSyntax,
			"result", result.Result,
			"transfer_syntax", pc.TransferSyntax)
	}
	if accepted == 0 {
		_, _ = a.conn.Write(pdu.EncodeAbort(0x00, 0x00))
		return dicomerrors.ErrNoPresentationCtx
	}
	return nil
}

// Close releases the association and closes the connection.
func (a *Association) Close() error {
	_ = a.conn.SetDeadline(time.Now().Add(a.readTimeout))
	if _, err := a.conn.Write(pdu.EncodeReleaseRQ()); err != nil {
		a.logger.Warn("Failed to send release request", "error", err)
		return a.conn.Close()
	}
	if resp, err := pdu.ReadPDU(a.conn); err == nil && resp.Type != types.TypeReleaseRP {
		a.logger.Debug("Unexpected PDU during release", "type", fmt.Sprintf("0x%02x", resp.Type))
	}
	return a.conn.Close()
}

// Abort sends A-ABORT and closes the connection without a release handshake.
func (a *Association) Abort() error {
	_, _ = a.conn.Write(pdu.EncodeAbort(0x00, 0x00))
	return a.conn.Close()
}

// GetPresentationContextID finds an accepted presentation context for the
// abstract syntax, preferring the lowest ID.
func (a *Association) GetPresentationContextID(abstractSyntax string) (byte, error) {
	return a.findContext(abstractSyntax, "")
}

// findContext returns the lowest accepted context for abstractSyntax. A
// non-empty transferSyntax must match the negotiated one.
func (a *Association) findContext(abstractSyntax, transferSyntax string) (byte, error) {
	ids := make([]int, 0, len(a.presentationCtxs))
	for id := range a.presentationCtxs {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		pc := a.presentationCtxs[byte(id)]
		if pc.Accepted && pc.AbstractSyntax == abstractSyntax && (transferSyntax == "" || pc.TransferSyntax == transferSyntax) {
			return pc.ID, nil
		}
	}
	return 0, fmt.Errorf("%w: %s %s", dicomerrors.ErrNoPresentationCtx, abstractSyntax, transferSyntax)
}

// TransferSyntax returns the transfer syntax negotiated for a presentation context.
func (a *Association) TransferSyntax(presContextID byte) string {
	if pc, ok := a.presentationCtxs[presContextID]; ok {
		return pc.TransferSyntax
	}
	return ""
}

func (a *Association) nextMessageID() uint16 {
	a.lastMessageID++
	if a.lastMessageID == 0 {
		a.lastMessageID = 1
	}
	return a.lastMessageID
}

// send writes one DIMSE message fragmented to the peer's PDU limit.
func (a *Association) send(presContextID byte, command *types.Message, dataset []byte) error {
	commandData, err := dimse.EncodeCommand(command)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	if err := a.conn.SetWriteDeadline(time.Now().Add(a.writeTimeout)); err != nil {
		return dicomerrors.NewNetworkError("set write deadline", err)
	}
	return dimse.SendDIMSEMessage(a.conn, presContextID, a.maxPDULength, commandData, dataset)
}

// receive reads the next DIMSE message within the read timeout. A context
// that ends while waiting interrupts the read and its error is returned along
// with the I/O error.
func (a *Association) receive(ctx context.Context) (*types.Message, []byte, error) {
	if err := a.conn.SetReadDeadline(time.Now().Add(a.readTimeout)); err != nil {
		return nil, nil, dicomerrors.NewNetworkError("set read deadline", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = a.conn.SetReadDeadline(time.Now()) })
	msg, data, err := dimse.ReceiveDIMSEMessage(a.conn)
	if !stop() && err != nil {
		return nil, nil, errors.Join(ctx.Err(), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil, nil, fmt.Errorf("%w: %w", dicomerrors.NewTimeoutError("DIMSE receive", a.readTimeout.String()), err)
	}
	return msg, data, err
}
