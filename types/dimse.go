// Package types contains the DIMSE protocol constants and the export data model
// shared by the archive client, the local receiver and the orchestrator.
package types

// DIMSE Command types
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CFindRQ   = 0x0020
	CFindRSP  = 0x8020
	CMoveRQ   = 0x0021
	CMoveRSP  = 0x8021
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
	CCancelRQ = 0x0FFF
)

// DIMSE Status codes
const (
	StatusSuccess            = 0x0000
	StatusPending            = 0xFF00
	StatusPendingWarning     = 0xFF01
	StatusCancel             = 0xFE00
	StatusFailure            = 0xC000
	StatusOutOfResources     = 0xA700
	StatusMoveDestUnknown    = 0xA801
	StatusSubOpsWithFailures = 0xB000
)

// Command Data Set Type values
const (
	DataSetPresent = 0x0000
	NoDataSet      = 0x0101
)

// Priority values
const (
	PriorityMedium = 0x0000
	PriorityHigh   = 0x0001
	PriorityLow    = 0x0002
)

// Message represents a parsed DIMSE command
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	RequestedSOPClassUID      string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	MessageIDBeingRespondedTo uint16
	MoveDestination           string // C-MOVE-RQ: AE title receiving the C-STORE sub-operations

	// Present on C-STORE-RQ sub-operations issued on behalf of a C-MOVE
	MoveOriginatorAETitle   string
	MoveOriginatorMessageID uint16

	// C-MOVE response counters
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// HasDataset reports whether a dataset follows the command.
func (m *Message) HasDataset() bool {
	return m.CommandDataSetType != NoDataSet
}

// ResponseCommandFor maps a DIMSE request command to its corresponding response command.
func ResponseCommandFor(request uint16) uint16 {
	switch request {
	case CStoreRQ:
		return CStoreRSP
	case CFindRQ:
		return CFindRSP
	case CMoveRQ:
		return CMoveRSP
	case CEchoRQ:
		return CEchoRSP
	default:
		return request | 0x8000
	}
}

// IsPendingStatus reports whether the status keeps a multi-response operation open.
func IsPendingStatus(status uint16) bool {
	return status == StatusPending || status == StatusPendingWarning
}

// IsWarningStatus reports whether the status is in one of the warning ranges.
func IsWarningStatus(status uint16) bool {
	return (status&0xFF00) == 0x0100 || status == 0x0001 || (status&0xF000) == 0xB000
}

// IsFailureStatus reports whether the status is in one of the failure ranges.
func IsFailureStatus(status uint16) bool {
	return (status&0xF000) == 0xA000 || (status&0xF000) == 0xC000
}
