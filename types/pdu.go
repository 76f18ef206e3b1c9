package types

// PDU type constants
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// Association item types
const (
	ItemApplicationContext    = 0x10
	ItemPresentationContextRQ = 0x20
	ItemPresentationContextAC = 0x21
	ItemAbstractSyntax        = 0x30
	ItemTransferSyntax        = 0x40
	ItemUserInformation       = 0x50
	ItemMaxLength             = 0x51
	ItemImplementationUID     = 0x52
	ItemImplementationVersion = 0x55
)

// DefaultMaxPDULength is proposed when nothing else is configured.
const DefaultMaxPDULength = 16384

// Implementation identification sent in the user information item
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.10.1187.1"
	ImplementationVersionName = "RTEXPORT_1_0"
)

// PDU represents a Protocol Data Unit
type PDU struct {
	Type   byte
	Length uint32
	Data   []byte
}
