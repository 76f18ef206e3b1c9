package pdu

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/caio-sobreiro/rtexport/types"
)

const fixedFieldsLength = 68

// Presentation context results (PS3.8 9.3.3.2)
const (
	ResultAcceptance           byte = 0x00
	ResultUserRejection        byte = 0x01
	ResultNoReason             byte = 0x02
	ResultRejectAbstractSyntax byte = 0x03
	ResultRejectTransferSyntax byte = 0x04
)

// PresentationContextRQ is one proposed presentation context.
type PresentationContextRQ struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// PresentationContextAC is the acceptor's answer to one proposed context.
type PresentationContextAC struct {
	ID             byte
	Result         byte
	TransferSyntax string
}

// AssociateRQ holds the fields of an A-ASSOCIATE-RQ used by this module.
type AssociateRQ struct {
	CalledAETitle  string
	CallingAETitle string
	Contexts       []PresentationContextRQ
	MaxPDULength   uint32
}

// AssociateAC holds the fields of an A-ASSOCIATE-AC used by this module.
type AssociateAC struct {
	CalledAETitle  string
	CallingAETitle string
	Contexts       []PresentationContextAC
	MaxPDULength   uint32
}

// ReadPDU reads one complete PDU.
func ReadPDU(r io.Reader) (*types.PDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read PDU data: %w", err)
	}
	return &types.PDU{Type: header[0], Length: length, Data: data}, nil
}

func frame(pduType byte, data []byte) []byte {
	out := make([]byte, 6, 6+len(data))
	out[0] = pduType
	binary.BigEndian.PutUint32(out[2:6], uint32(len(data)))
	return append(out, data...)
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

func aeField(ae string) []byte {
	field := []byte(fmt.Sprintf("%-16s", ae))
	return field[:16]
}

func trimAE(raw []byte) string {
	s := string(raw)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

func fixedFields(called, calling string) []byte {
	buf := make([]byte, 0, fixedFieldsLength)
	buf = append(buf, 0x00, 0x01, 0x00, 0x00) // protocol version, reserved
	buf = append(buf, aeField(called)...)
	buf = append(buf, aeField(calling)...)
	return append(buf, make([]byte, 32)...)
}

func userInformation(maxPDULength uint32) []byte {
	var sub []byte
	sub = appendItem(sub, types.ItemMaxLength, binary.BigEndian.AppendUint32(nil, maxPDULength))
	sub = appendItem(sub, types.ItemImplementationUID, []byte(types.ImplementationClassUID))
	sub = appendItem(sub, types.ItemImplementationVersion, []byte(types.ImplementationVersionName))
	return appendItem(nil, types.ItemUserInformation, sub)
}

// EncodeAssociateRQ builds a complete A-ASSOCIATE-RQ PDU.
func EncodeAssociateRQ(rq AssociateRQ) []byte {
	buf := fixedFields(rq.CalledAETitle, rq.CallingAETitle)
	buf = appendItem(buf, types.ItemApplicationContext, []byte(types.ApplicationContextUID))
	for _, pc := range rq.Contexts {
		value := []byte{pc.ID, 0x00, 0x00, 0x00}
		value = appendItem(value, types.ItemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			value = appendItem(value, types.ItemTransferSyntax, []byte(ts))
		}
		buf = appendItem(buf, types.ItemPresentationContextRQ, value)
	}
	buf = append(buf, userInformation(rq.MaxPDULength)...)
	return frame(types.TypeAssociateRQ, buf)
}

// EncodeAssociateAC builds a complete A-ASSOCIATE-AC PDU. Rejected contexts
// are omitted: several archives refuse an AC that lists them.
func EncodeAssociateAC(ac AssociateAC) []byte {
	buf := fixedFields(ac.CalledAETitle, ac.CallingAETitle)
	buf = appendItem(buf, types.ItemApplicationContext, []byte(types.ApplicationContextUID))
	for _, pc := range ac.Contexts {
		if pc.Result != ResultAcceptance || pc.TransferSyntax == "" {
			continue
		}
		value := []byte{pc.ID, 0x00, pc.Result, 0x00}
		value = appendItem(value, types.ItemTransferSyntax, []byte(pc.TransferSyntax))
		buf = appendItem(buf, types.ItemPresentationContextAC, value)
	}
	buf = append(buf, userInformation(ac.MaxPDULength)...)
	return frame(types.TypeAssociateAC, buf)
}

// EncodeAssociateRJ builds an A-ASSOCIATE-RJ PDU.
func EncodeAssociateRJ(result, source, reason byte) []byte {
	return frame(types.TypeAssociateRJ, []byte{0x00, result, source, reason})
}

// EncodeReleaseRQ builds an A-RELEASE-RQ PDU.
func EncodeReleaseRQ() []byte {
	return frame(types.TypeReleaseRQ, make([]byte, 4))
}

// EncodeReleaseRP builds an A-RELEASE-RP PDU.
func EncodeReleaseRP() []byte {
	return frame(types.TypeReleaseRP, make([]byte, 4))
}

// EncodeAbort builds an A-ABORT PDU.
func EncodeAbort(source, reason byte) []byte {
	return frame(types.TypeAbort, []byte{0x00, 0x00, source, reason})
}

// walkItems calls fn for every item in data. Items are type(1) reserved(1) length(2) value.
func walkItems(data []byte, fn func(itemType byte, value []byte) error) error {
	for offset := 0; offset+4 <= len(data); {
		itemType := data[offset]
		end := offset + 4 + int(binary.BigEndian.Uint16(data[offset+2:offset+4]))
		if end > len(data) {
			return fmt.Errorf("item 0x%02x exceeds PDU length", itemType)
		}
		if err := fn(itemType, data[offset+4:end]); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

func parseMaxLength(value []byte) (uint32, error) {
	var maxPDULength uint32
	err := walkItems(value, func(subType byte, sub []byte) error {
		if subType == types.ItemMaxLength && len(sub) == 4 {
			maxPDULength = binary.BigEndian.Uint32(sub)
		}
		return nil
	})
	return maxPDULength, err
}

// ParseAssociateRQ decodes the body of an A-ASSOCIATE-RQ PDU.
func ParseAssociateRQ(data []byte) (*AssociateRQ, error) {
	if len(data) < fixedFieldsLength {
		return nil, fmt.Errorf("association request too short: %d bytes", len(data))
	}
	rq := &AssociateRQ{
		CalledAETitle:  trimAE(data[4:20]),
		CallingAETitle: trimAE(data[20:36]),
	}
	err := walkItems(data[fixedFieldsLength:], func(itemType byte, value []byte) error {
		switch itemType {
		case types.ItemPresentationContextRQ:
			if len(value) < 4 {
				return fmt.Errorf("presentation context too short: %d", len(value))
			}
			pc := PresentationContextRQ{ID: value[0]}
			if err := walkItems(value[4:], func(subType byte, sub []byte) error {
				switch subType {
				case types.ItemAbstractSyntax:
					pc.AbstractSyntax = normalizeUID(sub)
				case types.ItemTransferSyntax:
					pc.TransferSyntaxes = append(pc.TransferSyntaxes, normalizeUID(sub))
				}
				return nil
			}); err != nil {
				return fmt.Errorf("presentation context %d: %w", pc.ID, err)
			}
			rq.Contexts = append(rq.Contexts, pc)
		case types.ItemUserInformation:
			maxPDULength, err := parseMaxLength(value)
			if err != nil {
				return fmt.Errorf("user information: %w", err)
			}
			rq.MaxPDULength = maxPDULength
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rq, nil
}

// ParseAssociateAC decodes the body of an A-ASSOCIATE-AC PDU.
func ParseAssociateAC(data []byte) (*AssociateAC, error) {
	if len(data) < fixedFieldsLength {
		return nil, fmt.Errorf("association accept too short: %d bytes", len(data))
	}
	ac := &AssociateAC{
		CalledAETitle:  trimAE(data[4:20]),
		CallingAETitle: trimAE(data[20:36]),
	}
	err := walkItems(data[fixedFieldsLength:], func(itemType byte, value []byte) error {
		switch itemType {
		case types.ItemPresentationContextAC:
			if len(value) < 4 {
				return fmt.Errorf("presentation context result too short: %d", len(value))
			}
			pc := PresentationContextAC{ID: value[0], Result: value[2]}
			if err := walkItems(value[4:], func(subType byte, sub []byte) error {
				if subType == types.ItemTransferSyntax {
					pc.TransferSyntax = normalizeUID(sub)
				}
				return nil
			}); err != nil {
				return fmt.Errorf("presentation context %d: %w", pc.ID, err)
			}
			ac.Contexts = append(ac.Contexts, pc)
		case types.ItemUserInformation:
			maxPDULength, err := parseMaxLength(value)
			if err != nil {
				return fmt.Errorf("user information: %w", err)
			}
			ac.MaxPDULength = maxPDULength
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ac, nil
}
