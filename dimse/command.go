// Package dimse encodes DIMSE command sets and moves DIMSE messages over
// P-DATA-TF PDUs for both the requesting and the answering side.
package dimse

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/caio-sobreiro/rtexport/types"
)

// Command set element numbers, group 0000.
const (
	elemGroupLength          = 0x0000
	elemAffectedSOPClass     = 0x0002
	elemRequestedSOPClass    = 0x0003
	elemCommandField         = 0x0100
	elemMessageID            = 0x0110
	elemMessageIDRespondedTo = 0x0120
	elemMoveDestination      = 0x0600
	elemPriority             = 0x0700
	elemDataSetType          = 0x0800
	elemStatus               = 0x0900
	elemAffectedSOPInstance  = 0x1000
	elemRemainingSubOps      = 0x1020
	elemCompletedSubOps      = 0x1021
	elemFailedSubOps         = 0x1022
	elemWarningSubOps        = 0x1023
	elemMoveOriginatorAE     = 0x1030
	elemMoveOriginatorMsgID  = 0x1031
)

func isResponse(commandField uint16) bool {
	return commandField&0x8000 != 0
}

// EncodeCommand encodes a DIMSE command set. Command sets are always
// Implicit VR Little Endian regardless of the negotiated transfer syntax.
func EncodeCommand(msg *types.Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("dimse: nil command")
	}
	buf := make([]byte, 0, 256)

	buf = appendUID(buf, elemAffectedSOPClass, msg.AffectedSOPClassUID)
	buf = appendUID(buf, elemRequestedSOPClass, msg.RequestedSOPClassUID)
	buf = appendUint16(buf, elemCommandField, msg.CommandField)

	if !isResponse(msg.CommandField) && msg.CommandField != types.CCancelRQ {
		buf = appendUint16(buf, elemMessageID, msg.MessageID)
	}
	if isResponse(msg.CommandField) || msg.CommandField == types.CCancelRQ {
		buf = appendUint16(buf, elemMessageIDRespondedTo, msg.MessageIDBeingRespondedTo)
	}
	if msg.MoveDestination != "" {
		buf = appendText(buf, elemMoveDestination, msg.MoveDestination)
	}
	switch msg.CommandField {
	case types.CStoreRQ, types.CFindRQ, types.CMoveRQ:
		buf = appendUint16(buf, elemPriority, msg.Priority)
	}
	buf = appendUint16(buf, elemDataSetType, msg.CommandDataSetType)
	if isResponse(msg.CommandField) {
		buf = appendUint16(buf, elemStatus, msg.Status)
	}
	buf = appendUID(buf, elemAffectedSOPInstance, msg.AffectedSOPInstanceUID)

	for _, counter := range []struct {
		element uint16
		value   *uint16
	}{
		{elemRemainingSubOps, msg.NumberOfRemainingSuboperations},
		{elemCompletedSubOps, msg.NumberOfCompletedSuboperations},
		{elemFailedSubOps, msg.NumberOfFailedSuboperations},
		{elemWarningSubOps, msg.NumberOfWarningSuboperations},
	} {
		if counter.value != nil {
			buf = appendUint16(buf, counter.element, *counter.value)
		}
	}

	if msg.MoveOriginatorAETitle != "" {
		buf = appendText(buf, elemMoveOriginatorAE, msg.MoveOriginatorAETitle)
		buf = appendUint16(buf, elemMoveOriginatorMsgID, msg.MoveOriginatorMessageID)
	}

	out := make([]byte, 0, len(buf)+12)
	out = AppendImplicitElement(out, 0x0000, elemGroupLength, binary.LittleEndian.AppendUint32(nil, uint32(len(buf))))
	return append(out, buf...), nil
}

func appendUint16(buf []byte, element uint16, v uint16) []byte {
	return AppendImplicitElement(buf, 0x0000, element, binary.LittleEndian.AppendUint16(nil, v))
}

func appendUID(buf []byte, element uint16, uid string) []byte {
	if uid == "" {
		return buf
	}
	value := []byte(uid)
	if len(value)%2 == 1 {
		value = append(value, 0x00)
	}
	return AppendImplicitElement(buf, 0x0000, element, value)
}

func appendText(buf []byte, element uint16, text string) []byte {
	value := []byte(text)
	if len(value)%2 == 1 {
		value = append(value, ' ')
	}
	return AppendImplicitElement(buf, 0x0000, element, value)
}

// AppendImplicitElement appends a DICOM element using Implicit VR (no VR field)
func AppendImplicitElement(buf []byte, group, element uint16, value []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, group)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

// DecodeCommand decodes an Implicit VR Little Endian command set.
func DecodeCommand(data []byte) (*types.Message, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("dimse: command too short: %d bytes", len(data))
	}

	msg := &types.Message{
		CommandDataSetType: types.NoDataSet,
	}
	seenCommandField := false

	for offset := 0; offset+8 <= len(data); {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		end := offset + 8 + int(length)
		if end > len(data) || end < offset {
			return nil, fmt.Errorf("dimse: element (%04x,%04x) length %d exceeds command", group, element, length)
		}
		value := data[offset+8 : end]
		offset = end

		if group != 0x0000 {
			continue
		}

		switch element {
		case elemAffectedSOPClass:
			msg.AffectedSOPClassUID = trimValue(value)
		case elemRequestedSOPClass:
			msg.RequestedSOPClassUID = trimValue(value)
		case elemCommandField:
			msg.CommandField, seenCommandField = readUint16(value), true
		case elemMessageID:
			msg.MessageID = readUint16(value)
		case elemMessageIDRespondedTo:
			msg.MessageIDBeingRespondedTo = readUint16(value)
		case elemMoveDestination:
			msg.MoveDestination = trimValue(value)
		case elemPriority:
			msg.Priority = readUint16(value)
		case elemDataSetType:
			msg.CommandDataSetType = readUint16(value)
		case elemStatus:
			msg.Status = readUint16(value)
		case elemAffectedSOPInstance:
			msg.AffectedSOPInstanceUID = trimValue(value)
		case elemRemainingSubOps:
			msg.NumberOfRemainingSuboperations = readCounter(value)
		case elemCompletedSubOps:
			msg.NumberOfCompletedSuboperations = readCounter(value)
		case elemFailedSubOps:
			msg.NumberOfFailedSuboperations = readCounter(value)
		case elemWarningSubOps:
			msg.NumberOfWarningSuboperations = readCounter(value)
		case elemMoveOriginatorAE:
			msg.MoveOriginatorAETitle = trimValue(value)
		case elemMoveOriginatorMsgID:
			msg.MoveOriginatorMessageID = readUint16(value)
		}
	}

	if !seenCommandField {
		return nil, fmt.Errorf("dimse: command set has no command field")
	}
	return msg, nil
}

func trimValue(value []byte) string {
	return strings.TrimRight(string(value), "\x00 ")
}

func readUint16(value []byte) uint16 {
	if len(value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value[:2])
}

func readCounter(value []byte) *uint16 {
	if len(value) < 2 {
		return nil
	}
	v := binary.LittleEndian.Uint16(value[:2])
	return &v
}
