package dimse

import (
	"encoding/binary"
	"fmt"
	"io"

	dicomerrors "github.com/caio-sobreiro/rtexport/errors"
	"github.com/caio-sobreiro/rtexport/types"
)

// Connection interface for sending/receiving DICOM data
type Connection interface {
	io.ReadWriter
}

// SendDIMSEMessage sends a command and, when present, its dataset.
func SendDIMSEMessage(conn Connection, presContextID byte, maxPDULength uint32, commandData []byte, datasetData []byte) error {
	if err := SendPDataTF(conn, presContextID, maxPDULength, commandData, true); err != nil {
		return err
	}
	if len(datasetData) > 0 {
		if err := SendPDataTF(conn, presContextID, maxPDULength, datasetData, false); err != nil {
			return err
		}
	}
	return nil
}

// SendPDataTF fragments data into P-DATA-TF PDUs no larger than the peer's
// maximum PDU length. Each PDU carries one PDV.
func SendPDataTF(conn Connection, presContextID byte, maxPDULength uint32, data []byte, isCommand bool) error {
	if maxPDULength == 0 {
		maxPDULength = types.DefaultMaxPDULength
	}
	maxPDVData := int(maxPDULength) - 6 // PDV length (4) + context ID (1) + control header (1)
	if maxPDVData <= 0 {
		return fmt.Errorf("dimse: max PDU length %d too small", maxPDULength)
	}

	for offset := 0; offset < len(data); {
		chunkSize := len(data) - offset
		last := true
		if chunkSize > maxPDVData {
			chunkSize = maxPDVData
			last = false
		}

		// Bit 0: command, bit 1: last fragment
		controlHeader := byte(0)
		if isCommand {
			controlHeader |= 0x01
		}
		if last {
			controlHeader |= 0x02
		}

		pdvLength := uint32(chunkSize + 2)
		out := make([]byte, 0, 10+chunkSize+2)
		out = append(out, types.TypePDataTF, 0x00)
		out = binary.BigEndian.AppendUint32(out, pdvLength+4)
		out = binary.BigEndian.AppendUint32(out, pdvLength)
		out = append(out, presContextID, controlHeader)
		out = append(out, data[offset:offset+chunkSize]...)

		if _, err := conn.Write(out); err != nil {
			return dicomerrors.NewNetworkError("write P-DATA-TF", err)
		}
		offset += chunkSize
	}
	return nil
}

// ReceiveDIMSEMessage reads PDUs until one complete DIMSE message (command and
// optional dataset) has arrived. A-RELEASE-RQ and A-ABORT end the read with an
// error.
func ReceiveDIMSEMessage(conn Connection) (*types.Message, []byte, error) {
	var (
		commandData []byte
		datasetData []byte
		msg         *types.Message
		datasetDone bool
	)

	for {
		header := make([]byte, 6)
		if _, err := io.ReadFull(conn, header); err != nil {
			return nil, nil, dicomerrors.NewNetworkError("read PDU header", err)
		}
		pduType := header[0]
		payload := make([]byte, binary.BigEndian.Uint32(header[2:6]))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return nil, nil, dicomerrors.NewNetworkError("read PDU body", err)
		}

		switch pduType {
		case types.TypePDataTF:
		case types.TypeAbort:
			var source, reason byte
			if len(payload) >= 4 {
				source, reason = payload[2], payload[3]
			}
			return nil, nil, dicomerrors.NewAbortError(source, reason)
		case types.TypeReleaseRQ:
			_, _ = conn.Write([]byte{types.TypeReleaseRP, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00})
			return nil, nil, dicomerrors.ErrConnectionClosed
		default:
			return nil, nil, dicomerrors.NewPDUError(pduType, "unexpected PDU while waiting for DIMSE message")
		}

		for offset := 0; offset < len(payload); {
			if offset+6 > len(payload) {
				return nil, nil, dicomerrors.NewPDUError(pduType, "malformed PDV")
			}
			pdvLength := binary.BigEndian.Uint32(payload[offset : offset+4])
			end := offset + 4 + int(pdvLength)
			if pdvLength < 2 || end > len(payload) {
				return nil, nil, dicomerrors.NewPDUError(pduType, "PDV length exceeds PDU payload")
			}

			controlHeader := payload[offset+5]
			value := payload[offset+6 : end]
			offset = end

			if controlHeader&0x01 != 0 {
				commandData = append(commandData, value...)
				if controlHeader&0x02 != 0 {
					decoded, err := DecodeCommand(commandData)
					if err != nil {
						return nil, nil, err
					}
					msg = decoded
				}
				continue
			}

			datasetData = append(datasetData, value...)
			if controlHeader&0x02 != 0 {
				datasetDone = true
			}
		}

		if msg != nil && (!msg.HasDataset() || datasetDone) {
			return msg, datasetData, nil
		}
	}
}
