package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/caio-sobreiro/rtexport/types"
)

const (
	preambleLength = 128
	part10Prefix   = "DICM"
)

// File Meta Information tags (group 0002)
var (
	metaGroupLength               = Tag{Group: 0x0002, Element: 0x0000}
	metaInformationVersion        = Tag{Group: 0x0002, Element: 0x0001}
	metaMediaStorageSOPClassUID   = Tag{Group: 0x0002, Element: 0x0002}
	metaMediaStorageSOPInstance   = Tag{Group: 0x0002, Element: 0x0003}
	metaTransferSyntaxUID         = Tag{Group: 0x0002, Element: 0x0010}
	metaImplementationClassUID    = Tag{Group: 0x0002, Element: 0x0012}
	metaImplementationVersionName = Tag{Group: 0x0002, Element: 0x0013}
	metaSourceAETitle             = Tag{Group: 0x0002, Element: 0x0016}
)

type metaElement struct {
	tag   Tag
	vr    string
	value []byte
}

// FileMeta is the subset of File Meta Information this module reads and writes.
type FileMeta struct {
	MediaStorageSOPClassUID    string
	MediaStorageSOPInstanceUID string
	TransferSyntaxUID          string
	SourceAETitle              string
}

// HasPart10Header checks if the data starts with a DICOM Part 10 header.
func HasPart10Header(data []byte) bool {
	if len(data) < preambleLength+4 {
		return false
	}
	return string(data[preambleLength:preambleLength+4]) == part10Prefix
}

// ReadPart10 splits a Part 10 file into its File Meta Information and the
// dataset bytes that follow it.
func ReadPart10(data []byte) (FileMeta, []byte, error) {
	var meta FileMeta
	if len(data) < preambleLength+4 {
		return meta, nil, fmt.Errorf("data too short to be DICOM Part 10 (need at least 132 bytes, got %d)", len(data))
	}
	if !HasPart10Header(data) {
		return meta, nil, fmt.Errorf("not a valid DICOM Part 10 file (missing DICM prefix at offset 128)")
	}

	offset := preambleLength + 4
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		if group != 0x0002 {
			break
		}
		el, err := readElement(data, offset, true)
		if err != nil {
			return meta, nil, fmt.Errorf("file meta information: %w", err)
		}
		value := trimText(el.Value(data))
		switch el.Tag {
		case metaMediaStorageSOPClassUID:
			meta.MediaStorageSOPClassUID = value
		case metaMediaStorageSOPInstance:
			meta.MediaStorageSOPInstanceUID = value
		case metaTransferSyntaxUID:
			meta.TransferSyntaxUID = value
		case metaSourceAETitle:
			meta.SourceAETitle = value
		}
		offset = el.End
	}

	if offset >= len(data) {
		return meta, nil, fmt.Errorf("failed to find dataset after File Meta Information")
	}
	return meta, data[offset:], nil
}

// StripPart10Header removes the preamble and File Meta Information, returning
// only the dataset.
func StripPart10Header(data []byte) ([]byte, error) {
	_, dataset, err := ReadPart10(data)
	return dataset, err
}

// WritePart10 writes a Part 10 file: preamble, prefix, File Meta Information
// (always Explicit VR Little Endian) and the dataset exactly as given.
func WritePart10(w io.Writer, meta FileMeta, dataset []byte) error {
	if meta.TransferSyntaxUID == "" {
		return fmt.Errorf("part 10: transfer syntax is required")
	}

	var group []byte
	elements := []metaElement{
		{metaInformationVersion, VR_OB, []byte{0x00, 0x01}},
		{metaMediaStorageSOPClassUID, VR_UI, []byte(meta.MediaStorageSOPClassUID)},
		{metaMediaStorageSOPInstance, VR_UI, []byte(meta.MediaStorageSOPInstanceUID)},
		{metaTransferSyntaxUID, VR_UI, []byte(meta.TransferSyntaxUID)},
		{metaImplementationClassUID, VR_UI, []byte(types.ImplementationClassUID)},
		{metaImplementationVersionName, VR_SH, []byte(types.ImplementationVersionName)},
	}
	if meta.SourceAETitle != "" {
		elements = append(elements, metaElement{metaSourceAETitle, VR_AE, []byte(meta.SourceAETitle)})
	}

	var err error
	for _, e := range elements {
		group, err = appendElement(group, e.tag, e.vr, padValue(e.vr, e.value), true)
		if err != nil {
			return fmt.Errorf("part 10: %w", err)
		}
	}

	var header bytes.Buffer
	header.Write(make([]byte, preambleLength))
	header.WriteString(part10Prefix)
	groupLength, err := appendElement(nil, metaGroupLength, VR_UL, binary.LittleEndian.AppendUint32(nil, uint32(len(group))), true)
	if err != nil {
		return fmt.Errorf("part 10: %w", err)
	}
	header.Write(groupLength)
	header.Write(group)

	if _, err := w.Write(header.Bytes()); err != nil {
		return fmt.Errorf("part 10: write header: %w", err)
	}
	if _, err := w.Write(dataset); err != nil {
		return fmt.Errorf("part 10: write dataset: %w", err)
	}
	return nil
}
