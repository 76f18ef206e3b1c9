package dicom

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/caio-sobreiro/rtexport/types"
)

// ErrTruncated is returned when an element extends past the end of the data.
var ErrTruncated = errors.New("dicom: truncated element")

// RawElement locates one element inside an encoded dataset.
type RawElement struct {
	Tag         Tag
	VR          string
	Length      uint32 // declared length, possibly UndefinedLength
	Offset      int    // first byte of the element header
	ValueOffset int    // first byte of the value
	End         int    // first byte after the element, delimiters included
}

// Value returns the encoded value bytes. Undefined length elements return
// everything up to the end of the element, delimiters included.
func (e RawElement) Value(data []byte) []byte {
	return data[e.ValueOffset:e.End]
}

func isLongVR(vr string) bool {
	switch vr {
	case VR_OB, VR_OD, VR_OF, VR_OL, VR_OV, VR_OW, VR_SQ, VR_SV, VR_UC, VR_UN, VR_UR, VR_UT, VR_UV:
		return true
	}
	return false
}

func isExplicit(transferSyntaxUID string) bool {
	return transferSyntaxUID != types.ImplicitVRLittleEndian
}

// Walk calls fn for every top-level element of data in encoded order.
// Nested sequence content is skipped, including undefined length sequences.
func Walk(data []byte, transferSyntaxUID string, fn func(RawElement) error) error {
	explicit := isExplicit(transferSyntaxUID)
	for pos := 0; pos < len(data); {
		el, err := readElement(data, pos, explicit)
		if err != nil {
			return err
		}
		if err := fn(el); err != nil {
			return err
		}
		pos = el.End
	}
	return nil
}

func readElement(data []byte, pos int, explicit bool) (RawElement, error) {
	if pos+8 > len(data) {
		return RawElement{}, fmt.Errorf("%w: header at offset %d", ErrTruncated, pos)
	}

	el := RawElement{
		Tag: Tag{
			Group:   binary.LittleEndian.Uint16(data[pos : pos+2]),
			Element: binary.LittleEndian.Uint16(data[pos+2 : pos+4]),
		},
		Offset: pos,
	}
	if el.Tag.Group == 0xFFFE {
		return RawElement{}, fmt.Errorf("dicom: unexpected delimiter %s at offset %d", el.Tag, pos)
	}

	if explicit {
		el.VR = string(data[pos+4 : pos+6])
		if isLongVR(el.VR) {
			if pos+12 > len(data) {
				return RawElement{}, fmt.Errorf("%w: header of %s", ErrTruncated, el.Tag)
			}
			el.Length = binary.LittleEndian.Uint32(data[pos+8 : pos+12])
			el.ValueOffset = pos + 12
		} else {
			el.Length = uint32(binary.LittleEndian.Uint16(data[pos+6 : pos+8]))
			el.ValueOffset = pos + 8
		}
	} else {
		el.VR = LookupVR(el.Tag)
		el.Length = binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		el.ValueOffset = pos + 8
	}

	if el.Length == UndefinedLength {
		end, err := skipUndefined(data, el.ValueOffset, explicit)
		if err != nil {
			return RawElement{}, fmt.Errorf("sequence %s: %w", el.Tag, err)
		}
		if !explicit && el.VR == VR_UN {
			el.VR = VR_SQ
		}
		el.End = end
		return el, nil
	}

	el.End = el.ValueOffset + int(el.Length)
	if el.End > len(data) {
		return RawElement{}, fmt.Errorf("%w: value of %s needs %d bytes", ErrTruncated, el.Tag, el.Length)
	}
	return el, nil
}

// skipUndefined returns the offset after the sequence delimiter of an
// undefined length sequence whose first item starts at pos.
func skipUndefined(data []byte, pos int, explicit bool) (int, error) {
	for {
		t, length, err := readDelimiter(data, pos)
		if err != nil {
			return 0, err
		}
		pos += 8

		switch t {
		case SequenceDelimitationTag:
			return pos, nil
		case ItemTag:
			if length != UndefinedLength {
				pos += int(length)
				if pos > len(data) {
					return 0, fmt.Errorf("%w: item at offset %d", ErrTruncated, pos)
				}
				continue
			}
			for {
				t, _, err := readDelimiter(data, pos)
				if err != nil {
					return 0, err
				}
				if t == ItemDelimitationTag {
					pos += 8
					break
				}
				el, err := readElement(data, pos, explicit)
				if err != nil {
					return 0, err
				}
				pos = el.End
			}
		default:
			return 0, fmt.Errorf("dicom: unexpected tag %s inside sequence at offset %d", t, pos-8)
		}
	}
}

func readDelimiter(data []byte, pos int) (Tag, uint32, error) {
	if pos+8 > len(data) {
		return Tag{}, 0, fmt.Errorf("%w: missing delimiter at offset %d", ErrTruncated, pos)
	}
	t := Tag{
		Group:   binary.LittleEndian.Uint16(data[pos : pos+2]),
		Element: binary.LittleEndian.Uint16(data[pos+2 : pos+4]),
	}
	return t, binary.LittleEndian.Uint32(data[pos+4 : pos+8]), nil
}

// appendElement appends one defined-length element in the given encoding.
func appendElement(dst []byte, t Tag, vr string, value []byte, explicit bool) ([]byte, error) {
	dst = binary.LittleEndian.AppendUint16(dst, t.Group)
	dst = binary.LittleEndian.AppendUint16(dst, t.Element)

	switch {
	case !explicit:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(value)))
	case isLongVR(vr):
		dst = append(dst, vr[0], vr[1], 0x00, 0x00)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(value)))
	default:
		if len(value) > 0xFFFF {
			return nil, fmt.Errorf("dicom: value of %s too long for VR %s (%d bytes)", t, vr, len(value))
		}
		if len(vr) != 2 {
			return nil, fmt.Errorf("dicom: invalid VR %q for %s", vr, t)
		}
		dst = append(dst, vr[0], vr[1])
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(value)))
	}
	return append(dst, value...), nil
}

// padValue pads text values to an even length. UIDs pad with NUL, other text with a space.
func padValue(vr string, value []byte) []byte {
	if len(value)%2 == 0 {
		return value
	}
	switch vr {
	case VR_UI, VR_OB, VR_UN:
		return append(value, 0x00)
	default:
		return append(value, ' ')
	}
}

// RewriteAttributes returns a copy of data in which every top-level element
// whose tag is in values carries the new text value. Elements not already
// present are left absent, and all other bytes are copied unchanged.
func RewriteAttributes(data []byte, transferSyntaxUID string, values map[Tag]string) ([]byte, error) {
	explicit := isExplicit(transferSyntaxUID)
	out := make([]byte, 0, len(data))

	err := Walk(data, transferSyntaxUID, func(el RawElement) error {
		v, ok := values[el.Tag]
		if !ok {
			out = append(out, data[el.Offset:el.End]...)
			return nil
		}
		var err error
		out, err = appendElement(out, el.Tag, el.VR, padValue(el.VR, []byte(v)), explicit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
