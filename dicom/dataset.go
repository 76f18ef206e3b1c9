// Package dicom holds the small DICOM data layer used on the wire: a dataset
// model for query identifiers, a Little Endian codec, Part 10 file framing and
// in-place attribute rewriting for received objects.
package dicom

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// VR (Value Representation) constants
const (
	VR_AE = "AE"
	VR_AS = "AS"
	VR_AT = "AT"
	VR_CS = "CS"
	VR_DA = "DA"
	VR_DS = "DS"
	VR_DT = "DT"
	VR_FL = "FL"
	VR_FD = "FD"
	VR_IS = "IS"
	VR_LO = "LO"
	VR_LT = "LT"
	VR_OB = "OB"
	VR_OD = "OD"
	VR_OF = "OF"
	VR_OL = "OL"
	VR_OV = "OV"
	VR_OW = "OW"
	VR_PN = "PN"
	VR_SH = "SH"
	VR_SL = "SL"
	VR_SQ = "SQ"
	VR_SS = "SS"
	VR_ST = "ST"
	VR_SV = "SV"
	VR_TM = "TM"
	VR_UC = "UC"
	VR_UI = "UI"
	VR_UL = "UL"
	VR_UN = "UN"
	VR_UR = "UR"
	VR_US = "US"
	VR_UT = "UT"
	VR_UV = "UV"
)

func isTextVR(vr string) bool {
	switch vr {
	case VR_AE, VR_AS, VR_CS, VR_DA, VR_DS, VR_DT, VR_IS, VR_LO, VR_LT, VR_PN,
		VR_SH, VR_ST, VR_TM, VR_UC, VR_UI, VR_UR, VR_UT:
		return true
	}
	return false
}

// Element is a decoded data element. Value holds a string for text VRs,
// uint16/uint32 for single US/UL values, nil for sequences and the raw
// bytes otherwise.
type Element struct {
	Tag    Tag
	VR     string
	Length uint32
	Value  interface{}
}

// Dataset is a flat collection of top-level elements.
type Dataset struct {
	Elements map[Tag]*Element
}

// NewDataset creates a new empty dataset
func NewDataset() *Dataset {
	return &Dataset{
		Elements: make(map[Tag]*Element),
	}
}

// AddElement adds or replaces an element
func (d *Dataset) AddElement(tag Tag, vr string, value interface{}) {
	d.Elements[tag] = &Element{
		Tag:   tag,
		VR:    vr,
		Value: value,
	}
}

// GetElement returns an element by tag
func (d *Dataset) GetElement(tag Tag) (*Element, bool) {
	element, exists := d.Elements[tag]
	return element, exists
}

// GetString returns the trimmed text value of tag, or "" when absent.
// Values of unknown VR (implicit VR data) are interpreted as text.
func (d *Dataset) GetString(tag Tag) string {
	element, exists := d.Elements[tag]
	if !exists {
		return ""
	}
	switch v := element.Value.(type) {
	case string:
		return v
	case []byte:
		return trimText(v)
	}
	return ""
}

// GetStrings splits a multi-valued text element on backslash.
func (d *Dataset) GetStrings(tag Tag) []string {
	s := d.GetString(tag)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "\\")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	return parts
}

func trimText(b []byte) string {
	s := string(b)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// ParseDataset decodes the top-level elements of data encoded with the given
// transfer syntax. An empty transfer syntax means Explicit VR Little Endian.
func ParseDataset(data []byte, transferSyntaxUID string) (*Dataset, error) {
	dataset := NewDataset()

	err := Walk(data, transferSyntaxUID, func(el RawElement) error {
		element := &Element{Tag: el.Tag, VR: el.VR, Length: el.Length}
		value := el.Value(data)

		switch {
		case el.VR == VR_SQ || el.Length == UndefinedLength:
			element.Value = nil
		case isTextVR(el.VR):
			element.Value = trimText(value)
		case el.VR == VR_US && len(value) == 2:
			element.Value = binary.LittleEndian.Uint16(value)
		case el.VR == VR_UL && len(value) == 4:
			element.Value = binary.LittleEndian.Uint32(value)
		default:
			element.Value = value
		}

		dataset.Elements[el.Tag] = element
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dataset, nil
}

// SortedTags returns the dataset's tags in ascending order.
func (d *Dataset) SortedTags() []Tag {
	tags := make([]Tag, 0, len(d.Elements))
	for tag := range d.Elements {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Group != tags[j].Group {
			return tags[i].Group < tags[j].Group
		}
		return tags[i].Element < tags[j].Element
	})
	return tags
}

// Encode serializes the dataset in ascending tag order.
func (d *Dataset) Encode(transferSyntaxUID string) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	explicit := isExplicit(transferSyntaxUID)

	var out []byte
	for _, tag := range d.SortedTags() {
		element := d.Elements[tag]
		value, err := encodeElementValue(element)
		if err != nil {
			return nil, err
		}
		out, err = appendElement(out, tag, element.VR, padValue(element.VR, value), explicit)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func encodeElementValue(element *Element) ([]byte, error) {
	switch v := element.Value.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(strings.TrimRight(v, "\x00")), nil
	case []string:
		return []byte(strings.Join(v, "\\")), nil
	case []byte:
		return v, nil
	case int:
		return []byte(fmt.Sprintf("%d", v)), nil
	case uint16:
		return binary.LittleEndian.AppendUint16(nil, v), nil
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, v), nil
	default:
		return nil, fmt.Errorf("dicom: cannot encode %T value of %s", v, element.Tag)
	}
}
