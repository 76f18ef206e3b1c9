package dicom

import "github.com/suyashkumar/dicom/pkg/tag"

// Tag is a DICOM attribute tag (group, element).
type Tag = tag.Tag

// Tags missing from the generic data dictionary or specific to radiotherapy objects.
var (
	NumberOfStudyRelatedSeries     = Tag{Group: 0x0020, Element: 0x1206}
	NumberOfSeriesRelatedInstances = Tag{Group: 0x0020, Element: 0x1209}
	StructureSetLabel              = Tag{Group: 0x3006, Element: 0x0002}
	ReferencedFrameOfReferenceSeq  = Tag{Group: 0x3006, Element: 0x0010}
	RTPlanLabel                    = Tag{Group: 0x300A, Element: 0x0002}
	DoseUnits                      = Tag{Group: 0x3004, Element: 0x0002}
	ReferencedRTPlanSequence       = Tag{Group: 0x300C, Element: 0x0002}
	RegistrationSequence           = Tag{Group: 0x0070, Element: 0x0308}
)

// Sequence delimiters. These are always encoded as tag + 4 byte length, in any transfer syntax.
var (
	ItemTag                 = Tag{Group: 0xFFFE, Element: 0xE000}
	ItemDelimitationTag     = Tag{Group: 0xFFFE, Element: 0xE00D}
	SequenceDelimitationTag = Tag{Group: 0xFFFE, Element: 0xE0DD}
)

// UndefinedLength marks a sequence or item terminated by a delimitation item.
const UndefinedLength = 0xFFFFFFFF

// vrDictionary supplies VRs for Implicit VR Little Endian data. It covers the
// attributes this module queries, routes on or rewrites; anything else is UN.
var vrDictionary = map[Tag]string{
	tag.SpecificCharacterSet:        VR_CS,
	tag.ImageType:                   VR_CS,
	tag.SOPClassUID:                 VR_UI,
	tag.SOPInstanceUID:              VR_UI,
	tag.StudyDate:                   VR_DA,
	tag.SeriesDate:                  VR_DA,
	tag.StudyTime:                   VR_TM,
	tag.SeriesTime:                  VR_TM,
	tag.AccessionNumber:             VR_SH,
	tag.QueryRetrieveLevel:          VR_CS,
	tag.RetrieveAETitle:             VR_AE,
	tag.Modality:                    VR_CS,
	tag.InstitutionName:             VR_LO,
	tag.InstitutionAddress:          VR_ST,
	tag.ReferringPhysicianName:      VR_PN,
	tag.StationName:                 VR_SH,
	tag.StudyDescription:            VR_LO,
	tag.SeriesDescription:           VR_LO,
	tag.InstitutionalDepartmentName: VR_LO,
	tag.OperatorsName:               VR_PN,
	tag.PatientName:                 VR_PN,
	tag.PatientID:                   VR_LO,
	tag.PatientBirthDate:            VR_DA,
	tag.PatientSex:                  VR_CS,
	tag.PatientAge:                  VR_AS,
	tag.OtherPatientIDs:             VR_LO,
	tag.StudyInstanceUID:            VR_UI,
	tag.SeriesInstanceUID:           VR_UI,
	tag.StudyID:                     VR_SH,
	tag.SeriesNumber:                VR_IS,
	tag.InstanceNumber:              VR_IS,
	tag.FrameOfReferenceUID:         VR_UI,
	tag.Rows:                        VR_US,
	tag.Columns:                     VR_US,
	tag.PixelData:                   VR_OW,
	NumberOfStudyRelatedSeries:      VR_IS,
	NumberOfSeriesRelatedInstances:  VR_IS,
	StructureSetLabel:               VR_SH,
	ReferencedFrameOfReferenceSeq:   VR_SQ,
	RTPlanLabel:                     VR_SH,
	DoseUnits:                       VR_CS,
	ReferencedRTPlanSequence:        VR_SQ,
	RegistrationSequence:            VR_SQ,
}

// LookupVR returns the dictionary VR of t, or UN when it is unknown.
func LookupVR(t Tag) string {
	if vr, ok := vrDictionary[t]; ok {
		return vr
	}
	if t.Element == 0x0000 {
		return VR_UL // group length
	}
	return VR_UN
}
