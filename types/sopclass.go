package types

// DICOM Application Context UID
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Verification Service
const (
	VerificationSOPClass = "1.2.840.10008.1.1"
)

// Storage SOP classes the local receiver accepts.
// https://dicom.nema.org/medical/dicom/current/output/chtml/part04/sect_B.5.html
const (
	CTImageStorage           = "1.2.840.10008.5.1.4.1.1.2"
	EnhancedCTImageStorage   = "1.2.840.10008.5.1.4.1.1.2.1"
	MRImageStorage           = "1.2.840.10008.5.1.4.1.1.4"
	EnhancedMRImageStorage   = "1.2.840.10008.5.1.4.1.1.4.1"
	PETImageStorage          = "1.2.840.10008.5.1.4.1.1.128"
	EnhancedPETImageStorage  = "1.2.840.10008.5.1.4.1.1.130"
	SecondaryCaptureStorage  = "1.2.840.10008.5.1.4.1.1.7"
	NuclearMedicineStorage   = "1.2.840.10008.5.1.4.1.1.20"
	SpatialRegistration      = "1.2.840.10008.5.1.4.1.1.66.1"
	SpatialFiducials         = "1.2.840.10008.5.1.4.1.1.66.2"
	DeformableRegistration   = "1.2.840.10008.5.1.4.1.1.66.3"
	RTImageStorage           = "1.2.840.10008.5.1.4.1.1.481.1"
	RTDoseStorage            = "1.2.840.10008.5.1.4.1.1.481.2"
	RTStructureSetStorage    = "1.2.840.10008.5.1.4.1.1.481.3"
	RTBeamsTreatmentRecord   = "1.2.840.10008.5.1.4.1.1.481.4"
	RTPlanStorage            = "1.2.840.10008.5.1.4.1.1.481.5"
	RTIonPlanStorage         = "1.2.840.10008.5.1.4.1.1.481.8"
	RTIonBeamsTreatmentRecrd = "1.2.840.10008.5.1.4.1.1.481.9"
)

// Query/Retrieve information models
const (
	StudyRootQueryRetrieveInformationModelFind   = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveInformationModelMove   = "1.2.840.10008.5.1.4.1.2.2.2"
	PatientRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.1.2"
)

// SOP class categories
const (
	CategoryVerification  = "Verification"
	CategoryStorage       = "Storage"
	CategoryQueryRetrieve = "Query/Retrieve"
	CategoryUnknown       = "Unknown"
)

// SOPClassInfo describes a SOP class known to this module.
type SOPClassInfo struct {
	UID      string
	Name     string
	Category string
}

var sopClassRegistry = map[string]SOPClassInfo{
	VerificationSOPClass:     {VerificationSOPClass, "Verification SOP Class", CategoryVerification},
	CTImageStorage:           {CTImageStorage, "CT Image Storage", CategoryStorage},
	EnhancedCTImageStorage:   {EnhancedCTImageStorage, "Enhanced CT Image Storage", CategoryStorage},
	MRImageStorage:           {MRImageStorage, "MR Image Storage", CategoryStorage},
	EnhancedMRImageStorage:   {EnhancedMRImageStorage, "Enhanced MR Image Storage", CategoryStorage},
	PETImageStorage:          {PETImageStorage, "Positron Emission Tomography Image Storage", CategoryStorage},
	EnhancedPETImageStorage:  {EnhancedPETImageStorage, "Enhanced PET Image Storage", CategoryStorage},
	SecondaryCaptureStorage:  {SecondaryCaptureStorage, "Secondary Capture Image Storage", CategoryStorage},
	NuclearMedicineStorage:   {NuclearMedicineStorage, "Nuclear Medicine Image Storage", CategoryStorage},
	SpatialRegistration:      {SpatialRegistration, "Spatial Registration Storage", CategoryStorage},
	SpatialFiducials:         {SpatialFiducials, "Spatial Fiducials Storage", CategoryStorage},
	DeformableRegistration:   {DeformableRegistration, "Deformable Spatial Registration Storage", CategoryStorage},
	RTImageStorage:           {RTImageStorage, "RT Image Storage", CategoryStorage},
	RTDoseStorage:            {RTDoseStorage, "RT Dose Storage", CategoryStorage},
	RTStructureSetStorage:    {RTStructureSetStorage, "RT Structure Set Storage", CategoryStorage},
	RTBeamsTreatmentRecord:   {RTBeamsTreatmentRecord, "RT Beams Treatment Record Storage", CategoryStorage},
	RTPlanStorage:            {RTPlanStorage, "RT Plan Storage", CategoryStorage},
	RTIonPlanStorage:         {RTIonPlanStorage, "RT Ion Plan Storage", CategoryStorage},
	RTIonBeamsTreatmentRecrd: {RTIonBeamsTreatmentRecrd, "RT Ion Beams Treatment Record Storage", CategoryStorage},

	StudyRootQueryRetrieveInformationModelFind:   {StudyRootQueryRetrieveInformationModelFind, "Study Root Query/Retrieve - FIND", CategoryQueryRetrieve},
	StudyRootQueryRetrieveInformationModelMove:   {StudyRootQueryRetrieveInformationModelMove, "Study Root Query/Retrieve - MOVE", CategoryQueryRetrieve},
	PatientRootQueryRetrieveInformationModelFind: {PatientRootQueryRetrieveInformationModelFind, "Patient Root Query/Retrieve - FIND", CategoryQueryRetrieve},
	PatientRootQueryRetrieveInformationModelMove: {PatientRootQueryRetrieveInformationModelMove, "Patient Root Query/Retrieve - MOVE", CategoryQueryRetrieve},
}

// GetSOPClassInfo returns the registry entry for uid, or an "Unknown" entry.
func GetSOPClassInfo(uid string) *SOPClassInfo {
	info, ok := sopClassRegistry[uid]
	if !ok {
		return &SOPClassInfo{
			UID:      uid,
			Name:     "Unknown",
			Category: CategoryUnknown,
		}
	}
	return &info
}

// IsStorageSOPClass reports whether uid is a storage SOP class the receiver accepts.
func IsStorageSOPClass(uid string) bool {
	return GetSOPClassInfo(uid).Category == CategoryStorage
}

// StorageSOPClasses lists every storage SOP class the receiver accepts.
func StorageSOPClasses() []string {
	var uids []string
	for uid, info := range sopClassRegistry {
		if info.Category == CategoryStorage {
			uids = append(uids, uid)
		}
	}
	return uids
}
