package types

// QueryLevel represents the level of a C-FIND or C-MOVE identifier
type QueryLevel string

const (
	QueryLevelPatient QueryLevel = "PATIENT"
	QueryLevelStudy   QueryLevel = "STUDY"
	QueryLevelSeries  QueryLevel = "SERIES"
	QueryLevelImage   QueryLevel = "IMAGE"
)

// StudyRecord is one study-level C-FIND match.
type StudyRecord struct {
	PatientID        string
	StudyInstanceUID string
	StudyDate        string
	StudyDescription string
}

// SeriesRecord is one series-level C-FIND match.
type SeriesRecord struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	Modality          string
	SeriesDescription string
}

// InstanceRecord is one image-level C-FIND match.
type InstanceRecord struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	Modality          string
}
