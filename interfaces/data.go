package interfaces

import (
	"context"

	"github.com/caio-sobreiro/rtexport/dicom"
)

// StoredInstance is one object an archive can send as a C-STORE sub-operation.
type StoredInstance struct {
	SOPClassUID       string
	SOPInstanceUID    string
	StudyInstanceUID  string
	SeriesInstanceUID string
	TransferSyntaxUID string
	Dataset           []byte
}

// InstanceSource backs the query and retrieve services of an archive.
type InstanceSource interface {
	// Match returns one identifier per matching entity at the given query level,
	// carrying the return keys requested by the query identifier.
	Match(ctx context.Context, level string, identifier *dicom.Dataset) ([]*dicom.Dataset, error)

	// Retrieve returns every instance selected by a retrieve identifier.
	Retrieve(ctx context.Context, level string, identifier *dicom.Dataset) ([]StoredInstance, error)
}
