package anonymize

import (
	"fmt"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/caio-sobreiro/rtexport/dicom"
)

// Anonymizer rewrites a dataset before it is written to disk.
type Anonymizer interface {
	// PatientToken returns the replacement for an original patient ID.
	PatientToken(patientID string) (string, error)

	// Anonymize returns a copy of dataset, encoded in transferSyntaxUID, with
	// identifying attributes replaced. UIDs are left untouched.
	Anonymize(dataset []byte, transferSyntaxUID string) ([]byte, error)
}

// HashAnonymizer replaces the patient ID with its persisted token and
// derives the other identifying attributes from the original patient ID
// with the same salted hash, without persisting them.
type HashAnonymizer struct {
	keys *KeyStore
	salt string
}

// NewHashAnonymizer returns an anonymizer backed by keys.
func NewHashAnonymizer(keys *KeyStore, salt string) *HashAnonymizer {
	return &HashAnonymizer{keys: keys, salt: salt}
}

// PatientToken implements Anonymizer.
func (h *HashAnonymizer) PatientToken(patientID string) (string, error) {
	return h.keys.Token(patientID)
}

// Replacements returns the attribute values substituted for a patient.
func (h *HashAnonymizer) Replacements(patientID string) (map[dicom.Tag]string, error) {
	token, err := h.keys.Token(patientID)
	if err != nil {
		return nil, err
	}
	return map[dicom.Tag]string{
		tag.PatientID:       token,
		tag.PatientName:     "ANON^" + HashToken("PatientName", patientID, h.salt),
		tag.AccessionNumber: HashToken("AccessionNumber", patientID, h.salt),
		tag.InstitutionName: HashToken("InstitutionName", patientID, h.salt),
	}, nil
}

// Anonymize implements Anonymizer.
func (h *HashAnonymizer) Anonymize(dataset []byte, transferSyntaxUID string) ([]byte, error) {
	parsed, err := dicom.ParseDataset(dataset, transferSyntaxUID)
	if err != nil {
		return nil, fmt.Errorf("anonymize: %w", err)
	}
	patientID := parsed.GetString(tag.PatientID)
	if patientID == "" {
		return nil, fmt.Errorf("anonymize: dataset %s has no patient ID", parsed.GetString(tag.SOPInstanceUID))
	}

	values, err := h.Replacements(patientID)
	if err != nil {
		return nil, err
	}
	return dicom.RewriteAttributes(dataset, transferSyntaxUID, values)
}
