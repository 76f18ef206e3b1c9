package types

// Uncompressed transfer syntaxes. Compressed syntaxes are never proposed or
// accepted: objects are written to disk exactly as the archive sends them.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// SupportedTransferSyntaxes is the proposal order used by the archive client.
var SupportedTransferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
}

// IsSupportedTransferSyntax reports whether uid can be encoded and decoded here.
func IsSupportedTransferSyntax(uid string) bool {
	return uid == ImplicitVRLittleEndian || uid == ExplicitVRLittleEndian
}
