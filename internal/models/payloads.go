package models

// These structs define the JSON payloads accepted by the HTTP functions.

// RemoteConversionRequest is the body of the ConvertRemoteDocumentToPdf function.
// Field names keep the casing existing callers already send.
type RemoteConversionRequest struct {
	ClientID     string `json:"ClientId"`
	TenantID     string `json:"TenantId"`
	ClientSecret string `json:"ClientSecret"`
	DriveID      string `json:"driveId"`
	FileID       string `json:"fileId"`
}

// MissingFields returns the JSON names of required fields that are blank.
func (r *RemoteConversionRequest) MissingFields() []string {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"ClientId", r.ClientID},
		{"TenantId", r.TenantID},
		{"ClientSecret", r.ClientSecret},
		{"driveId", r.DriveID},
		{"fileId", r.FileID},
	} {
		if isBlank(f.value) {
			missing = append(missing, f.name)
		}
	}
	return missing
}
