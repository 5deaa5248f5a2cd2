package models

import "time"

// Job statuses recorded for every pipeline invocation.
const (
	JobStatusSucceeded = "SUCCEEDED"
	JobStatusFailed    = "FAILED"
)

// JobRecord is the audit entry written to Firestore for one pipeline invocation.
// It describes the request only; the produced PDF is never stored.
type JobRecord struct {
	Operation      string    `firestore:"operation,omitempty"`
	ScratchID      string    `firestore:"scratchId,omitempty"`
	InputFilenames []string  `firestore:"inputFilenames,omitempty"`
	OutputFilename string    `firestore:"outputFilename,omitempty"`
	Status         string    `firestore:"status,omitempty"`
	ErrorKind      string    `firestore:"errorKind,omitempty"`
	ErrorDetails   string    `firestore:"errorDetails,omitempty"`
	PageCount      int       `firestore:"pageCount,omitempty"`
	OutputBytes    int       `firestore:"outputBytes,omitempty"`
	OutputSHA256   string    `firestore:"outputSha256,omitempty"`
	DurationMillis int64     `firestore:"durationMillis,omitempty"`
	CreatedAt      time.Time `firestore:"createdAt,omitempty"`
}
