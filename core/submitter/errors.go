package submitter

import "fmt"

// SubmissionError reports that the bundle transaction could not be broadcast.
// The node's diagnostic is preserved; the bundle is already marked Failure
// when this surfaces.
type SubmissionError struct {
	BundleID string
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("bundle %s broadcast failed: %v", e.BundleID, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
