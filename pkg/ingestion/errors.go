package ingestion

import (
	"errors"
	"fmt"
)

var (
	errUnsupportedSource = errors.New("unsupported source")
	errBadStatus         = errors.New("unexpected response status")
	errNotAnArchive      = errors.New("response is not an archive")
	errUnsafeEntry       = errors.New("archive entry escapes target directory")
	errMissingDataset    = errors.New("archive does not contain the dataset directory")
)

// DownloadError means the archive could not be fetched. Retriable hints that
// the same call may succeed later; nothing in this package retries.
type DownloadError struct {
	Source    string
	Retriable bool
	Err       error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("downloading %s: %v", e.Source, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// ExtractionError means the archive is corrupt or the target is unwritable.
type ExtractionError struct {
	Archive string
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.Archive, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

func IsRetriable(err error) bool {
	var de *DownloadError
	return errors.As(err, &de) && de.Retriable
}
