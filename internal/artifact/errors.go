package artifact

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInsufficientStorage is returned when a file that must be persisted
	// before use does not fit in the available quota.
	ErrInsufficientStorage = errors.New("artifact: insufficient storage")

	// ErrTooLarge is returned by Fetch for bodies above LargeFileThreshold;
	// those must go through FetchFile.
	ErrTooLarge = errors.New("artifact: body too large to buffer")

	errQuotaUnknown = errors.New("artifact: available storage unknown")
)

// StatusError reports a non-success HTTP status for an artifact request.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("artifact: %s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// NotFound reports whether err is a 404 from the artifact host.
func NotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return true
}
