package influxstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
)

// Kind classifies a failed write.
type Kind int

const (
	// KindTransient failures were retried until the attempt budget ran out or the
	// context ended.
	KindTransient Kind = iota + 1
	// KindRejected failures are permanent: bad data, bad credentials, missing bucket.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var (
	ErrTransient = errors.New("transient write failure")
	ErrRejected  = errors.New("write rejected")
)

// IngestError is returned by Writer.Write when a point could not be stored.
type IngestError struct {
	Kind     Kind
	Attempts int
	// StatusCode is the last HTTP status seen, 0 when no response was received.
	StatusCode int
	Err        error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.sentinel(), e.Attempts, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

func (e *IngestError) Is(target error) bool { return target == e.sentinel() }

func (e *IngestError) sentinel() error {
	if e.Kind == KindRejected {
		return ErrRejected
	}
	return ErrTransient
}

// KindOf returns the ingest failure kind of err, or 0 when err is not an IngestError.
func KindOf(err error) Kind {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return 0
}

// statusCode extracts the HTTP status from an influx client error.
func statusCode(err error) int {
	var herr *ihttp.Error
	if errors.As(err, &herr) {
		return herr.StatusCode
	}
	return 0
}

// isTransient reports whether a write error is worth retrying. Server side failures,
// throttling, and transport errors are; any other client error is not.
func isTransient(err error) bool {
	var herr *ihttp.Error
	if errors.As(err, &herr) && herr.StatusCode != 0 {
		code := herr.StatusCode
		return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	// A status-less client error wraps a transport failure.
	return herr != nil
}
