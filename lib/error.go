package lib

import "fmt"

// HttpError carries the status of a failed gateway request so callers can
// tell transport trouble apart from a definite not-found answer.
type HttpError struct {
	StatusCode int
	Err        error
}

func (r *HttpError) Error() string {
	return fmt.Sprintf("http %d: %v", r.StatusCode, r.Err)
}

func (r *HttpError) Unwrap() error {
	return r.Err
}
