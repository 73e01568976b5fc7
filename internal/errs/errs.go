// Package errs holds the error kinds shared by the Apple facing clients.
package errs

import "fmt"

// NetworkError is a transport level failure (DNS, TLS, connection reset or an
// unexpected HTTP status).
type NetworkError struct {
	Op     string
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("%s %s: (%d) %v", e.Op, e.URL, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
	default:
		return fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.URL, e.Status)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ParseError is a malformed payload or a missing required field.
type ParseError struct {
	What string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("failed to parse %s", e.What)
	}
	return fmt.Sprintf("failed to parse %s: %v", e.What, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Missing returns a ParseError for an absent required field.
func Missing(what, field string) error {
	return &ParseError{What: what, Err: fmt.Errorf("missing required field %q", field)}
}
