package resolver

import (
	"errors"
	"fmt"
)

// ErrExhausted is returned once every candidate of a reference has been tried.
var ErrExhausted = errors.New("every candidate failed")

// TransportError is a fetch that did not produce any response.
type TransportError struct {
	URL      string
	Strategy Strategy
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s fetch %s: %s", e.Strategy, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ValidationError is a response that was rejected by the validator.
type ValidationError struct {
	URL      string
	Strategy Strategy
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s fetch %s: %s", e.Strategy, e.URL, e.Reason)
}
