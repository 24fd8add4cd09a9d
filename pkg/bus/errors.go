package bus

import (
	"errors"
	"fmt"
)

// TransportError is returned when the bus cannot reach the broker.
// The event was not delivered; retrying is up to the caller.
type TransportError struct {
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("publish to %s: %s", e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RetryableError marks a handler error as transient.
// The message is redelivered to the handler with backoff before it is dead-lettered.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %s", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}

func IsTransportError(err error) bool {
	var transport *TransportError
	return errors.As(err, &transport)
}
