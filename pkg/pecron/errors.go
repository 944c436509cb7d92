package pecron

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds returned by the client. Use errors.Is to test for them.
var (
	// ErrAuthentication covers rejected credentials, a failed refresh and any
	// call made without a valid session.
	ErrAuthentication = errors.New("authentication failed")

	// ErrDeviceNotFound is returned when no device matches, or the cloud does
	// not know the product/device key pair.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrAmbiguousDevice is matched by *AmbiguousDeviceError.
	ErrAmbiguousDevice = errors.New("device name is ambiguous")

	// ErrSchemaUnavailable means the product catalogue could not be loaded.
	// Reads degrade to untyped decoding when they see it.
	ErrSchemaUnavailable = errors.New("tsl schema unavailable")

	// ErrDecode is only returned for a payload that is not a list of records.
	ErrDecode = errors.New("malformed property payload")

	// ErrCommand means the write round trip failed. Per-code rejections are
	// reported in CommandResult instead.
	ErrCommand = errors.New("command failed")

	// ErrTransport covers network failures, timeouts and non-2xx responses.
	ErrTransport = errors.New("transport error")

	ErrNotWritable  = errors.New("property is not writable")
	ErrInvalidValue = errors.New("value does not match property type")
)

// APIError is a response envelope whose code was not 200.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("api error %d", e.Code)
	}
	return fmt.Sprintf("api error %d: %s", e.Code, e.Msg)
}

// AmbiguousDeviceError lists every device that matched a name fragment.
type AmbiguousDeviceError struct {
	Fragment string
	Matches  []Device
}

func (e *AmbiguousDeviceError) Error() string {
	names := make([]string, 0, len(e.Matches))
	for _, d := range e.Matches {
		names = append(names, d.Name)
	}
	return fmt.Sprintf("%s: %q matches %d devices: %s", ErrAmbiguousDevice, e.Fragment, len(e.Matches), strings.Join(names, ", "))
}

func (e *AmbiguousDeviceError) Is(target error) bool {
	return target == ErrAmbiguousDevice
}

// PropertyError is one rejected code in a write request.
type PropertyError struct {
	Code string
	Err  error
}

func (e PropertyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e PropertyError) Unwrap() error {
	return e.Err
}

// ValidationError is returned by SetProperties when one or more codes were
// rejected locally. No request was sent.
type ValidationError struct {
	Problems []PropertyError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Error())
	}
	return "invalid command: " + strings.Join(parts, "; ")
}

// Unwrap exposes every underlying cause so errors.Is(err, ErrNotWritable) works.
func (e *ValidationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Problems))
	for _, p := range e.Problems {
		errs = append(errs, p)
	}
	return errs
}
