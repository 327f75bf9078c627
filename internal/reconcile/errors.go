package reconcile

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	// ErrNoRemoteID is returned when the upload platform accepts content
	// but returns no usable identifier.
	ErrNoRemoteID = errors.New("no remote identifier returned")

	// ErrEmptyFolder is returned when a batch folder contains no
	// candidate files.
	ErrEmptyFolder = errors.New("no candidate files in folder")
)

// ServiceError wraps a failure from a remote collaborator. Service errors are
// contained at the file boundary: the file is recorded as failed and the
// batch continues.
type ServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// DiscoveryError reports a failure while walking a batch folder.
type DiscoveryError struct {
	Path string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery error at %s: %v", e.Path, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}
