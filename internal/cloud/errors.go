package cloud

import (
	"fmt"
	"strings"
)

// ContainerCreationError means the provider rejected the container
// creation itself, e.g. a name collision with a different owner. It is
// never retried.
type ContainerCreationError struct {
	Name string
	Err  error
}

func (e *ContainerCreationError) Error() string {
	return fmt.Sprintf("creating container %q failed: %v", e.Name, e.Err)
}

func (e *ContainerCreationError) Unwrap() error {
	return e.Err
}

// UploadError is a transient transport failure during upload. The publish
// pipeline restarts the whole upload a bounded number of times.
type UploadError struct {
	Container string
	Key       string
	Err       error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("uploading %s/%s failed: %v", e.Container, e.Key, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// RegistrationError means the provider explicitly reported that the image
// cannot be registered or failed to converge, e.g. an invalid image
// format. It is never retried.
type RegistrationError struct {
	Name   string
	Reason string
	Err    error
}

func (e *RegistrationError) Error() string {
	msg := fmt.Sprintf("registering image %q failed", e.Name)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// PartialShareError reports a share operation where some grants succeeded
// and others were rejected. Callers can retry with just the Failed subset.
type PartialShareError struct {
	Granted []string
	Failed  []string
	Err     error
}

func (e *PartialShareError) Error() string {
	return fmt.Sprintf("sharing failed for accounts [%s] (granted: [%s]): %v",
		strings.Join(e.Failed, ", "), strings.Join(e.Granted, ", "), e.Err)
}

func (e *PartialShareError) Unwrap() error {
	return e.Err
}
