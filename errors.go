package main

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoModelsFound is returned when a model source directory holds no model files.
	ErrNoModelsFound = errors.New("no models found")

	// ErrIndexingTimeout is returned by strict model loading when the service still reports an
	// empty inventory after all retries.
	ErrIndexingTimeout = errors.New("model inventory still empty after retries")
)

// MissingComponentError means the bundle is incomplete. It always aborts the run.
type MissingComponentError struct {
	Component string
	Path      string
	Reason    string
}

func (e *MissingComponentError) Error() string {
	msg := fmt.Sprintf("bundle is missing %s (%s)", e.Component, e.Path)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// InstallationFailedError means the installed binary cannot be used.
type InstallationFailedError struct {
	Path string
	Err  error
}

func (e *InstallationFailedError) Error() string {
	return fmt.Sprintf("installation of %s failed: %v", e.Path, e.Err)
}

func (e *InstallationFailedError) Unwrap() error {
	return e.Err
}

// ServiceStartTimeoutError carries the unit status and log tail captured when the service did
// not become active in time.
type ServiceStartTimeoutError struct {
	Unit    string
	Timeout string
	Status  string
	LogTail string
}

func (e *ServiceStartTimeoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s did not become active within %s", e.Unit, e.Timeout)
	if e.Status != "" {
		fmt.Fprintf(&b, " (state %s)", e.Status)
	}
	return b.String()
}

// ConfigValidationError means the rewritten sshd config was rejected and the original was
// restored.
type ConfigValidationError struct {
	Path     string
	Output   string
	Restored bool
	Err      error
}

func (e *ConfigValidationError) Error() string {
	restored := "original restored"
	if !e.Restored {
		restored = "restore FAILED"
	}
	return fmt.Sprintf("validation of %s failed (%s): %v", e.Path, restored, e.Err)
}

func (e *ConfigValidationError) Unwrap() error {
	return e.Err
}

// DanglingReferenceError means a manifest references a blob that is not in the store.
type DanglingReferenceError struct {
	Manifest string
	Digest   string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("manifest %s references missing blob %s", e.Manifest, e.Digest)
}
