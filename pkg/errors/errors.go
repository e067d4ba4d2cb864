// Package errors defines custom error types for PulseWatch
package errors

import (
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// AttachError indicates the notification source could not be attached
	AttachError ErrorType = "attach"
	// DetachError indicates the notification source could not be detached cleanly
	DetachError ErrorType = "detach"
	// WriteError indicates a coordinated write performed by a caller failed
	WriteError ErrorType = "write"
	// ConfigError indicates configuration issues
	ConfigError ErrorType = "config"
	// JournalError indicates the flush journal could not be read or written
	JournalError ErrorType = "journal"
	// FileSystemError indicates file system related issues
	FileSystemError ErrorType = "filesystem"
)

// PulseError is the base error type for all PulseWatch errors
type PulseError struct {
	Type    ErrorType
	Message string
	Err     error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *PulseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *PulseError) Unwrap() error {
	return e.Err
}

// WithContext adds context to the error
func (e *PulseError) WithContext(key string, value interface{}) *PulseError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new PulseError
func New(errType ErrorType, message string, err error) *PulseError {
	return &PulseError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// Is reports whether err is a PulseError of the given type anywhere in its
// chain, including inside errors.Join results
func Is(err error, errType ErrorType) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *PulseError:
		if e == nil {
			return false
		}
		if e.Type == errType {
			return true
		}
		return Is(e.Err, errType)
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if Is(inner, errType) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return Is(e.Unwrap(), errType)
	default:
		return false
	}
}

// IsAttachError checks if the error is an attach error
func IsAttachError(err error) bool {
	return Is(err, AttachError)
}

// IsDetachError checks if the error is a detach error
func IsDetachError(err error) bool {
	return Is(err, DetachError)
}

// IsWriteError checks if the error is a coordinated write error
func IsWriteError(err error) bool {
	return Is(err, WriteError)
}

// IsConfigError checks if the error is a configuration error
func IsConfigError(err error) bool {
	return Is(err, ConfigError)
}

// IsJournalError checks if the error is a journal error
func IsJournalError(err error) bool {
	return Is(err, JournalError)
}

// IsFileSystemError checks if the error is a file system error
func IsFileSystemError(err error) bool {
	return Is(err, FileSystemError)
}

// Constructor functions for each error type

// NewAttachError creates a new attach error
func NewAttachError(message string, err error) *PulseError {
	return New(AttachError, message, err)
}

// NewDetachError creates a new detach error
func NewDetachError(message string, err error) *PulseError {
	return New(DetachError, message, err)
}

// NewWriteError creates a new coordinated write error
func NewWriteError(message string, err error) *PulseError {
	return New(WriteError, message, err)
}

// NewConfigError creates a new configuration error
func NewConfigError(message string, err error) *PulseError {
	return New(ConfigError, message, err)
}

// NewJournalError creates a new journal error
func NewJournalError(message string, err error) *PulseError {
	return New(JournalError, message, err)
}

// NewFileSystemError creates a new file system error
func NewFileSystemError(message string, err error) *PulseError {
	return New(FileSystemError, message, err)
}
