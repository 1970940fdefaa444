package errors

import (
	"errors"
	"syscall"
)

// ErrorCategory represents the category of an error for retry logic.
type ErrorCategory int

const (
	ErrorTransient  ErrorCategory = iota // Temporary errors - retry with backoff
	ErrorPermanent                       // Permanent errors - no retry
	ErrorCritical                        // System-level errors - alert immediately
	ErrorValidation                      // Data validation errors - no retry
)

// Classifier categorizes errors so file I/O paths can decide whether a
// retry with backoff is worthwhile.
type Classifier struct{}

func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify determines the category of an error.
func (c *Classifier) Classify(err error) ErrorCategory {
	if err == nil {
		return ErrorPermanent
	}

	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.EAGAIN, syscall.ENOMEM, syscall.ETIMEDOUT:
			return ErrorTransient
		case syscall.ENOENT, syscall.EINVAL, syscall.EEXIST:
			return ErrorPermanent
		case syscall.EIO, syscall.ENOSPC:
			return ErrorCritical
		}
	}

	switch {
	case errors.Is(err, ErrCorruptRecord), errors.Is(err, ErrCRCMismatch),
		errors.Is(err, ErrDecrypt), errors.Is(err, ErrInvalidFormat):
		return ErrorValidation
	case errors.Is(err, ErrPageExhausted):
		return ErrorCritical
	case errors.Is(err, ErrFileOpen), errors.Is(err, ErrFileWrite),
		errors.Is(err, ErrFileSync), errors.Is(err, ErrFileRead):
		return ErrorTransient
	}

	return ErrorPermanent
}

// ShouldRetry returns true if the error category indicates retry is appropriate.
func (c *Classifier) ShouldRetry(category ErrorCategory) bool {
	return category == ErrorTransient
}

// IsCritical returns true if the error requires immediate attention.
func (c *Classifier) IsCritical(category ErrorCategory) bool {
	return category == ErrorCritical
}
