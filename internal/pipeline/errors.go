package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"syscall"

	"github.com/MimeLyc/sizetrimmer/internal/config"
	"github.com/MimeLyc/sizetrimmer/internal/jobs"
	"github.com/MimeLyc/sizetrimmer/internal/media"
)

type ErrorType int

const (
	ErrUnknown ErrorType = iota
	ErrValidation
	ErrSupplier
	ErrFilesystem
	ErrCancelled
	ErrFatal
)

func (t ErrorType) String() string {
	switch t {
	case ErrValidation:
		return "Validation"
	case ErrSupplier:
		return "Supplier"
	case ErrFilesystem:
		return "Filesystem"
	case ErrCancelled:
		return "Cancelled"
	case ErrFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

type PipelineError struct {
	Type    ErrorType
	Message string
	Context map[string]any
	Cause   error
}

func NewError(errorType ErrorType, message string) *PipelineError {
	return &PipelineError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func NewErrorWithCause(errorType ErrorType, message string, cause error) *PipelineError {
	return &PipelineError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
		Cause:   cause,
	}
}

func (e *PipelineError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Type, e.Message))

	if len(e.Context) > 0 {
		var ctxParts []string
		for k, v := range e.Context {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

func (e *PipelineError) WithContext(key string, value any) *PipelineError {
	e.Context[key] = value
	return e
}

func IsErrorType(err error, errorType ErrorType) bool {
	return ClassifyError(err) == errorType
}

func WrapError(err error, errorType ErrorType, message string) *PipelineError {
	return NewErrorWithCause(errorType, message, err)
}

// ClassifyError maps any error from the pipeline or its collaborators onto
// the error taxonomy.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrUnknown
	}

	var pErr *PipelineError
	if errors.As(err, &pErr) {
		return pErr.Type
	}

	var exitErr *media.ExitError
	switch {
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	case errors.Is(err, jobs.ErrHalted), errors.Is(err, config.ErrCorruptSettings):
		return ErrFatal
	case errors.Is(err, config.ErrValidation),
		errors.Is(err, jobs.ErrDuplicate),
		errors.Is(err, jobs.ErrOutputClaimed),
		errors.Is(err, jobs.ErrFinishing),
		errors.Is(err, jobs.ErrNotFound):
		return ErrValidation
	case errors.Is(err, media.ErrEngineMissing),
		errors.Is(err, media.ErrIncomplete),
		errors.As(err, &exitErr):
		return ErrSupplier
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, fs.ErrExist),
		errors.Is(err, syscall.ENOSPC):
		return ErrFilesystem
	}

	var pathErr *fs.PathError
	var linkErr *os.LinkError
	if errors.As(err, &pathErr) || errors.As(err, &linkErr) {
		return ErrFilesystem
	}
	return ErrUnknown
}
