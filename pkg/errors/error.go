// package errors contains domain errors that different layers can use to add
// meaning to an error and that the worker can transform into a retry policy.
// This is implemented as a separate package in order to avoid cycle import
// errors.
package errors

import (
	"fmt"
	"unicode/utf8"

	errorsx "github.com/instill-ai/x/errors"
)

// The following errors serve as domain errors that can be used by the
// different layers.
var (
	// ErrInvalidArgument is used when the provided argument is incorrect.
	ErrInvalidArgument = errorsx.ErrInvalidArgument
	// ErrNotFound is used when a resource doesn't exist.
	ErrNotFound = errorsx.ErrNotFound
	// ErrUnsupportedFileType is used when an upload isn't a PDF document.
	ErrUnsupportedFileType = fmt.Errorf("unsupported file type")
	// ErrEmptyFile is used when an upload has no content.
	ErrEmptyFile = fmt.Errorf("empty file")
	// ErrQualityGate is used when an extraction produced too few usable
	// pages to be trusted.
	ErrQualityGate = fmt.Errorf("extraction quality below threshold")
	// ErrNoUsableExtraction is used when no extraction method produced a
	// result for any file of an upload batch.
	ErrNoUsableExtraction = fmt.Errorf("no usable extraction result")
)

// MaxMessageLength bounds the error messages stored on user-visible status
// fields.
const MaxMessageLength = 500

// Truncate shortens msg to MaxMessageLength runes.
func Truncate(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxMessageLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxMessageLength-3]) + "..."
}

// UserMessage returns the end-user message attached to err, truncated for
// storage on status fields.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	return Truncate(errorsx.MessageOrErr(err))
}
