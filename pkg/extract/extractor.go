package extract

import (
	"context"
	"errors"
	"time"

	"github.com/instill-ai/healthrecord-backend/pkg/types"

	hrerrors "github.com/instill-ai/healthrecord-backend/pkg/errors"
)

// Input identifies the document an extractor works on. Page images are read
// from the raster cache by handle, never passed around.
type Input struct {
	Handle       types.RasterHandleType `json:"handle"`
	PageCount    int                    `json:"page_count"`
	SourceBucket string                 `json:"source_bucket"`
	SourcePath   string                 `json:"source_path"`
	// Title is the original filename.
	Title string `json:"title"`
}

// Extractor is one extraction strategy.
type Extractor interface {
	Method() Method
	Extract(ctx context.Context, in Input) (*Document, error)
}

// Error types carried by a failed Result.
const (
	ErrorTypeQuality     = "QualityGate"
	ErrorTypeTimeout     = "Timeout"
	ErrorTypeRasterize   = "Rasterize"
	ErrorTypeUnsupported = "Unsupported"
	ErrorTypeBackend     = "Backend"
)

// Error is the structured failure of a method, returned instead of raised
// so the join can report it next to the successes.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Result is the terminal outcome of a method on one file. Exactly one of
// Content and Error is set.
type Result struct {
	Method   Method `json:"method"`
	Filename string `json:"filename"`
	// Content is the Document rendered as XML.
	Content  string        `json:"content,omitempty"`
	Quality  Quality       `json:"quality"`
	Error    *Error        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the result carries content.
func (r Result) Succeeded() bool {
	return r.Error == nil && r.Content != ""
}

// ClassifyError maps an extraction failure onto an error type.
func ClassifyError(err error) string {
	switch {
	case errors.Is(err, hrerrors.ErrQualityGate):
		return ErrorTypeQuality
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, hrerrors.ErrUnsupportedFileType), errors.Is(err, hrerrors.ErrEmptyFile):
		return ErrorTypeUnsupported
	default:
		return ErrorTypeBackend
	}
}

// FailedResult builds the structured failure of method on filename.
func FailedResult(method Method, filename, errType string, err error) Result {
	return Result{
		Method:   method,
		Filename: filename,
		Error: &Error{
			Type:    errType,
			Message: hrerrors.UserMessage(err),
		},
	}
}

// NewResult renders doc into a successful Result.
func NewResult(doc *Document) (Result, error) {
	content, err := doc.XML()
	if err != nil {
		return Result{}, err
	}
	return Result{
		Method:   doc.Method,
		Filename: doc.Title,
		Content:  content,
		Quality:  Quality{NonEmptyPages: doc.NonEmptyPages(), TotalPages: len(doc.Pages)},
	}, nil
}
