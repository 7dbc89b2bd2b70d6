// Package extract holds the four text extraction methods run on every
// uploaded document and the XML envelope their output is stored in.
package extract

import (
	"slices"

	"github.com/iancoleman/strcase"
)

// Method identifies an extraction strategy.
type Method string

// The extraction methods, a closed set.
const (
	MethodNativeText  Method = "native_text"
	MethodOCR         Method = "ocr"
	MethodCloudVision Method = "cloud_vision"
	MethodVisionLLM   Method = "vision_llm"
)

// Methods lists every method in merge priority order, which is also the
// order the join reports them in.
var Methods = []Method{MethodNativeText, MethodOCR, MethodCloudVision, MethodVisionLLM}

// Priority returns the merge rank of m. Unknown methods sort last.
func Priority(m Method) int {
	if i := slices.Index(Methods, m); i >= 0 {
		return i
	}
	return len(Methods)
}

// Valid reports whether m is one of the known methods.
func (m Method) Valid() bool {
	return slices.Contains(Methods, m)
}

// TaskName is the ledger task name of the method, e.g. extract_cloud_vision.
func (m Method) TaskName() string {
	return strcase.ToSnake("extract_" + string(m))
}
