package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/pkg/raster"
	"github.com/instill-ai/healthrecord-backend/pkg/repository/object"
)

// NativeTextExtractor reads the text layer of the PDF with pdftotext.
type NativeTextExtractor struct {
	Runner  raster.Runner
	Storage object.Storage
	// Pdftotext is the binary name or path. Defaults to "pdftotext".
	Pdftotext string
	WorkDir   string
	Logger    *zap.Logger
}

// Method implements Extractor.
func (e *NativeTextExtractor) Method() Method { return MethodNativeText }

// Extract implements Extractor.
func (e *NativeTextExtractor) Extract(ctx context.Context, in Input) (*Document, error) {
	content, err := e.Storage.GetFile(ctx, in.SourceBucket, in.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("fetching source: %w", err)
	}

	tmpDir, err := os.MkdirTemp(e.WorkDir, "native-*")
	if err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "source.pdf")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return nil, fmt.Errorf("writing source: %w", err)
	}

	bin := e.Pdftotext
	if bin == "" {
		bin = "pdftotext"
	}
	out, errb, err := e.Runner.Run(ctx, bin, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return nil, fmt.Errorf("pdftotext: %w: %s", err, strings.TrimSpace(string(errb)))
	}

	return &Document{
		Method: MethodNativeText,
		Title:  in.Title,
		Pages:  splitPages(string(out), in.PageCount),
	}, nil
}

// splitPages splits pdftotext output on form feeds. pdftotext terminates
// every page with one, so the trailing empty element is dropped; the page
// count of the rasterization wins when the two disagree.
func splitPages(out string, pageCount int) []string {
	pages := strings.Split(out, "\f")
	if len(pages) > 0 && strings.TrimSpace(pages[len(pages)-1]) == "" && len(pages) > pageCount {
		pages = pages[:len(pages)-1]
	}
	if pageCount > 0 && len(pages) > pageCount {
		pages = pages[:pageCount]
	}
	for len(pages) < pageCount {
		pages = append(pages, "")
	}
	return pages
}
