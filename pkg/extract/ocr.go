package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/pkg/raster"
)

// OCRExtractor runs tesseract on every rasterized page.
type OCRExtractor struct {
	Runner raster.Runner
	Cache  *raster.Cache
	// Tesseract is the binary name or path. Defaults to "tesseract".
	Tesseract string
	// Language is the tesseract language pack, e.g. "deu".
	Language    string
	WorkDir     string
	PoolSize    int
	PageTimeout time.Duration
	Logger      *zap.Logger
}

// Method implements Extractor.
func (e *OCRExtractor) Method() Method { return MethodOCR }

// Extract implements Extractor.
func (e *OCRExtractor) Extract(ctx context.Context, in Input) (*Document, error) {
	tmpDir, err := os.MkdirTemp(e.WorkDir, "ocr-*")
	if err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	bin := e.Tesseract
	if bin == "" {
		bin = "tesseract"
	}
	lang := e.Language
	if lang == "" {
		lang = "deu"
	}

	pages, err := runPages(ctx, e.Logger, in.PageCount, e.PoolSize, e.PageTimeout, func(ctx context.Context, n int) (string, error) {
		img, err := e.Cache.Page(ctx, in.Handle, n)
		if err != nil {
			return "", err
		}
		path := filepath.Join(tmpDir, fmt.Sprintf("page-%04d.png", n))
		if err := os.WriteFile(path, img, 0o600); err != nil {
			return "", err
		}
		// tesseract <image> stdout -l <lang>
		out, errb, err := e.Runner.Run(ctx, bin, path, "stdout", "-l", lang)
		if err != nil {
			return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(string(errb)))
		}
		return string(out), nil
	})
	if err != nil {
		return nil, err
	}

	return &Document{Method: MethodOCR, Title: in.Title, Pages: pages}, nil
}
