// Package raster turns uploaded PDF documents into ordered page images held
// in a transient cache shared by the extraction methods.
package raster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/pkg/repository/object"
	"github.com/instill-ai/healthrecord-backend/pkg/types"

	hrerrors "github.com/instill-ai/healthrecord-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// Config configures the rasterizer.
type Config struct {
	// Pdftoppm is the binary name or absolute path. Defaults to "pdftoppm".
	Pdftoppm string
	// DPI is the render resolution. Defaults to 200.
	DPI int
	// WorkDir holds the temporary render output. Defaults to os.TempDir().
	WorkDir string
}

// Result is the outcome of rasterizing a file. It never carries page bytes.
type Result struct {
	Handle     types.RasterHandleType `json:"handle"`
	SourcePath string                 `json:"source_path"`
	PageCount  int                    `json:"page_count"`
	// Reused is set when an earlier page set of the same source was found.
	Reused bool `json:"reused"`
}

// Rasterizer renders PDF documents into the page cache.
type Rasterizer struct {
	cfg     Config
	runner  Runner
	storage object.Storage
	cache   *Cache
	logger  *zap.Logger
}

// NewRasterizer returns a rasterizer reading sources from storage and
// writing pages to cache.
func NewRasterizer(cfg Config, runner Runner, storage object.Storage, cache *Cache, logger *zap.Logger) *Rasterizer {
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 200
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &Rasterizer{
		cfg:     cfg,
		runner:  runner,
		storage: storage,
		cache:   cache,
		logger:  logger,
	}
}

// ValidateSource rejects anything that isn't a PDF by extension.
func ValidateSource(sourcePath string) error {
	if !strings.EqualFold(filepath.Ext(sourcePath), ".pdf") {
		return errorsx.AddMessage(
			fmt.Errorf("%s: %w", sourcePath, hrerrors.ErrUnsupportedFileType),
			"Only PDF documents can be processed.",
		)
	}
	return nil
}

// Rasterize renders every page of the PDF at sourcePath. A complete page
// set already cached for the same source is reused.
func (r *Rasterizer) Rasterize(ctx context.Context, sourceBucket, sourcePath string) (*Result, error) {
	if err := ValidateSource(sourcePath); err != nil {
		return nil, err
	}

	cached, err := r.cache.LookupSource(ctx, sourcePath)
	if err != nil {
		r.logger.Warn("Raster cache lookup failed, rendering again", zap.String("source", sourcePath), zap.Error(err))
	} else if cached != nil {
		r.logger.Info("Reusing cached rasterization",
			zap.String("source", sourcePath),
			zap.String("handle", cached.Handle.String()),
			zap.Int("pages", cached.PageCount))
		return &Result{Handle: cached.Handle, SourcePath: sourcePath, PageCount: cached.PageCount, Reused: true}, nil
	}

	content, err := r.storage.GetFile(ctx, sourceBucket, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("fetching source: %w", err)
	}
	if len(content) == 0 {
		return nil, errorsx.AddMessage(
			fmt.Errorf("%s: %w", sourcePath, hrerrors.ErrEmptyFile),
			"The uploaded document is empty.",
		)
	}

	pages, err := r.render(ctx, content)
	if err != nil {
		return nil, err
	}

	handle, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating raster handle: %w", err)
	}

	metadata, err := r.cache.Store(ctx, handle, sourcePath, pages)
	if err != nil {
		// A partially stored set is never indexed, so it's only garbage.
		if _, delErr := r.cache.Delete(ctx, handle); delErr != nil {
			r.logger.Warn("Failed to remove partial rasterization", zap.String("handle", handle.String()), zap.Error(delErr))
		}
		return nil, fmt.Errorf("caching pages: %w", err)
	}

	r.logger.Info("Rasterized document",
		zap.String("source", sourcePath),
		zap.String("handle", handle.String()),
		zap.Int("pages", metadata.PageCount))

	return &Result{Handle: handle, SourcePath: sourcePath, PageCount: metadata.PageCount}, nil
}

func (r *Rasterizer) render(ctx context.Context, content []byte) ([][]byte, error) {
	tmpDir, err := os.MkdirTemp(r.cfg.WorkDir, "raster-*")
	if err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			r.logger.Warn("Failed to remove work dir", zap.String("dir", tmpDir), zap.Error(err))
		}
	}()

	in := filepath.Join(tmpDir, "source.pdf")
	if err := os.WriteFile(in, content, 0o600); err != nil {
		return nil, fmt.Errorf("writing source: %w", err)
	}

	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -r <dpi> -png <in.pdf> <tmp/page>
	_, errb, err := r.runner.Run(ctx, r.cfg.Pdftoppm, "-r", strconv.Itoa(r.cfg.DPI), "-png", in, prefix)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm: %w: %s", err, truncate(string(errb), 1<<10))
	}

	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no pages")
	}
	sortPages(matches)

	pages := make([][]byte, 0, len(matches))
	for _, m := range matches {
		b, err := os.ReadFile(m)
		if err != nil {
			return nil, fmt.Errorf("reading rendered page: %w", err)
		}
		pages = append(pages, b)
	}
	return pages, nil
}

var pageNumber = regexp.MustCompile(`-(\d+)\.png$`)

// sortPages orders pdftoppm output files by page number. The zero padding
// pdftoppm applies depends on the page count, so names aren't compared as
// strings.
func sortPages(paths []string) {
	num := func(p string) int {
		m := pageNumber.FindStringSubmatch(p)
		if m == nil {
			return 0
		}
		n, _ := strconv.Atoi(m[1])
		return n
	}
	sort.SliceStable(paths, func(i, j int) bool {
		return num(paths[i]) < num(paths[j])
	})
}
