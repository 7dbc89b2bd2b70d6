package raster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/pkg/mock"
	"github.com/instill-ai/healthrecord-backend/pkg/repository/object"

	hrerrors "github.com/instill-ai/healthrecord-backend/pkg/errors"
)

const (
	uploadBucket = "uploads"
	rasterBucket = "rasters"
)

// pdftoppmStub writes `pages` fake PNG files named the way pdftoppm names
// its output, without zero padding.
type pdftoppmStub struct {
	pages int
	calls int
	err   error
}

func (s *pdftoppmStub) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	s.calls++
	if s.err != nil {
		return nil, []byte("Syntax Error: Couldn't read xref table"), s.err
	}
	prefix := args[len(args)-1]
	for i := 1; i <= s.pages; i++ {
		if err := os.WriteFile(fmt.Sprintf("%s-%d.png", prefix, i), []byte(fmt.Sprintf("png-%d", i)), 0o600); err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, nil
}

func newTestRasterizer(c *qt.C, runner Runner) (*Rasterizer, *mock.Storage, *mock.RasterCache) {
	storage := mock.NewStorage()
	index := mock.NewRasterCache()
	cache := NewCache(storage, index, rasterBucket, time.Hour, zap.NewNop())
	r := NewRasterizer(Config{DPI: 150, WorkDir: c.TempDir()}, runner, storage, cache, zap.NewNop())
	return r, storage, index
}

func TestRasterizer_Rasterize(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("ok - pages are stored in page order", func(c *qt.C) {
		runner := &pdftoppmStub{pages: 12}
		r, storage, index := newTestRasterizer(c, runner)
		c.Assert(storage.UploadFile(ctx, uploadBucket, "u/1/scan.pdf", []byte("%PDF-1.7"), object.PDFMimeType), qt.IsNil)

		res, err := r.Rasterize(ctx, uploadBucket, "u/1/scan.pdf")
		c.Assert(err, qt.IsNil)
		c.Check(res.PageCount, qt.Equals, 12)
		c.Check(res.Reused, qt.IsFalse)
		c.Check(index.TTL(res.Handle), qt.Equals, time.Hour)

		cache := NewCache(storage, index, rasterBucket, time.Hour, zap.NewNop())
		pages, err := cache.Pages(ctx, res.Handle)
		c.Assert(err, qt.IsNil)
		c.Assert(pages, qt.HasLen, 12)
		for i, p := range pages {
			c.Check(string(p), qt.Equals, fmt.Sprintf("png-%d", i+1))
		}
	})

	c.Run("ok - a complete cached page set is reused", func(c *qt.C) {
		runner := &pdftoppmStub{pages: 3}
		r, storage, _ := newTestRasterizer(c, runner)
		c.Assert(storage.UploadFile(ctx, uploadBucket, "u/1/scan.pdf", []byte("%PDF-1.7"), object.PDFMimeType), qt.IsNil)

		first, err := r.Rasterize(ctx, uploadBucket, "u/1/scan.pdf")
		c.Assert(err, qt.IsNil)

		second, err := r.Rasterize(ctx, uploadBucket, "u/1/scan.pdf")
		c.Assert(err, qt.IsNil)
		c.Check(second.Reused, qt.IsTrue)
		c.Check(second.Handle, qt.Equals, first.Handle)
		c.Check(second.PageCount, qt.Equals, 3)
		c.Check(runner.calls, qt.Equals, 1)
	})

	c.Run("ok - an incomplete cached page set is rendered again", func(c *qt.C) {
		runner := &pdftoppmStub{pages: 3}
		r, storage, _ := newTestRasterizer(c, runner)
		c.Assert(storage.UploadFile(ctx, uploadBucket, "u/1/scan.pdf", []byte("%PDF-1.7"), object.PDFMimeType), qt.IsNil)

		first, err := r.Rasterize(ctx, uploadBucket, "u/1/scan.pdf")
		c.Assert(err, qt.IsNil)
		c.Assert(storage.DeleteFile(ctx, rasterBucket, object.RasterPagePath(first.Handle, 2)), qt.IsNil)

		second, err := r.Rasterize(ctx, uploadBucket, "u/1/scan.pdf")
		c.Assert(err, qt.IsNil)
		c.Check(second.Reused, qt.IsFalse)
		c.Check(second.Handle, qt.Not(qt.Equals), first.Handle)
		c.Check(runner.calls, qt.Equals, 2)
	})

	c.Run("nok - not a PDF", func(c *qt.C) {
		runner := &pdftoppmStub{pages: 1}
		r, _, _ := newTestRasterizer(c, runner)

		_, err := r.Rasterize(ctx, uploadBucket, "u/1/notes.docx")
		c.Check(errors.Is(err, hrerrors.ErrUnsupportedFileType), qt.IsTrue)
		c.Check(runner.calls, qt.Equals, 0)
	})

	c.Run("nok - empty file", func(c *qt.C) {
		runner := &pdftoppmStub{pages: 1}
		r, storage, _ := newTestRasterizer(c, runner)
		c.Assert(storage.UploadFile(ctx, uploadBucket, "u/1/empty.pdf", nil, object.PDFMimeType), qt.IsNil)

		_, err := r.Rasterize(ctx, uploadBucket, "u/1/empty.pdf")
		c.Check(errors.Is(err, hrerrors.ErrEmptyFile), qt.IsTrue)
		c.Check(runner.calls, qt.Equals, 0)
	})

	c.Run("nok - missing source", func(c *qt.C) {
		r, _, _ := newTestRasterizer(c, &pdftoppmStub{pages: 1})

		_, err := r.Rasterize(ctx, uploadBucket, "u/1/missing.pdf")
		c.Check(errors.Is(err, object.ErrObjectNotFound), qt.IsTrue)
	})

	c.Run("nok - pdftoppm fails", func(c *qt.C) {
		r, storage, _ := newTestRasterizer(c, &pdftoppmStub{err: fmt.Errorf("exit status 1")})
		c.Assert(storage.UploadFile(ctx, uploadBucket, "u/1/broken.pdf", []byte("garbage"), object.PDFMimeType), qt.IsNil)

		_, err := r.Rasterize(ctx, uploadBucket, "u/1/broken.pdf")
		c.Check(err, qt.ErrorMatches, `pdftoppm: exit status 1: Syntax Error.*`)
		c.Check(storage.Len(), qt.Equals, 1)
	})
}

func TestCache_Delete(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	r, storage, index := newTestRasterizer(c, &pdftoppmStub{pages: 4})
	c.Assert(storage.UploadFile(ctx, uploadBucket, "a.pdf", []byte("%PDF"), object.PDFMimeType), qt.IsNil)

	res, err := r.Rasterize(ctx, uploadBucket, "a.pdf")
	c.Assert(err, qt.IsNil)

	cache := NewCache(storage, index, rasterBucket, time.Hour, zap.NewNop())
	n, err := cache.Delete(ctx, res.Handle)
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, 4)
	c.Check(storage.Len(), qt.Equals, 1)

	m, err := cache.Lookup(ctx, res.Handle)
	c.Assert(err, qt.IsNil)
	c.Check(m, qt.IsNil)

	_, err = cache.Pages(ctx, res.Handle)
	c.Check(errors.Is(err, hrerrors.ErrNotFound), qt.IsTrue)

	// Idempotent.
	n, err = cache.Delete(ctx, res.Handle)
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, 0)
}

func TestCache_Retire(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	runner := &pdftoppmStub{pages: 2}
	r, storage, index := newTestRasterizer(c, runner)
	c.Assert(storage.UploadFile(ctx, uploadBucket, "a.pdf", []byte("%PDF"), object.PDFMimeType), qt.IsNil)
	cache := NewCache(storage, index, rasterBucket, time.Hour, zap.NewNop())

	first, err := r.Rasterize(ctx, uploadBucket, "a.pdf")
	c.Assert(err, qt.IsNil)
	c.Assert(cache.Retire(ctx, first.Handle), qt.IsNil)

	// A retired page set is no longer handed out, but stays readable until
	// it is deleted.
	second, err := r.Rasterize(ctx, uploadBucket, "a.pdf")
	c.Assert(err, qt.IsNil)
	c.Check(second.Reused, qt.IsFalse)
	c.Check(second.Handle, qt.Not(qt.Equals), first.Handle)
	c.Check(runner.calls, qt.Equals, 2)

	pages, err := cache.Pages(ctx, first.Handle)
	c.Assert(err, qt.IsNil)
	c.Check(pages, qt.HasLen, 2)

	// Deleting the retired set leaves the new one reusable.
	_, err = cache.Delete(ctx, first.Handle)
	c.Assert(err, qt.IsNil)

	third, err := r.Rasterize(ctx, uploadBucket, "a.pdf")
	c.Assert(err, qt.IsNil)
	c.Check(third.Reused, qt.IsTrue)
	c.Check(third.Handle, qt.Equals, second.Handle)

	// Retiring a handle the source no longer points at is a no-op.
	c.Assert(cache.Retire(ctx, first.Handle), qt.IsNil)
	m, err := cache.LookupSource(ctx, "a.pdf")
	c.Assert(err, qt.IsNil)
	c.Assert(m, qt.IsNotNil)
	c.Check(m.Handle, qt.Equals, second.Handle)
}

func TestSortPages(t *testing.T) {
	c := qt.New(t)

	paths := []string{"/t/page-10.png", "/t/page-2.png", "/t/page-1.png", "/t/page-100.png", "/t/page-09.png"}
	sortPages(paths)
	c.Check(paths, qt.DeepEquals, []string{"/t/page-1.png", "/t/page-2.png", "/t/page-09.png", "/t/page-10.png", "/t/page-100.png"})
}
