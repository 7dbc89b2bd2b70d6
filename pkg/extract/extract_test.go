package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/pkg/ai"
	"github.com/instill-ai/healthrecord-backend/pkg/mock"
	"github.com/instill-ai/healthrecord-backend/pkg/raster"
	"github.com/instill-ai/healthrecord-backend/pkg/repository/object"

	hrerrors "github.com/instill-ai/healthrecord-backend/pkg/errors"
)

func TestMethod(t *testing.T) {
	c := qt.New(t)

	c.Check(MethodCloudVision.TaskName(), qt.Equals, "extract_cloud_vision")
	c.Check(MethodNativeText.TaskName(), qt.Equals, "extract_native_text")
	c.Check(Priority(MethodNativeText) < Priority(MethodOCR), qt.IsTrue)
	c.Check(Priority(MethodVisionLLM) < Priority(Method("handwriting")), qt.IsTrue)
	c.Check(Method("handwriting").Valid(), qt.IsFalse)
}

func TestDocument_XML(t *testing.T) {
	c := qt.New(t)

	doc := &Document{
		Method: MethodOCR,
		Title:  "befund & labor.pdf",
		Pages:  []string{"Seite <eins>", "", "Seite drei"},
	}
	out, err := doc.XML()
	c.Assert(err, qt.IsNil)
	c.Check(out, qt.Equals, `<extraction method="ocr"><document title="befund &amp; labor.pdf">`+
		`<page number="0">Seite &lt;eins&gt;</page><page number="1"></page><page number="2">Seite drei</page>`+
		`</document></extraction>`)

	back, err := ParseDocument(out)
	c.Assert(err, qt.IsNil)
	c.Check(back, qt.DeepEquals, doc)
	c.Check(back.NonEmptyPages(), qt.Equals, 2)
}

func TestCheckQuality(t *testing.T) {
	c := qt.New(t)

	testCases := []struct {
		nonEmpty, total int
		pass            bool
	}{
		{nonEmpty: 0, total: 0, pass: false},
		{nonEmpty: 0, total: 5, pass: false},
		{nonEmpty: 2, total: 10, pass: false},
		{nonEmpty: 3, total: 10, pass: true},
		{nonEmpty: 1, total: 1, pass: true},
		{nonEmpty: 1, total: 4, pass: false},
	}

	for _, tc := range testCases {
		c.Run(fmt.Sprintf("%d of %d", tc.nonEmpty, tc.total), func(c *qt.C) {
			err := CheckQuality(Quality{NonEmptyPages: tc.nonEmpty, TotalPages: tc.total}, DefaultQualityRatio)
			if tc.pass {
				c.Check(err, qt.IsNil)
				return
			}
			c.Check(errors.Is(err, hrerrors.ErrQualityGate), qt.IsTrue)
			c.Check(ClassifyError(err), qt.Equals, ErrorTypeQuality)
		})
	}
}

func result(method Method, file, content string) Result {
	return Result{Method: method, Filename: file, Content: content}
}

func TestCombine(t *testing.T) {
	c := qt.New(t)

	c.Run("ok - method priority then file order", func(c *qt.C) {
		got, err := Combine([]Result{
			result(MethodVisionLLM, "a.pdf", "a-llm"),
			result(MethodOCR, "a.pdf", "a-ocr"),
			FailedResult(MethodCloudVision, "a.pdf", ErrorTypeQuality, hrerrors.ErrQualityGate),
			result(MethodNativeText, "a.pdf", "a-native"),
			result(Method("future"), "a.pdf", "a-unknown"),
			result(MethodOCR, "b.pdf", "b-ocr"),
			result(MethodNativeText, "b.pdf", "b-native"),
		})
		c.Assert(err, qt.IsNil)
		c.Check(got, qt.Equals, strings.Join([]string{"a-native", "b-native", "a-ocr", "b-ocr", "a-llm", "a-unknown"}, "\n"))
	})

	c.Run("nok - nothing usable", func(c *qt.C) {
		_, err := Combine([]Result{
			FailedResult(MethodOCR, "a.pdf", ErrorTypeBackend, fmt.Errorf("boom")),
			result(MethodNativeText, "a.pdf", ""),
		})
		c.Check(errors.Is(err, hrerrors.ErrNoUsableExtraction), qt.IsTrue)
	})
}

func TestSplitPages(t *testing.T) {
	c := qt.New(t)

	c.Check(splitPages("eins\fzwei\f", 2), qt.DeepEquals, []string{"eins", "zwei"})
	c.Check(splitPages("eins\f", 3), qt.DeepEquals, []string{"eins", "", ""})
	c.Check(splitPages("a\fb\fc\f", 2), qt.DeepEquals, []string{"a", "b"})
}

func TestRunPages(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("bounded concurrency and page order", func(c *qt.C) {
		var inFlight, peak int32
		pages, err := runPages(ctx, zap.NewNop(), 10, 3, time.Second, func(ctx context.Context, n int) (string, error) {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return fmt.Sprintf("p%d", n), nil
		})
		c.Assert(err, qt.IsNil)
		c.Assert(pages, qt.HasLen, 10)
		c.Check(pages[0], qt.Equals, "p1")
		c.Check(pages[9], qt.Equals, "p10")
		c.Check(atomic.LoadInt32(&peak) <= 3, qt.IsTrue)
	})

	c.Run("timed out and failed pages stay empty", func(c *qt.C) {
		release := make(chan struct{})
		defer close(release)
		pages, err := runPages(ctx, zap.NewNop(), 3, 3, 20*time.Millisecond, func(ctx context.Context, n int) (string, error) {
			switch n {
			case 1:
				// Ignores its context: the late result must be discarded.
				<-release
				return "late", nil
			case 2:
				return "", fmt.Errorf("backend error")
			}
			return "ok", nil
		})
		c.Assert(err, qt.IsNil)
		c.Check(pages, qt.DeepEquals, []string{"", "", "ok"})
	})

	c.Run("cancelled run fails", func(c *qt.C) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := runPages(cctx, zap.NewNop(), 2, 1, time.Second, func(ctx context.Context, n int) (string, error) {
			return "x", nil
		})
		c.Check(errors.Is(err, context.Canceled), qt.IsTrue)
	})
}

// scriptedRunner answers pdftotext and tesseract invocations.
type scriptedRunner struct {
	mu    sync.Mutex
	calls []string
	// ocr maps an image's content to the text tesseract returns.
	ocr  map[string]string
	text string
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()

	switch name {
	case "pdftotext":
		return []byte(r.text), nil, nil
	case "tesseract":
		img, err := os.ReadFile(args[0])
		if err != nil {
			return nil, nil, err
		}
		return []byte(r.ocr[string(img)]), nil, nil
	}
	return nil, []byte("unknown command"), fmt.Errorf("exit status 127")
}

func storePages(c *qt.C, storage *mock.Storage, pages ...string) (*raster.Cache, Input) {
	cache := raster.NewCache(storage, mock.NewRasterCache(), "rasters", time.Hour, zap.NewNop())
	bs := make([][]byte, len(pages))
	for i, p := range pages {
		bs[i] = []byte(p)
	}
	handle := uuid.Must(uuid.NewV4())
	_, err := cache.Store(context.Background(), handle, "u/scan.pdf", bs)
	c.Assert(err, qt.IsNil)
	return cache, Input{
		Handle:       handle,
		PageCount:    len(pages),
		SourceBucket: "uploads",
		SourcePath:   "u/scan.pdf",
		Title:        "scan.pdf",
	}
}

func TestNativeAndOCRExtractors(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	storage := mock.NewStorage()
	c.Assert(storage.UploadFile(ctx, "uploads", "u/scan.pdf", []byte("%PDF"), object.PDFMimeType), qt.IsNil)
	cache, in := storePages(c, storage, "img-1", "img-2")

	runner := &scriptedRunner{
		text: "Arztbrief\fLabor\f",
		ocr:  map[string]string{"img-1": "Arztbrief (ocr)", "img-2": "Labor (ocr)"},
	}

	native := &NativeTextExtractor{Runner: runner, Storage: storage, WorkDir: c.TempDir(), Logger: zap.NewNop()}
	doc, err := native.Extract(ctx, in)
	c.Assert(err, qt.IsNil)
	c.Check(doc.Method, qt.Equals, MethodNativeText)
	c.Check(doc.Pages, qt.DeepEquals, []string{"Arztbrief", "Labor"})

	ocr := &OCRExtractor{Runner: runner, Cache: cache, WorkDir: c.TempDir(), PoolSize: 2, PageTimeout: time.Second, Logger: zap.NewNop()}
	doc, err = ocr.Extract(ctx, in)
	c.Assert(err, qt.IsNil)
	c.Check(doc.Title, qt.Equals, "scan.pdf")
	c.Check(doc.Pages, qt.DeepEquals, []string{"Arztbrief (ocr)", "Labor (ocr)"})
}

// visionClient answers DescribeImage from a per-image table.
type visionClient struct {
	name    string
	answers map[string]string
}

func (v *visionClient) Name() string { return v.name }

func (v *visionClient) GenerateText(context.Context, ai.TextRequest) (*ai.Result, error) {
	return nil, fmt.Errorf("not implemented")
}

func (v *visionClient) DescribeImage(_ context.Context, req ai.ImageRequest) (*ai.Result, error) {
	text, ok := v.answers[string(req.Image)]
	if !ok {
		return nil, fmt.Errorf("backend error")
	}
	return &ai.Result{Text: text, Client: v.name}, nil
}

func (v *visionClient) GetModelFamily(family string) (ai.Client, error) {
	if family != v.name {
		return nil, fmt.Errorf("unsupported")
	}
	return v, nil
}

func (v *visionClient) Close() error { return nil }

func TestVisionExtractor(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	storage := mock.NewStorage()
	cache, in := storePages(c, storage, "img-1", "img-2", "img-3", "img-4")

	composite, err := ai.NewCompositeClient(map[string]ai.Client{
		ai.ModelFamilyGemini: &visionClient{name: ai.ModelFamilyGemini, answers: map[string]string{
			"img-1": "Seite 1", "img-2": "Seite 2", "img-3": "  ", "img-4": "Seite 4",
		}},
		ai.ModelFamilyOpenAI: &visionClient{name: ai.ModelFamilyOpenAI, answers: map[string]string{
			"img-1": "{\"seite\": 1}",
		}},
	}, ai.DefaultModelFamily)
	c.Assert(err, qt.IsNil)
	registry := ai.NewStaticRegistry(composite)
	cfg := VisionConfig{PoolSize: 3, PageTimeout: time.Second}

	c.Run("ok - cloud vision passes the gate", func(c *qt.C) {
		doc, err := NewCloudVisionExtractor(registry, cache, cfg, zap.NewNop()).Extract(ctx, in)
		c.Assert(err, qt.IsNil)
		c.Check(doc.Method, qt.Equals, MethodCloudVision)
		c.Check(doc.NonEmptyPages(), qt.Equals, 3)
	})

	c.Run("nok - vision LLM fails the gate", func(c *qt.C) {
		doc, err := NewVisionLLMExtractor(registry, cache, cfg, zap.NewNop()).Extract(ctx, in)
		c.Check(errors.Is(err, hrerrors.ErrQualityGate), qt.IsTrue)
		c.Assert(doc, qt.IsNotNil)
		c.Check(doc.Pages[0], qt.Equals, "{\"seite\": 1}")
		c.Check(doc.NonEmptyPages(), qt.Equals, 1)
	})
}
