package extract

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/pkg/ai"
	"github.com/instill-ai/healthrecord-backend/pkg/raster"
	"github.com/instill-ai/healthrecord-backend/pkg/repository/object"
)

const (
	// CloudVisionPrompt asks for a plain transcription of the page.
	CloudVisionPrompt = "Transkribiere den gesamten Text dieser Seite exakt und vollständig. Gib nur den Text aus."
	// VisionLLMPrompt asks for a structured rendition of the page.
	VisionLLMPrompt = "Wandele bitte das Bild in ein Json-Format um."
)

// VisionExtractor transcribes every rasterized page with a vision model and
// applies the quality gate to the outcome.
type VisionExtractor struct {
	method       Method
	modelFamily  string
	prompt       string
	registry     *ai.Registry
	cache        *raster.Cache
	poolSize     int
	pageTimeout  time.Duration
	qualityRatio float64
	logger       *zap.Logger
}

// VisionConfig holds the tunables shared by both vision methods.
type VisionConfig struct {
	PoolSize     int
	PageTimeout  time.Duration
	QualityRatio float64
}

// NewCloudVisionExtractor returns the cloud-vision OCR method, served by
// the Gemini backend.
func NewCloudVisionExtractor(registry *ai.Registry, cache *raster.Cache, cfg VisionConfig, logger *zap.Logger) *VisionExtractor {
	return newVisionExtractor(MethodCloudVision, ai.ModelFamilyGemini, CloudVisionPrompt, registry, cache, cfg, logger)
}

// NewVisionLLMExtractor returns the vision-LLM method, served by the
// OpenAI backend.
func NewVisionLLMExtractor(registry *ai.Registry, cache *raster.Cache, cfg VisionConfig, logger *zap.Logger) *VisionExtractor {
	return newVisionExtractor(MethodVisionLLM, ai.ModelFamilyOpenAI, VisionLLMPrompt, registry, cache, cfg, logger)
}

func newVisionExtractor(method Method, family, prompt string, registry *ai.Registry, cache *raster.Cache, cfg VisionConfig, logger *zap.Logger) *VisionExtractor {
	if cfg.QualityRatio <= 0 {
		cfg.QualityRatio = DefaultQualityRatio
	}
	return &VisionExtractor{
		method:       method,
		modelFamily:  family,
		prompt:       prompt,
		registry:     registry,
		cache:        cache,
		poolSize:     cfg.PoolSize,
		pageTimeout:  cfg.PageTimeout,
		qualityRatio: cfg.QualityRatio,
		logger:       logger.With(zap.String("method", string(method))),
	}
}

// Method implements Extractor.
func (e *VisionExtractor) Method() Method { return e.method }

// Extract implements Extractor. A document failing the quality gate is
// returned together with an error wrapping ErrQualityGate.
func (e *VisionExtractor) Extract(ctx context.Context, in Input) (*Document, error) {
	client, err := e.registry.Client(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting AI client: %w", err)
	}
	client, err = client.GetModelFamily(e.modelFamily)
	if err != nil {
		return nil, err
	}

	pages, err := runPages(ctx, e.logger, in.PageCount, e.poolSize, e.pageTimeout, func(ctx context.Context, n int) (string, error) {
		img, err := e.cache.Page(ctx, in.Handle, n)
		if err != nil {
			return "", err
		}
		res, err := client.DescribeImage(ctx, ai.ImageRequest{
			Prompt:   e.prompt,
			Image:    img,
			MIMEType: object.PNGMimeType,
		})
		if err != nil {
			return "", err
		}
		return res.Text, nil
	})
	if err != nil {
		return nil, err
	}

	doc := &Document{Method: e.method, Title: in.Title, Pages: pages}
	q := Quality{NonEmptyPages: doc.NonEmptyPages(), TotalPages: len(pages)}
	if err := CheckQuality(q, e.qualityRatio); err != nil {
		return doc, err
	}
	return doc, nil
}
