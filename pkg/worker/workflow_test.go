package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/mock"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/healthrecord-backend/config"
	"github.com/instill-ai/healthrecord-backend/pkg/constant"
	"github.com/instill-ai/healthrecord-backend/pkg/extract"
	"github.com/instill-ai/healthrecord-backend/pkg/ledger"
	"github.com/instill-ai/healthrecord-backend/pkg/raster"
	"github.com/instill-ai/healthrecord-backend/pkg/repository"
	"github.com/instill-ai/healthrecord-backend/pkg/service"
	"github.com/instill-ai/healthrecord-backend/pkg/types"

	hrmock "github.com/instill-ai/healthrecord-backend/pkg/mock"
)

var coreTasks = []string{"extract_native_text", "combine_extractions"}

type stubExtractor struct {
	method extract.Method
	err    error
}

func (e stubExtractor) Method() extract.Method { return e.method }

func (e stubExtractor) Extract(_ context.Context, in extract.Input) (*extract.Document, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &extract.Document{
		Method: e.method,
		Title:  in.Title,
		Pages:  []string{fmt.Sprintf("%s page of %s", e.method, in.Title)},
	}, nil
}

func stubExtractors(failing map[extract.Method]error) []extract.Extractor {
	extractors := make([]extract.Extractor, 0, len(extract.Methods))
	for _, m := range extract.Methods {
		extractors = append(extractors, stubExtractor{method: m, err: failing[m]})
	}
	return extractors
}

func testPipeline() config.PipelineConfig {
	return config.PipelineConfig{
		Raster: config.RasterConfig{MaxRetries: 3, RetryBackoff: time.Second, GracePeriod: 5 * time.Minute},
		Extraction: config.ExtractionConfig{
			MaxAttempts:   4,
			HardTimeLimit: time.Minute,
		},
		Report: config.ReportConfig{HardTimeLimit: time.Minute},
		Codes:  config.CodesConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond},
		Ledger: config.LedgerConfig{CoreTasks: coreTasks, Window: 50},
	}
}

func newTestWorker(c *qt.C, repo repository.Repository, storage *hrmock.Storage, failing map[extract.Method]error) *Worker {
	w, err := New(Config{
		Repository:   repo,
		Storage:      storage,
		Extractors:   stubExtractors(failing),
		Pipeline:     testPipeline(),
		UploadBucket: "uploads",
	}, zap.NewNop())
	c.Assert(err, qt.IsNil)
	return w
}

func TestNew_MissingExtractor(t *testing.T) {
	c := qt.New(t)
	repo, _ := hrmock.NewRepository(t)

	_, err := New(Config{
		Repository: repo,
		Extractors: []extract.Extractor{stubExtractor{method: extract.MethodNativeText}},
	}, zap.NewNop())
	c.Assert(err, qt.ErrorMatches, "no extractor for method .*")
}

func TestProcessUploadWorkflow_PartialExtraction(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	repo, _ := hrmock.NewRepository(t)
	storage := hrmock.NewStorage()
	w := newTestWorker(c, repo, storage, nil)

	rec, err := repo.CreateRecord(ctx, repository.RecordModel{UserID: 7})
	c.Assert(err, qt.IsNil)

	files := []service.UploadedFile{
		{Filename: "a.pdf", Path: "7/a.pdf"},
		{Filename: "b.pdf", Path: "7/b.pdf"},
	}
	for _, f := range files {
		c.Assert(storage.UploadFile(ctx, "uploads", f.Path, []byte("%PDF"), "application/pdf"), qt.IsNil)
	}

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	env.RegisterWorkflow(w.ProcessUploadWorkflow)
	env.RegisterWorkflow(w.ExtractFileWorkflow)
	env.RegisterWorkflow(w.DelayedRasterCleanupWorkflow)
	env.RegisterWorkflow(w.EnrichCodesWorkflow)
	env.RegisterActivity(w.StartProcessingActivity)
	env.RegisterActivity(w.RasterizeActivity)
	env.RegisterActivity(w.ExtractPagesActivity)
	env.RegisterActivity(w.JoinExtractionsActivity)
	env.RegisterActivity(w.RetireRasterCacheActivity)
	env.RegisterActivity(w.DeleteRasterCacheActivity)
	env.RegisterActivity(w.CombineActivity)
	env.RegisterActivity(w.InferEraActivity)
	env.RegisterActivity(w.ExtractCodesActivity)
	env.RegisterActivity(w.EnrichCodesActivity)
	env.RegisterActivity(w.CompleteProcessingActivity)
	env.RegisterActivity(w.FailProcessingActivity)

	env.OnActivity(w.RasterizeActivity, mock.Anything, mock.Anything).Return(
		func(_ context.Context, p *RasterizeActivityParam) (*raster.Result, error) {
			return &raster.Result{Handle: uuid.Must(uuid.NewV4()), SourcePath: p.Path, PageCount: 1}, nil
		})
	// The vision LLM exhausts its attempts on the second file.
	env.OnActivity(w.ExtractPagesActivity, mock.Anything, mock.Anything).Return(
		func(_ context.Context, p *ExtractPagesActivityParam) (*extract.Result, error) {
			if p.Method == extract.MethodVisionLLM && p.Input.Title == "b.pdf" {
				res := extract.FailedResult(p.Method, p.Input.Title, extract.ErrorTypeBackend, fmt.Errorf("model unavailable"))
				res.Attempts = 4
				return &res, nil
			}
			return &extract.Result{
				Method:   p.Method,
				Filename: p.Input.Title,
				Content:  fmt.Sprintf("<%s/>", p.Method),
				Attempts: 1,
			}, nil
		})
	env.OnActivity(w.InferEraActivity, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(w.ExtractCodesActivity, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(w.EnrichCodesActivity, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(w.RetireRasterCacheActivity, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(w.DeleteRasterCacheActivity, mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(w.ProcessUploadWorkflow, service.ProcessUploadWorkflowParam{
		RecordID:  rec.ID,
		UserID:    rec.UserID,
		Files:     files,
		Recipient: "arzt@example.com",
	})

	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNil)

	got, err := repo.GetRecord(ctx, rec.ID)
	c.Assert(err, qt.IsNil)
	c.Check(got.ProcessingStatus, qt.Equals, types.ProcessingStatusCompleted)
	c.Check(got.Filenames, qt.Equals, "a.pdf,b.pdf")
	c.Check(got.Text.String(), qt.Contains, "<extract_native_text/>")

	entries, err := repo.ListRecentTasks(ctx, rec.ID, 50)
	c.Assert(err, qt.IsNil)
	report := ledger.BuildReport(entries, coreTasks)
	c.Check(report.Status, qt.Equals, ledger.StatusCompleted)
	// Eight extraction entries plus the combination.
	c.Check(report.TotalTasks, qt.Equals, 9)
	c.Check(report.FailedTasks, qt.Equals, 1)

	// Source documents are removed once their text is stored.
	c.Check(storage.Exists("uploads", "7/a.pdf"), qt.IsFalse)
	c.Check(storage.Exists("uploads", "7/b.pdf"), qt.IsFalse)

	monitors, err := repo.ListUnnotifiedMonitors(ctx, 10)
	c.Assert(err, qt.IsNil)
	c.Assert(monitors, qt.HasLen, 1)
	c.Check(monitors[0].Succeeded, qt.IsTrue)
	c.Check(monitors[0].Recipient, qt.Equals, "arzt@example.com")
}

func TestProcessUploadWorkflow_NothingExtracted(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	repo, _ := hrmock.NewRepository(t)
	w := newTestWorker(c, repo, hrmock.NewStorage(), nil)

	rec, err := repo.CreateRecord(ctx, repository.RecordModel{UserID: 7})
	c.Assert(err, qt.IsNil)

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	env.RegisterWorkflow(w.ProcessUploadWorkflow)
	env.RegisterWorkflow(w.ExtractFileWorkflow)
	env.RegisterActivity(w.StartProcessingActivity)
	env.RegisterActivity(w.RasterizeActivity)
	env.RegisterActivity(w.JoinExtractionsActivity)
	env.RegisterActivity(w.CombineActivity)
	env.RegisterActivity(w.FailProcessingActivity)

	env.OnActivity(w.RasterizeActivity, mock.Anything, mock.Anything).Return(nil, fmt.Errorf("pdftoppm crashed"))

	env.ExecuteWorkflow(w.ProcessUploadWorkflow, service.ProcessUploadWorkflowParam{
		RecordID: rec.ID,
		UserID:   rec.UserID,
		Files:    []service.UploadedFile{{Filename: "a.pdf", Path: "7/a.pdf"}},
	})

	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNotNil)

	got, err := repo.GetRecord(ctx, rec.ID)
	c.Assert(err, qt.IsNil)
	c.Check(got.ProcessingStatus, qt.Equals, types.ProcessingStatusFailed)
	c.Check(got.ProcessingErrorMessage, qt.Contains, "combine extractions")

	entries, err := repo.ListRecentTasks(ctx, rec.ID, 50)
	c.Assert(err, qt.IsNil)
	c.Check(ledger.Derive(entries, coreTasks), qt.Equals, ledger.StatusFailed)
	for _, e := range entries {
		c.Check(e.Status.Terminal(), qt.IsTrue, qt.Commentf("task %s", e.TaskName))
	}
}

func TestExtractFileWorkflow_JoinWaitsForEveryMethod(t *testing.T) {
	c := qt.New(t)

	repo, _ := hrmock.NewRepository(t)
	w := newTestWorker(c, repo, hrmock.NewStorage(), nil)

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	env.RegisterWorkflow(w.ExtractFileWorkflow)
	env.RegisterWorkflow(w.DelayedRasterCleanupWorkflow)
	env.RegisterActivity(w.RasterizeActivity)
	env.RegisterActivity(w.ExtractPagesActivity)
	env.RegisterActivity(w.JoinExtractionsActivity)
	env.RegisterActivity(w.RetireRasterCacheActivity)
	env.RegisterActivity(w.DeleteRasterCacheActivity)

	handle := uuid.Must(uuid.NewV4())
	env.OnActivity(w.RasterizeActivity, mock.Anything, mock.Anything).Return(
		&raster.Result{Handle: handle, SourcePath: "1/a.pdf", PageCount: 2}, nil)

	// The slowest method finishes well after the others.
	env.OnActivity(w.ExtractPagesActivity, mock.Anything, mock.MatchedBy(func(p *ExtractPagesActivityParam) bool {
		return p.Method == extract.MethodVisionLLM
	})).After(10 * time.Minute).Return(
		func(_ context.Context, p *ExtractPagesActivityParam) (*extract.Result, error) {
			return &extract.Result{Method: p.Method, Filename: p.Input.Title, Content: "<slow/>", Attempts: 1}, nil
		})
	env.OnActivity(w.ExtractPagesActivity, mock.Anything, mock.Anything).Return(
		func(_ context.Context, p *ExtractPagesActivityParam) (*extract.Result, error) {
			return &extract.Result{Method: p.Method, Filename: p.Input.Title, Content: "<x/>", Attempts: 1}, nil
		})

	var joined []extract.Result
	env.OnActivity(w.JoinExtractionsActivity, mock.Anything, mock.Anything).Return(
		func(_ context.Context, p *JoinExtractionsActivityParam) error {
			joined = p.Results
			return nil
		})
	env.OnActivity(w.RetireRasterCacheActivity, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(w.DeleteRasterCacheActivity, mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(w.ExtractFileWorkflow, ExtractFileWorkflowParam{
		RecordID: 1,
		File:     service.UploadedFile{Filename: "a.pdf", Path: "1/a.pdf"},
	})

	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNil)

	var results []extract.Result
	c.Assert(env.GetWorkflowResult(&results), qt.IsNil)
	c.Assert(results, qt.HasLen, len(extract.Methods))
	c.Assert(joined, qt.HasLen, len(extract.Methods))
	for i, m := range extract.Methods {
		c.Check(joined[i].Method, qt.Equals, m)
		c.Check(joined[i].Succeeded(), qt.IsTrue)
	}
	c.Check(joined[3].Content, qt.Equals, "<slow/>")
}

func TestExtractFileWorkflow_RasterizationFailure(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	repo, _ := hrmock.NewRepository(t)
	w := newTestWorker(c, repo, hrmock.NewStorage(), nil)

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	env.RegisterWorkflow(w.ExtractFileWorkflow)
	env.RegisterActivity(w.RasterizeActivity)
	env.RegisterActivity(w.JoinExtractionsActivity)

	env.OnActivity(w.RasterizeActivity, mock.Anything, mock.Anything).Return(nil, fmt.Errorf("pdftoppm crashed"))

	env.ExecuteWorkflow(w.ExtractFileWorkflow, ExtractFileWorkflowParam{
		RecordID: 3,
		File:     service.UploadedFile{Filename: "a.pdf", Path: "3/a.pdf"},
	})

	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNil)

	var results []extract.Result
	c.Assert(env.GetWorkflowResult(&results), qt.IsNil)
	c.Assert(results, qt.HasLen, len(extract.Methods))
	for _, r := range results {
		c.Check(r.Succeeded(), qt.IsFalse)
		c.Check(r.Error.Type, qt.Equals, extract.ErrorTypeRasterize)
	}

	// Every method gets a terminal entry even though none ran.
	entries, err := repo.ListRecentTasks(ctx, 3, 50)
	c.Assert(err, qt.IsNil)
	c.Assert(entries, qt.HasLen, len(extract.Methods))
	for _, e := range entries {
		c.Check(e.Status, qt.Equals, types.TaskStatusFailed)
	}
}

func TestDelayedRasterCleanupWorkflow_WaitsForGracePeriod(t *testing.T) {
	c := qt.New(t)

	repo, _ := hrmock.NewRepository(t)
	w := newTestWorker(c, repo, hrmock.NewStorage(), nil)

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(w.DelayedRasterCleanupWorkflow)
	env.RegisterActivity(w.RetireRasterCacheActivity)
	env.RegisterActivity(w.DeleteRasterCacheActivity)

	start := env.Now()
	var deletedAt time.Time
	handle := uuid.Must(uuid.NewV4())
	env.OnActivity(w.RetireRasterCacheActivity, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(w.DeleteRasterCacheActivity, mock.Anything, mock.Anything).Return(
		func(_ context.Context, p *DeleteRasterCacheActivityParam) error {
			c.Check(p.Handle, qt.Equals, handle)
			deletedAt = env.Now()
			return nil
		})

	env.ExecuteWorkflow(w.DelayedRasterCleanupWorkflow, DelayedRasterCleanupWorkflowParam{
		Handle:      handle,
		GracePeriod: 5 * time.Minute,
	})

	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNil)
	c.Check(deletedAt.Sub(start) >= 5*time.Minute, qt.IsTrue)
}

func TestCreateReportsWorkflow_ContinuesAfterFailure(t *testing.T) {
	c := qt.New(t)

	repo, _ := hrmock.NewRepository(t)
	w := newTestWorker(c, repo, hrmock.NewStorage(), nil)

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(w.CreateReportsWorkflow)
	env.RegisterActivity(w.PrepareReportsActivity)
	env.RegisterActivity(w.GenerateReportActivity)
	env.RegisterActivity(w.FailReportActivity)

	env.OnActivity(w.PrepareReportsActivity, mock.Anything, mock.Anything).Return(
		[]PreparedReport{{ID: 1}, {ID: 2}, {ID: 3}}, nil)

	var closed []types.ReportIDType
	env.OnActivity(w.FailReportActivity, mock.Anything, mock.Anything).Return(
		func(_ context.Context, p *FailReportActivityParam) error {
			closed = append(closed, p.ReportID)
			return nil
		})

	var generated []types.ReportIDType
	env.OnActivity(w.GenerateReportActivity, mock.Anything, mock.Anything).Return(
		func(_ context.Context, p *GenerateReportActivityParam) error {
			generated = append(generated, p.ReportID)
			if p.ReportID == 2 {
				return fmt.Errorf("model unavailable")
			}
			return nil
		})

	env.ExecuteWorkflow(w.CreateReportsWorkflow, service.CreateReportsWorkflowParam{RecordID: 1, UserID: 1})

	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.ErrorMatches, ".*1 of 3 reports failed.*")
	// Report 2 is retried by the activity policy; 1 and 3 run once.
	c.Check(generated[0], qt.Equals, types.ReportIDType(1))
	c.Check(generated[len(generated)-1], qt.Equals, types.ReportIDType(3))
	c.Check(len(generated), qt.Equals, 2+reportActivityAttempts)
	c.Check(closed, qt.DeepEquals, []types.ReportIDType{2})
}

func TestDelayedRasterCleanupWorkflow_RearmRestartsGracePeriod(t *testing.T) {
	c := qt.New(t)

	repo, _ := hrmock.NewRepository(t)
	w := newTestWorker(c, repo, hrmock.NewStorage(), nil)

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(w.DelayedRasterCleanupWorkflow)
	env.RegisterActivity(w.RetireRasterCacheActivity)
	env.RegisterActivity(w.DeleteRasterCacheActivity)

	start := env.Now()
	var retiredAt, deletedAt time.Time
	env.OnActivity(w.RetireRasterCacheActivity, mock.Anything, mock.Anything).Return(
		func(context.Context, *DeleteRasterCacheActivityParam) error {
			retiredAt = env.Now()
			return nil
		})
	env.OnActivity(w.DeleteRasterCacheActivity, mock.Anything, mock.Anything).Return(
		func(context.Context, *DeleteRasterCacheActivityParam) error {
			deletedAt = env.Now()
			return nil
		})

	// A second file reuses the pages three minutes into the grace period.
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(RearmRasterCleanupSignal, nil)
	}, 3*time.Minute)

	env.ExecuteWorkflow(w.DelayedRasterCleanupWorkflow, DelayedRasterCleanupWorkflowParam{
		Handle:      uuid.Must(uuid.NewV4()),
		GracePeriod: 5 * time.Minute,
	})

	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNil)
	c.Check(retiredAt.Sub(start) < time.Minute, qt.IsTrue)
	c.Check(deletedAt.Sub(start) >= 8*time.Minute, qt.IsTrue, qt.Commentf("deleted after %s", deletedAt.Sub(start)))
}

// interruptedReport creates a record with one report whose generation never
// ends on its own.
func interruptedReport(c *qt.C, repo repository.Repository) (*repository.RecordModel, *repository.ReportModel) {
	ctx := context.Background()

	rec, err := repo.CreateRecord(ctx, repository.RecordModel{UserID: 5})
	c.Assert(err, qt.IsNil)
	tmpl, err := repo.UpsertReportTemplate(ctx, repository.ReportTemplateModel{
		Name:         "Verlauf",
		OutputFormat: types.OutputFormatText,
		Prompt:       "Beschreibe den Verlauf.",
	})
	c.Assert(err, qt.IsNil)
	rep, err := repo.EnsureReport(ctx, rec.UserID, rec.ID, tmpl.ID)
	c.Assert(err, qt.IsNil)
	return rec, rep
}

// hangingGeneration stands in for attempts of GenerateReportActivity that
// get as far as calling the model and are then killed by the hard time
// limit.
func hangingGeneration(w *Worker, repo repository.Repository, recordID types.RecordIDType) func(context.Context, *GenerateReportActivityParam) error {
	return func(ctx context.Context, p *GenerateReportActivityParam) error {
		key := fmt.Sprintf("%d", p.ReportID)
		_ = w.tracker.Start(ctx, activityTask(ctx, recordID, constant.TaskGenerateReport, key))
		if err := repo.MarkReportGenerating(ctx, p.ReportID); err != nil {
			return err
		}
		return temporal.NewTimeoutError(enums.TIMEOUT_TYPE_START_TO_CLOSE, nil)
	}
}

func TestRegenerateReportWorkflow_ClosesKilledGeneration(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	repo, _ := hrmock.NewRepository(t)
	w := newTestWorker(c, repo, hrmock.NewStorage(), nil)
	rec, rep := interruptedReport(c, repo)

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(w.RegenerateReportWorkflow)
	env.RegisterActivity(w.GenerateReportActivity)
	env.RegisterActivity(w.FailReportActivity)

	env.OnActivity(w.GenerateReportActivity, mock.Anything, mock.Anything).Return(hangingGeneration(w, repo, rec.ID))

	env.ExecuteWorkflow(w.RegenerateReportWorkflow, service.RegenerateReportWorkflowParam{ReportID: rep.ID})

	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNotNil)

	got, err := repo.GetReport(ctx, rep.ID)
	c.Assert(err, qt.IsNil)
	c.Check(got.GenerationStatus, qt.Equals, types.GenerationStatusFailed)
	c.Check(got.ErrorMessage, qt.Not(qt.Equals), "")
	c.Check(got.CompletedAt, qt.IsNotNil)

	entries, err := repo.ListRecentTasks(ctx, rec.ID, 50)
	c.Assert(err, qt.IsNil)
	c.Assert(entries, qt.HasLen, 1)
	c.Check(entries[0].Status, qt.Equals, types.TaskStatusFailed)
	c.Check(entries[0].ErrorType, qt.Equals, interruptedErrorType)
	c.Check(ledger.Derive(entries, coreTasks), qt.Not(qt.Equals), ledger.StatusProcessing)
}

func TestCreateReportsWorkflow_ClosesKilledGeneration(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	repo, _ := hrmock.NewRepository(t)
	w := newTestWorker(c, repo, hrmock.NewStorage(), nil)
	rec, rep := interruptedReport(c, repo)

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(w.CreateReportsWorkflow)
	env.RegisterActivity(w.PrepareReportsActivity)
	env.RegisterActivity(w.GenerateReportActivity)
	env.RegisterActivity(w.FailReportActivity)

	env.OnActivity(w.PrepareReportsActivity, mock.Anything, mock.Anything).Return(
		[]PreparedReport{{ID: rep.ID}}, nil)
	env.OnActivity(w.GenerateReportActivity, mock.Anything, mock.Anything).Return(hangingGeneration(w, repo, rec.ID))

	env.ExecuteWorkflow(w.CreateReportsWorkflow, service.CreateReportsWorkflowParam{RecordID: rec.ID, UserID: rec.UserID})

	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.ErrorMatches, ".*1 of 1 reports failed.*")

	got, err := repo.GetReport(ctx, rep.ID)
	c.Assert(err, qt.IsNil)
	c.Check(got.GenerationStatus, qt.Equals, types.GenerationStatusFailed)
	c.Check(got.ErrorMessage, qt.Equals, "The report generation exceeded its time limit.")

	entries, err := repo.ListRecentTasks(ctx, rec.ID, 50)
	c.Assert(err, qt.IsNil)
	for _, e := range entries {
		c.Check(e.Status.Terminal(), qt.IsTrue, qt.Commentf("task %s", e.TaskName))
	}
}
