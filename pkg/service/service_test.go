package service_test

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/healthrecord-backend/config"
	"github.com/instill-ai/healthrecord-backend/pkg/constant"
	"github.com/instill-ai/healthrecord-backend/pkg/extract"
	"github.com/instill-ai/healthrecord-backend/pkg/ledger"
	"github.com/instill-ai/healthrecord-backend/pkg/mock"
	"github.com/instill-ai/healthrecord-backend/pkg/repository"
	"github.com/instill-ai/healthrecord-backend/pkg/service"

	errorsx "github.com/instill-ai/x/errors"
)

type submission struct {
	queue string
	param any
}

type fakeWorkflows struct {
	calls []submission
}

type processUpload struct{ *fakeWorkflows }

func (f processUpload) Execute(_ context.Context, queue string, p service.ProcessUploadWorkflowParam) (string, error) {
	f.calls = append(f.calls, submission{queue: queue, param: p})
	return fmt.Sprintf("process-upload-%d", p.RecordID), nil
}

type createReports struct{ *fakeWorkflows }

func (f createReports) Execute(_ context.Context, queue string, p service.CreateReportsWorkflowParam) (string, error) {
	f.calls = append(f.calls, submission{queue: queue, param: p})
	return fmt.Sprintf("create-reports-%d", p.RecordID), nil
}

type regenerateReport struct{ *fakeWorkflows }

func (f regenerateReport) Execute(_ context.Context, queue string, p service.RegenerateReportWorkflowParam) (string, error) {
	f.calls = append(f.calls, submission{queue: queue, param: p})
	return fmt.Sprintf("regenerate-report-%d", p.ReportID), nil
}

var ledgerCfg = config.LedgerConfig{
	CoreTasks:   []string{extract.MethodNativeText.TaskName(), constant.TaskCombine},
	ReportTasks: []string{constant.TaskCreateReports, constant.TaskGenerateReport},
	Window:      50,
}

func newService(t *testing.T) (service.Service, repository.Repository, *fakeWorkflows) {
	repo, _ := mock.NewRepository(t)
	fakes := &fakeWorkflows{}
	svc := service.NewService(repo, ledgerCfg, processUpload{fakes}, createReports{fakes}, regenerateReport{fakes})
	return svc, repo, fakes
}

func TestSubmit(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("process upload on the default queue", func(c *qt.C) {
		svc, repo, fakes := newService(t)
		rec, err := repo.CreateRecord(ctx, repository.RecordModel{UserID: 3})
		c.Assert(err, qt.IsNil)

		payload := fmt.Sprintf(`{"record_id":%d,"user_id":3,"files":[{"filename":"a.pdf","path":"3/a.pdf"}]}`, rec.ID)
		jobID, err := svc.Submit(ctx, service.KindProcessUpload, []byte(payload), "")
		c.Assert(err, qt.IsNil)
		c.Check(jobID, qt.Equals, fmt.Sprintf("process-upload-%d", rec.ID))

		c.Assert(fakes.calls, qt.HasLen, 1)
		c.Check(fakes.calls[0].queue, qt.Equals, constant.IntakeQueue)
		p := fakes.calls[0].param.(service.ProcessUploadWorkflowParam)
		c.Check(p.Files, qt.DeepEquals, []service.UploadedFile{{Filename: "a.pdf", Path: "3/a.pdf"}})
	})

	c.Run("explicit queue", func(c *qt.C) {
		svc, _, fakes := newService(t)
		_, err := svc.Submit(ctx, service.KindCreateReports, []byte(`{"record_id":1,"user_id":1}`), constant.RegenerateQueue)
		c.Assert(err, qt.IsNil)
		c.Assert(fakes.calls, qt.HasLen, 1)
		c.Check(fakes.calls[0].queue, qt.Equals, constant.RegenerateQueue)
	})

	c.Run("unknown queue", func(c *qt.C) {
		svc, _, fakes := newService(t)
		_, err := svc.Submit(ctx, service.KindCreateReports, []byte(`{"record_id":1,"user_id":1}`), "default")
		c.Check(err, qt.ErrorIs, errorsx.ErrInvalidArgument)
		c.Check(fakes.calls, qt.HasLen, 0)
	})

	c.Run("unknown kind", func(c *qt.C) {
		svc, _, _ := newService(t)
		_, err := svc.Submit(ctx, service.Kind("compress"), []byte(`{}`), constant.IntakeQueue)
		c.Check(err, qt.ErrorIs, errorsx.ErrInvalidArgument)
	})

	c.Run("payload without files", func(c *qt.C) {
		svc, _, fakes := newService(t)
		_, err := svc.Submit(ctx, service.KindProcessUpload, []byte(`{"record_id":1,"user_id":1,"files":[]}`), "")
		c.Check(err, qt.ErrorIs, errorsx.ErrInvalidArgument)
		c.Check(fakes.calls, qt.HasLen, 0)
	})

	c.Run("malformed payload", func(c *qt.C) {
		svc, _, _ := newService(t)
		_, err := svc.Submit(ctx, service.KindRegenerateReport, []byte(`{"report_id":`), "")
		c.Check(err, qt.ErrorIs, errorsx.ErrInvalidArgument)
	})

	c.Run("missing record", func(c *qt.C) {
		svc, _, fakes := newService(t)
		payload := `{"record_id":99,"user_id":1,"files":[{"filename":"a.pdf","path":"1/a.pdf"}]}`
		_, err := svc.Submit(ctx, service.KindProcessUpload, []byte(payload), "")
		c.Check(err, qt.ErrorIs, errorsx.ErrNotFound)
		c.Check(fakes.calls, qt.HasLen, 0)
	})
}

func TestQueryStatus(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("no tasks", func(c *qt.C) {
		svc, repo, _ := newService(t)
		rec, err := repo.CreateRecord(ctx, repository.RecordModel{UserID: 1})
		c.Assert(err, qt.IsNil)

		got, err := svc.QueryStatus(ctx, rec.ID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, ledger.StatusIdle)
		c.Check(got.TotalTasks, qt.Equals, 0)
	})

	c.Run("running task", func(c *qt.C) {
		svc, repo, _ := newService(t)
		rec, err := repo.CreateRecord(ctx, repository.RecordModel{UserID: 1})
		c.Assert(err, qt.IsNil)

		tracker := ledger.NewTracker(repo, zap.NewNop())
		task := ledger.Task{RecordID: rec.ID, Name: constant.TaskCombine, InstanceID: "wf/combine_extractions"}
		c.Assert(tracker.Start(ctx, task), qt.IsNil)

		got, err := svc.QueryStatus(ctx, rec.ID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, ledger.StatusProcessing)
		c.Assert(got.CurrentTask, qt.IsNotNil)
		c.Check(*got.CurrentTask, qt.Equals, constant.TaskCombine)
		c.Check(got.RunningTasks, qt.Equals, 1)
	})

	c.Run("report tasks are core when reports were requested", func(c *qt.C) {
		svc, repo, _ := newService(t)
		rec, err := repo.CreateRecord(ctx, repository.RecordModel{UserID: 1, CreateReports: true})
		c.Assert(err, qt.IsNil)

		tracker := ledger.NewTracker(repo, zap.NewNop())
		for _, name := range ledgerCfg.CoreTasks {
			task := ledger.Task{RecordID: rec.ID, Name: name, InstanceID: "wf/" + name}
			c.Assert(tracker.Start(ctx, task), qt.IsNil)
			c.Assert(tracker.Succeed(ctx, task, nil), qt.IsNil)
		}

		got, err := svc.QueryStatus(ctx, rec.ID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Not(qt.Equals), ledger.StatusCompleted)
	})

	c.Run("missing record", func(c *qt.C) {
		svc, _, _ := newService(t)
		_, err := svc.QueryStatus(ctx, 404)
		c.Check(err, qt.ErrorIs, errorsx.ErrNotFound)
	})
}
