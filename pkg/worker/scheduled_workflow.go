package worker

import (
	"context"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/pkg/constant"
	"github.com/instill-ai/healthrecord-backend/pkg/notification"
	"github.com/instill-ai/healthrecord-backend/pkg/service"
	"github.com/instill-ai/healthrecord-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// Workflow IDs of the periodic workflows. There is one run of each per
// deployment.
const (
	NotificationWorkflowID = "healthrecord-notification-cron"
	SummaryCheckWorkflowID = "healthrecord-summary-check-cron"
)

// StartScheduledWorkflows starts the cron workflows. A workflow that is
// already running is left as it is.
func StartScheduledWorkflows(ctx context.Context, temporalClient client.Client, w *Worker) error {
	schedules := []struct {
		opts client.StartWorkflowOptions
		fn   any
	}{
		{
			opts: client.StartWorkflowOptions{
				ID:           NotificationWorkflowID,
				TaskQueue:    constant.NotificationQueue,
				CronSchedule: NotificationCronSchedule,
			},
			fn: w.NotificationWorkflow,
		},
		{
			opts: client.StartWorkflowOptions{
				ID:           SummaryCheckWorkflowID,
				TaskQueue:    constant.SummaryQueue,
				CronSchedule: SummaryCheckCronSchedule,
			},
			fn: w.SummaryCheckWorkflow,
		},
	}

	for _, s := range schedules {
		run, err := temporalClient.ExecuteWorkflow(ctx, s.opts, s.fn)
		if err != nil {
			return err
		}
		w.log.Info("Scheduled workflow running",
			zap.String("workflowID", run.GetID()),
			zap.String("schedule", s.opts.CronSchedule))
	}
	return nil
}

// NotificationWorkflow sends the completion notifications of finished runs.
func (w *Worker) NotificationWorkflow(ctx workflow.Context) error {
	ctx = workflow.WithActivityOptions(ctx, standardActivityOptions())
	var res notification.Result
	if err := workflow.ExecuteActivity(ctx, w.SendNotificationsActivity).Get(ctx, &res); err != nil {
		return err
	}
	if res.Sent+res.Failed+res.Skipped > 0 {
		workflow.GetLogger(ctx).Info("Notifications processed", "sent", res.Sent, "failed", res.Failed, "skipped", res.Skipped)
	}
	return nil
}

// SendNotificationsActivity sends one batch of outstanding notifications.
func (w *Worker) SendNotificationsActivity(ctx context.Context) (*notification.Result, error) {
	if w.notifier == nil {
		return &notification.Result{}, nil
	}
	res, err := w.notifier.Run(ctx)
	if err != nil {
		err = errorsx.AddMessage(err, "Unable to send the notifications.")
		return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), sendNotificationsActivityError, err)
	}
	return &res, nil
}

// PendingReports identifies a record whose reports are missing or
// incomplete.
type PendingReports struct {
	RecordID types.RecordIDType
	UserID   types.UserIDType
}

// FindPendingReportsActivity lists the records that asked for reports,
// finished processing at least a summary interval ago and still lack a
// completed report.
func (w *Worker) FindPendingReportsActivity(ctx context.Context) ([]PendingReports, error) {
	interval := w.pipeline.Report.SummaryInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	recs, err := w.repository.ListRecordsWithPendingReports(ctx, time.Now().UTC().Add(-interval))
	if err != nil {
		return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), findPendingReportsActivityError, err)
	}

	pending := make([]PendingReports, 0, len(recs))
	for _, r := range recs {
		pending = append(pending, PendingReports{RecordID: r.ID, UserID: r.UserID})
	}
	return pending, nil
}

// SummaryCheckWorkflow starts the report creation of every record with
// pending reports. The runs are detached, and a record whose reports are
// already being created is skipped.
func (w *Worker) SummaryCheckWorkflow(ctx workflow.Context) error {
	logger := workflow.GetLogger(ctx)
	activityCtx := workflow.WithActivityOptions(ctx, standardActivityOptions())

	var pending []PendingReports
	if err := workflow.ExecuteActivity(activityCtx, w.FindPendingReportsActivity).Get(ctx, &pending); err != nil {
		return err
	}

	started := 0
	for _, p := range pending {
		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID:            createReportsWorkflowID(p.RecordID),
			TaskQueue:             constant.SummaryQueue,
			ParentClosePolicy:     enums.PARENT_CLOSE_POLICY_ABANDON,
			WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		})
		child := workflow.ExecuteChildWorkflow(childCtx, w.CreateReportsWorkflow, service.CreateReportsWorkflowParam{
			RecordID: p.RecordID,
			UserID:   p.UserID,
		})
		if err := child.GetChildWorkflowExecution().Get(ctx, nil); err != nil {
			if !isAlreadyStarted(err) {
				logger.Warn("Failed to start report creation", "recordID", p.RecordID, "error", err)
			}
			continue
		}
		started++
	}

	if len(pending) > 0 {
		logger.Info("Summary check finished", "pending", len(pending), "started", started)
	}
	return nil
}
