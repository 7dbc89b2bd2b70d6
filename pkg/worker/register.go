package worker

import (
	temporalworker "go.temporal.io/sdk/worker"
)

// Register registers every workflow and activity on r. Each task queue has
// its own Temporal worker and all of them register the full set, so routing
// is decided by the queue a workflow or activity is scheduled on.
func (w *Worker) Register(r temporalworker.Registry) {
	// ===== Workflow Registrations =====
	r.RegisterWorkflow(w.ProcessUploadWorkflow)        // Upload batch orchestration (intake)
	r.RegisterWorkflow(w.ExtractFileWorkflow)          // Rasterize, fan out the methods, join (extraction)
	r.RegisterWorkflow(w.DelayedRasterCleanupWorkflow) // Page set deletion after the grace period
	r.RegisterWorkflow(w.EnrichCodesWorkflow)          // Code description lookup (codes)
	r.RegisterWorkflow(w.CreateReportsWorkflow)        // Report creation of a record (summary)
	r.RegisterWorkflow(w.RegenerateReportWorkflow)     // Single report regeneration (regenerate)
	r.RegisterWorkflow(w.NotificationWorkflow)         // Completion e-mails (cron)
	r.RegisterWorkflow(w.SummaryCheckWorkflow)         // Pending report sweep (cron)

	// ===== ExtractFileWorkflow Activities =====
	r.RegisterActivity(w.RasterizeActivity)
	r.RegisterActivity(w.ExtractPagesActivity)
	r.RegisterActivity(w.JoinExtractionsActivity)
	r.RegisterActivity(w.RetireRasterCacheActivity)
	r.RegisterActivity(w.DeleteRasterCacheActivity)

	// ===== ProcessUploadWorkflow Activities =====
	r.RegisterActivity(w.StartProcessingActivity)
	r.RegisterActivity(w.CombineActivity)
	r.RegisterActivity(w.InferEraActivity)
	r.RegisterActivity(w.ExtractCodesActivity)
	r.RegisterActivity(w.EnrichCodesActivity)
	r.RegisterActivity(w.CompleteProcessingActivity)
	r.RegisterActivity(w.FailProcessingActivity)

	// ===== Report Activities =====
	r.RegisterActivity(w.PrepareReportsActivity)
	r.RegisterActivity(w.GenerateReportActivity)
	r.RegisterActivity(w.FailReportActivity)

	// ===== Scheduled Activities =====
	r.RegisterActivity(w.SendNotificationsActivity)
	r.RegisterActivity(w.FindPendingReportsActivity)
}
