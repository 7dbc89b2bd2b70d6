package worker

import (
	"context"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/pkg/ai"
	"github.com/instill-ai/healthrecord-backend/pkg/constant"
	"github.com/instill-ai/healthrecord-backend/pkg/extract"
	"github.com/instill-ai/healthrecord-backend/pkg/repository"
	"github.com/instill-ai/healthrecord-backend/pkg/service"
	"github.com/instill-ai/healthrecord-backend/pkg/types"

	hrerrors "github.com/instill-ai/healthrecord-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// This file contains the record-level activities of ProcessUploadWorkflow:
// - StartProcessingActivity - Marks the record as processing and opens the run monitor
// - CombineActivity - Merges the extraction results into the record text
// - InferEraActivity - Stores the medical-history range and patient name
// - ExtractCodesActivity - Stores the medical codes found in the record
// - EnrichCodesActivity - Fills in missing code descriptions
// - CompleteProcessingActivity - Marks the record as completed
// - FailProcessingActivity - Marks the record as failed and closes dangling tasks

// StartProcessingActivityParam defines the parameters for the
// StartProcessingActivity
type StartProcessingActivityParam struct {
	RecordID      types.RecordIDType
	UserID        types.UserIDType
	RunID         string
	Recipient     string
	CreateReports bool
}

// StartProcessingActivity moves the record to processing and opens the
// monitor of the run.
func (w *Worker) StartProcessingActivity(ctx context.Context, param *StartProcessingActivityParam) error {
	w.log.Info("Starting record processing", zap.Uint("recordID", param.RecordID), zap.String("runID", param.RunID))

	wrap := func(err error) error {
		err = errorsx.AddMessage(err, "Unable to start processing the record. Please try again.")
		return temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), startProcessingActivityError, err)
	}

	if err := w.repository.UpdateRecord(ctx, param.RecordID, map[string]any{
		repository.RecordColumn.CreateReports: param.CreateReports,
	}); err != nil {
		return wrap(err)
	}
	if err := w.repository.SetProcessingStatus(ctx, param.RecordID, types.ProcessingStatusProcessing, ""); err != nil {
		return wrap(err)
	}
	if err := w.repository.StartMonitor(ctx, repository.TaskMonitorModel{
		RecordID:  param.RecordID,
		UserID:    param.UserID,
		RunID:     param.RunID,
		Recipient: param.Recipient,
	}); err != nil {
		return wrap(err)
	}
	return nil
}

// CombineActivityParam defines the parameters for the CombineActivity
type CombineActivityParam struct {
	RecordID types.RecordIDType
	BatchID  string
	Files    []service.UploadedFile
	Results  []extract.Result
}

// CombineActivityResult is the record state after the combination.
type CombineActivityResult struct {
	TokenCount int
	TextLength int
}

// CombineActivity appends the combined text of an upload batch to the
// record. It fails only when no method produced content for any file.
// Appending the same batch twice is a no-op.
func (w *Worker) CombineActivity(ctx context.Context, param *CombineActivityParam) (*CombineActivityResult, error) {
	var res CombineActivityResult
	err := w.trackTask(ctx, param.RecordID, constant.TaskCombine, "", RetryMaximumAttempts, func(ctx context.Context) (map[string]any, error) {
		text, err := extract.Combine(param.Results)
		if err != nil {
			err = errorsx.AddMessage(err, "No text could be extracted from the uploaded documents.")
			return nil, temporal.NewNonRetryableApplicationError(errorsx.MessageOrErr(err), combineActivityError, err)
		}

		filenames := make([]string, 0, len(param.Files))
		for _, f := range param.Files {
			filenames = append(filenames, f.Filename)
		}

		rec, err := w.repository.AppendExtraction(ctx, param.RecordID, repository.ExtractionBatch{
			BatchID:      param.BatchID,
			Text:         text,
			Filenames:    filenames,
			TokenCounter: ai.EstimateTokenCount,
		})
		if err != nil {
			err = errorsx.AddMessage(err, "Unable to store the extracted text. Please try again.")
			return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), combineActivityError, err)
		}

		res = CombineActivityResult{TokenCount: rec.TokenCount, TextLength: len(text)}
		return map[string]any{
			"files":       len(filenames),
			"token_count": rec.TokenCount,
			"text_length": res.TextLength,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	// Source documents are no longer needed once their text is stored.
	for _, f := range param.Files {
		bucket := f.Bucket
		if bucket == "" {
			bucket = w.uploadBucket
		}
		if err := w.storage.DeleteFile(ctx, bucket, f.Path); err != nil {
			w.log.Warn("Failed to delete source document", zap.String("path", f.Path), zap.Error(err))
		}
	}

	return &res, nil
}

// RecordActivityParam identifies the record an activity works on.
type RecordActivityParam struct {
	RecordID types.RecordIDType
}

// InferEraActivity infers the medical-history range and patient name of
// the record. The inference falls back to a fixed window rather than
// failing, so only storage errors surface.
func (w *Worker) InferEraActivity(ctx context.Context, param *RecordActivityParam) error {
	return w.trackTask(ctx, param.RecordID, constant.TaskInferEra, "", RetryMaximumAttempts, func(ctx context.Context) (map[string]any, error) {
		rec, err := w.repository.GetRecord(ctx, param.RecordID)
		if err != nil {
			return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), inferEraActivityError, err)
		}

		era, err := w.era.Infer(ctx, rec.Text.String(), rec.TokenCount)
		if err != nil {
			err = errorsx.AddMessage(err, "Unable to determine the treatment period.")
			return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), inferEraActivityError, err)
		}

		if err := w.repository.SetRecordHistoryRange(ctx, param.RecordID, era.PatientName, era.Range); err != nil {
			err = errorsx.AddMessage(err, "Unable to store the treatment period.")
			return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), inferEraActivityError, err)
		}

		return map[string]any{
			"begin":    era.Range.Begin.Format(time.DateOnly),
			"end":      era.Range.End.Format(time.DateOnly),
			"fallback": era.Fallback,
		}, nil
	})
}

// ExtractCodesActivity replaces the medical codes of the record with the
// codes found in its text.
func (w *Worker) ExtractCodesActivity(ctx context.Context, param *RecordActivityParam) error {
	return w.trackTask(ctx, param.RecordID, constant.TaskExtractCodes, "", RetryMaximumAttempts, func(ctx context.Context) (map[string]any, error) {
		rec, err := w.repository.GetRecord(ctx, param.RecordID)
		if err != nil {
			return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), extractCodesActivityError, err)
		}

		codes, err := w.codes.Extract(ctx, rec.Text.String(), rec.TokenCount)
		if err != nil {
			err = errorsx.AddMessage(err, "Unable to extract the medical codes.")
			return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), extractCodesActivityError, err)
		}

		models := make([]repository.MedicalCodeModel, 0, len(codes))
		for _, c := range codes {
			models = append(models, repository.MedicalCodeModel{
				RecordID:    param.RecordID,
				Code:        repository.EncryptedString(c.Code),
				CodeType:    c.CodeType,
				Description: repository.EncryptedString(c.Description),
			})
		}
		if _, err := w.repository.ReplaceMedicalCodes(ctx, param.RecordID, models); err != nil {
			err = errorsx.AddMessage(err, "Unable to store the medical codes.")
			return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), extractCodesActivityError, err)
		}

		return map[string]any{"codes": len(models)}, nil
	})
}

// EnrichCodesActivity looks up the description of every code that has
// none. A failed lookup leaves the code as it is.
func (w *Worker) EnrichCodesActivity(ctx context.Context, param *RecordActivityParam) error {
	return w.trackTask(ctx, param.RecordID, constant.TaskEnrichCodes, "", RetryMaximumAttempts, func(ctx context.Context) (map[string]any, error) {
		codes, err := w.repository.ListMedicalCodes(ctx, param.RecordID)
		if err != nil {
			return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), enrichCodesActivityError, err)
		}

		enriched, skipped := 0, 0
		for _, c := range codes {
			if c.Description.String() != "" {
				continue
			}
			code, codeType := c.Code.String(), c.CodeType
			desc, err := ai.Retry(ctx, w.codeRetryPolicy(), w.log, "code lookup", func(ctx context.Context) (string, error) {
				return w.codes.Lookup(ctx, code, codeType)
			})
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				w.log.Warn("Code lookup failed", zap.String("codeType", string(codeType)), zap.Error(err))
				skipped++
				continue
			}
			if desc == "" {
				skipped++
				continue
			}
			if err := w.repository.UpdateMedicalCodeDescription(ctx, c.ID, desc); err != nil {
				return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), enrichCodesActivityError, err)
			}
			enriched++
		}

		return map[string]any{"enriched": enriched, "skipped": skipped}, nil
	})
}

// CompleteProcessingActivityParam defines the parameters for the
// CompleteProcessingActivity
type CompleteProcessingActivityParam struct {
	RecordID types.RecordIDType
	RunID    string
}

// CompleteProcessingActivity marks the record as completed and closes the
// run monitor.
func (w *Worker) CompleteProcessingActivity(ctx context.Context, param *CompleteProcessingActivityParam) error {
	wrap := func(err error) error {
		err = errorsx.AddMessage(err, "Unable to complete the record processing. Please try again.")
		return temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), completeProcessingActivityError, err)
	}

	if err := w.repository.SetProcessingStatus(ctx, param.RecordID, types.ProcessingStatusCompleted, ""); err != nil {
		return wrap(err)
	}
	if err := w.repository.FinishMonitor(ctx, param.RunID, true); err != nil {
		return wrap(err)
	}

	rec, err := w.repository.GetRecord(ctx, param.RecordID)
	if err != nil {
		return wrap(err)
	}
	var took time.Duration
	if rec.ProcessingStartedAt != nil && rec.ProcessingCompletedAt != nil {
		took = rec.ProcessingCompletedAt.Sub(*rec.ProcessingStartedAt)
	}
	w.log.Info("Upload processed",
		zap.Uint("recordID", rec.ID),
		zap.Int("tokenVolume", rec.TokenCount),
		zap.Duration("duration", took.Round(time.Second)),
		zap.String("runID", param.RunID))
	return nil
}

// FailProcessingActivityParam defines the parameters for the
// FailProcessingActivity
type FailProcessingActivityParam struct {
	RecordID types.RecordIDType
	RunID    string
	Message  string
}

// FailProcessingActivity marks the record as failed, fails every ledger
// entry the run left open and closes the run monitor.
func (w *Worker) FailProcessingActivity(ctx context.Context, param *FailProcessingActivityParam) error {
	msg := hrerrors.Truncate(param.Message)
	w.log.Warn("Failing record processing", zap.Uint("recordID", param.RecordID), zap.String("message", msg))

	wrap := func(err error) error {
		return temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), failProcessingActivityError, err)
	}

	if err := w.repository.SetProcessingStatus(ctx, param.RecordID, types.ProcessingStatusFailed, msg); err != nil {
		return wrap(err)
	}
	n, err := w.repository.FailDanglingTasks(ctx, param.RecordID, interruptedErrorType, msg)
	if err != nil {
		return wrap(err)
	}
	if n > 0 {
		w.log.Info("Failed dangling tasks", zap.Uint("recordID", param.RecordID), zap.Int64("count", n))
	}
	if err := w.repository.FinishMonitor(ctx, param.RunID, false); err != nil {
		return wrap(err)
	}
	return nil
}
