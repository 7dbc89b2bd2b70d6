// Package ledger derives the processing status of a record from its task
// ledger and records task transitions in it.
package ledger

import (
	"sort"
	"time"

	"github.com/instill-ai/healthrecord-backend/pkg/repository"
	"github.com/instill-ai/healthrecord-backend/pkg/types"
)

// Status is the derived state of a record.
type Status string

const (
	// StatusProcessing means some task instance is not terminal yet.
	StatusProcessing Status = "processing"
	// StatusCompleted means every core task succeeded.
	StatusCompleted Status = "completed"
	// StatusFailed means a core task failed and nothing is running.
	StatusFailed Status = "failed"
	// StatusIdle means nothing was recorded or the record is in between
	// submissions.
	StatusIdle Status = "idle"
)

// TaskProgress is the public view of one ledger entry.
type TaskProgress struct {
	Name        string           `json:"name"`
	Status      types.TaskStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at"`
	// Duration is in seconds.
	Duration   *float64 `json:"duration"`
	RetryCount int      `json:"retry_count"`
}

// Report is the status document of a record.
type Report struct {
	Status         Status         `json:"status"`
	CurrentTask    *string        `json:"current_task"`
	TaskProgress   []TaskProgress `json:"task_progress"`
	TotalTasks     int            `json:"total_tasks"`
	CompletedTasks int            `json:"completed_tasks"`
	RunningTasks   int            `json:"running_tasks"`
	FailedTasks    int            `json:"failed_tasks"`
}

// Derive computes the status of a record from a window of its ledger
// entries. coreTasks are the task names that must all have succeeded for
// the record to be completed; failures of other tasks are tolerated.
func Derive(entries []repository.TaskLedgerModel, coreTasks []string) Status {
	if len(entries) == 0 {
		return StatusIdle
	}

	for _, e := range entries {
		if !e.Status.Terminal() {
			return StatusProcessing
		}
	}

	core := make(map[string]bool, len(coreTasks))
	for _, name := range coreTasks {
		core[name] = false
	}

	coreFailed := false
	anyFailed := false
	for _, e := range entries {
		succeeded, isCore := core[e.TaskName]
		switch e.Status {
		case types.TaskStatusSuccess:
			if isCore && !succeeded {
				core[e.TaskName] = true
			}
		case types.TaskStatusFailed:
			anyFailed = true
			if isCore {
				coreFailed = true
			}
		}
	}

	allCore := len(core) > 0
	for _, ok := range core {
		allCore = allCore && ok
	}

	switch {
	case allCore && !coreFailed:
		return StatusCompleted
	case anyFailed:
		return StatusFailed
	default:
		return StatusIdle
	}
}

// BuildReport derives the status and summarises the entries. Entries may
// come in any order; the progress list is ordered by start time.
func BuildReport(entries []repository.TaskLedgerModel, coreTasks []string) *Report {
	sorted := append([]repository.TaskLedgerModel(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartedAt.Before(sorted[j].StartedAt)
	})

	r := &Report{
		Status:       Derive(sorted, coreTasks),
		TaskProgress: make([]TaskProgress, 0, len(sorted)),
		TotalTasks:   len(sorted),
	}

	for _, e := range sorted {
		p := TaskProgress{
			Name:        e.TaskName,
			Status:      e.Status,
			StartedAt:   e.StartedAt,
			CompletedAt: e.CompletedAt,
			RetryCount:  e.RetryCount,
		}
		if e.DurationMS != nil {
			d := e.Duration().Seconds()
			p.Duration = &d
		}
		r.TaskProgress = append(r.TaskProgress, p)

		switch e.Status {
		case types.TaskStatusSuccess:
			r.CompletedTasks++
		case types.TaskStatusFailed:
			r.FailedTasks++
		default:
			r.RunningTasks++
			// The latest running task is the current one.
			name := e.TaskName
			r.CurrentTask = &name
		}
	}
	return r
}
