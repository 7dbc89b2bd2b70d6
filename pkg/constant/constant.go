package constant

const (
	_  = iota
	KB = 1 << (10 * iota)
	MB
	GB
)

// MaxUploadSize bounds the size of one uploaded document.
const MaxUploadSize = 200 * MB

// Task queues, from the highest priority tier to the lowest. Each tier is
// polled by its own worker so that a backlog on a low tier never starves a
// higher one.
const (
	IntakeQueue       = "healthrecord-intake"
	ExtractionQueue   = "healthrecord-extraction"
	RefinementQueue   = "healthrecord-refinement"
	SummaryQueue      = "healthrecord-summary"
	RegenerateQueue   = "healthrecord-regenerate"
	NotificationQueue = "healthrecord-notification"
	CodesQueue        = "healthrecord-codes"
)

// TaskQueues lists every queue in priority order.
var TaskQueues = []string{
	IntakeQueue,
	ExtractionQueue,
	RefinementQueue,
	SummaryQueue,
	RegenerateQueue,
	NotificationQueue,
	CodesQueue,
}

// QueueConcurrencyKey returns the key of a queue in the concurrency
// configuration, e.g. "extraction".
func QueueConcurrencyKey(queue string) string {
	const prefix = "healthrecord-"
	if len(queue) > len(prefix) && queue[:len(prefix)] == prefix {
		return queue[len(prefix):]
	}
	return queue
}

// Ledger task names of the stages that are not extraction methods.
const (
	TaskRasterize      = "rasterize_pdf"
	TaskCombine        = "combine_extractions"
	TaskInferEra       = "infer_era"
	TaskExtractCodes   = "extract_medical_codes"
	TaskEnrichCodes    = "enrich_medical_codes"
	TaskCreateReports  = "create_reports"
	TaskGenerateReport = "generate_report"
)
