package domain

// CloudEvents types
const (
	EventTypeJobSubmitted    = "com.simple-ocr.job.submitted"
	EventTypeJobStarted      = "com.simple-ocr.job.started"
	EventTypeJobProgress     = "com.simple-ocr.job.progress"
	EventTypeJobCompleted    = "com.simple-ocr.job.completed"
	EventTypeJobFailed       = "com.simple-ocr.job.failed"
	EventTypeJobDeadLettered = "com.simple-ocr.job.deadlettered"
)

// Envelope sources
const (
	SourceWorker = "simple-ocr-worker"
	SourceAPI    = "simple-ocr-api"
)

const (
	CloudEventsSpecVersion = "1.0"
	ContentTypeJSON        = "application/json"
)

// Derived artifact defaults
const (
	DerivedTypeOCRMarkdown = "ocr_markdown"
	MimeTypeMarkdown       = "text/markdown"
)

// Output formats
const (
	OutputFormatMarkdown = "markdown"
	OutputFormatJSON     = "json"
)

// Stage is a step of the per-job state machine
type Stage string

const (
	StagePending       Stage = "pending"
	StageDownloading   Stage = "downloading"
	StagePreprocessing Stage = "preprocessing"
	StageInferring     Stage = "inferring"
	StageUploading     Stage = "uploading"
	StageCompleted     Stage = "completed"
	StageFailed        Stage = "failed"
)

// ResultStatus is the terminal outcome of one orchestrator run
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)
