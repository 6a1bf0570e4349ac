package models

import "time"

// Status is a Scan Job lifecycle state. See the state table in
// internal/statemachine for the permitted edges between them.
type Status string

const (
	StatusQueued                        Status = "QUEUED"
	StatusCapturing                     Status = "CAPTURING"
	StatusCaptured                      Status = "CAPTURED"
	StatusBackImage                     Status = "BACK_IMAGE"
	StatusPreprocessing                 Status = "PREPROCESSING"
	StatusInferencing                   Status = "INFERENCING"
	StatusCandidatesReady               Status = "CANDIDATES_READY"
	StatusOperatorPending               Status = "OPERATOR_PENDING"
	StatusUnmatchedNoReasonableCandidate Status = "UNMATCHED_NO_REASONABLE_CANDIDATE"
	StatusAccepted                       Status = "ACCEPTED"
	StatusFlagged                        Status = "FLAGGED"
	StatusNeedsReview                    Status = "NEEDS_REVIEW"
	StatusFailed                         Status = "FAILED"
)

// Terminal reports whether s has no further outgoing transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusFlagged, StatusNeedsReview, StatusFailed:
		return true
	default:
		return false
	}
}

// InferencePath records which extraction path produced the job's fields.
type InferencePath string

const (
	InferencePathPrimary  InferencePath = "primary"
	InferencePathFallback InferencePath = "fallback"
)

// Lease proves exclusive ownership of a job during a non-terminal
// transition. A zero-value Lease (empty ProcessorID) means unowned.
type Lease struct {
	ProcessorID string    `json:"processorId"`
	LockedAt    time.Time `json:"lockedAt"`
}

// Expired reports whether the lease is older than ttl as of now.
func (l Lease) Expired(now time.Time, ttl time.Duration) bool {
	if l.ProcessorID == "" {
		return true
	}
	return now.Sub(l.LockedAt) > ttl
}

// StageTimings records the duration of each pipeline stage in milliseconds.
type StageTimings struct {
	CaptureMs    int64 `json:"captureMs,omitempty"`
	PreprocessMs int64 `json:"preprocessMs,omitempty"`
	InferMs      int64 `json:"inferMs,omitempty"`
	ValidationMs int64 `json:"validationMs,omitempty"`
	UIMs         int64 `json:"uiMs,omitempty"`
	EndToEndMs   int64 `json:"endToEndMs,omitempty"`
	Retried      bool  `json:"retried,omitempty"`

	PathC *PathCTelemetry `json:"pathC,omitempty"`
}

// PathCTelemetry records the outcome of the resolver's set-disambiguation
// step, when it ran.
type PathCTelemetry struct {
	Action           string   `json:"action"` // hard_filter|soft_rerank|discard|skipped|error
	Confidence       float64  `json:"confidence"`
	ChosenSetHint    string   `json:"chosenSetHint,omitempty"`
	MatchingSignals  []string `json:"matchingSignals,omitempty"`
	LatencyMs        int64    `json:"latencyMs"`
}

// TruthCore is the operator-locked record persisted on ACCEPTED.
type TruthCore struct {
	AcceptedName         string   `json:"acceptedName"`
	AcceptedHP           *int     `json:"acceptedHp"`
	AcceptedCollectorNo  string   `json:"acceptedCollectorNo"`
	AcceptedSetName      string   `json:"acceptedSetName"`
	AcceptedSetSize      string   `json:"acceptedSetSize,omitempty"`
	AcceptedVariantTags  []string `json:"acceptedVariantTags,omitempty"`
}

// ScanJob is the primary aggregate of the system: one physical card
// capture moving through preprocess -> inference -> candidates ->
// operator decision.
type ScanJob struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Status Status `json:"status"`

	RawImageRef       string `json:"rawImageRef"`
	ProcessedImageRef string `json:"processedImageRef,omitempty"`
	MasterImageRef    string `json:"masterImageRef,omitempty"`

	Extracted  *ExtractedFields `json:"extracted,omitempty"`
	Candidates []Candidate      `json:"candidates,omitempty"`
	Timings    StageTimings     `json:"timings"`

	RetryCount   int    `json:"retryCount"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	OperatorID string `json:"operatorId,omitempty"`

	Lease Lease `json:"lease"`

	InferencePath InferencePath `json:"inferencePath,omitempty"`

	TruthCore *TruthCore `json:"truthCore,omitempty"`
}

// FieldDiff records a single before/after change produced by an operator
// override (spec §7 constrained edit surface).
type FieldDiff struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// JobRecord is the queue's durable envelope around an arbitrary unit of
// work (ingestion or processing lane). It is distinct from ScanJob: a
// JobRecord is what the worker pool schedules, and its payload usually
// references a ScanJob by id.
type JobRecord struct {
	ID          string    `json:"id"`
	Lane        string    `json:"lane"` // "capture" | "processing"
	Type        string    `json:"type"`
	Payload     []byte    `json:"payload"`
	Priority    int       `json:"priority"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	NotBefore   time.Time `json:"notBefore,omitempty"`

	leaseOwner string
}
