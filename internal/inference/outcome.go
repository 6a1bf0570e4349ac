// Package inference implements the Inference Orchestrator of spec §4.4:
// a primary (remote, schema-strict) extraction path and a local fallback,
// with a single jittered retry on transient primary failures and a hard
// pre-call size guardrail.
package inference

import "github.com/cardmint/scan-core/pkg/models"

// ErrorCode is one of the stable string codes from spec §7.
type ErrorCode string

const (
	ErrInferTimeout   ErrorCode = "INFER_TIMEOUT"
	ErrInfer5xx       ErrorCode = "INFER_5XX"
	ErrInfer4xx       ErrorCode = "INFER_4XX"
	ErrInferOversize  ErrorCode = "INFER_OVERSIZE"
	ErrInferParse     ErrorCode = "INFER_PARSE"
	ErrFallbackFailed ErrorCode = "FALLBACK_FAILED"
)

// Transient reports whether the code is eligible for the orchestrator's
// single retry.
func (c ErrorCode) Transient() bool {
	switch c {
	case ErrInferTimeout, ErrInfer5xx:
		return true
	default:
		return false
	}
}

// Outcome is the tagged variant from spec §9's design note:
// InferenceOutcome = Ok(fields) | TransientFail(code) | PermanentFail(code).
// Exactly one of Fields / Code is meaningful depending on Kind.
type Outcome struct {
	Kind  OutcomeKind
	Fields models.ExtractedFields
	Code  ErrorCode
	Err   error
}

type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeTransientFail
	OutcomePermanentFail
)

func Ok(fields models.ExtractedFields) Outcome {
	return Outcome{Kind: OutcomeOK, Fields: fields}
}

func TransientFail(code ErrorCode, err error) Outcome {
	return Outcome{Kind: OutcomeTransientFail, Code: code, Err: err}
}

func PermanentFail(code ErrorCode, err error) Outcome {
	return Outcome{Kind: OutcomePermanentFail, Code: code, Err: err}
}

// CallObservability is recorded per inference call (spec §4.4
// Observability): upload bytes, timings, model id, retry flag.
type CallObservability struct {
	UploadBytes   int64
	UploadMs      int64
	InferenceMs   int64
	PromptTokens  int64
	OutputTokens  int64
	Model         string
	RetryTaken    bool
	Path          models.InferencePath
}
