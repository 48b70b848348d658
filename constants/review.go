package constants

// Label is the classification value assigned to a judgment item.
type Label int

// Stable values (these exact integers appear in output collections).
const (
	LabelNotRelevant   Label = -1 // judgment does not apply to the code at all
	LabelNotVulnerable Label = 0
	LabelVulnerable    Label = 1
)

// Describe converts a label to the wording used in model responses and logs.
func (l Label) Describe() string {
	switch l {
	case LabelVulnerable:
		return "vulnerable"
	case LabelNotVulnerable:
		return "not vulnerable"
	case LabelNotRelevant:
		return "not relevant"
	default:
		return "unknown"
	}
}

// RunKind selects which label vocabulary a run uses.
type RunKind string

const (
	// KindRelevance labels whole judgments as {-1, 0, 1}.
	KindRelevance RunKind = "relevance"
	// KindFunction labels individual functions as {0, 1}.
	KindFunction RunKind = "function"
)

// ValidLabel reports whether v is inside the label domain of the run kind.
func ValidLabel(kind RunKind, v int) bool {
	switch kind {
	case KindFunction:
		return v == 0 || v == 1
	default:
		return v == -1 || v == 0 || v == 1
	}
}

// Review stages. Stage 0 means no human input was needed.
const (
	ReviewStageNone   = 0
	ReviewStageFirst  = 1
	ReviewStageSecond = 2
)

// ReviewReason records why a second review round was triggered.
type ReviewReason string

const (
	ReviewReasonNone     ReviewReason = ""
	ReviewReasonMismatch ReviewReason = "mismatch" // human disagreed with the parsed label
	ReviewReasonUnparsed ReviewReason = "unparsed" // no label could be parsed automatically
)

// ReviewPolicy decides whether a successfully parsed label still goes
// through a first human pass.
type ReviewPolicy string

const (
	// PolicyAutoAccept takes a parsed label as final with no review.
	PolicyAutoAccept ReviewPolicy = "auto-accept"
	// PolicyAlwaysReview routes every item through Stage 1.
	PolicyAlwaysReview ReviewPolicy = "always-review"
)

// MalformedPolicy controls what the stream reader does with a record
// that decodes but fails item validation.
type MalformedPolicy string

const (
	MalformedHalt MalformedPolicy = "halt" // default: stop the run
	MalformedSkip MalformedPolicy = "skip" // log, count, continue
)
