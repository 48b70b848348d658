package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/seclab/vulnreview/constants"
)

// ItemKey is the composite identity of a judgment item.
type ItemKey struct {
	ID         int    `json:"id"`
	SubID      int    `json:"sub_id"`
	CodeID     int    `json:"code_id"`
	FunctionID string `json:"function_id,omitempty"` // set only for function-level runs
}

// String renders the key the way it appears in logs.
func (k ItemKey) String() string {
	s := fmt.Sprintf("id=%d sub_id=%d code_id=%d", k.ID, k.SubID, k.CodeID)
	if k.FunctionID != "" {
		s += " function_id=" + k.FunctionID
	}
	return s
}

// Item represents one judgment flowing through the pipeline. Created by
// the stream reader, mutated only by the orchestrator and the
// arbitrator, immutable once appended to the output collection.
type Item struct {
	ItemKey

	SourceText   string `json:"source_text"`
	ResponseText string `json:"response_text"`

	// Resolved labels. Exactly one of these is populated depending on
	// the run kind; nil means not yet resolved.
	RelevanceLabel *int `json:"relevance_label,omitempty"`
	FunctionLabel  *int `json:"function_label,omitempty"`

	ReviewStage  int                    `json:"review_stage"`
	ReviewReason constants.ReviewReason `json:"review_reason,omitempty"`
	DecidedAt    *time.Time             `json:"decided_at,omitempty"`

	// Raw is the record exactly as read from the input collection,
	// including fields this struct does not model. Output records are
	// built from it so nothing the input carried is dropped.
	Raw []byte `json:"-"`

	// Arbitration scratch state; never written to the output collection.
	AutoLabel  constants.Label `json:"-"`
	AutoParsed bool            `json:"-"`
	Pending    bool            `json:"-"`
}

// OutputRecord renders the finalized item as it is appended to the
// output collection: the original record plus the resolution fields.
func (it *Item) OutputRecord() ([]byte, error) {
	m := map[string]any{}
	if len(it.Raw) > 0 {
		if err := json.Unmarshal(it.Raw, &m); err != nil {
			return nil, fmt.Errorf("rebuild input record %s: %w", it.ItemKey, err)
		}
	} else {
		m["id"] = it.ID
		m["sub_id"] = it.SubID
		m["code_id"] = it.CodeID
		if it.FunctionID != "" {
			m["function_id"] = it.FunctionID
		}
		m["source_text"] = it.SourceText
		m["response_text"] = it.ResponseText
	}
	if it.ResponseText != "" {
		m["response_text"] = it.ResponseText
	}
	if it.RelevanceLabel != nil {
		m["relevance_label"] = *it.RelevanceLabel
	}
	if it.FunctionLabel != nil {
		m["function_label"] = *it.FunctionLabel
	}
	m["review_stage"] = it.ReviewStage
	if it.ReviewReason != constants.ReviewReasonNone {
		m["review_reason"] = string(it.ReviewReason)
	}
	if it.DecidedAt != nil {
		m["decided_at"] = it.DecidedAt.Format(time.RFC3339)
	}
	return json.MarshalIndent(m, "", "  ")
}

// SetFinalLabel fixes the final label for the run kind and stamps the
// decision time.
func (it *Item) SetFinalLabel(kind constants.RunKind, label constants.Label, at time.Time) {
	v := int(label)
	if kind == constants.KindFunction {
		it.FunctionLabel = &v
	} else {
		it.RelevanceLabel = &v
	}
	t := at.UTC()
	it.DecidedAt = &t
	it.Pending = false
}

// FinalLabel returns the resolved label, if any.
func (it *Item) FinalLabel() (constants.Label, bool) {
	if it.RelevanceLabel != nil {
		return constants.Label(*it.RelevanceLabel), true
	}
	if it.FunctionLabel != nil {
		return constants.Label(*it.FunctionLabel), true
	}
	return 0, false
}
