// Package review reconciles the automatically parsed label with human
// decisions across at most two review rounds.
package review

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/seclab/vulnreview/constants"
	"github.com/seclab/vulnreview/internal/common"
	"github.com/seclab/vulnreview/internal/entity"
)

// Arbitrator applies the two-stage review state machine to items.
//
// States per item, tracked on the item itself:
//   - no review needed: ReviewStage 0, final label set (terminal)
//   - stage 1 pending:  ReviewStage 1, Pending, no final label
//   - stage 2 pending:  ReviewStage 2, Pending, no final label
//   - resolved:         final label set (terminal)
//
// ReviewStage is monotonically non-decreasing until resolution.
type Arbitrator struct {
	kind   constants.RunKind
	policy constants.ReviewPolicy
	logger *slog.Logger
	now    func() time.Time
}

func New(kind constants.RunKind, policy constants.ReviewPolicy, logger *slog.Logger) *Arbitrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbitrator{kind: kind, policy: policy, logger: logger, now: time.Now}
}

// Evaluate takes a freshly parsed item and decides whether review is
// required. With a definite parsed label under the auto-accept policy
// the label becomes final at stage 0; otherwise the item enters stage 1.
func (a *Arbitrator) Evaluate(item *entity.Item, label constants.Label, parsed bool) {
	item.AutoLabel = label
	item.AutoParsed = parsed

	if parsed && a.policy == constants.PolicyAutoAccept {
		item.ReviewStage = constants.ReviewStageNone
		item.ReviewReason = constants.ReviewReasonNone
		item.SetFinalLabel(a.kind, label, a.now())
		a.logger.Info("review.auto_accept", "item", item.ItemKey.String(), "label", label.Describe())
		return
	}

	item.ReviewStage = constants.ReviewStageFirst
	item.Pending = true
	if parsed {
		a.logger.Info("review.stage1_required", "item", item.ItemKey.String(), "parsed_label", label.Describe())
	} else {
		a.logger.Info("review.stage1_required", "item", item.ItemKey.String(), "parsed_label", "unparsed")
	}
}

// NeedsReview reports whether the item is waiting on a human decision.
func (a *Arbitrator) NeedsReview(item *entity.Item) bool {
	return item.Pending
}

// ApplyDecision advances the state machine with a human decision.
// It returns true once the item is resolved. A decision for an item
// that is not pending, for the wrong stage, or outside the label domain
// is rejected without mutating anything.
func (a *Arbitrator) ApplyDecision(item *entity.Item, d entity.Decision) (bool, error) {
	if !item.Pending {
		return false, common.NewAppError("REVIEW_ERROR",
			fmt.Sprintf("item %s is not awaiting review", item.ItemKey.String()), common.ErrDecisionRejected)
	}
	if d.Stage != item.ReviewStage {
		return false, common.NewAppError("REVIEW_ERROR",
			fmt.Sprintf("decision targets stage %d but item %s is at stage %d", d.Stage, item.ItemKey.String(), item.ReviewStage),
			common.ErrDecisionRejected)
	}
	if !constants.ValidLabel(a.kind, d.Value) {
		return false, common.NewAppError("REVIEW_ERROR",
			fmt.Sprintf("decision value %d is outside the %s label domain", d.Value, a.kind), common.ErrDecisionRejected)
	}

	decided := constants.Label(d.Value)
	switch item.ReviewStage {
	case constants.ReviewStageFirst:
		if item.AutoParsed && decided == item.AutoLabel {
			// Consensus between human and parser; no confirmation round.
			item.ReviewReason = constants.ReviewReasonNone
			item.SetFinalLabel(a.kind, decided, a.now())
			a.logger.Info("review.consensus", "item", item.ItemKey.String(), "label", decided.Describe())
			return true, nil
		}
		if item.AutoParsed {
			item.ReviewReason = constants.ReviewReasonMismatch
		} else {
			item.ReviewReason = constants.ReviewReasonUnparsed
		}
		item.ReviewStage = constants.ReviewStageSecond
		a.logger.Info("review.stage2_required",
			"item", item.ItemKey.String(),
			"reason", string(item.ReviewReason),
			"stage1_decision", decided.Describe(),
		)
		return false, nil

	case constants.ReviewStageSecond:
		// The confirmation round always wins, over both the parser and
		// the first decision.
		item.SetFinalLabel(a.kind, decided, a.now())
		a.logger.Info("review.final", "item", item.ItemKey.String(), "label", decided.Describe(), "reason", string(item.ReviewReason))
		return true, nil

	default:
		return false, common.NewAppError("REVIEW_ERROR",
			fmt.Sprintf("item %s is in an invalid review stage %d", item.ItemKey.String(), item.ReviewStage), common.ErrDecisionRejected)
	}
}
