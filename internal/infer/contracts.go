package infer

import (
	"context"

	"github.com/seclab/vulnreview/internal/entity"
)

// Inferer is the inference-service collaborator: it turns an item into
// free response text. Implementations may fail; the orchestrator treats
// exhausted retries as fatal and never fabricates a fallback label.
type Inferer interface {
	Infer(ctx context.Context, item *entity.Item) (string, error)
}

// PromptBuilder renders the request text for an item. Prompt
// construction is owned by the caller; the default builder passes the
// item's source text through unchanged.
type PromptBuilder func(*entity.Item) string
