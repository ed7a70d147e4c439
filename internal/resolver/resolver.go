// Package resolver dispatches a recommendation request to whichever
// inference backend a variation names: a managed recommender/campaign, a
// model-serving endpoint, a custom function, or a generic HTTP endpoint
// (spec.md §4.4).
package resolver

import (
	"context"

	"github.com/aws-samples/personalization-apis-go/internal/apierrors"
	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
)

// Action identifies which of the three recommendation operations is being
// served; several backends need it to pick request parameter names.
type Action string

const (
	ActionRecommendItems Action = "recommend-items"
	ActionRelatedItems   Action = "related-items"
	ActionRerankItems    Action = "rerank-items"
)

// Request carries every parameter a backend might need. Not every field
// is meaningful for every Action: UserID and ItemID are mutually relevant
// depending on the operation, Items is only populated for rerank.
type Request struct {
	Action Action

	UserID string
	ItemID string
	Items  []string

	NumResults int

	Context         map[string]any
	FilterArn       string
	FilterValues    map[string]any
	MetadataColumns []string
}

// Item is one ranked result.
type Item struct {
	ItemID   string         `json:"itemId"`
	Score    float64        `json:"score,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Response is the backend's raw result, before post-processing,
// decoration or truncation.
type Response struct {
	ItemList []Item `json:"itemList"`
}

// Resolver dispatches one inference call against a variation's configured
// backend.
type Resolver interface {
	Resolve(ctx context.Context, variation configmodel.Node, req Request) (Response, error)
}

// MaxNumResults is the ceiling ClampNumResults applies to requested
// results (spec.md §4.4). Only the managed backend clamps; the other
// backends pass the caller's numResults through unchanged.
const MaxNumResults = 500

// ClampNumResults applies MaxNumResults and a floor of 1.
func ClampNumResults(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxNumResults {
		return MaxNumResults
	}
	return n
}

func missingField(field string) error {
	return apierrors.Misconfigured("missing_variation_field", "variation is missing required field "+field)
}

func stringField(variation configmodel.Node, field string) (string, error) {
	v, ok := variation[field].(string)
	if !ok || v == "" {
		return "", missingField(field)
	}
	return v, nil
}
