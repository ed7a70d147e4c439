// Package variation selects which configured variation of a recommender
// serves a given request, delegating A/B assignment to an external
// experiment evaluator (spec.md §4.3).
package variation

import (
	"context"
	"sort"

	"github.com/aws-samples/personalization-apis-go/internal/apierrors"
	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
)

// ExperimentEvaluator resolves which variation an entity (user) has been
// assigned to for a named feature. Implementations wrap whatever
// feature-flag backend the deployment uses.
type ExperimentEvaluator interface {
	EvaluateFeature(ctx context.Context, feature, entityID string) (variation string, err error)
}

// ExposureRecorder is an optional capability an ExperimentEvaluator can
// implement to accept exposure events for experiment metrics with
// trackExposures enabled (default true). Evaluators that don't implement
// it simply never have exposures recorded.
type ExposureRecorder interface {
	RecordExposure(ctx context.Context, feature, variation, entityID, metric string) error
}

// ConversionRecorder is an optional capability an ExperimentEvaluator can
// implement to accept conversion events attributed to an experiment's
// metric (spec.md §4.3 conversion path).
type ConversionRecorder interface {
	RecordConversion(ctx context.Context, feature, metric, entityID string) error
}

// Selection is the outcome of variation selection.
type Selection struct {
	Name           string
	Config         configmodel.Node
	FromExperiment bool
	Feature        string
	Metrics        []string
}

// Selector chooses a variation per spec.md §4.3.
type Selector struct {
	Evaluator ExperimentEvaluator
}

// New builds a Selector around the given evaluator. Evaluator may be nil;
// Select then serves the first variation (in sorted name order) whenever
// more than one is configured, without reporting an error.
func New(evaluator ExperimentEvaluator) *Selector {
	return &Selector{Evaluator: evaluator}
}

func variationNode(recommenderConfig configmodel.Node) (map[string]configmodel.Node, []string, error) {
	raw, ok := recommenderConfig["variations"]
	if !ok {
		return nil, nil, apierrors.Misconfigured("no_variations_configured", "recommender has no variations configured")
	}
	rawMap, ok := raw.(map[string]any)
	if !ok {
		if n, ok := raw.(configmodel.Node); ok {
			rawMap = n
		} else {
			return nil, nil, apierrors.Misconfigured("no_variations_configured", "recommender's variations field is not an object")
		}
	}
	if len(rawMap) == 0 {
		return nil, nil, apierrors.Misconfigured("no_variations_configured", "recommender has no variations configured")
	}

	variations := make(map[string]configmodel.Node, len(rawMap))
	names := make([]string, 0, len(rawMap))
	for name, v := range rawMap {
		child, ok := v.(map[string]any)
		if !ok {
			if n, ok := v.(configmodel.Node); ok {
				child = n
			} else {
				continue
			}
		}
		merged := configmodel.InheritInto(recommenderConfig, configmodel.Node(child))
		if err := configmodel.ValidateVariationType(merged); err != nil {
			return nil, nil, apierrors.Misconfigured("invalid_variation_type", err.Error())
		}
		variations[name] = merged
		names = append(names, name)
	}
	sort.Strings(names)
	return variations, names, nil
}

func experimentFeature(recommenderConfig configmodel.Node, override string) string {
	if override != "" {
		return override
	}
	exp, ok := recommenderConfig["experiment"]
	if !ok {
		return ""
	}
	expNode, ok := exp.(map[string]any)
	if !ok {
		if n, ok := exp.(configmodel.Node); ok {
			expNode = n
		} else {
			return ""
		}
	}
	feature, _ := expNode["feature"].(string)
	return feature
}

// trackedMetrics extracts the metric names configured under the
// recommender's experiment whose trackExposures is true (the default),
// used to schedule one exposure event per metric when a request lands in
// an experiment arm (spec.md §4.3).
func trackedMetrics(recommenderConfig configmodel.Node) []string {
	exp, ok := asExpNode(recommenderConfig["experiment"])
	if !ok {
		return nil
	}
	rawMetrics, ok := exp["metrics"].([]any)
	if !ok {
		return nil
	}

	var names []string
	for _, m := range rawMetrics {
		metric, ok := asExpNode(m)
		if !ok {
			continue
		}
		name, _ := metric["name"].(string)
		if name == "" {
			continue
		}
		track := true
		if v, ok := metric["trackExposures"].(bool); ok {
			track = v
		}
		if track {
			names = append(names, name)
		}
	}
	return names
}

func asExpNode(v any) (map[string]any, bool) {
	if n, ok := v.(configmodel.Node); ok {
		return n, true
	}
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	return nil, false
}

// Select picks the variation that should serve this request.
//
// When only one variation is configured, it is returned unconditionally
// and the evaluator is never consulted. When no userID is available,
// experiment assignment has nothing to key off and the first variation
// (in sorted name order) is chosen deterministically. Otherwise the
// configured (or query-overridden) feature is evaluated; if the evaluator
// itself fails (unreachable, timed out) selection falls back to the first
// variation rather than failing the whole request. If the evaluator
// succeeds but names a variation that isn't configured, that is a
// Configuration error: the experiment and the recommender have drifted
// out of sync.
func (s *Selector) Select(ctx context.Context, recommenderConfig configmodel.Node, userID, featureOverride string) (Selection, error) {
	variations, names, err := variationNode(recommenderConfig)
	if err != nil {
		return Selection{}, err
	}

	if len(names) == 1 {
		return Selection{Name: names[0], Config: variations[names[0]]}, nil
	}

	if userID == "" {
		return Selection{Name: names[0], Config: variations[names[0]]}, nil
	}

	feature := experimentFeature(recommenderConfig, featureOverride)
	if feature == "" || s.Evaluator == nil {
		return Selection{Name: names[0], Config: variations[names[0]]}, nil
	}

	assigned, err := s.Evaluator.EvaluateFeature(ctx, feature, userID)
	if err != nil {
		return Selection{Name: names[0], Config: variations[names[0]]}, nil
	}

	cfg, ok := variations[assigned]
	if !ok {
		return Selection{}, apierrors.Misconfigured("no_matched_target", "experiment assigned a variation that is not configured on the recommender").WithDetails(assigned)
	}
	return Selection{
		Name:           assigned,
		Config:         cfg,
		FromExperiment: true,
		Feature:        feature,
		Metrics:        trackedMetrics(recommenderConfig),
	}, nil
}
