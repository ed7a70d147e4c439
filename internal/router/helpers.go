package router

import (
	"encoding/json"
	"strings"

	"github.com/aws-samples/personalization-apis-go/internal/autocontext"
	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
	"github.com/aws-samples/personalization-apis-go/internal/decorator"
	"github.com/aws-samples/personalization-apis-go/internal/resolver"
)

func asNode(v any) (configmodel.Node, bool) {
	if n, ok := v.(configmodel.Node); ok {
		return n, true
	}
	if m, ok := v.(map[string]any); ok {
		return configmodel.Node(m), true
	}
	return nil, false
}

func decodeInto(node configmodel.Node, target any) bool {
	encoded, err := json.Marshal(map[string]any(node))
	if err != nil {
		return false
	}
	return json.Unmarshal(encoded, target) == nil
}

// decodeAutoContextFields converts the raw autoContext/autoDynamicFilterValues
// node (a map of field name -> {type?, default?, evaluateAll?, rules[]})
// into typed autocontext.FieldConfig values, keyed by field name.
func decodeAutoContextFields(fieldsNode configmodel.Node) map[string]autocontext.FieldConfig {
	fields := make(map[string]autocontext.FieldConfig, len(fieldsNode))
	for name, raw := range fieldsNode {
		node, ok := asNode(raw)
		if !ok {
			continue
		}
		var cfg autocontext.FieldConfig
		if !decodeInto(node, &cfg) {
			continue
		}
		fields[name] = cfg
	}
	return fields
}

// namedFieldsFrom reads the named key off variation (autoContext or
// autoDynamicFilterValues, both sharing the same field-map shape).
func namedFieldsFrom(variation configmodel.Node, key string) map[string]autocontext.FieldConfig {
	raw, ok := variation[key]
	if !ok {
		return nil
	}
	node, ok := asNode(raw)
	if !ok {
		return nil
	}
	return decodeAutoContextFields(node)
}

func autoContextFieldsFrom(variation configmodel.Node) map[string]autocontext.FieldConfig {
	return namedFieldsFrom(variation, "autoContext")
}

// autoDynamicFilterValueFieldsFrom reads the recommender's
// filter.autoDynamicFilterValues node (nested under "filter", not a
// top-level key, per main.py's variation_config['filter']['autoDynamicFilterValues']).
func autoDynamicFilterValueFieldsFrom(variation configmodel.Node) map[string]autocontext.FieldConfig {
	raw, ok := variation["filter"]
	if !ok {
		return nil
	}
	filterNode, ok := asNode(raw)
	if !ok {
		return nil
	}
	return namedFieldsFrom(filterNode, "autoDynamicFilterValues")
}

// mergeContext layers caller-supplied context values over auto-derived
// ones: an explicit context value always wins over an automatically
// derived one for the same key. Only the first resolved value of a field
// is used for context (spec.md §4.2/§4.9 resolve_context), unlike the
// pipe-join the event-properties path applies for multi-valued string
// fields.
func mergeContext(auto map[string]autocontext.Resolved, explicit map[string]any) map[string]any {
	merged := make(map[string]any, len(auto)+len(explicit))
	for k, v := range auto {
		if len(v.Values) == 0 {
			continue
		}
		merged[k] = v.Values[0]
	}
	for k, v := range explicit {
		merged[k] = v
	}
	return merged
}

func metadataColumnsFrom(variation configmodel.Node) []string {
	meta, ok := variation["inferenceItemMetadata"]
	if !ok {
		return nil
	}
	node, ok := asNode(meta)
	if !ok {
		return nil
	}
	rawCols, ok := node["columns"].([]any)
	if !ok {
		return nil
	}
	cols := make([]string, 0, len(rawCols))
	for _, c := range rawCols {
		if s, ok := c.(string); ok {
			cols = append(cols, s)
		}
	}
	return cols
}

func postProcessNode(variation configmodel.Node) (configmodel.Node, bool) {
	raw, ok := variation["postProcess"]
	if !ok {
		return nil, false
	}
	return asNode(raw)
}

func cacheControlNode(variation configmodel.Node) configmodel.Node {
	raw, ok := variation["cacheControl"]
	if !ok {
		return nil
	}
	node, _ := asNode(raw)
	return node
}

// filterDescriptor is one entry of a recommender's ordered filters list
// (spec.md §3): an arn and an optional condition gating when it applies.
type filterDescriptor struct {
	ARN       string
	Condition string
}

func filtersFrom(recommenderConfig configmodel.Node) []filterDescriptor {
	raw, ok := recommenderConfig["filters"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]filterDescriptor, 0, len(list))
	for _, item := range list {
		node, ok := asNode(item)
		if !ok {
			continue
		}
		arn, _ := node["arn"].(string)
		condition, _ := node["condition"].(string)
		out = append(out, filterDescriptor{ARN: arn, Condition: condition})
	}
	return out
}

// filterConditionSatisfied reports whether a configured filter's condition
// permits its use for this request. An empty condition always applies;
// "user-required" applies only when the request carries a user id; any
// other condition is treated as unsatisfied (no other condition kind is
// defined).
func filterConditionSatisfied(condition, userID string) bool {
	switch condition {
	case "":
		return true
	case "user-required":
		return userID != ""
	default:
		return false
	}
}

// resolveFilter implements spec.md §4.9 step 5 / §4.2's filter resolution.
// A caller-supplied filter name expands into a managed filter arn using
// the process's region/account id; absent that, the recommender's ordered
// filters list is scanned for the first entry whose condition is
// satisfied. With neither a filter name nor any filters configured, any
// explicit filterValues the caller supplied are discarded along with the
// arn (main.py::resolve_filter_parameters: filter_values = None),
// matching the original's behavior that filterValues is meaningless
// without a filter to apply it to. When an arn is resolved, autoDynamic
// (the recommender's filter.autoDynamicFilterValues resolved against this
// request's headers/clock) is merged into filterValues for any field the
// caller didn't already supply, joining multiple string-typed values as
// comma-separated quoted tokens (as opposed to the "|" join used for
// autoContext/event properties).
func resolveFilter(recommenderConfig configmodel.Node, filterName, userID string, explicitValues map[string]any, region, accountID string, autoDynamic map[string]autocontext.Resolved) (string, map[string]any) {
	filters := filtersFrom(recommenderConfig)
	var arn string
	values := explicitValues

	switch {
	case filterName != "":
		arn = "arn:aws:personalize:" + region + ":" + accountID + ":filter/" + filterName
	case len(filters) > 0:
		for _, f := range filters {
			if filterConditionSatisfied(f.Condition, userID) {
				arn = f.ARN
				break
			}
		}
	default:
		values = nil
	}

	if arn == "" || len(autoDynamic) == 0 {
		return arn, values
	}
	return arn, mergeAutoDynamicFilterValues(values, autoDynamic)
}

func mergeAutoDynamicFilterValues(explicit map[string]any, autoDynamic map[string]autocontext.Resolved) map[string]any {
	if len(autoDynamic) == 0 {
		return explicit
	}
	merged := make(map[string]any, len(explicit)+len(autoDynamic))
	for k, v := range explicit {
		merged[k] = v
	}
	for field, resolved := range autoDynamic {
		if _, exists := merged[field]; exists {
			continue
		}
		if len(resolved.Values) == 0 {
			continue
		}
		if resolved.Type == "string" && len(resolved.Values) > 1 {
			merged[field] = quotedJoin(resolved.Values)
			continue
		}
		merged[field] = resolved.Values[0]
	}
	return merged
}

// quotedJoin renders filter-expression-style multi-value strings:
// \"val1\",\"val2\" — each value wrapped in backslash-escaped quotes,
// comma-separated, matching main.py::resolve_filter_parameters's
// ','.join(f'\\"{val}\\"' for val in resolved['values']).
func quotedJoin(values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = `\"` + v + `\"`
	}
	return strings.Join(parts, ",")
}

func toDecoratorItems(items []resolver.Item) []*decorator.Item {
	out := make([]*decorator.Item, len(items))
	for i, it := range items {
		out[i] = &decorator.Item{ItemID: it.ItemID, Metadata: it.Metadata}
	}
	return out
}

func mergeDecoratorResults(items []resolver.Item, decorated []*decorator.Item) []resolver.Item {
	for i := range items {
		items[i].Metadata = decorated[i].Metadata
	}
	return items
}
