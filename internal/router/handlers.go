package router

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws-samples/personalization-apis-go/internal/apierrors"
	"github.com/aws-samples/personalization-apis-go/internal/background"
	"github.com/aws-samples/personalization-apis-go/internal/cachepolicy"
	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
	"github.com/aws-samples/personalization-apis-go/internal/eventfanout"
	"github.com/aws-samples/personalization-apis-go/internal/postprocess"
	"github.com/aws-samples/personalization-apis-go/internal/resolver"
	"github.com/aws-samples/personalization-apis-go/internal/variation"
	"github.com/gorilla/mux"
)

// matchedExperiment is the optional response field surfacing the
// experiment a request landed in (spec.md §4.3).
type matchedExperiment struct {
	Feature   string `json:"feature"`
	Variation string `json:"variation"`
}

type inferenceResponseBody struct {
	ItemList          []resolver.Item    `json:"itemList"`
	MatchedExperiment *matchedExperiment `json:"matchedExperiment,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAPIError(w http.ResponseWriter, err error) {
	apiErr := apierrors.As(err)
	writeJSON(w, apiErr.StatusCode(), apiErr)
}

// latitudeFromHeaders reads the viewer latitude CloudFront attaches to
// edge-routed requests, used only by season-of-year autoContext rules.
func latitudeFromHeaders(h http.Header) *float64 {
	v := h.Get("cloudfront-viewer-latitude")
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

// notModified short-circuits a GET request whose If-None-Match header
// names an ETag still within its max-age window (spec.md §4.8). It must
// run before any other work: no config fetch, no resolver call, no
// background tasks.
func notModified(w http.ResponseWriter, r *http.Request) bool {
	etag := r.Header.Get("If-None-Match")
	if etag == "" {
		return false
	}
	if !cachepolicy.IsResourceNotModified(etag, time.Now()) {
		return false
	}
	w.WriteHeader(http.StatusNotModified)
	return true
}

// inferenceContext bundles everything the shared dispatch core needs,
// gathered from the three different GET endpoint shapes (recommend,
// related, rerank) before they converge on identical handling.
type inferenceContext struct {
	Namespace   string
	Recommender string
	Action      resolver.Action
	UserID      string
	ItemID      string
	Items       []string
}

func (rt *Router) handleRecommendItems(w http.ResponseWriter, r *http.Request) {
	if notModified(w, r) {
		return
	}
	vars := mux.Vars(r)
	rt.serveInference(w, r, inferenceContext{
		Namespace:   vars["namespace"],
		Recommender: vars["recommender"],
		Action:      resolver.ActionRecommendItems,
		UserID:      vars["userId"],
	})
}

func (rt *Router) handleRelatedItems(w http.ResponseWriter, r *http.Request) {
	if notModified(w, r) {
		return
	}
	vars := mux.Vars(r)
	rt.serveInference(w, r, inferenceContext{
		Namespace:   vars["namespace"],
		Recommender: vars["recommender"],
		Action:      resolver.ActionRelatedItems,
		ItemID:      vars["itemId"],
	})
}

func (rt *Router) handleRerankItemsGet(w http.ResponseWriter, r *http.Request) {
	if notModified(w, r) {
		return
	}
	vars := mux.Vars(r)
	items := strings.Split(vars["itemIds"], ",")
	rt.serveInference(w, r, inferenceContext{
		Namespace:   vars["namespace"],
		Recommender: vars["recommender"],
		Action:      resolver.ActionRerankItems,
		UserID:      vars["userId"],
		Items:       items,
	})
}

func (rt *Router) handleRerankItemsPost(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	items, err := decodeRerankBody(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	rt.serveInference(w, r, inferenceContext{
		Namespace:   vars["namespace"],
		Recommender: vars["recommender"],
		Action:      resolver.ActionRerankItems,
		UserID:      vars["userId"],
		Items:       items,
	})
}

// serveInference implements the common RequestRouter sequence of spec.md
// §4.9 steps 2-11, shared by recommend-items, related-items and both
// rerank-items endpoints once their path/body parsing diverges.
func (rt *Router) serveInference(w http.ResponseWriter, r *http.Request, ic inferenceContext) {
	ctx := r.Context()
	logger := rt.Logger.With("namespace", ic.Namespace, "recommender", ic.Recommender, "action", string(ic.Action))

	p, err := parseCommonParams(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if ic.UserID != "" {
		p.UserID = ic.UserID
	}
	if ic.ItemID != "" {
		p.ItemID = ic.ItemID
	}

	bg := rt.backgroundGroup()

	doc, err := rt.Config.GetConfig(ctx, rt.ConfigMaxAge)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	rt.Decorators.PrepareDatastores(ctx, doc)

	recommenderConfig, ok := doc.RecommenderConfig(ic.Namespace, ic.Recommender, string(ic.Action))
	if !ok {
		writeAPIError(w, apierrors.NotFound("recommender_not_found", "recommender is not configured for this namespace/action"))
		return
	}

	sel, err := rt.Variation.Select(ctx, recommenderConfig, p.UserID, p.Feature)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	rt.scheduleExposureEvents(ctx, bg, sel, p.UserID)

	variationType, _ := sel.Config["type"].(string)
	res, err := rt.dispatch(ctx, r.Header, ic, p, sel, recommenderConfig, variationType)
	if err != nil {
		if joinErr := bg.Join(ctx); joinErr != nil {
			logger.Warn("background tasks failed after dispatch error", "error", joinErr)
		}
		writeAPIError(w, err)
		return
	}

	body := inferenceResponseBody{ItemList: res.ItemList}
	if sel.FromExperiment {
		body.MatchedExperiment = &matchedExperiment{Feature: sel.Feature, Variation: sel.Name}
	}

	if err := bg.Join(ctx); err != nil {
		writeAPIError(w, err)
		return
	}

	rt.writeInferenceHeaders(w, r, cacheControlNode(sel.Config), doc, p.UserID != "", p.SyntheticUser)
	writeJSON(w, http.StatusOK, body)
}

// dispatch resolves auto context and filters, invokes the backend
// resolver, decorates the response and runs post-processing, in the order
// spec.md §4.9 steps 5-10 require.
func (rt *Router) dispatch(ctx context.Context, headers http.Header, ic inferenceContext, p commonParams, sel variation.Selection, recommenderConfig configmodel.Node, variationType string) (resolver.Response, error) {
	backend, ok := rt.ResolverFor(variationType)
	if !ok {
		return resolver.Response{}, apierrors.Misconfigured("unknown_variation_type", "no resolver is registered for variation type "+variationType)
	}

	latitude := latitudeFromHeaders(headers)
	autoCtx := rt.AutoContext.Resolve(autoContextFieldsFrom(sel.Config), headers, latitude)
	autoDynamicFilterValues := rt.AutoContext.Resolve(autoDynamicFilterValueFieldsFrom(sel.Config), headers, latitude)
	filterArn, filterValues := resolveFilter(sel.Config, p.Filter, p.UserID, p.FilterValues, rt.Region, rt.AccountID, autoDynamicFilterValues)

	ppNode, hasPP := postProcessNode(sel.Config)
	numResults := p.NumResults
	inferenceNumResults := numResults
	if hasPP {
		inferenceNumResults = postprocess.ComputeInferenceNumResults(numResults, ppNode)
	}

	serverSideDecoration := false
	var metadataColumns []string
	if p.DecorateItems {
		if metaType, columns := metadataTypeAndColumns(sel.Config); metaType == "managed" {
			metadataColumns = columns
			serverSideDecoration = true
		}
	}

	req := resolver.Request{
		Action:          ic.Action,
		UserID:          p.UserID,
		ItemID:          p.ItemID,
		Items:           ic.Items,
		NumResults:      inferenceNumResults,
		Context:         mergeContext(autoCtx, p.Context),
		FilterArn:       filterArn,
		FilterValues:    filterValues,
		MetadataColumns: metadataColumns,
	}

	res, err := backend.Resolve(ctx, sel.Config, req)
	if err != nil {
		return resolver.Response{}, err
	}

	if p.DecorateItems && !serverSideDecoration {
		if dec, ok := rt.Decorators.Get(ic.Namespace); ok {
			items := toDecoratorItems(res.ItemList)
			if err := dec.Decorate(ctx, items, metadataColumns); err != nil {
				return resolver.Response{}, err
			}
			res.ItemList = mergeDecoratorResults(res.ItemList, items)
		}
	}

	if hasPP {
		functionArn, _ := ppNode["functionArn"].(string)
		if functionArn != "" {
			res, err = rt.PostProcessor.Process(ctx, functionArn, postprocess.Request{
				Action:      ic.Action,
				Recommender: postprocess.RecommenderRef{Path: ic.Recommender, Config: recommenderConfig},
				Variation:   sel.Name,
				UserID:      p.UserID,
				ItemID:      p.ItemID,
				NumResults:  numResults,
			}, res)
			if err != nil {
				return resolver.Response{}, err
			}
		}
	}

	res = postprocess.Truncate(res, numResults)
	return res, nil
}

func metadataTypeAndColumns(variationCfg configmodel.Node) (string, []string) {
	raw, ok := variationCfg["inferenceItemMetadata"]
	if !ok {
		return "", nil
	}
	node, ok := asNode(raw)
	if !ok {
		return "", nil
	}
	metaType, _ := node["type"].(string)
	return metaType, metadataColumnsFrom(variationCfg)
}

func (rt *Router) scheduleExposureEvents(ctx context.Context, bg *background.Group, sel variation.Selection, userID string) {
	if !sel.FromExperiment || userID == "" {
		return
	}
	recorder, ok := rt.Variation.Evaluator.(variation.ExposureRecorder)
	if !ok {
		return
	}
	for _, metric := range sel.Metrics {
		metric := metric
		bg.Go(ctx, func(taskCtx context.Context) error {
			return recorder.RecordExposure(taskCtx, sel.Feature, sel.Name, userID, metric)
		})
	}
}

func (rt *Router) writeInferenceHeaders(w http.ResponseWriter, r *http.Request, cacheControl configmodel.Node, doc *configmodel.Document, hasUserID, synthetic bool) {
	w.Header().Set("X-Personalization-Config-Version", doc.Version("unknown"))
	if r.Method == http.MethodGet {
		headers := cachepolicy.Compute(cacheControl, r.URL.Path, r.URL.RawQuery, hasUserID, synthetic, time.Now())
		if headers.ETag != "" {
			w.Header().Set("ETag", headers.ETag)
		}
		if headers.CacheControl != "" {
			w.Header().Set("Cache-Control", headers.CacheControl)
		}
	}
}

// handleEvents implements POST /events/{namespace}: auto-context
// application, fan-out to every configured sink, and optional experiment
// conversion recording (spec.md §4.6, §4.3).
func (rt *Router) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	namespace := mux.Vars(r)["namespace"]
	w.Header().Set("Cache-Control", "no-store")

	body, err := decodeEventBody(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	doc, err := rt.Config.GetConfig(ctx, rt.ConfigMaxAge)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	nsConfig, ok := doc.NamespaceConfig(namespace)
	if !ok {
		writeAPIError(w, apierrors.NotFound("namespace_not_found", "namespace is not configured"))
		return
	}
	targets, ok := eventTargetsFrom(nsConfig)
	if !ok || len(targets) == 0 {
		writeAPIError(w, apierrors.NotFound("no_event_targets", "namespace has no eventTargets configured"))
		return
	}

	if err := rt.validateConversions(doc, namespace, body.ExperimentConversions); err != nil {
		writeAPIError(w, err)
		return
	}

	autoCtx := rt.AutoContext.Resolve(autoContextFieldsFrom(nsConfig), r.Header, latitudeFromHeaders(r.Header))

	bg := rt.backgroundGroup()
	for _, in := range body.EventList {
		event := eventfanout.Event{
			EventType:  in.EventType,
			UserID:     in.UserID,
			SessionID:  in.SessionID,
			ItemID:     in.ItemID,
			EventValue: in.EventValue,
			Properties: in.Properties,
		}
		if in.SentAt != nil {
			event.SentAt = time.Unix(*in.SentAt, 0)
		}
		eventfanout.ApplyAutoContext(&event, autoCtx)
		if err := rt.EventFanOut.Dispatch(ctx, targets, event); err != nil {
			writeAPIError(w, err)
			return
		}
	}

	for _, conv := range body.ExperimentConversions {
		conv := conv
		bg.Go(ctx, func(taskCtx context.Context) error {
			return rt.recordConversion(taskCtx, doc, namespace, conv)
		})
	}

	if err := bg.Join(ctx); err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func eventTargetsFrom(nsConfig configmodel.Node) ([]configmodel.Node, bool) {
	raw, ok := nsConfig["eventTargets"]
	if !ok {
		return nil, false
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	targets := make([]configmodel.Node, 0, len(list))
	for _, t := range list {
		if node, ok := asNode(t); ok {
			targets = append(targets, node)
		}
	}
	return targets, true
}

func (rt *Router) validateConversions(doc *configmodel.Document, namespace string, conversions []experimentConversion) error {
	for _, c := range conversions {
		if c.Recommender == "" || c.Experiment == "" {
			return apierrors.Validation("invalid_conversion", "experimentConversions entries require recommender and experiment")
		}
		recommenderConfig, ok := doc.RecommenderConfig(namespace, c.Recommender, "")
		if !ok {
			return apierrors.Validation("unknown_recommender", "experimentConversions references an unconfigured recommender: "+c.Recommender)
		}
		exp, ok := asNode(recommenderConfig["experiment"])
		if !ok {
			return apierrors.Misconfigured("no_experiment_configured", "recommender has no experiment configured: "+c.Recommender)
		}
		feature, _ := exp["feature"].(string)
		if feature != c.Experiment {
			return apierrors.Validation("unknown_experiment", "experimentConversions references an unconfigured experiment: "+c.Experiment)
		}
	}
	return nil
}

func (rt *Router) recordConversion(ctx context.Context, doc *configmodel.Document, namespace string, conv experimentConversion) error {
	recorder, ok := rt.Variation.Evaluator.(variation.ConversionRecorder)
	if !ok {
		return nil
	}
	recommenderConfig, ok := doc.RecommenderConfig(namespace, conv.Recommender, "")
	if !ok {
		return nil
	}
	exp, ok := asNode(recommenderConfig["experiment"])
	if !ok {
		return nil
	}
	feature, _ := exp["feature"].(string)
	return recorder.RecordConversion(ctx, feature, conv.Metric, conv.Recommender)
}
