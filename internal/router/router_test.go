package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/aws-samples/personalization-apis-go/internal/apierrors"
	"github.com/aws-samples/personalization-apis-go/internal/autocontext"
	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
	"github.com/aws-samples/personalization-apis-go/internal/decorator"
	"github.com/aws-samples/personalization-apis-go/internal/eventfanout"
	"github.com/aws-samples/personalization-apis-go/internal/postprocess"
	"github.com/aws-samples/personalization-apis-go/internal/resolver"
	"github.com/aws-samples/personalization-apis-go/internal/variation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticFetcher struct {
	raw []byte
	err error
}

func (f staticFetcher) Fetch(ctx context.Context) ([]byte, error) { return f.raw, f.err }

type stubResolver struct {
	response resolver.Response
	err      error
	lastReq  resolver.Request
}

func (s *stubResolver) Resolve(ctx context.Context, v configmodel.Node, req resolver.Request) (resolver.Response, error) {
	s.lastReq = req
	return s.response, s.err
}

type stubEvaluator struct {
	variation string
	err       error

	exposures   []string
	conversions []string
}

func (s *stubEvaluator) EvaluateFeature(ctx context.Context, feature, entityID string) (string, error) {
	return s.variation, s.err
}

func (s *stubEvaluator) RecordExposure(ctx context.Context, feature, variation, entityID, metric string) error {
	s.exposures = append(s.exposures, feature+":"+variation+":"+metric)
	return nil
}

func (s *stubEvaluator) RecordConversion(ctx context.Context, feature, metric, entityID string) error {
	s.conversions = append(s.conversions, feature+":"+metric)
	return nil
}

func buildDocument(t *testing.T, doc map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func newTestRouter(t *testing.T, doc map[string]any, backend resolver.Resolver, evaluator variation.ExperimentEvaluator) *Router {
	t.Helper()
	raw := buildDocument(t, doc)
	provider := configmodel.NewProvider(staticFetcher{raw: raw})
	return New(Router{
		Config:        provider,
		ConfigMaxAge:  time.Minute,
		AutoContext:   autocontext.New(),
		Variation:     variation.New(evaluator),
		ResolverFor:   func(string) (resolver.Resolver, bool) { return backend, true },
		Decorators:    decorator.NewRegistry(func(string, configmodel.Node) (decorator.MetadataDecorator, error) { return nil, nil }),
		EventFanOut:   eventfanout.New(func(configmodel.Node) (eventfanout.Sink, error) { return nil, errors.New("no sinks configured in this test") }),
		PostProcessor: postprocess.New(nil),
	})
}

func basicRecommenderDoc(variationType string) map[string]any {
	return map[string]any{
		"namespaces": map[string]any{
			"storefront": map[string]any{
				"recommenders": map[string]any{
					"recommend-items": map[string]any{
						"home-page": map[string]any{
							"variations": map[string]any{
								"default": map[string]any{"type": variationType, "arn": "arn:aws:lambda:us-east-1:123:function:rank"},
							},
						},
					},
				},
			},
		},
	}
}

func TestHandleRecommendItemsReturnsItemList(t *testing.T) {
	backend := &stubResolver{response: resolver.Response{ItemList: []resolver.Item{{ItemID: "i1"}, {ItemID: "i2"}}}}
	rt := newTestRouter(t, basicRecommenderDoc("function"), backend, nil)

	req := httptest.NewRequest(http.MethodGet, "/recommend-items/storefront/home-page/user-1", nil)
	rr := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body inferenceResponseBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Len(t, body.ItemList, 2)
	assert.Nil(t, body.MatchedExperiment)
	assert.Equal(t, "user-1", backend.lastReq.UserID)
	assert.NotEmpty(t, rr.Header().Get("X-Personalization-Config-Version"))
}

func TestHandleRecommendItemsReportsUnconfiguredRecommenderAsNotFound(t *testing.T) {
	backend := &stubResolver{}
	rt := newTestRouter(t, basicRecommenderDoc("function"), backend, nil)

	req := httptest.NewRequest(http.MethodGet, "/recommend-items/storefront/missing-recommender/user-1", nil)
	rr := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	var apiErr apierrors.APIError
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &apiErr))
	assert.Equal(t, apierrors.KindConfiguration, apiErr.Type)
}

func TestHandleRecommendItemsSurfacesResolverDownstreamError(t *testing.T) {
	backend := &stubResolver{err: apierrors.Throttled("recommender_throttled", "too many requests")}
	rt := newTestRouter(t, basicRecommenderDoc("function"), backend, nil)

	req := httptest.NewRequest(http.MethodGet, "/recommend-items/storefront/home-page/user-1", nil)
	rr := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func experimentRecommenderDoc() map[string]any {
	return map[string]any{
		"namespaces": map[string]any{
			"storefront": map[string]any{
				"recommenders": map[string]any{
					"recommend-items": map[string]any{
						"home-page": map[string]any{
							"experiment": map[string]any{
								"feature": "home-ranking-test",
								"metrics": []any{
									map[string]any{"name": "click-through"},
								},
							},
							"variations": map[string]any{
								"control":   map[string]any{"type": "function", "arn": "arn:aws:lambda:us-east-1:123:function:control"},
								"treatment": map[string]any{"type": "function", "arn": "arn:aws:lambda:us-east-1:123:function:treatment"},
							},
						},
					},
				},
			},
		},
	}
}

func TestHandleRecommendItemsReportsMatchedExperimentAndSchedulesExposure(t *testing.T) {
	backend := &stubResolver{response: resolver.Response{ItemList: []resolver.Item{{ItemID: "i1"}}}}
	evaluator := &stubEvaluator{variation: "treatment"}
	rt := newTestRouter(t, experimentRecommenderDoc(), backend, evaluator)

	req := httptest.NewRequest(http.MethodGet, "/recommend-items/storefront/home-page/user-1", nil)
	rr := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body inferenceResponseBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.NotNil(t, body.MatchedExperiment)
	assert.Equal(t, "treatment", body.MatchedExperiment.Variation)
	assert.Equal(t, []string{"home-ranking-test:treatment:click-through"}, evaluator.exposures)
}

func TestHandleRelatedItemsUsesItemIDFromPath(t *testing.T) {
	backend := &stubResolver{response: resolver.Response{ItemList: []resolver.Item{{ItemID: "i9"}}}}
	doc := map[string]any{
		"namespaces": map[string]any{
			"storefront": map[string]any{
				"recommenders": map[string]any{
					"related-items": map[string]any{
						"similar": map[string]any{
							"variations": map[string]any{
								"default": map[string]any{"type": "function", "arn": "arn:aws:lambda:us-east-1:123:function:similar"},
							},
						},
					},
				},
			},
		},
	}
	rt := newTestRouter(t, doc, backend, nil)

	req := httptest.NewRequest(http.MethodGet, "/related-items/storefront/similar/item-42", nil)
	rr := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "item-42", backend.lastReq.ItemID)
}

func TestHandleRecommendItemsExpandsCallerSuppliedFilterNameToArn(t *testing.T) {
	backend := &stubResolver{response: resolver.Response{ItemList: []resolver.Item{{ItemID: "i1"}}}}
	rt := newTestRouter(t, basicRecommenderDoc("function"), backend, nil)
	rt.Region = "us-west-2"
	rt.AccountID = "111122223333"

	req := httptest.NewRequest(http.MethodGet, "/recommend-items/storefront/home-page/user-1?filter=in-stock", nil)
	rr := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "arn:aws:personalize:us-west-2:111122223333:filter/in-stock", backend.lastReq.FilterArn)
}

func TestHandleRecommendItemsPicksFirstSatisfiedConfiguredFilter(t *testing.T) {
	backend := &stubResolver{response: resolver.Response{ItemList: []resolver.Item{{ItemID: "i1"}}}}
	doc := basicRecommenderDoc("function")
	recommenderNode := doc["namespaces"].(map[string]any)["storefront"].(map[string]any)["recommenders"].(map[string]any)["recommend-items"].(map[string]any)["home-page"].(map[string]any)
	recommenderNode["filters"] = []any{
		map[string]any{"arn": "arn:aws:personalize:us-east-1:123:filter/vip-only", "condition": "user-required"},
		map[string]any{"arn": "arn:aws:personalize:us-east-1:123:filter/catalog-wide"},
	}
	rt := newTestRouter(t, doc, backend, nil)

	req := httptest.NewRequest(http.MethodGet, "/recommend-items/storefront/home-page/user-1", nil)
	rr := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "arn:aws:personalize:us-east-1:123:filter/vip-only", backend.lastReq.FilterArn)
}

func TestHandleRecommendItemsSkipsUnsatisfiedConditionToNextFilter(t *testing.T) {
	backend := &stubResolver{response: resolver.Response{ItemList: []resolver.Item{{ItemID: "i1"}}}}
	doc := map[string]any{
		"namespaces": map[string]any{
			"storefront": map[string]any{
				"recommenders": map[string]any{
					"related-items": map[string]any{
						"similar": map[string]any{
							"variations": map[string]any{
								"default": map[string]any{"type": "function", "arn": "arn:aws:lambda:us-east-1:123:function:similar"},
							},
							"filters": []any{
								map[string]any{"arn": "arn:aws:personalize:us-east-1:123:filter/vip-only", "condition": "user-required"},
								map[string]any{"arn": "arn:aws:personalize:us-east-1:123:filter/catalog-wide"},
							},
						},
					},
				},
			},
		},
	}
	rt := newTestRouter(t, doc, backend, nil)

	req := httptest.NewRequest(http.MethodGet, "/related-items/storefront/similar/item-1", nil)
	rr := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "arn:aws:personalize:us-east-1:123:filter/catalog-wide", backend.lastReq.FilterArn)
}

func TestHandleRecommendItemsDiscardsFilterValuesWhenNoFilterConfigured(t *testing.T) {
	backend := &stubResolver{response: resolver.Response{ItemList: []resolver.Item{{ItemID: "i1"}}}}
	rt := newTestRouter(t, basicRecommenderDoc("function"), backend, nil)

	req := httptest.NewRequest(http.MethodGet, `/recommend-items/storefront/home-page/user-1?filterValues={"genre":"comedy"}`, nil)
	rr := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, backend.lastReq.FilterArn)
	assert.Nil(t, backend.lastReq.FilterValues)
}

func rerankDoc() map[string]any {
	return map[string]any{
		"namespaces": map[string]any{
			"storefront": map[string]any{
				"recommenders": map[string]any{
					"rerank-items": map[string]any{
						"checkout": map[string]any{
							"variations": map[string]any{
								"default": map[string]any{"type": "function", "arn": "arn:aws:lambda:us-east-1:123:function:rerank"},
							},
						},
					},
				},
			},
		},
	}
}

func TestHandleRerankItemsGetSplitsCommaSeparatedItems(t *testing.T) {
	backend := &stubResolver{response: resolver.Response{ItemList: []resolver.Item{{ItemID: "a"}, {ItemID: "b"}}}}
	rt := newTestRouter(t, rerankDoc(), backend, nil)

	req := httptest.NewRequest(http.MethodGet, "/rerank-items/storefront/checkout/user-1/a,b,c", nil)
	rr := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"a", "b", "c"}, backend.lastReq.Items)
}

func TestHandleRerankItemsPostReadsBodyAndSetsNoStore(t *testing.T) {
	backend := &stubResolver{response: resolver.Response{ItemList: []resolver.Item{{ItemID: "a"}}}}
	rt := newTestRouter(t, rerankDoc(), backend, nil)

	body, err := json.Marshal([]string{"x", "y"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/rerank-items/storefront/checkout/user-1", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"x", "y"}, backend.lastReq.Items)
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
}

func TestHandleRerankItemsPostRejectsEmptyBody(t *testing.T) {
	backend := &stubResolver{}
	rt := newTestRouter(t, rerankDoc(), backend, nil)

	body, err := json.Marshal([]string{})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/rerank-items/storefront/checkout/user-1", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleRecommendItemsShortCircuitsOnFreshETag(t *testing.T) {
	backend := &stubResolver{}
	rt := newTestRouter(t, basicRecommenderDoc("function"), backend, nil)

	etag := "1-" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "-60"
	req := httptest.NewRequest(http.MethodGet, "/recommend-items/storefront/home-page/user-1", nil)
	req.Header.Set("If-None-Match", etag)
	rr := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotModified, rr.Code)
	assert.Equal(t, resolver.Request{}, backend.lastReq)
}

func TestHandleEventsDispatchesEachEventToConfiguredTargets(t *testing.T) {
	var sent []eventfanout.Event
	doc := map[string]any{
		"namespaces": map[string]any{
			"storefront": map[string]any{
				"eventTargets": []any{
					map[string]any{"type": "managed-tracker", "trackingId": "tid-1"},
				},
			},
		},
	}
	raw := buildDocument(t, doc)
	provider := configmodel.NewProvider(staticFetcher{raw: raw})
	rt := New(Router{
		Config:       provider,
		ConfigMaxAge: time.Minute,
		AutoContext:  autocontext.New(),
		Variation:    variation.New(nil),
		ResolverFor:  func(string) (resolver.Resolver, bool) { return nil, false },
		Decorators:   decorator.NewRegistry(func(string, configmodel.Node) (decorator.MetadataDecorator, error) { return nil, nil }),
		EventFanOut: eventfanout.New(func(configmodel.Node) (eventfanout.Sink, error) {
			return sinkFunc(func(ctx context.Context, e eventfanout.Event) error {
				sent = append(sent, e)
				return nil
			}), nil
		}),
		PostProcessor: postprocess.New(nil),
	})

	body, err := json.Marshal(map[string]any{
		"eventList": []map[string]any{
			{"eventType": "click", "userId": "user-1", "itemId": "item-1"},
		},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/events/storefront", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, sent, 1)
	assert.Equal(t, "click", sent[0].EventType)
	assert.False(t, sent[0].SentAt.IsZero())
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
}

func TestHandleEventsRecordsConversionsInBackground(t *testing.T) {
	doc := map[string]any{
		"namespaces": map[string]any{
			"storefront": map[string]any{
				"eventTargets": []any{
					map[string]any{"type": "managed-tracker", "trackingId": "tid-1"},
				},
				"recommenders": map[string]any{
					"recommend-items": map[string]any{
						"home-page": map[string]any{
							"experiment": map[string]any{"feature": "home-ranking-test"},
							"variations": map[string]any{
								"default": map[string]any{"type": "function", "arn": "arn:x"},
							},
						},
					},
				},
			},
		},
	}
	raw := buildDocument(t, doc)
	provider := configmodel.NewProvider(staticFetcher{raw: raw})
	evaluator := &stubEvaluator{}
	rt := New(Router{
		Config:       provider,
		ConfigMaxAge: time.Minute,
		AutoContext:  autocontext.New(),
		Variation:    variation.New(evaluator),
		ResolverFor:  func(string) (resolver.Resolver, bool) { return nil, false },
		Decorators:   decorator.NewRegistry(func(string, configmodel.Node) (decorator.MetadataDecorator, error) { return nil, nil }),
		EventFanOut: eventfanout.New(func(configmodel.Node) (eventfanout.Sink, error) {
			return sinkFunc(func(ctx context.Context, e eventfanout.Event) error { return nil }), nil
		}),
		PostProcessor: postprocess.New(nil),
	})

	body, err := json.Marshal(map[string]any{
		"eventList": []map[string]any{
			{"eventType": "purchase", "userId": "user-1"},
		},
		"experimentConversions": []map[string]any{
			{"recommender": "home-page", "experiment": "home-ranking-test", "metric": "conversion-rate"},
		},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/events/storefront", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"home-ranking-test:conversion-rate"}, evaluator.conversions)
}

func TestHandleEventsRejectsConversionForUnconfiguredExperiment(t *testing.T) {
	doc := map[string]any{
		"namespaces": map[string]any{
			"storefront": map[string]any{
				"eventTargets": []any{
					map[string]any{"type": "managed-tracker", "trackingId": "tid-1"},
				},
				"recommenders": map[string]any{
					"recommend-items": map[string]any{
						"home-page": map[string]any{
							"experiment": map[string]any{"feature": "home-ranking-test"},
							"variations": map[string]any{
								"default": map[string]any{"type": "function", "arn": "arn:x"},
							},
						},
					},
				},
			},
		},
	}
	raw := buildDocument(t, doc)
	provider := configmodel.NewProvider(staticFetcher{raw: raw})
	rt := New(Router{
		Config:       provider,
		ConfigMaxAge: time.Minute,
		AutoContext:  autocontext.New(),
		Variation:    variation.New(nil),
		ResolverFor:  func(string) (resolver.Resolver, bool) { return nil, false },
		Decorators:   decorator.NewRegistry(func(string, configmodel.Node) (decorator.MetadataDecorator, error) { return nil, nil }),
		EventFanOut: eventfanout.New(func(configmodel.Node) (eventfanout.Sink, error) {
			return sinkFunc(func(ctx context.Context, e eventfanout.Event) error { return nil }), nil
		}),
		PostProcessor: postprocess.New(nil),
	})

	body, err := json.Marshal(map[string]any{
		"eventList": []map[string]any{
			{"eventType": "purchase", "userId": "user-1"},
		},
		"experimentConversions": []map[string]any{
			{"recommender": "home-page", "experiment": "unrelated-test", "metric": "conversion-rate"},
		},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/events/storefront", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

type sinkFunc func(ctx context.Context, e eventfanout.Event) error

func (f sinkFunc) Send(ctx context.Context, e eventfanout.Event) error { return f(ctx, e) }

