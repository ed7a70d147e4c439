// Package router wires every domain package together behind the gateway's
// HTTP surface: five endpoints covering recommend-items, related-items,
// rerank-items (GET and POST) and event ingestion (spec.md §4.9).
package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws-samples/personalization-apis-go/internal/autocontext"
	"github.com/aws-samples/personalization-apis-go/internal/background"
	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
	"github.com/aws-samples/personalization-apis-go/internal/decorator"
	"github.com/aws-samples/personalization-apis-go/internal/eventfanout"
	"github.com/aws-samples/personalization-apis-go/internal/obsv"
	"github.com/aws-samples/personalization-apis-go/internal/postprocess"
	"github.com/aws-samples/personalization-apis-go/internal/resolver"
	"github.com/aws-samples/personalization-apis-go/internal/variation"
	"github.com/gorilla/mux"
)

// ResolverFor picks which resolver.Resolver serves a variation, keyed by
// the variation's "type" field.
type ResolverFor func(variationType string) (resolver.Resolver, bool)

// Router holds every collaborator a request needs and exposes the wired
// *mux.Router.
type Router struct {
	Config             *configmodel.Provider
	ConfigMaxAge       time.Duration
	// Region and AccountID identify the process for filter-arn expansion
	// (spec.md §4.9 step 5): arn:aws:personalize:<region>:<accountId>:filter/<name>.
	Region             string
	AccountID          string
	AutoContext        *autocontext.Resolver
	Variation          *variation.Selector
	ResolverFor        ResolverFor
	Decorators         *decorator.Registry
	EventFanOut        *eventfanout.FanOut
	PostProcessor      *postprocess.PostProcessor
	Metrics            obsv.Metrics
	Logger             *slog.Logger
	BackgroundPoolSize int
}

// New builds a Router, defaulting Metrics/Logger when nil.
func New(r Router) *Router {
	if r.Metrics == nil {
		r.Metrics = obsv.Noop{}
	}
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	return &r
}

// Handler builds the *mux.Router serving all five endpoints of spec.md §6.
func (rt *Router) Handler() http.Handler {
	m := mux.NewRouter()
	m.HandleFunc("/recommend-items/{namespace}/{recommender}/{userId}", rt.handleRecommendItems).Methods(http.MethodGet)
	m.HandleFunc("/related-items/{namespace}/{recommender}/{itemId}", rt.handleRelatedItems).Methods(http.MethodGet)
	m.HandleFunc("/rerank-items/{namespace}/{recommender}/{userId}/{itemIds}", rt.handleRerankItemsGet).Methods(http.MethodGet)
	m.HandleFunc("/rerank-items/{namespace}/{recommender}/{userId}", rt.handleRerankItemsPost).Methods(http.MethodPost)
	m.HandleFunc("/events/{namespace}", rt.handleEvents).Methods(http.MethodPost)
	return m
}

func (rt *Router) backgroundGroup() *background.Group {
	return background.New(rt.BackgroundPoolSize, rt.Logger)
}

func (rt *Router) prepareDatastores(ctx context.Context) {
	doc, err := rt.Config.GetConfig(ctx, rt.ConfigMaxAge)
	if err != nil {
		rt.Logger.Warn("router: could not prepare datastores, config unavailable", "error", err)
		return
	}
	rt.Decorators.PrepareDatastores(ctx, doc)
}
