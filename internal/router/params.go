package router

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/aws-samples/personalization-apis-go/internal/apierrors"
)

const defaultNumResults = 25

// commonParams holds the query parameters shared by every GET endpoint.
type commonParams struct {
	UserID        string
	ItemID        string
	NumResults    int
	Filter        string
	FilterValues  map[string]any
	Context       map[string]any
	DecorateItems bool
	SyntheticUser bool
	Feature       string
}

func parseCommonParams(r *http.Request) (commonParams, error) {
	q := r.URL.Query()

	p := commonParams{
		UserID:        q.Get("userId"),
		ItemID:        q.Get("itemId"),
		NumResults:    defaultNumResults,
		Filter:        q.Get("filter"),
		DecorateItems: true,
		Feature:       q.Get("feature"),
	}

	if v := q.Get("numResults"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return commonParams{}, apierrors.Validation("invalid_num_results", "numResults must be a positive integer")
		}
		p.NumResults = n
	}

	if v := q.Get("decorateItems"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return commonParams{}, apierrors.Validation("invalid_decorate_items", "decorateItems must be true or false")
		}
		p.DecorateItems = b
	}

	if v := q.Get("syntheticUser"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return commonParams{}, apierrors.Validation("invalid_synthetic_user", "syntheticUser must be true or false")
		}
		p.SyntheticUser = b
	}

	if v := q.Get("filterValues"); v != "" {
		if err := json.Unmarshal([]byte(v), &p.FilterValues); err != nil {
			return commonParams{}, apierrors.Validation("invalid_filter_values", "filterValues must be a JSON object").WithDetails(err.Error())
		}
	}

	if v := q.Get("context"); v != "" {
		if err := json.Unmarshal([]byte(v), &p.Context); err != nil {
			return commonParams{}, apierrors.Validation("invalid_context", "context must be a JSON object").WithDetails(err.Error())
		}
	}

	return p, nil
}

// decodeRerankBody decodes the body-list rerank request body, a bare JSON
// array of item ids (spec.md §6), not an enveloping object.
func decodeRerankBody(r *http.Request) ([]string, error) {
	var items []string
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		return nil, apierrors.Validation("invalid_body", "request body must be a JSON array of item ids").WithDetails(err.Error())
	}
	if len(items) == 0 {
		return nil, apierrors.Validation("missing_items", "rerank requests require a non-empty items list")
	}
	return items, nil
}

// inboundEvent is one entry of an ingestion request's eventList.
type inboundEvent struct {
	EventType  string         `json:"eventType"`
	UserID     string         `json:"userId"`
	SessionID  string         `json:"sessionId"`
	ItemID     string         `json:"itemId"`
	EventValue *float64       `json:"eventValue"`
	Properties map[string]any `json:"properties"`
	SentAt     *int64         `json:"sentAt"`
}

// experimentConversion references a recommender's experiment/metric pair
// a conversion should be attributed against (spec.md §4.3 conversion path).
type experimentConversion struct {
	Recommender string `json:"recommender"`
	Experiment  string `json:"experiment"`
	Metric      string `json:"metric"`
}

// eventIngestionBody is the POST /events/{namespace} request body.
type eventIngestionBody struct {
	EventList             []inboundEvent         `json:"eventList"`
	ExperimentConversions []experimentConversion `json:"experimentConversions"`
}

func decodeEventBody(r *http.Request) (eventIngestionBody, error) {
	var body eventIngestionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return eventIngestionBody{}, apierrors.Validation("invalid_body", "request body must be valid JSON").WithDetails(err.Error())
	}
	if len(body.EventList) == 0 {
		return eventIngestionBody{}, apierrors.Validation("missing_event_list", "event ingestion requires a non-empty eventList")
	}
	return body, nil
}
