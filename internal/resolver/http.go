package resolver

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws-samples/personalization-apis-go/internal/apierrors"
	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
)

// HttpResolver serves requests by calling a generic HTTP endpoint named on
// the variation. The endpoint receives the request as a JSON POST body
// and is expected to answer with {"itemList": [...]}.
//
// The underlying client mirrors the connection-pooling and TLS-floor
// settings used elsewhere in the gateway for calls to operator-owned
// endpoints: bounded idle connections, keep-alives on, TLS 1.2 minimum.
type HttpResolver struct {
	Client *http.Client
}

// NewHttpResolver builds an HttpResolver with pooled keep-alive
// connections and a 2s request timeout.
func NewHttpResolver() *HttpResolver {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &HttpResolver{Client: &http.Client{Transport: transport, Timeout: 2 * time.Second}}
}

type httpPayload struct {
	Action          Action         `json:"action"`
	UserID          string         `json:"userId,omitempty"`
	ItemID          string         `json:"itemId,omitempty"`
	Items           []string       `json:"items,omitempty"`
	NumResults      int            `json:"numResults"`
	Context         map[string]any `json:"context,omitempty"`
	FilterArn       string         `json:"filterArn,omitempty"`
	FilterValues    map[string]any `json:"filterValues,omitempty"`
	MetadataColumns []string       `json:"metadataColumns,omitempty"`
}

func (r *HttpResolver) Resolve(ctx context.Context, variation configmodel.Node, req Request) (Response, error) {
	endpoint, err := stringField(variation, "url")
	if err != nil {
		return Response{}, err
	}
	endpoint = ExpandTemplate(endpoint, map[string]string{"userId": req.UserID, "itemId": req.ItemID})

	u, err := url.Parse(endpoint)
	if err != nil {
		return Response{}, apierrors.Misconfigured("invalid_variation_url", "variation url could not be parsed").WithDetails(err.Error())
	}
	q := u.Query()
	if req.UserID != "" {
		q.Set("userId", req.UserID)
	}
	if req.ItemID != "" {
		q.Set("itemId", req.ItemID)
	}
	q.Set("numResults", strconv.Itoa(req.NumResults))
	if req.FilterArn != "" {
		q.Set("filter", req.FilterArn)
	}
	u.RawQuery = q.Encode()

	payload := httpPayload{
		Action:          req.Action,
		UserID:          req.UserID,
		ItemID:          req.ItemID,
		Items:           req.Items,
		NumResults:      req.NumResults,
		Context:         req.Context,
		FilterArn:       req.FilterArn,
		FilterValues:    req.FilterValues,
		MetadataColumns: req.MetadataColumns,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, apierrors.Internal(err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return Response{}, apierrors.Internal(err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if headers, ok := variation["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(k, s)
			}
		}
	}

	resp, err := r.Client.Do(httpReq)
	if err != nil {
		return Response{}, apierrors.Downstream("http_resolver_unreachable", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Response{}, apierrors.Throttled("http_resolver_throttled", "downstream http endpoint is throttling requests")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, apierrors.Downstream("http_resolver_bad_status", "downstream http endpoint returned status "+strconv.Itoa(resp.StatusCode))
	}

	var decoded Response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Response{}, apierrors.Downstream("http_resolver_invalid_response", "downstream http endpoint response was not valid JSON").WithDetails(err.Error())
	}
	return decoded, nil
}

// ExpandTemplate substitutes {placeholder} tokens in a URL template with
// values, used by variations that name a url template referencing
// {userId}/{itemId} rather than relying on the resolver's own query
// parameter assembly.
func ExpandTemplate(tmpl string, values map[string]string) string {
	out := tmpl
	for k, v := range values {
		out = strings.ReplaceAll(out, "{"+k+"}", url.PathEscape(v))
	}
	return out
}
