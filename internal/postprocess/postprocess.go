// Package postprocess implements the optional post-processing step that
// runs after a resolver returns its raw response: a look-ahead widened
// candidate set is requested from the resolver, a configured function
// re-ranks or filters it, and the result is truncated back to what the
// caller actually asked for (spec.md §4.7).
package postprocess

import (
	"context"
	"encoding/json"

	"github.com/aws-samples/personalization-apis-go/internal/apierrors"
	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
	"github.com/aws-samples/personalization-apis-go/internal/resolver"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// defaultMaxLookAhead mirrors resolver.MaxNumResults: the look-ahead
// candidate count is clamped to the same ceiling the managed resolver
// enforces, since there's no point asking it for more than it will ever
// return.
const defaultMaxLookAhead = resolver.MaxNumResults

// ComputeInferenceNumResults widens numResults by postProcess's configured
// multiplier (default 1, meaning no widening) up to its configured
// maximum (default defaultMaxLookAhead), so the post-process function has
// extra candidates to work with before the final truncation back to
// numResults.
func ComputeInferenceNumResults(numResults int, postProcess configmodel.Node) int {
	if postProcess == nil {
		return numResults
	}
	multiplier := 1.0
	if m, ok := numericField(postProcess, "lookAheadMultiplier"); ok {
		multiplier = m
	}
	maximum := defaultMaxLookAhead
	if m, ok := numericField(postProcess, "lookAheadMaximum"); ok {
		maximum = int(m)
	}

	widened := int(float64(numResults) * multiplier)
	if widened < numResults {
		widened = numResults
	}
	if widened > maximum {
		widened = maximum
	}
	return widened
}

func numericField(node configmodel.Node, field string) (float64, bool) {
	v, ok := node[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// LambdaClient is the subset of lambda.Client this package calls.
type LambdaClient interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// RecommenderRef names which recommender/path/config produced the
// response being post-processed, passed through to the function so it can
// apply recommender-specific logic.
type RecommenderRef struct {
	Path   string         `json:"path"`
	Config map[string]any `json:"config"`
}

type payload struct {
	Version     string           `json:"version"`
	Action      resolver.Action  `json:"action"`
	Recommender RecommenderRef   `json:"recommender"`
	Variation   string           `json:"variation"`
	UserID      string           `json:"userId,omitempty"`
	ItemID      string           `json:"itemId,omitempty"`
	Response    resolver.Response `json:"response"`
}

// Request bundles everything Process needs to build the function payload.
type Request struct {
	Action      resolver.Action
	Recommender RecommenderRef
	Variation   string
	UserID      string
	ItemID      string
	NumResults  int
}

// PostProcessor invokes a configured function with the resolver's raw
// response and truncates whatever it returns back to NumResults.
type PostProcessor struct {
	Client LambdaClient
}

// New builds a PostProcessor around the given Lambda client.
func New(client LambdaClient) *PostProcessor {
	return &PostProcessor{Client: client}
}

const payloadVersion = "1.0"

// Process invokes functionArn with the raw response and truncates the
// function's own response back down to req.NumResults.
func (p *PostProcessor) Process(ctx context.Context, functionArn string, req Request, raw resolver.Response) (resolver.Response, error) {
	body, err := json.Marshal(payload{
		Version:     payloadVersion,
		Action:      req.Action,
		Recommender: req.Recommender,
		Variation:   req.Variation,
		UserID:      req.UserID,
		ItemID:      req.ItemID,
		Response:    raw,
	})
	if err != nil {
		return resolver.Response{}, apierrors.Internal(err.Error())
	}

	out, err := p.Client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(functionArn),
		InvocationType: types.InvocationTypeRequestResponse,
		Payload:        body,
	})
	if err != nil {
		return resolver.Response{}, apierrors.Downstream("post_process_invoke_failed", err.Error())
	}
	if out.FunctionError != nil {
		return resolver.Response{}, apierrors.Downstream("post_process_invoke_failed", *out.FunctionError).WithDetails(string(out.Payload))
	}

	var processed resolver.Response
	if err := json.Unmarshal(out.Payload, &processed); err != nil {
		return resolver.Response{}, apierrors.Downstream("post_process_invalid_response", "post-process function response was not valid JSON").WithDetails(err.Error())
	}

	return Truncate(processed, req.NumResults), nil
}

// Truncate clamps a response's item list to at most numResults entries.
// It's deliberately defensive about a response shorter than numResults
// (returns it unchanged) rather than assuming the function echoed back at
// least as many candidates as it was given.
func Truncate(resp resolver.Response, numResults int) resolver.Response {
	if numResults <= 0 || len(resp.ItemList) <= numResults {
		return resp
	}
	resp.ItemList = resp.ItemList[:numResults]
	return resp
}
