package postprocess

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
	"github.com/aws-samples/personalization-apis-go/internal/resolver"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeInferenceNumResultsNoConfigReturnsInput(t *testing.T) {
	assert.Equal(t, 25, ComputeInferenceNumResults(25, nil))
}

func TestComputeInferenceNumResultsAppliesMultiplier(t *testing.T) {
	cfg := configmodel.Node{"lookAheadMultiplier": 3.0}
	assert.Equal(t, 75, ComputeInferenceNumResults(25, cfg))
}

func TestComputeInferenceNumResultsClampsToMaximum(t *testing.T) {
	cfg := configmodel.Node{"lookAheadMultiplier": 10.0, "lookAheadMaximum": 100.0}
	assert.Equal(t, 100, ComputeInferenceNumResults(25, cfg))
}

func TestComputeInferenceNumResultsNeverShrinksBelowInput(t *testing.T) {
	cfg := configmodel.Node{"lookAheadMultiplier": 0.1}
	assert.Equal(t, 25, ComputeInferenceNumResults(25, cfg))
}

func TestTruncateClampsItemList(t *testing.T) {
	resp := resolver.Response{ItemList: []resolver.Item{{ItemID: "a"}, {ItemID: "b"}, {ItemID: "c"}}}
	truncated := Truncate(resp, 2)
	assert.Len(t, truncated.ItemList, 2)
}

func TestTruncateLeavesShortResponseUnchanged(t *testing.T) {
	resp := resolver.Response{ItemList: []resolver.Item{{ItemID: "a"}}}
	truncated := Truncate(resp, 5)
	assert.Len(t, truncated.ItemList, 1)
}

type stubLambdaClient struct {
	sentPayload []byte
	respItems   []resolver.Item
}

func (s *stubLambdaClient) Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error) {
	s.sentPayload = params.Payload
	body, _ := json.Marshal(resolver.Response{ItemList: s.respItems})
	return &lambda.InvokeOutput{Payload: body}, nil
}

func TestProcessInvokesFunctionAndTruncatesResult(t *testing.T) {
	stub := &stubLambdaClient{respItems: []resolver.Item{{ItemID: "a"}, {ItemID: "b"}, {ItemID: "c"}}}
	p := New(stub)

	req := Request{
		Action:      resolver.ActionRecommendItems,
		Recommender: RecommenderRef{Path: "recommend-items/homepage"},
		Variation:   "A",
		UserID:      "u1",
		NumResults:  2,
	}
	resp, err := p.Process(context.Background(), "arn:aws:lambda:us-east-1:1:function:rerank", req, resolver.Response{})
	require.NoError(t, err)
	assert.Len(t, resp.ItemList, 2)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(stub.sentPayload, &sent))
	assert.Equal(t, "1.0", sent["version"])
	assert.Equal(t, "u1", sent["userId"])
}
