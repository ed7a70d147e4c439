package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws-samples/personalization-apis-go/internal/apierrors"
	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
	"github.com/aws-samples/personalization-apis-go/internal/obsv"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/personalizeruntime"
	"github.com/aws/aws-sdk-go-v2/service/personalizeruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampNumResults(t *testing.T) {
	assert.Equal(t, 1, ClampNumResults(0))
	assert.Equal(t, 1, ClampNumResults(-5))
	assert.Equal(t, 25, ClampNumResults(25))
	assert.Equal(t, MaxNumResults, ClampNumResults(10000))
}

func TestIsRecommenderArn(t *testing.T) {
	assert.True(t, isRecommenderArn("arn:aws:personalize:us-east-1:1:recommender/homepage"))
	assert.False(t, isRecommenderArn("arn:aws:personalize:us-east-1:1:campaign/homepage"))
	assert.False(t, isRecommenderArn("not-an-arn"))
}

type stubPersonalizeClient struct {
	recsOut    *personalizeruntime.GetRecommendationsOutput
	recsErr    error
	rankOut    *personalizeruntime.GetPersonalizedRankingOutput
	lastInput  *personalizeruntime.GetRecommendationsInput
}

func (s *stubPersonalizeClient) GetRecommendations(ctx context.Context, params *personalizeruntime.GetRecommendationsInput, optFns ...func(*personalizeruntime.Options)) (*personalizeruntime.GetRecommendationsOutput, error) {
	s.lastInput = params
	return s.recsOut, s.recsErr
}

func (s *stubPersonalizeClient) GetPersonalizedRanking(ctx context.Context, params *personalizeruntime.GetPersonalizedRankingInput, optFns ...func(*personalizeruntime.Options)) (*personalizeruntime.GetPersonalizedRankingOutput, error) {
	return s.rankOut, nil
}

func TestManagedRecommenderResolverUsesRecommenderArnField(t *testing.T) {
	stub := &stubPersonalizeClient{
		recsOut: &personalizeruntime.GetRecommendationsOutput{
			ItemList: []types.PredictedItem{{ItemId: aws.String("item-1"), Score: aws.Float64(0.9)}},
		},
	}
	r := NewManagedRecommenderResolver(stub, obsv.Noop{})
	variation := configmodel.Node{"arn": "arn:aws:personalize:us-east-1:1:recommender/homepage"}

	resp, err := r.Resolve(context.Background(), variation, Request{Action: ActionRecommendItems, UserID: "u1", NumResults: 10})
	require.NoError(t, err)
	assert.Equal(t, "item-1", resp.ItemList[0].ItemID)
	require.NotNil(t, stub.lastInput.RecommenderArn)
	assert.Nil(t, stub.lastInput.CampaignArn)
}

func TestManagedRecommenderResolverUsesCampaignArnField(t *testing.T) {
	stub := &stubPersonalizeClient{recsOut: &personalizeruntime.GetRecommendationsOutput{}}
	r := NewManagedRecommenderResolver(stub, obsv.Noop{})
	variation := configmodel.Node{"arn": "arn:aws:personalize:us-east-1:1:campaign/homepage"}

	_, err := r.Resolve(context.Background(), variation, Request{Action: ActionRelatedItems, ItemID: "i1"})
	require.NoError(t, err)
	require.NotNil(t, stub.lastInput.CampaignArn)
	assert.Nil(t, stub.lastInput.RecommenderArn)
}

func TestManagedRecommenderResolverClassifiesThrottling(t *testing.T) {
	stub := &stubPersonalizeClient{recsErr: &types.LimitExceededException{Message: aws.String("slow down")}}
	r := NewManagedRecommenderResolver(stub, obsv.Noop{})
	variation := configmodel.Node{"arn": "arn:aws:personalize:us-east-1:1:recommender/homepage"}

	_, err := r.Resolve(context.Background(), variation, Request{Action: ActionRecommendItems, UserID: "u1"})
	require.Error(t, err)
	apiErr := apierrors.As(err)
	assert.Equal(t, 429, apiErr.StatusCode())
}

func TestManagedRecommenderResolverRequiresArn(t *testing.T) {
	r := NewManagedRecommenderResolver(&stubPersonalizeClient{}, nil)
	_, err := r.Resolve(context.Background(), configmodel.Node{}, Request{Action: ActionRecommendItems})
	require.Error(t, err)
}

func TestHttpResolverPostsPayloadAndParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "u1", req.URL.Query().Get("userId"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"itemList":[{"itemId":"x1"}]}`))
	}))
	defer srv.Close()

	r := NewHttpResolver()
	variation := configmodel.Node{"url": srv.URL}
	resp, err := r.Resolve(context.Background(), variation, Request{Action: ActionRecommendItems, UserID: "u1", NumResults: 5})
	require.NoError(t, err)
	require.Len(t, resp.ItemList, 1)
	assert.Equal(t, "x1", resp.ItemList[0].ItemID)
}

func TestHttpResolverMapsThrottleStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r := NewHttpResolver()
	variation := configmodel.Node{"url": srv.URL}
	_, err := r.Resolve(context.Background(), variation, Request{Action: ActionRecommendItems})
	require.Error(t, err)
	assert.Equal(t, 429, apierrors.As(err).StatusCode())
}

func TestHttpResolverRequiresURL(t *testing.T) {
	r := NewHttpResolver()
	_, err := r.Resolve(context.Background(), configmodel.Node{}, Request{})
	require.Error(t, err)
}

func TestExpandTemplateSubstitutesPlaceholders(t *testing.T) {
	out := ExpandTemplate("https://svc/users/{userId}/items/{itemId}", map[string]string{"userId": "u 1", "itemId": "i1"})
	assert.Equal(t, "https://svc/users/u%201/items/i1", out)
}
