package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws-samples/personalization-apis-go/internal/apierrors"
	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
	"github.com/aws-samples/personalization-apis-go/internal/obsv"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/personalizeruntime"
	"github.com/aws/aws-sdk-go-v2/service/personalizeruntime/types"
)

// PersonalizeRuntimeClient is the subset of personalizeruntime.Client this
// resolver calls, narrowed to an interface so tests can stub it.
type PersonalizeRuntimeClient interface {
	GetRecommendations(ctx context.Context, params *personalizeruntime.GetRecommendationsInput, optFns ...func(*personalizeruntime.Options)) (*personalizeruntime.GetRecommendationsOutput, error)
	GetPersonalizedRanking(ctx context.Context, params *personalizeruntime.GetPersonalizedRankingInput, optFns ...func(*personalizeruntime.Options)) (*personalizeruntime.GetPersonalizedRankingOutput, error)
}

// ManagedRecommenderResolver serves recommend/related/rerank requests
// against an Amazon Personalize recommender or campaign. Which ARN
// parameter is populated (RecommenderArn vs CampaignArn) is decided by
// inspecting the ARN's resource segment, matching how the rest of the
// control plane tells the two apart.
type ManagedRecommenderResolver struct {
	Client  PersonalizeRuntimeClient
	Metrics obsv.Metrics
}

// NewManagedRecommenderResolver builds a ManagedRecommenderResolver. A nil
// Metrics is replaced with a no-op implementation.
func NewManagedRecommenderResolver(client PersonalizeRuntimeClient, metrics obsv.Metrics) *ManagedRecommenderResolver {
	if metrics == nil {
		metrics = obsv.Noop{}
	}
	return &ManagedRecommenderResolver{Client: client, Metrics: metrics}
}

// isRecommenderArn decides, from an ARN's resource segment, whether it
// names a recommender (as opposed to a legacy campaign). ARNs look like
// arn:aws:personalize:<region>:<account>:recommender/<name> or
// arn:aws:personalize:<region>:<account>:campaign/<name>.
func isRecommenderArn(arn string) bool {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) < 6 {
		return false
	}
	return strings.HasPrefix(parts[5], "recommender/")
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func filterValuesToStrings(values map[string]any) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = stringifyValue(v)
	}
	return out
}

func contextToStrings(ctxMap map[string]any) map[string]string {
	return filterValuesToStrings(ctxMap)
}

func (r *ManagedRecommenderResolver) Resolve(ctx context.Context, variation configmodel.Node, req Request) (Response, error) {
	arn, err := stringField(variation, "arn")
	if err != nil {
		return Response{}, err
	}

	switch req.Action {
	case ActionRerankItems:
		return r.rerank(ctx, arn, variation, req)
	default:
		return r.recommend(ctx, arn, variation, req)
	}
}

func (r *ManagedRecommenderResolver) recommend(ctx context.Context, arn string, variation configmodel.Node, req Request) (Response, error) {
	input := &personalizeruntime.GetRecommendationsInput{
		NumResults: aws.Int32(int32(ClampNumResults(req.NumResults))),
	}
	if isRecommenderArn(arn) {
		input.RecommenderArn = aws.String(arn)
	} else {
		input.CampaignArn = aws.String(arn)
	}
	if req.UserID != "" {
		input.UserId = aws.String(req.UserID)
	}
	if req.ItemID != "" {
		input.ItemId = aws.String(req.ItemID)
	}
	if req.FilterArn != "" {
		input.FilterArn = aws.String(req.FilterArn)
	}
	if fv := filterValuesToStrings(req.FilterValues); fv != nil {
		input.FilterValues = fv
	}
	if cv := contextToStrings(req.Context); cv != nil {
		input.Context = cv
	}
	if vtype, _ := variation["type"].(string); vtype == "personalize-recommender" && len(req.MetadataColumns) > 0 {
		input.MetadataColumns = map[string][]string{"ITEMS": req.MetadataColumns}
	}

	out, err := r.Client.GetRecommendations(ctx, input)
	if err != nil {
		return Response{}, r.classify(arn, err)
	}

	items := make([]Item, 0, len(out.ItemList))
	for _, it := range out.ItemList {
		item := Item{}
		if it.ItemId != nil {
			item.ItemID = *it.ItemId
		}
		if it.Score != nil {
			item.Score = *it.Score
		}
		items = append(items, item)
	}
	return Response{ItemList: items}, nil
}

func (r *ManagedRecommenderResolver) rerank(ctx context.Context, arn string, variation configmodel.Node, req Request) (Response, error) {
	input := &personalizeruntime.GetPersonalizedRankingInput{
		CampaignArn: aws.String(arn),
		InputList:   req.Items,
	}
	if req.UserID != "" {
		input.UserId = aws.String(req.UserID)
	}
	if req.FilterArn != "" {
		input.FilterArn = aws.String(req.FilterArn)
	}
	if fv := filterValuesToStrings(req.FilterValues); fv != nil {
		input.FilterValues = fv
	}
	if cv := contextToStrings(req.Context); cv != nil {
		input.Context = cv
	}

	out, err := r.Client.GetPersonalizedRanking(ctx, input)
	if err != nil {
		return Response{}, r.classify(arn, err)
	}

	items := make([]Item, 0, len(out.PersonalizedRanking))
	for _, it := range out.PersonalizedRanking {
		item := Item{}
		if it.ItemId != nil {
			item.ItemID = *it.ItemId
		}
		if it.Score != nil {
			item.Score = *it.Score
		}
		items = append(items, item)
	}
	return Response{ItemList: items}, nil
}

func (r *ManagedRecommenderResolver) classify(arn string, err error) error {
	var throttling *types.LimitExceededException
	if errors.As(err, &throttling) {
		r.Metrics.IncCounter("resolver_throttles_total", "arn", arn)
		return apierrors.Throttled("recommender_throttled", "the managed recommender is throttling requests")
	}
	return apierrors.Downstream("recommender_invoke_failed", err.Error())
}
