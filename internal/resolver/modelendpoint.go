package resolver

import (
	"context"
	"encoding/json"

	"github.com/aws-samples/personalization-apis-go/internal/apierrors"
	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
)

// SageMakerRuntimeClient is the subset of sagemakerruntime.Client this
// resolver calls.
type SageMakerRuntimeClient interface {
	InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error)
}

// ModelEndpointResolver serves requests by invoking a SageMaker real-time
// inference endpoint, sending the Request as a JSON payload and expecting
// a {"itemList": [...]} JSON response.
type ModelEndpointResolver struct {
	Client SageMakerRuntimeClient
}

func NewModelEndpointResolver(client SageMakerRuntimeClient) *ModelEndpointResolver {
	return &ModelEndpointResolver{Client: client}
}

type modelEndpointPayload struct {
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

func (r *ModelEndpointResolver) Resolve(ctx context.Context, variation configmodel.Node, req Request) (Response, error) {
	endpointName, err := stringField(variation, "endpointName")
	if err != nil {
		return Response{}, err
	}

	payload := modelEndpointPayload{
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

	contentType := "application/json"
	if ct, ok := variation["contentType"].(string); ok && ct != "" {
		contentType = ct
	}

	out, err := r.Client.InvokeEndpoint(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(endpointName),
		ContentType:  aws.String(contentType),
		Body:         body,
	})
	if err != nil {
		return Response{}, apierrors.Downstream("model_endpoint_invoke_failed", err.Error())
	}

	var decoded Response
	if err := json.Unmarshal(out.Body, &decoded); err != nil {
		return Response{}, apierrors.Downstream("model_endpoint_invalid_response", "model endpoint response was not valid JSON").WithDetails(err.Error())
	}
	return decoded, nil
}
