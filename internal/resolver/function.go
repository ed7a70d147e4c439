package resolver

import (
	"context"
	"encoding/json"

	"github.com/aws-samples/personalization-apis-go/internal/apierrors"
	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// LambdaClient is the subset of lambda.Client this resolver calls.
type LambdaClient interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// FunctionResolver serves requests by synchronously invoking a custom
// Lambda function, passing it the request and expecting a
// {"itemList": [...]} JSON response.
type FunctionResolver struct {
	Client LambdaClient
}

func NewFunctionResolver(client LambdaClient) *FunctionResolver {
	return &FunctionResolver{Client: client}
}

type functionPayload struct {
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

func (r *FunctionResolver) Resolve(ctx context.Context, variation configmodel.Node, req Request) (Response, error) {
	functionArn, err := stringField(variation, "arn")
	if err != nil {
		return Response{}, err
	}

	payload := functionPayload{
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

	out, err := r.Client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(functionArn),
		InvocationType: types.InvocationTypeRequestResponse,
		Payload:        body,
	})
	if err != nil {
		return Response{}, apierrors.Downstream("function_invoke_failed", err.Error())
	}
	if out.FunctionError != nil {
		return Response{}, apierrors.Downstream("function_invoke_failed", *out.FunctionError).WithDetails(string(out.Payload))
	}

	var decoded Response
	if err := json.Unmarshal(out.Payload, &decoded); err != nil {
		return Response{}, apierrors.Downstream("function_invalid_response", "function response was not valid JSON").WithDetails(err.Error())
	}
	return decoded, nil
}
