package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
)

// Predictor scores a feature vector.
type Predictor interface {
	Predict(ctx context.Context, vector []float64) (float64, error)
}

// InvokeAPI is the subset of the SageMaker runtime client used here.
type InvokeAPI interface {
	InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error)
}

// SageMakerPredictor calls a SageMaker inference endpoint.
type SageMakerPredictor struct {
	client   InvokeAPI
	endpoint string
}

type sageMakerRequest struct {
	Instances []sageMakerInstance `json:"instances"`
}

type sageMakerInstance struct {
	Features []float64 `json:"features"`
}

type sageMakerResponse struct {
	Scores []struct {
		Score float64 `json:"score"`
	} `json:"scores"`
}

// NewSageMakerPredictor loads AWS configuration for region and builds a
// predictor for endpoint.
func NewSageMakerPredictor(ctx context.Context, endpoint, region string) (*SageMakerPredictor, error) {
	if endpoint == "" {
		return nil, errors.New("prediction: empty sagemaker endpoint")
	}
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("prediction: load aws config: %w", err)
	}
	return NewSageMakerPredictorWithClient(sagemakerruntime.NewFromConfig(cfg), endpoint)
}

// NewSageMakerPredictorWithClient builds a predictor around an existing client.
func NewSageMakerPredictorWithClient(client InvokeAPI, endpoint string) (*SageMakerPredictor, error) {
	if client == nil {
		return nil, errors.New("prediction: nil sagemaker client")
	}
	if endpoint == "" {
		return nil, errors.New("prediction: empty sagemaker endpoint")
	}
	return &SageMakerPredictor{client: client, endpoint: endpoint}, nil
}

// Predict invokes the endpoint with one instance and returns its score.
func (p *SageMakerPredictor) Predict(ctx context.Context, vector []float64) (float64, error) {
	payload, err := json.Marshal(sageMakerRequest{Instances: []sageMakerInstance{{Features: vector}}})
	if err != nil {
		return 0, err
	}
	output, err := p.client.InvokeEndpoint(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(p.endpoint),
		Body:         payload,
		ContentType:  aws.String("application/json"),
		Accept:       aws.String("application/json"),
	})
	if err != nil {
		return 0, fmt.Errorf("prediction: invoke endpoint: %w", err)
	}
	var resp sageMakerResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return 0, fmt.Errorf("prediction: decode response: %w", err)
	}
	if len(resp.Scores) == 0 {
		return 0, errors.New("prediction: empty score list")
	}
	return resp.Scores[0].Score, nil
}
