// Package embeddings provides vector embedding generation via Amazon Bedrock.
package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// ModelTitanEmbedV2 is the model ID for Amazon Titan Embeddings v2.
const ModelTitanEmbedV2 = "amazon.titan-embed-text-v2:0"

// SelfTestInput is the text embedded by SelfTest.
const SelfTestInput = "Test message for embedding"

// ErrEmptyEmbedding is returned when the model responds without a vector.
var ErrEmptyEmbedding = errors.New("model returned an empty embedding")

// Client generates vector embeddings from text.
type Client interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// BedrockInvoker abstracts Bedrock model invocation for dependency inversion.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockClient generates embeddings via an Amazon Bedrock Titan model.
type BedrockClient struct {
	client  BedrockInvoker
	modelID string
}

// NewBedrockClient creates a new BedrockClient. An empty modelID selects
// Titan Embeddings v2.
func NewBedrockClient(client BedrockInvoker, modelID string) *BedrockClient {
	if modelID == "" {
		modelID = ModelTitanEmbedV2
	}
	return &BedrockClient{client: client, modelID: modelID}
}

// titanRequest is the request body for Titan Embeddings v2.
type titanRequest struct {
	InputText string `json:"inputText"`
}

// titanResponse is the response body from Titan Embeddings v2.
type titanResponse struct {
	Embedding []float32 `json:"embedding"`
}

// GenerateEmbedding generates a vector embedding for the given text.
func (c *BedrockClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(titanRequest{InputText: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	contentType := "application/json"
	output, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &c.modelID,
		ContentType: &contentType,
		Accept:      &contentType,
		Body:        reqBody,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke model: %w", err)
	}

	var resp titanResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}

	return resp.Embedding, nil
}

// SelfTest embeds SelfTestInput and reports whether a vector came back.
// Failures are logged, not returned.
func SelfTest(ctx context.Context, client Client, logger *slog.Logger) bool {
	tracer := tracing.Tracer("lambda-comms-embeddings")
	ctx, span := tracer.Start(ctx, "embeddings.SelfTest")
	defer span.End()

	if client == nil {
		logger.ErrorContext(ctx, "Embedding client not configured")
		span.SetAttributes(attribute.Bool("success", false))
		return false
	}

	vector, err := client.GenerateEmbedding(ctx, SelfTestInput)
	if err != nil {
		tracing.RecordError(span, err)
		logger.ErrorContext(ctx, "Embedding test failed",
			slog.String("error", err.Error()),
		)
		return false
	}

	span.SetAttributes(
		attribute.Bool("success", true),
		attribute.Int("dimensions", len(vector)),
	)
	logger.InfoContext(ctx, "Embedding test succeeded",
		slog.Int("dimensions", len(vector)),
	)
	return true
}
