// Package bedrock is an example jobFn adapter for the limiter: it wraps
// AWS Bedrock's Converse API (the one surface common across Claude, Nova,
// Llama and Mistral model families on Bedrock) behind the
// modellimiter.JobFunc shape, so a Bedrock call can be driven straight
// through queueJob. Nothing in internal/limiter imports this package —
// it's wired in only by cmd/limiterd's simulate command.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/oriys/llmlimiter/internal/domain"
	"github.com/oriys/llmlimiter/internal/modellimiter"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Client wraps a bedrockruntime.Client; the native model ID is supplied
// per request in ConverseRequest.
type Client struct {
	runtime *bedrockruntime.Client
}

// NewClient loads AWS credentials (static if provided, otherwise the SDK's
// default credential chain) and builds a Bedrock Runtime client, grounded
// on the pack's BedrockClient.NewBedrockClient IAM-credentials path.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Client{runtime: bedrockruntime.NewFromConfig(awsCfg)}, nil
}

// ConverseRequest is the minimal input this adapter needs: the native
// Bedrock model ID and the user prompt.
type ConverseRequest struct {
	NativeModelID string
	SystemPrompt  string
	Prompt        string
}

// JobFunc builds a modellimiter.JobFunc that calls Converse against req
// and maps the result into the done/delegate/fail outcomes the
// orchestrator expects. A ThrottlingException maps to OutcomeDelegate so
// the controller escalates to the next model in order; any other error
// maps to OutcomeFail.
func (c *Client) JobFunc(req ConverseRequest) modellimiter.JobFunc {
	return func(modelID string) modellimiter.JobResult {
		ctx := context.Background()

		input := &bedrockruntime.ConverseInput{
			ModelId: &req.NativeModelID,
			Messages: []types.Message{
				{
					Role: types.ConversationRoleUser,
					Content: []types.ContentBlock{
						&types.ContentBlockMemberText{Value: req.Prompt},
					},
				},
			},
		}
		if req.SystemPrompt != "" {
			input.System = []types.SystemContentBlock{
				&types.SystemContentBlockMemberText{Value: req.SystemPrompt},
			}
		}

		out, err := c.runtime.Converse(ctx, input)
		if err != nil {
			var throttled *types.ThrottlingException
			if errors.As(err, &throttled) {
				return modellimiter.JobResult{
					Outcome: modellimiter.OutcomeDelegate,
					Err:     err,
				}
			}
			return modellimiter.JobResult{Outcome: modellimiter.OutcomeFail, Err: err}
		}

		usage := domain.Usage{ModelID: modelID, RequestCount: 1}
		if out.Usage != nil {
			if out.Usage.InputTokens != nil {
				usage.InputTokens = int(*out.Usage.InputTokens)
			}
			if out.Usage.OutputTokens != nil {
				usage.OutputTokens = int(*out.Usage.OutputTokens)
			}
		}

		return modellimiter.JobResult{
			Outcome: modellimiter.OutcomeDone,
			Usage:   usage,
			Text:    extractText(out),
		}
	}
}

// extractText pulls the text of the first text content block from a
// Converse response.
func extractText(out *bedrockruntime.ConverseOutput) string {
	msgOutput, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	for _, block := range msgOutput.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			return text.Value
		}
	}
	return ""
}
