package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/telemetry"
)

// DefaultBedrockModel is used when no model is configured for bedrock
const DefaultBedrockModel = "anthropic.claude-3-5-haiku-20241022-v1:0"

// converser is the part of the Bedrock runtime client the planner needs
type converser interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockClient implements core.AIClient over the Bedrock Converse API
type BedrockClient struct {
	api       converser
	region    string
	model     string
	maxTokens int

	logger    core.Logger
	telemetry core.Telemetry
}

// BedrockOptions configures NewBedrockClient
type BedrockOptions struct {
	Region string
	Model  string
	// Credentials of the form ACCESS_KEY_ID:SECRET_ACCESS_KEY select static
	// credentials. Empty uses the SDK default chain.
	Credentials string
	// Endpoint overrides the regional Bedrock endpoint
	Endpoint  string
	Logger    core.Logger
	Telemetry core.Telemetry
}

// NewBedrockClient loads AWS configuration and creates a client
func NewBedrockClient(ctx context.Context, opts BedrockOptions) (*BedrockClient, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.Credentials != "" {
		id, secret, ok := strings.Cut(opts.Credentials, ":")
		if !ok || id == "" || secret == "" {
			return nil, core.NewFrameworkError("ai.NewBedrockClient", "config",
				fmt.Errorf("%w: bedrock credentials must be ACCESS_KEY_ID:SECRET_ACCESS_KEY", core.ErrInvalidConfiguration))
		}
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, secret, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, core.NewFrameworkError("ai.NewBedrockClient", "config",
			fmt.Errorf("%w: load aws config: %v", core.ErrInvalidConfiguration, err))
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	api := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	c := newBedrockClient(api, cfg.Region, opts.Model, opts.Logger, opts.Telemetry)
	c.logger.Info("Bedrock provider initialized", map[string]interface{}{
		"operation": "ai_provider_init",
		"provider":  "bedrock",
		"region":    c.region,
		"model":     c.model,
	})
	return c, nil
}

func newBedrockClient(api converser, region, model string, logger core.Logger, t core.Telemetry) *BedrockClient {
	if model == "" {
		model = DefaultBedrockModel
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if t == nil {
		t = &core.NoOpTelemetry{}
	}
	return &BedrockClient{
		api:       api,
		region:    region,
		model:     model,
		maxTokens: 1000,
		logger:    core.ComponentLogger(logger, "ai"),
		telemetry: t,
	}
}

// GenerateResponse implements core.AIClient
func (c *BedrockClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "ai.generate_response")
	defer span.End()

	model, maxTokens := c.model, c.maxTokens
	var temperature float32
	in := &bedrockruntime.ConverseInput{
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
		}},
	}
	if options != nil {
		if options.Model != "" {
			model = options.Model
		}
		if options.MaxTokens > 0 {
			maxTokens = options.MaxTokens
		}
		temperature = options.Temperature
		if options.SystemPrompt != "" {
			in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: options.SystemPrompt}}
		}
	}
	in.ModelId = aws.String(model)
	in.InferenceConfig = &types.InferenceConfiguration{
		MaxTokens:   aws.Int32(int32(maxTokens)),
		Temperature: aws.Float32(temperature),
	}
	span.SetAttribute("ai.provider", "bedrock")
	span.SetAttribute("ai.model", model)
	span.SetAttribute("ai.region", c.region)
	span.SetAttribute("ai.prompt_length", len(prompt))

	start := time.Now()
	out, err := c.api.Converse(ctx, in)
	if err != nil {
		err = classifyBedrockError(err)
		span.RecordError(err)
		c.logger.Error("Bedrock request failed", telemetry.LogFields(ctx, map[string]interface{}{
			"operation": "ai_request",
			"provider":  "bedrock",
			"model":     model,
			"error":     err.Error(),
		}))
		return nil, err
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		err := fmt.Errorf("bedrock returned no message output")
		span.RecordError(err)
		return nil, err
	}
	var content strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			content.WriteString(text.Value)
		}
	}
	if content.Len() == 0 {
		err := fmt.Errorf("bedrock response has no text content")
		span.RecordError(err)
		return nil, err
	}

	resp := &core.AIResponse{Content: content.String(), Model: model}
	if u := out.Usage; u != nil {
		resp.Usage = core.TokenUsage{
			PromptTokens:     int(aws.ToInt32(u.InputTokens)),
			CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
		}
	}
	span.SetAttribute("ai.total_tokens", resp.Usage.TotalTokens)
	span.SetAttribute("ai.stop_reason", string(out.StopReason))
	c.logger.Info("AI response received", telemetry.LogFields(ctx, map[string]interface{}{
		"operation":    "ai_request",
		"provider":     "bedrock",
		"model":        model,
		"total_tokens": resp.Usage.TotalTokens,
		"duration_ms":  time.Since(start).Milliseconds(),
	}))
	return resp, nil
}

// classifyBedrockError maps throttling and availability faults to retryable
// connection failures and validation faults to request failures. The SDK has
// already retried by the time an error reaches here.
func classifyBedrockError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var (
		throttled   *types.ThrottlingException
		unavailable *types.ServiceUnavailableException
		invalid     *types.ValidationException
		denied      *types.AccessDeniedException
	)
	switch {
	case errors.As(err, &throttled), errors.As(err, &unavailable):
		return fmt.Errorf("%w: bedrock: %v", core.ErrConnectionFailed, err)
	case errors.As(err, &denied):
		return fmt.Errorf("%w: bedrock access denied: %v", core.ErrInvalidConfiguration, err)
	case errors.As(err, &invalid):
		return fmt.Errorf("%w: bedrock: %v", core.ErrRequestFailed, err)
	default:
		return fmt.Errorf("bedrock converse: %w", err)
	}
}
