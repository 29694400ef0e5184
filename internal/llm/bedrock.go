package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// converseAPI is the slice of the Bedrock runtime client we call.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

type Bedrock struct {
	api     converseAPI
	modelID string
}

func NewBedrock(api converseAPI, modelID string) (*Bedrock, error) {
	if api == nil {
		return nil, errors.New("llm: bedrock api must not be nil")
	}
	if strings.TrimSpace(modelID) == "" {
		return nil, errors.New("llm: bedrock model id is required")
	}
	return &Bedrock{api: api, modelID: modelID}, nil
}

// NewBedrockFromEnv resolves AWS credentials the standard way and builds
// a Bedrock runtime client for region.
func NewBedrockFromEnv(ctx context.Context, region, modelID string) (*Bedrock, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("llm: load aws config: %w", err)
	}
	return NewBedrock(bedrockruntime.NewFromConfig(awsCfg), modelID)
}

func (g *Bedrock) Generate(ctx context.Context, req Request) (string, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(g.modelID),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: req.User}},
		}},
		InferenceConfig: &brtypes.InferenceConfiguration{
			Temperature: aws.Float32(req.Temperature),
		},
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}

	out, err := g.api.Converse(ctx, input)
	if err != nil {
		return "", fmt.Errorf("llm: bedrock converse: %w", err)
	}
	return bedrockText(out)
}

func bedrockText(out *bedrockruntime.ConverseOutput) (string, error) {
	if out == nil {
		return "", ErrEmptyResponse
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("llm: bedrock response did not include a message")
	}
	var b strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", ErrEmptyResponse
	}
	return b.String(), nil
}
