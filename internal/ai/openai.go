package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/kozaktomas/shelf-matcher/internal/product"
)

const defaultOpenAIModel = string(openai.ChatModelGPT4_1Mini)

type OpenAIProvider struct {
	usageTracker
	client *openai.Client
	opts   Options
}

// NewOpenAIProvider creates an OpenAI comparator. Extra request options
// (e.g. option.WithBaseURL in tests) are passed to the client.
func NewOpenAIProvider(apiKey string, opts Options, extra ...option.RequestOption) *OpenAIProvider {
	if opts.Model == "" {
		opts.Model = defaultOpenAIModel
	}
	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, extra...)...)
	return &OpenAIProvider{
		usageTracker: usageTracker{pricing: opts.Pricing},
		client:       &client,
		opts:         opts,
	}
}

func (p *OpenAIProvider) Name() string {
	return p.opts.Model
}

func (p *OpenAIProvider) Compare(ctx context.Context, crop, reference []byte, attrs product.Attributes, candidate CandidateMeta) (*PairResult, error) {
	return runCompare(ctx, p.newSession, p.opts, crop, reference, attrs, candidate)
}

func (p *OpenAIProvider) SelectBest(ctx context.Context, crop []byte, attrs product.Attributes, candidates []CandidateImage) (*SelectionResult, error) {
	return runSelect(ctx, p.newSession, p.opts, crop, attrs, candidates)
}

type openAISession struct {
	p        *OpenAIProvider
	messages []openai.ChatCompletionMessageParamUnion
}

func (p *OpenAIProvider) newSession(req request) session {
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(req.text),
	}
	for _, img := range req.images {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL:    "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img),
			Detail: "high",
		}))
	}

	return &openAISession{
		p: p,
		messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(req.system),
					},
				},
			},
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfArrayOfContentParts: parts,
					},
				},
			},
		},
	}
}

func (s *openAISession) send(ctx context.Context) (string, error) {
	resp, err := s.p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(s.p.opts.Model),
		Messages: s.messages,
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
		MaxTokens: openai.Int(800),
	})
	if err != nil {
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no response from OpenAI")
	}

	s.p.trackUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp.Choices[0].Message.Content, nil
}

func (s *openAISession) feedback(reply, message string) {
	s.messages = append(s.messages,
		openai.ChatCompletionMessageParamUnion{
			OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Content: openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(reply),
				},
			},
		},
		openai.ChatCompletionMessageParamUnion{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfString: openai.String(message),
				},
			},
		},
	)
}
